package fifo

import (
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpusched/hal"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"
)

const (
	defaultNumChannels       uint32 = 512
	defaultMaxChannelsPerTSG uint32 = 128
	defaultNumSM             uint32 = 8

	defaultRunlistPendingTimeout = 3 * time.Second
	defaultPreemptTimeout        = 3 * time.Second
	defaultChannelRefWaitTimeout = 5 * time.Second
	defaultCtxswTimeout          = 3 * time.Second

	defaultPreemptRetries        = 2
	defaultEmulationTimeoutScale = 10

	defaultTimesliceMinUS     uint32 = 1000
	defaultTimesliceMaxUS     uint32 = 50000
	defaultTimesliceDefaultUS uint32 = 128 << 3

	defaultRecoveryDumpsPerSecond = 1.0
	defaultRecoveryDumpBurst      = 4

	// engine, pbdma and runlist ids are carried in 32-bit masks
	maxMaskID = 32
)

// CreateOptions contains optional settings when creating a scheduler. It is valid to leave all the
// fields blank.
type CreateOptions struct {
	// Flags indicates specific scheduler behaviors to activate or deactivate
	Flags CreateFlags

	// NumChannels is the size of the channel pool. The TSG pool is the same size. Defaults to 512.
	NumChannels uint32
	// MaxChannelsPerTSG is the most channels a single TSG may hold. Defaults to 128, or NumChannels if
	// that is smaller.
	MaxChannelsPerTSG uint32
	// NumRunlistEntries is the capacity of each runlist buffer. Defaults to twice NumChannels, which is
	// enough for every channel in its own TSG.
	NumRunlistEntries int
	// NumSM is the number of SM error state records allocated for each TSG. Defaults to 8.
	NumSM uint32

	// Platform selects silicon or emulation behavior for preemption
	Platform Platform
	// PreemptRetries is the number of times a preemption that is blocked by a pending engine interrupt is
	// retried on silicon before it is reported as timed out. Zero means the default of 2, and a negative
	// value disables retries.
	PreemptRetries int
	// EmulationTimeoutScale multiplies every poll timeout when Platform is PlatformEmulation. Defaults
	// to 10.
	EmulationTimeoutScale int

	// RunlistPendingTimeout bounds the wait for hardware to consume a submitted runlist
	RunlistPendingTimeout time.Duration
	// PreemptTimeout bounds each PBDMA and engine poll during preemption
	PreemptTimeout time.Duration
	// ChannelRefWaitTimeout bounds the wait for other holders to drop their references when a
	// channel is closed without force. Teardown proceeds with a warning when it expires.
	ChannelRefWaitTimeout time.Duration
	// CtxswTimeout is the accumulated time without forward progress after which a TSG is recovered
	CtxswTimeout time.Duration
	// PollInitialDelay and PollMaxDelay bound the exponential delay between hardware polls
	PollInitialDelay time.Duration
	PollMaxDelay     time.Duration
	// Clock measures poll deadlines. Leave nil to use the system clock.
	Clock backoff.Clock

	// TimesliceMinUS, TimesliceMaxUS and TimesliceDefaultUS bound the timeslice a TSG may be given.
	// They default to 1000, 50000 and 1024 microseconds.
	TimesliceMinUS     uint32
	TimesliceMaxUS     uint32
	TimesliceDefaultUS uint32

	// RecoveryDumpsPerSecond and RecoveryDumpBurst rate limit the verbose state dumps written to the
	// log during recovery
	RecoveryDumpsPerSecond float64
	RecoveryDumpBurst      int

	// EventCallbacks is an optional set of callbacks that will be executed when channels are opened,
	// closed or aborted, and when recovery completes
	EventCallbacks *EventCallbackOptions
}

func (o *CreateOptions) applyDefaults() {
	if o.NumChannels == 0 {
		o.NumChannels = defaultNumChannels
	}
	if o.MaxChannelsPerTSG == 0 {
		o.MaxChannelsPerTSG = defaultMaxChannelsPerTSG
		if o.MaxChannelsPerTSG > o.NumChannels {
			o.MaxChannelsPerTSG = o.NumChannels
		}
	}
	if o.NumRunlistEntries == 0 {
		o.NumRunlistEntries = 2 * int(o.NumChannels)
	}
	if o.NumSM == 0 {
		o.NumSM = defaultNumSM
	}
	if o.PreemptRetries == 0 {
		o.PreemptRetries = defaultPreemptRetries
	} else if o.PreemptRetries < 0 {
		o.PreemptRetries = 0
	}
	if o.EmulationTimeoutScale <= 0 {
		o.EmulationTimeoutScale = defaultEmulationTimeoutScale
	}
	if o.RunlistPendingTimeout == 0 {
		o.RunlistPendingTimeout = defaultRunlistPendingTimeout
	}
	if o.PreemptTimeout == 0 {
		o.PreemptTimeout = defaultPreemptTimeout
	}
	if o.ChannelRefWaitTimeout == 0 {
		o.ChannelRefWaitTimeout = defaultChannelRefWaitTimeout
	}
	if o.CtxswTimeout == 0 {
		o.CtxswTimeout = defaultCtxswTimeout
	}
	if o.TimesliceMinUS == 0 {
		o.TimesliceMinUS = defaultTimesliceMinUS
	}
	if o.TimesliceMaxUS == 0 {
		o.TimesliceMaxUS = defaultTimesliceMaxUS
	}
	if o.TimesliceDefaultUS == 0 {
		o.TimesliceDefaultUS = defaultTimesliceDefaultUS
	}
	if o.RecoveryDumpsPerSecond == 0 {
		o.RecoveryDumpsPerSecond = defaultRecoveryDumpsPerSecond
	}
	if o.RecoveryDumpBurst == 0 {
		o.RecoveryDumpBurst = defaultRecoveryDumpBurst
	}
	if o.Clock == nil {
		o.Clock = backoff.SystemClock
	}
}

func (o *CreateOptions) validate() error {
	if o.MaxChannelsPerTSG > o.NumChannels {
		return errors.Newf("fifo.CreateOptions.MaxChannelsPerTSG (%d) is larger than NumChannels (%d)", o.MaxChannelsPerTSG, o.NumChannels)
	}
	if o.NumRunlistEntries < 2 {
		return errors.Newf("fifo.CreateOptions.NumRunlistEntries (%d) cannot hold a single tsg", o.NumRunlistEntries)
	}
	if o.TimesliceMinUS > o.TimesliceMaxUS {
		return errors.Newf("fifo.CreateOptions.TimesliceMinUS (%d) is larger than TimesliceMaxUS (%d)", o.TimesliceMinUS, o.TimesliceMaxUS)
	}
	if o.TimesliceDefaultUS < o.TimesliceMinUS || o.TimesliceDefaultUS > o.TimesliceMaxUS {
		return errors.Newf("fifo.CreateOptions.TimesliceDefaultUS (%d) is outside of [%d, %d]", o.TimesliceDefaultUS, o.TimesliceMinUS, o.TimesliceMaxUS)
	}
	if o.Platform != PlatformSilicon && o.Platform != PlatformEmulation {
		return errors.Newf("fifo.CreateOptions.Platform has unknown value %d", o.Platform)
	}
	return nil
}

// New creates a new Scheduler
//
// logger - Receives debug tracing of every entry point and errors from recovery
//
// h - The chip's hardware abstraction. Every field must be populated.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, h hal.HAL, options CreateOptions) (*Scheduler, error) {
	err := h.Validate()
	if err != nil {
		return nil, err
	}

	options.applyDefaults()
	err = options.validate()
	if err != nil {
		return nil, err
	}

	useMutex := options.Flags&CreateExternallySynchronized == 0

	scheduler := &Scheduler{
		useMutex: useMutex,
		logger:   logger,
		hal:      h,

		createFlags:           options.Flags,
		numChannels:           options.NumChannels,
		maxChannelsPerTSG:     options.MaxChannelsPerTSG,
		numRunlistEntries:     options.NumRunlistEntries,
		numSM:                 options.NumSM,
		interleaveEnabled:     options.Flags&CreateInterleaveDisabled == 0,
		platform:              options.Platform,
		preemptRetries:        options.PreemptRetries,
		emulationTimeoutScale: options.EmulationTimeoutScale,

		runlistPendingTimeout: options.RunlistPendingTimeout,
		preemptTimeout:        options.PreemptTimeout,
		channelRefWaitTimeout: options.ChannelRefWaitTimeout,
		ctxswTimeout:          options.CtxswTimeout,
		pollInitialDelay:      options.PollInitialDelay,
		pollMaxDelay:          options.PollMaxDelay,
		clock:                 options.Clock,

		timesliceMinUS:     options.TimesliceMinUS,
		timesliceMaxUS:     options.TimesliceMaxUS,
		timesliceDefaultUS: options.TimesliceDefaultUS,
	}
	scheduler.callbacks = &eventCallbacks{
		Callbacks: options.EventCallbacks,
		Scheduler: scheduler,
	}

	scheduler.engines, err = newEngineRegistry(h.Engine)
	if err != nil {
		return nil, err
	}

	scheduler.pbdmas, err = newPBDMARegistry(h.PBDMA)
	if err != nil {
		return nil, err
	}

	scheduler.channels = make([]Channel, options.NumChannels)
	for chid := range scheduler.channels {
		scheduler.channels[chid].init(scheduler, uint32(chid))
	}
	scheduler.channelPool.Init(useMutex, scheduler.channels)

	scheduler.tsgMutex.UseMutex = useMutex
	scheduler.tsgs = make([]TSG, options.NumChannels)
	for tsgid := range scheduler.tsgs {
		scheduler.tsgs[tsgid].init(scheduler, uint32(tsgid))
	}

	err = scheduler.setupRunlists()
	if err != nil {
		return nil, err
	}

	scheduler.recovery = &Recovery{
		scheduler:   scheduler,
		logger:      logger,
		dumpLimiter: rate.NewLimiter(rate.Limit(options.RecoveryDumpsPerSecond), options.RecoveryDumpBurst),
	}

	logger.Debug("Scheduler::New",
		slog.Int("NumChannels", int(options.NumChannels)),
		slog.String("Flags", options.Flags.String()),
		slog.String("Platform", options.Platform.String()),
		slog.Int("Engines", len(scheduler.engines.engines)),
		slog.Int("PBDMAs", len(scheduler.pbdmas.pbdmas)),
	)

	return scheduler, nil
}

func (s *Scheduler) setupRunlists() error {
	s.runlists = make([]*Runlist, maxMaskID)

	for _, engine := range s.engines.engines {
		runlistID := engine.RunlistID
		if s.runlists[runlistID] != nil {
			continue
		}

		runlist := newRunlist(s, runlistID, s.engines.EngineMaskForRunlist(runlistID), s.pbdmas.MaskForRunlist(runlistID))
		if runlist.pbdmaMask == 0 {
			return errors.Newf("runlist %d has engines but no pbdma serves it", runlistID)
		}

		s.runlists[runlistID] = runlist
		s.activeRunlistMask |= 1 << runlistID
	}

	grEngine, _ := s.engines.Engine(s.engines.grEngineID)
	s.grRunlistID = grEngine.RunlistID

	return nil
}
