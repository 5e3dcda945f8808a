package fifo

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpusched/fifoutils"
	"github.com/vkngwrapper/gpusched/hal"
	"github.com/vkngwrapper/gpusched/internal/utils"
	"golang.org/x/exp/slog"
)

// SMErrorState is the error state latched by one SM while running a TSG's work
type SMErrorState struct {
	HWWGlobalEsr           uint32
	HWWWarpEsr             uint32
	HWWWarpEsrPC           uint64
	HWWGlobalEsrReportMask uint32
	HWWWarpEsrReportMask   uint32
}

// TSG is a timeslice group: a set of channels on one runlist that share a context and are scheduled
// as a unit. TSGs are allocated once with the scheduler and recycled.
type TSG struct {
	scheduler *Scheduler
	id        uint32

	// guarded by the scheduler's tsg lock
	inUse bool

	// refs counts the owner reference plus one per bound channel
	refs atomic.Int32

	mutex    utils.OptionalRWMutex
	channels []*ChannelRef
	ownerPID int
	smErrors []SMErrorState

	// guarded by the lock of runlist
	numActiveChannels int

	runlist     atomic.Pointer[Runlist]
	timesliceUS atomic.Uint32
	interleave  atomic.Uint32
	abortable   atomic.Bool

	ctxswAccum time.Duration
}

func (t *TSG) init(scheduler *Scheduler, tsgid uint32) {
	t.scheduler = scheduler
	t.id = tsgid
	t.mutex = utils.OptionalRWMutex{UseMutex: scheduler.useMutex}
}

// OpenTSG takes a TSG from the pool and allocates its hardware context. The returned TSG holds the
// owner reference, which is released by Close.
func (s *Scheduler) OpenTSG(ownerPID int) (tsg *TSG, err error) {
	s.logger.Debug("Scheduler::OpenTSG", slog.Int("OwnerPID", ownerPID))

	s.tsgMutex.Lock()
	for tsgid := range s.tsgs {
		if !s.tsgs[tsgid].inUse {
			tsg = &s.tsgs[tsgid]
			tsg.inUse = true
			break
		}
	}
	s.tsgMutex.Unlock()

	if tsg == nil {
		return nil, errors.Wrapf(fifoutils.ErrResourceExhausted, "all %d tsgs are open", len(s.tsgs))
	}

	defer func() {
		if err != nil {
			s.tsgMutex.Lock()
			tsg.inUse = false
			s.tsgMutex.Unlock()
			tsg = nil
		}
	}()

	err = s.hal.TSG.AllocContext(tsg.id)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to allocate context for tsg %d", tsg.id), fifoutils.ErrAllocFailure)
	}

	tsg.mutex.Lock()
	tsg.channels = tsg.channels[:0]
	tsg.ownerPID = ownerPID
	tsg.smErrors = make([]SMErrorState, s.numSM)
	tsg.ctxswAccum = 0
	tsg.mutex.Unlock()

	tsg.numActiveChannels = 0
	tsg.runlist.Store(nil)
	tsg.timesliceUS.Store(s.timesliceDefaultUS)
	tsg.interleave.Store(uint32(InterleaveLevelLow))
	tsg.abortable.Store(true)
	tsg.refs.Store(1)

	s.counters.tsgsOpen.Add(1)

	return tsg, nil
}

// TSGFromID returns the open TSG with the provided id, or nil
func (s *Scheduler) TSGFromID(tsgid uint32) *TSG {
	if tsgid >= uint32(len(s.tsgs)) {
		return nil
	}

	tsg := &s.tsgs[tsgid]
	if tsg.refs.Load() == 0 {
		return nil
	}
	return tsg
}

// Close releases the owner reference. The TSG returns to the pool once its last channel is unbound.
func (t *TSG) Close() {
	t.scheduler.logger.Debug("TSG::Close", slog.Int("TSGID", int(t.id)))
	t.put()
}

func (t *TSG) get() {
	t.refs.Add(1)
}

func (t *TSG) put() {
	refs := t.refs.Add(-1)
	if refs < 0 {
		panic(fmt.Sprintf("tsg %d reference count underflow", t.id))
	}
	if refs == 0 {
		t.release()
	}
}

func (t *TSG) release() {
	s := t.scheduler
	t.abortable.Store(false)

	t.mutex.Lock()
	if len(t.channels) != 0 {
		t.mutex.Unlock()
		panic(fmt.Sprintf("tsg %d released with %d channels still bound", t.id, len(t.channels)))
	}
	t.smErrors = nil
	t.mutex.Unlock()

	err := s.hal.TSG.FreeContext(t.id)
	if err != nil {
		s.logger.Error("failed to free tsg context", slog.Int("TSGID", int(t.id)), slog.Any("error", err))
	}
	t.runlist.Store(nil)

	s.counters.tsgsOpen.Add(-1)

	s.tsgMutex.Lock()
	t.inUse = false
	s.tsgMutex.Unlock()
}

func (t *TSG) ID() uint32 {
	return t.id
}

func (t *TSG) OwnerPID() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	return t.ownerPID
}

// Runlist returns the runlist the TSG is bound to, or nil before its first channel is bound
func (t *TSG) Runlist() *Runlist {
	return t.runlist.Load()
}

func (t *TSG) Timeslice() uint32 {
	return t.timesliceUS.Load()
}

func (t *TSG) InterleaveLevel() InterleaveLevel {
	return InterleaveLevel(t.interleave.Load())
}

func (t *TSG) IsAbortable() bool {
	return t.abortable.Load()
}

func (t *TSG) RefCount() int32 {
	return t.refs.Load()
}

// Channels returns the ids of the bound channels in the order they were bound
func (t *TSG) Channels() []uint32 {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	ids := make([]uint32, 0, len(t.channels))
	for _, member := range t.channels {
		ids = append(ids, member.channel.id)
	}
	return ids
}

func (t *TSG) ChannelCount() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	return len(t.channels)
}

// forEachChannel calls fn with a fresh reference to every bound channel that can still be
// referenced
func (t *TSG) forEachChannel(fn func(channel *Channel)) {
	t.mutex.RLock()
	members := make([]*Channel, 0, len(t.channels))
	for _, member := range t.channels {
		members = append(members, member.channel)
	}
	t.mutex.RUnlock()

	for _, channel := range members {
		ref := channel.Get()
		if ref == nil {
			continue
		}
		fn(channel)
		ref.Put()
	}
}

// Enable enables every bound channel and rings the doorbell of serviceable usermode-submit channels
func (t *TSG) Enable() {
	s := t.scheduler
	s.logger.Debug("TSG::Enable", slog.Int("TSGID", int(t.id)))

	t.mutex.RLock()
	defer t.mutex.RUnlock()

	for _, member := range t.channels {
		channel := member.channel
		err := s.hal.Channel.Enable(channel.id)
		if err != nil {
			s.logger.Error("failed to enable channel", slog.Int("TSGID", int(t.id)), slog.Int("ChannelID", int(channel.id)), slog.Any("error", err))
			continue
		}
		if channel.usermodeSubmit.Load() && !channel.unserviceable.Load() {
			err = s.hal.Channel.RingDoorbell(channel.id)
			if err != nil {
				s.logger.Error("failed to ring doorbell", slog.Int("TSGID", int(t.id)), slog.Int("ChannelID", int(channel.id)), slog.Any("error", err))
			}
		}
	}
}

func (t *TSG) Disable() {
	s := t.scheduler
	s.logger.Debug("TSG::Disable", slog.Int("TSGID", int(t.id)))

	t.mutex.RLock()
	defer t.mutex.RUnlock()

	for _, member := range t.channels {
		err := s.hal.Channel.Disable(member.channel.id)
		if err != nil {
			s.logger.Error("failed to disable channel", slog.Int("TSGID", int(t.id)), slog.Int("ChannelID", int(member.channel.id)), slog.Any("error", err))
		}
	}
}

// Abort disables the TSG, optionally preempts it, and marks every channel unserviceable, reporting
// each through the ChannelAborted callback. TSGs that are being torn down are not aborted.
func (t *TSG) Abort(preempt bool) {
	s := t.scheduler
	s.logger.Debug("TSG::Abort", slog.Int("TSGID", int(t.id)), slog.Bool("Preempt", preempt))

	if !t.abortable.Load() {
		s.logger.Warn("tsg is not abortable", slog.Int("TSGID", int(t.id)))
		return
	}

	t.Disable()

	if preempt {
		err := s.PreemptTSG(t)
		if err != nil {
			s.logger.Error("failed to preempt tsg during abort", slog.Int("TSGID", int(t.id)), slog.Any("error", err))
		}
	}

	t.forEachChannel(func(channel *Channel) {
		channel.unserviceable.Store(true)
		s.callbacks.ChannelAborted(channel.id)
	})
}

// SetErrorNotifier records code on every bound channel
func (t *TSG) SetErrorNotifier(code ErrorNotifier) {
	t.forEachChannel(func(channel *Channel) {
		channel.SetErrorNotifier(code)
	})
}

// MarkError makes every bound channel unserviceable and reports whether any of them asked for
// verbose debug output
func (t *TSG) MarkError() bool {
	verbose := false
	t.forEachChannel(func(channel *Channel) {
		if channel.MarkError() {
			verbose = true
		}
	})
	return verbose
}

// ResetFaultedEngPBDMA clears the engine and PBDMA faulted bits of every bound channel
func (t *TSG) ResetFaultedEngPBDMA(eng, pbdma bool) {
	if !eng && !pbdma {
		return
	}

	s := t.scheduler
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	for _, member := range t.channels {
		err := s.hal.Channel.ResetFaulted(member.channel.id, eng, pbdma)
		if err != nil {
			s.logger.Error("failed to reset faulted bits", slog.Int("ChannelID", int(member.channel.id)), slog.Any("error", err))
		}
	}
}

// SetTimeslice changes the TSG's timeslice and resubmits its runlist if it has one. Values outside
// the scheduler's configured bounds are rejected.
func (t *TSG) SetTimeslice(timesliceUS uint32) error {
	s := t.scheduler
	s.logger.Debug("TSG::SetTimeslice", slog.Int("TSGID", int(t.id)), slog.Int("TimesliceUS", int(timesliceUS)))

	if timesliceUS < s.timesliceMinUS || timesliceUS > s.timesliceMaxUS {
		return errors.Wrapf(fifoutils.ErrInvalidArgument, "timeslice %dus is outside of [%d, %d]", timesliceUS, s.timesliceMinUS, s.timesliceMaxUS)
	}

	t.timesliceUS.Store(timesliceUS)

	runlist := t.runlist.Load()
	if runlist == nil {
		return nil
	}
	return runlist.Reload(true, true)
}

func (t *TSG) SetInterleaveLevel(level InterleaveLevel) error {
	s := t.scheduler
	s.logger.Debug("TSG::SetInterleaveLevel", slog.Int("TSGID", int(t.id)), slog.String("Level", level.String()))

	if level >= numInterleaveLevels {
		return errors.Wrapf(fifoutils.ErrInvalidArgument, "unknown interleave level %d", level)
	}

	t.interleave.Store(uint32(level))

	runlist := t.runlist.Load()
	if runlist == nil {
		return nil
	}
	return runlist.Reload(true, true)
}

// SetRunlistAffinity binds an empty TSG to a runlist ahead of its first channel
func (t *TSG) SetRunlistAffinity(runlistID uint32) error {
	s := t.scheduler
	s.logger.Debug("TSG::SetRunlistAffinity", slog.Int("TSGID", int(t.id)), slog.Int("RunlistID", int(runlistID)))

	runlist := s.Runlist(runlistID)
	if runlist == nil {
		return errors.Wrapf(fifoutils.ErrInvalidArgument, "no engine is served by runlist %d", runlistID)
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	current := t.runlist.Load()
	if current == runlist {
		return nil
	}
	if current != nil && len(t.channels) > 0 {
		return errors.Wrapf(fifoutils.ErrInvalidBinding, "tsg %d has channels bound on runlist %d", t.id, current.id)
	}

	t.runlist.Store(runlist)
	return nil
}

// CheckCtxswTimeout adds elapsed to the time the TSG has gone without forward progress. When the
// accumulated time reaches the scheduler's context switch timeout every channel is given the idle
// timeout notifier and recover is true. verbose reports whether any channel asked for debug output.
func (t *TSG) CheckCtxswTimeout(elapsed time.Duration) (recover bool, verbose bool) {
	s := t.scheduler

	progress := false
	t.forEachChannel(func(channel *Channel) {
		if channel.updateProgress() {
			progress = true
		}
	})

	t.mutex.Lock()
	if progress {
		t.ctxswAccum = 0
		t.mutex.Unlock()
		return false, false
	}

	t.ctxswAccum += elapsed
	if t.ctxswAccum < s.ctxswTimeout {
		t.mutex.Unlock()
		return false, false
	}
	t.ctxswAccum = 0
	t.mutex.Unlock()

	s.logger.Warn("tsg made no progress within the context switch timeout",
		slog.Int("TSGID", int(t.id)),
		slog.Duration("Timeout", s.ctxswTimeout),
	)

	t.forEachChannel(func(channel *Channel) {
		channel.SetErrorNotifier(ErrorNotifierFifoIdleTimeout)
		if channel.debugDump.Load() {
			verbose = true
		}
	})

	return true, verbose
}

func (t *TSG) StoreSMErrorState(sm uint32, state SMErrorState) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if sm >= uint32(len(t.smErrors)) {
		return errors.Wrapf(fifoutils.ErrInvalidArgument, "sm %d is out of range for tsg %d", sm, t.id)
	}

	t.smErrors[sm] = state
	return nil
}

func (t *TSG) SMErrorState(sm uint32) (SMErrorState, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if sm >= uint32(len(t.smErrors)) {
		return SMErrorState{}, errors.Wrapf(fifoutils.ErrInvalidArgument, "sm %d is out of range for tsg %d", sm, t.id)
	}

	return t.smErrors[sm], nil
}

// engineMaskOnTSG returns the engines the TSG is resident on
func (s *Scheduler) engineMaskOnTSG(tsg *TSG) uint32 {
	return s.engines.MaskOnID(tsg.id, hal.IDTypeTSG)
}
