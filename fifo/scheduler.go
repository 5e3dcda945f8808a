package fifo

import (
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpusched/fifoutils"
	"github.com/vkngwrapper/gpusched/hal"
	"github.com/vkngwrapper/gpusched/internal/poll"
	"github.com/vkngwrapper/gpusched/internal/utils"
	"golang.org/x/exp/slog"
)

// Scheduler owns the channel and TSG pools, the runlists built from them, and the preemption and
// recovery machinery that drives the hardware through hal.HAL
type Scheduler struct {
	useMutex bool
	logger   *slog.Logger
	hal      hal.HAL

	createFlags           CreateFlags
	numChannels           uint32
	maxChannelsPerTSG     uint32
	numRunlistEntries     int
	numSM                 uint32
	interleaveEnabled     bool
	platform              Platform
	preemptRetries        int
	emulationTimeoutScale int

	runlistPendingTimeout time.Duration
	preemptTimeout        time.Duration
	channelRefWaitTimeout time.Duration
	ctxswTimeout          time.Duration
	pollInitialDelay      time.Duration
	pollMaxDelay          time.Duration
	clock                 backoff.Clock

	timesliceMinUS     uint32
	timesliceMaxUS     uint32
	timesliceDefaultUS uint32

	engines *engineRegistry
	pbdmas  *pbdmaRegistry

	channels    []Channel
	channelPool channelPool

	tsgMutex utils.OptionalMutex
	tsgs     []TSG

	// runlists is indexed by runlist id; ids no engine is served by are nil
	runlists          []*Runlist
	activeRunlistMask uint32
	grRunlistID       uint32

	recovery  *Recovery
	callbacks *eventCallbacks

	quiescePending atomic.Bool
	counters       counters
}

type counters struct {
	channelsOpen    atomic.Int64
	tsgsOpen        atomic.Int64
	runlistSubmits  atomic.Int64
	runlistTimeouts atomic.Int64
	preempts        atomic.Int64
	preemptTimeouts atomic.Int64
	preemptBusy     atomic.Int64
	recoveries      atomic.Int64
	engineResets    atomic.Int64
}

func (s *Scheduler) Logger() *slog.Logger {
	return s.logger
}

func (s *Scheduler) Platform() Platform {
	return s.platform
}

func (s *Scheduler) NumChannels() uint32 {
	return s.numChannels
}

// Recovery returns the entry points used by interrupt handlers to recover from hardware faults
func (s *Scheduler) Recovery() *Recovery {
	return s.recovery
}

// Engines returns the static engine table
func (s *Scheduler) Engines() []hal.EngineInfo {
	engines := make([]hal.EngineInfo, len(s.engines.engines))
	copy(engines, s.engines.engines)
	return engines
}

// PBDMAs returns the static PBDMA table
func (s *Scheduler) PBDMAs() []hal.PBDMAInfo {
	pbdmas := make([]hal.PBDMAInfo, len(s.pbdmas.pbdmas))
	copy(pbdmas, s.pbdmas.pbdmas)
	return pbdmas
}

// GREngineID returns the id of the first graphics engine
func (s *Scheduler) GREngineID() uint32 {
	return s.engines.grEngineID
}

// GRRunlistID returns the runlist channels fall back to when opened with an invalid affinity
func (s *Scheduler) GRRunlistID() uint32 {
	return s.grRunlistID
}

// ActiveRunlistMask returns a mask of every runlist served by at least one engine
func (s *Scheduler) ActiveRunlistMask() uint32 {
	return s.activeRunlistMask
}

// Runlist returns the runlist with the provided id, or nil if no engine is served by it
func (s *Scheduler) Runlist(runlistID uint32) *Runlist {
	if runlistID >= uint32(len(s.runlists)) {
		return nil
	}
	return s.runlists[runlistID]
}

// IsQuiescePending reports whether SWQuiesce has been called. Once set it is never cleared.
func (s *Scheduler) IsQuiescePending() bool {
	return s.quiescePending.Load()
}

func (s *Scheduler) pollOptions(timeout time.Duration) poll.Options {
	if s.platform == PlatformEmulation {
		timeout *= time.Duration(s.emulationTimeoutScale)
	}

	return poll.Options{
		Timeout:      timeout,
		InitialDelay: s.pollInitialDelay,
		MaxDelay:     s.pollMaxDelay,
		Clock:        s.clock,
	}
}

// lockRunlists acquires the locks of every runlist in mask in ascending id order
func (s *Scheduler) lockRunlists(mask uint32) {
	fifoutils.ForEachBit(mask&s.activeRunlistMask, func(runlistID int) bool {
		s.runlists[runlistID].mutex.Lock()
		return true
	})
}

func (s *Scheduler) unlockRunlists(mask uint32) {
	fifoutils.ForEachBit(mask&s.activeRunlistMask, func(runlistID int) bool {
		s.runlists[runlistID].mutex.Unlock()
		return true
	})
}

// Validate checks the pool and runlist invariants. It is intended for tests and debug builds and
// takes every lock it needs.
func (s *Scheduler) Validate() error {
	err := s.channelPool.Validate()
	if err != nil {
		return err
	}

	s.tsgMutex.Lock()
	defer s.tsgMutex.Unlock()

	for tsgid := range s.tsgs {
		tsg := &s.tsgs[tsgid]
		refs := tsg.refs.Load()
		if !tsg.inUse {
			if refs != 0 {
				return errors.Newf("tsg %d is free but has %d references", tsgid, refs)
			}
			continue
		}

		tsg.mutex.RLock()
		members := len(tsg.channels)
		for _, member := range tsg.channels {
			if member.channel.TSGID() != tsg.id {
				tsg.mutex.RUnlock()
				return errors.Newf("channel %d is a member of tsg %d but reports tsg %d", member.channel.id, tsgid, member.channel.TSGID())
			}
		}
		tsg.mutex.RUnlock()

		if refs < int32(members) {
			return errors.Newf("tsg %d has %d channels but only %d references", tsgid, members, refs)
		}
	}

	for _, runlist := range s.runlists {
		if runlist == nil {
			continue
		}
		err = runlist.Validate()
		if err != nil {
			return err
		}
	}

	return nil
}
