package fifo

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/vkngwrapper/gpusched/fifoutils"
	"github.com/vkngwrapper/gpusched/hal"
	"github.com/vkngwrapper/gpusched/internal/bitmap"
	"github.com/vkngwrapper/gpusched/internal/poll"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

// Runlist is the hardware scheduling list for the engines that share it. It is rebuilt from its set
// of active channels into one of two buffers and submitted while the other buffer may still be
// read by hardware.
type Runlist struct {
	scheduler *Scheduler
	id        uint32

	engineMask uint32
	pbdmaMask  uint32

	// mutex is always used regardless of CreateExternallySynchronized, since recovery runs
	// concurrently with submission
	mutex sync.Mutex
	mem   [2]hal.RunlistMem
	live  int

	activeChannels *bitmap.Bitmap
	activeTSGs     *btree.BTreeG[*TSG]

	state       atomic.Uint32
	submits     atomic.Int64
	timeouts    atomic.Int64
	lastEntries atomic.Int32
}

func newRunlist(scheduler *Scheduler, runlistID uint32, engineMask uint32, pbdmaMask uint32) *Runlist {
	runlist := &Runlist{
		scheduler:      scheduler,
		id:             runlistID,
		engineMask:     engineMask,
		pbdmaMask:      pbdmaMask,
		activeChannels: bitmap.New(int(scheduler.numChannels)),
		activeTSGs: btree.NewG[*TSG](8, func(a, b *TSG) bool {
			return a.id < b.id
		}),
	}

	for index := range runlist.mem {
		runlist.mem[index] = hal.RunlistMem{
			Index:   index,
			Entries: make([]hal.RunlistEntry, 0, scheduler.numRunlistEntries),
		}
	}
	runlist.live = 1
	runlist.state.Store(uint32(hal.RunlistEnabled))

	return runlist
}

func (r *Runlist) ID() uint32 {
	return r.id
}

// EngineMask returns the engines served by this runlist
func (r *Runlist) EngineMask() uint32 {
	return r.engineMask
}

// PBDMAMask returns the PBDMAs serving this runlist
func (r *Runlist) PBDMAMask() uint32 {
	return r.pbdmaMask
}

func (r *Runlist) State() hal.RunlistState {
	return hal.RunlistState(r.state.Load())
}

func (r *Runlist) IsChannelActive(chid uint32) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.activeChannels.Test(chid)
}

// Entries returns a copy of the entries most recently submitted to hardware
func (r *Runlist) Entries() []hal.RunlistEntry {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	live := r.mem[r.live].Entries
	entries := make([]hal.RunlistEntry, len(live))
	copy(entries, live)
	return entries
}

// BuildEntries constructs the runlist from the current active set without submitting it
func (r *Runlist) BuildEntries() ([]hal.RunlistEntry, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.constructLocked(make([]hal.RunlistEntry, 0, r.scheduler.numRunlistEntries))
}

func (r *Runlist) Validate() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	active := 0
	var err error
	r.activeTSGs.Ascend(func(tsg *TSG) bool {
		if tsg.numActiveChannels <= 0 {
			err = errors.Newf("tsg %d is on runlist %d with no active channels", tsg.id, r.id)
			return false
		}
		active += tsg.numActiveChannels
		return true
	})
	if err != nil {
		return err
	}

	if active != r.activeChannels.Count() {
		return errors.Newf("runlist %d has %d active channels but its tsgs account for %d", r.id, r.activeChannels.Count(), active)
	}

	if r.activeChannels.Size() != len(r.scheduler.channels) {
		return errors.Newf("runlist %d tracks %d channels but the scheduler has %d", r.id, r.activeChannels.Size(), len(r.scheduler.channels))
	}

	r.activeChannels.ForEach(func(chid uint32) bool {
		channel := &r.scheduler.channels[chid]
		if channel.runlistID != r.id {
			err = errors.Newf("channel %d is active on runlist %d but was opened on runlist %d", chid, r.id, channel.runlistID)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	return nil
}

// modifyActiveLocked adds or removes a channel and its TSG from the active set. It reports whether
// anything changed.
func (r *Runlist) modifyActiveLocked(channel *Channel, add bool) bool {
	s := r.scheduler

	tsg := s.TSGFromID(channel.tsgID.Load())
	if tsg == nil {
		s.logger.Warn("channel is not bound to a tsg and cannot be scheduled", slog.Int("ChannelID", int(channel.id)))
		return false
	}

	if add {
		if r.activeChannels.TestAndSet(channel.id) {
			return false
		}
		if tsg.numActiveChannels == 0 {
			r.activeTSGs.ReplaceOrInsert(tsg)
		}
		tsg.numActiveChannels++
		return true
	}

	if !r.activeChannels.TestAndClear(channel.id) {
		return false
	}
	tsg.numActiveChannels--
	if tsg.numActiveChannels == 0 {
		r.activeTSGs.Delete(tsg)
	}
	return true
}

// rebuildLocked constructs the runlist into the buffer hardware is not reading. Without addEntries
// the buffer is left empty, which deschedules everything without forgetting the active set.
func (r *Runlist) rebuildLocked(addEntries bool) error {
	pending := &r.mem[1-r.live]

	if !addEntries {
		pending.Entries = pending.Entries[:0]
		return nil
	}

	entries, err := r.constructLocked(pending.Entries[:0])
	if err != nil {
		return err
	}

	pending.Entries = entries
	return nil
}

func (r *Runlist) submitLocked() {
	s := r.scheduler

	r.live = 1 - r.live
	mem := &r.mem[r.live]

	s.hal.Runlist.Submit(r.id, mem, len(mem.Entries))

	r.submits.Add(1)
	r.lastEntries.Store(int32(len(mem.Entries)))
	s.counters.runlistSubmits.Add(1)
}

// Submit rebuilds the runlist from its active set and hands it to hardware without waiting
func (r *Runlist) Submit() error {
	r.scheduler.logger.Debug("Runlist::Submit", slog.Int("RunlistID", int(r.id)))

	r.mutex.Lock()
	err := r.rebuildLocked(true)
	if err == nil {
		r.submitLocked()
	}
	r.mutex.Unlock()

	fifoutils.DebugValidate(r)
	return err
}

// WaitPending waits for hardware to finish consuming the last submission. A zero timeout uses the
// scheduler's configured runlist timeout. Expiry returns an error matching fifoutils.ErrTimeout.
func (r *Runlist) WaitPending(ctx context.Context, timeout time.Duration) error {
	s := r.scheduler

	if timeout == 0 {
		timeout = s.runlistPendingTimeout
	}

	err := poll.Until(ctx, s.pollOptions(timeout), func() (bool, error) {
		return !s.hal.Runlist.IsPending(r.id), nil
	})
	if err != nil {
		if errors.Is(err, fifoutils.ErrTimeout) {
			r.timeouts.Add(1)
			s.counters.runlistTimeouts.Add(1)
			s.logger.Error("runlist update timed out", slog.Int("RunlistID", int(r.id)), slog.Any("error", err))
		}
		return errors.Wrapf(err, "waiting for runlist %d", r.id)
	}

	return nil
}

func (r *Runlist) updateLocked(channel *Channel, add bool, waitForFinish bool) error {
	addEntries := add
	if channel != nil {
		if !r.modifyActiveLocked(channel, add) {
			return nil
		}
		addEntries = true
	}

	err := r.rebuildLocked(addEntries)
	if err != nil {
		if channel != nil {
			r.modifyActiveLocked(channel, !add)
		}
		return err
	}

	r.submitLocked()

	if waitForFinish {
		return r.WaitPending(context.Background(), 0)
	}

	return nil
}

func (r *Runlist) doUpdate(channel *Channel, add bool, waitForFinish bool) error {
	r.mutex.Lock()
	err := r.updateLocked(channel, add, waitForFinish)
	r.mutex.Unlock()
	fifoutils.DebugValidate(r)

	if err != nil && errors.Is(err, fifoutils.ErrTimeout) {
		r.scheduler.recovery.RunlistUpdate(r.id)
	}

	return err
}

// UpdateForChannel adds a channel to or removes it from the runlist and resubmits. Channels that
// are not bound to a TSG are not scheduled. If waitForFinish is set and hardware does not consume
// the update in time, the runlist's busy engines are recovered and the error matches
// fifoutils.ErrTimeout.
func (r *Runlist) UpdateForChannel(channel *Channel, add bool, waitForFinish bool) error {
	r.scheduler.logger.Debug("Runlist::UpdateForChannel",
		slog.Int("RunlistID", int(r.id)),
		slog.Int("ChannelID", int(channel.id)),
		slog.Bool("Add", add),
	)

	if channel.runlistID != r.id {
		return errors.Wrapf(fifoutils.ErrInvalidBinding, "channel %d is on runlist %d, not %d", channel.id, channel.runlistID, r.id)
	}

	return r.doUpdate(channel, add, waitForFinish)
}

// Reload resubmits the runlist from its active set, or submits it empty when add is false
func (r *Runlist) Reload(add bool, waitForFinish bool) error {
	r.scheduler.logger.Debug("Runlist::Reload", slog.Int("RunlistID", int(r.id)), slog.Bool("Add", add))

	return r.doUpdate(nil, add, waitForFinish)
}

// ReloadRunlists reloads every runlist in mask concurrently and waits for all of them
func (s *Scheduler) ReloadRunlists(runlistMask uint32, add bool) error {
	s.logger.Debug("Scheduler::ReloadRunlists", slog.Int("RunlistMask", int(runlistMask)), slog.Bool("Add", add))

	fifoutils.DebugCheckMask(runlistMask, len(s.runlists), "runlist mask")

	var group errgroup.Group
	fifoutils.ForEachBit(runlistMask&s.activeRunlistMask, func(runlistID int) bool {
		runlist := s.runlists[runlistID]
		group.Go(func() error {
			return runlist.Reload(add, true)
		})
		return true
	})

	return group.Wait()
}

// SetRunlistState enables or disables scheduling on every runlist in mask. Runlists no engine is
// served by are ignored. A failed write leaves the recorded state unchanged and matches
// fifoutils.ErrHardwareFault.
func (s *Scheduler) SetRunlistState(runlistMask uint32, state hal.RunlistState) error {
	s.logger.Debug("Scheduler::SetRunlistState", slog.Int("RunlistMask", int(runlistMask)), slog.String("State", state.String()))
	fifoutils.DebugCheckMask(runlistMask, len(s.runlists), "runlist mask")

	return s.writeRunlistState(runlistMask, state)
}

func (s *Scheduler) writeRunlistState(runlistMask uint32, state hal.RunlistState) error {
	runlistMask &= s.activeRunlistMask
	if runlistMask == 0 {
		return nil
	}

	err := s.hal.Runlist.WriteState(runlistMask, state)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to set runlists %#x %s", runlistMask, state), fifoutils.ErrHardwareFault)
	}

	fifoutils.ForEachBit(runlistMask, func(runlistID int) bool {
		s.runlists[runlistID].state.Store(uint32(state))
		return true
	})
	return nil
}

// reloadLocked resubmits every runlist in mask. The caller holds their locks.
func (s *Scheduler) reloadLocked(runlistMask uint32) error {
	var err error
	fifoutils.ForEachBit(runlistMask&s.activeRunlistMask, func(runlistID int) bool {
		updateErr := s.runlists[runlistID].updateLocked(nil, true, true)
		if updateErr != nil {
			err = errors.CombineErrors(err, updateErr)
		}
		return true
	})
	return err
}
