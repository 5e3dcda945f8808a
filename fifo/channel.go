package fifo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpusched/fifoutils"
	"github.com/vkngwrapper/gpusched/hal"
	"github.com/vkngwrapper/gpusched/internal/poll"
	"golang.org/x/exp/slog"
)

const (
	// channelReferenceable is set in Channel.state while new references may be taken
	channelReferenceable uint64 = 1 << 63
	channelRefMask              = channelReferenceable - 1
)

// Channel is a single hardware submission context. Channels are allocated once with the scheduler
// and recycled through its free pool; a *Channel stays valid for the life of the scheduler but only
// names an open channel while the caller holds a reference to it.
type Channel struct {
	scheduler *Scheduler
	id        uint32

	// state packs the reference count with channelReferenceable so both move in one atomic step
	state atomic.Uint64

	// guarded by the pool lock
	nextFree *Channel
	inPool   bool

	// fixed between open and close
	ownerPID   int
	privileged bool
	runlistID  uint32
	inst       hal.InstBlock

	tsgID          atomic.Uint32
	unserviceable  atomic.Bool
	boundToHW      atomic.Bool
	usermodeSubmit atomic.Bool
	deterministic  atomic.Bool
	notifier       atomic.Uint32
	debugDump      atomic.Bool

	mutex        sync.Mutex
	addressSpace hal.AddressSpace
	lastGPGet    uint64
}

func (c *Channel) init(scheduler *Scheduler, chid uint32) {
	c.scheduler = scheduler
	c.id = chid
	c.tsgID.Store(hal.InvalidID)
	c.runlistID = hal.InvalidID
}

// OpenChannel takes a channel from the free pool and allocates its instance block. The returned
// channel holds the owner reference, which is released by Close. runlistAffinity falls back to the
// graphics runlist when no engine is served by it.
func (s *Scheduler) OpenChannel(runlistAffinity uint32, privileged bool, ownerPID int) (*Channel, error) {
	s.logger.Debug("Scheduler::OpenChannel",
		slog.Int("RunlistAffinity", int(runlistAffinity)),
		slog.Bool("Privileged", privileged),
		slog.Int("OwnerPID", ownerPID),
	)

	if s.IsQuiescePending() {
		return nil, errors.Wrap(fifoutils.ErrUnserviceable, "cannot open channel after quiesce")
	}

	runlistID := runlistAffinity
	if s.Runlist(runlistID) == nil {
		s.logger.Debug("Scheduler::OpenChannel falling back to graphics runlist", slog.Int("RunlistAffinity", int(runlistAffinity)))
		runlistID = s.grRunlistID
	}

	channel := s.channelPool.Acquire()
	if channel == nil {
		return nil, errors.Wrapf(fifoutils.ErrResourceExhausted, "all %d channels are open", s.numChannels)
	}
	fifoutils.DebugValidate(&s.channelPool)

	inst, err := s.hal.Channel.AllocInstBlock(channel.id)
	if err != nil {
		s.channelPool.Abandon(channel)
		return nil, errors.Mark(errors.Wrapf(err, "failed to allocate instance block for channel %d", channel.id), fifoutils.ErrAllocFailure)
	}

	channel.ownerPID = ownerPID
	channel.privileged = privileged
	channel.runlistID = runlistID
	channel.inst = inst
	channel.tsgID.Store(hal.InvalidID)
	channel.unserviceable.Store(true)
	channel.boundToHW.Store(false)
	channel.usermodeSubmit.Store(false)
	channel.deterministic.Store(false)
	channel.notifier.Store(0)
	channel.debugDump.Store(true)

	channel.mutex.Lock()
	channel.addressSpace = nil
	channel.lastGPGet = 0
	channel.mutex.Unlock()

	s.channelPool.RegisterInst(inst.Addr, channel.id)

	for {
		state := channel.state.Load()
		if channel.state.CompareAndSwap(state, state|channelReferenceable) {
			break
		}
	}

	s.counters.channelsOpen.Add(1)
	s.callbacks.ChannelOpened(channel.id)

	return channel, nil
}

// Close tears a channel down. It unbinds the channel from its TSG, stops new references from being
// taken and releases the owner reference. Without force, and unless the scheduler is quiesced, it
// waits a bounded time for other holders to release their references before freeing hardware state,
// and warns if they do not. The channel
// returns to the free pool once every reference is gone. Closing a channel that is not open panics.
func (c *Channel) Close(force bool) {
	s := c.scheduler
	s.logger.Debug("Channel::Close", slog.Int("ChannelID", int(c.id)), slog.Bool("Force", force))

	if c.state.Load()&channelReferenceable == 0 {
		panic(fmt.Sprintf("channel %d closed while not open", c.id))
	}

	tsg := s.TSGFromID(c.tsgID.Load())
	if tsg != nil {
		err := tsg.unbindChannel(c, true, true)
		if err != nil {
			s.logger.Error("failed to unbind channel from tsg during close",
				slog.Int("ChannelID", int(c.id)),
				slog.Int("TSGID", int(tsg.id)),
				slog.Any("error", err),
			)
		}
	}

	for {
		state := c.state.Load()
		if state&channelReferenceable == 0 {
			panic(fmt.Sprintf("channel %d closed twice", c.id))
		}
		if c.state.CompareAndSwap(state, state&^channelReferenceable) {
			break
		}
	}

	if !force && !s.IsQuiescePending() {
		err := poll.Until(context.Background(), s.pollOptions(s.channelRefWaitTimeout), func() (bool, error) {
			return c.state.Load()&channelRefMask <= 1, nil
		})
		if err != nil {
			s.logger.Warn("channel still referenced after close wait, tearing down anyway",
				slog.Int("ChannelID", int(c.id)),
				slog.Int("References", int(c.RefCount())),
			)
		}
	}

	if c.boundToHW.Swap(false) {
		err := s.hal.Channel.Unbind(c.id)
		if err != nil {
			s.logger.Error("failed to unbind channel from hardware", slog.Int("ChannelID", int(c.id)), slog.Any("error", err))
		}
	}
	s.hal.Channel.FreeInstBlock(c.id, c.inst)
	s.channelPool.UnregisterInst(c.inst.Addr)

	c.mutex.Lock()
	c.addressSpace = nil
	c.mutex.Unlock()

	s.counters.channelsOpen.Add(-1)
	s.callbacks.ChannelClosed(c.id)

	c.release()
}

// tryAcquire takes a reference if the channel is referenceable
func (c *Channel) tryAcquire() bool {
	for {
		state := c.state.Load()
		if state&channelReferenceable == 0 {
			return false
		}
		if c.state.CompareAndSwap(state, state+1) {
			return true
		}
	}
}

func (c *Channel) release() {
	for {
		state := c.state.Load()
		refs := state & channelRefMask
		if refs == 0 {
			panic(fmt.Sprintf("channel %d reference count underflow", c.id))
		}

		if refs == 1 {
			if state&channelReferenceable != 0 {
				panic(fmt.Sprintf("channel %d lost its owner reference while still open", c.id))
			}
			if c.scheduler.channelPool.Return(c) {
				fifoutils.DebugValidate(&c.scheduler.channelPool)
				return
			}
			continue
		}

		if c.state.CompareAndSwap(state, state-1) {
			return
		}
	}
}

// Get takes a reference to the channel, or returns nil if the channel is not open or is closing
func (c *Channel) Get() *ChannelRef {
	if !c.tryAcquire() {
		return nil
	}
	return &ChannelRef{channel: c}
}

func (c *Channel) ID() uint32 {
	return c.id
}

func (c *Channel) OwnerPID() int {
	return c.ownerPID
}

func (c *Channel) Privileged() bool {
	return c.privileged
}

func (c *Channel) RunlistID() uint32 {
	return c.runlistID
}

func (c *Channel) Runlist() *Runlist {
	return c.scheduler.Runlist(c.runlistID)
}

func (c *Channel) InstBlock() hal.InstBlock {
	return c.inst
}

// TSGID returns the id of the TSG the channel is bound to, or hal.InvalidID
func (c *Channel) TSGID() uint32 {
	return c.tsgID.Load()
}

func (c *Channel) IsReferenceable() bool {
	return c.state.Load()&channelReferenceable != 0
}

func (c *Channel) RefCount() uint32 {
	return uint32(c.state.Load() & channelRefMask)
}

// IsUnserviceable reports whether the channel has been marked unusable by recovery or quiesce, or
// has not yet been bound to a TSG
func (c *Channel) IsUnserviceable() bool {
	return c.unserviceable.Load()
}

// CheckServiceable returns an error matching fifoutils.ErrUnserviceable if work may not be
// submitted to the channel
func (c *Channel) CheckServiceable() error {
	if c.unserviceable.Load() {
		return errors.Wrapf(fifoutils.ErrUnserviceable, "channel %d", c.id)
	}
	return nil
}

func (c *Channel) IsBoundToHardware() bool {
	return c.boundToHW.Load()
}

func (c *Channel) BindAddressSpace(as hal.AddressSpace) error {
	c.scheduler.logger.Debug("Channel::BindAddressSpace", slog.Int("ChannelID", int(c.id)))

	if !c.IsReferenceable() {
		return errors.Wrapf(fifoutils.ErrInvalidArgument, "channel %d is not open", c.id)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.addressSpace != nil {
		return errors.Wrapf(fifoutils.ErrInvalidBinding, "channel %d already has an address space", c.id)
	}

	err := c.scheduler.hal.Channel.BindAddressSpace(c.id, c.inst, as)
	if err != nil {
		return errors.Wrapf(err, "failed to bind address space to channel %d", c.id)
	}

	c.addressSpace = as
	return nil
}

func (c *Channel) AddressSpace() hal.AddressSpace {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.addressSpace
}

// EnableUsermodeSubmit marks the channel as fed through its doorbell, which is rung again whenever
// its TSG is re-enabled
func (c *Channel) EnableUsermodeSubmit() {
	c.usermodeSubmit.Store(true)
}

func (c *Channel) UsermodeSubmitEnabled() bool {
	return c.usermodeSubmit.Load()
}

func (c *Channel) SetDeterministic(deterministic bool) {
	c.deterministic.Store(deterministic)
}

func (c *Channel) Deterministic() bool {
	return c.deterministic.Load()
}

// SetCtxswTimeoutDebugDump controls whether recoveries caused by this channel request a verbose dump
func (c *Channel) SetCtxswTimeoutDebugDump(enabled bool) {
	c.debugDump.Store(enabled)
}

// RingDoorbell notifies hardware of new work on a usermode-submit channel
func (c *Channel) RingDoorbell() error {
	err := c.CheckServiceable()
	if err != nil {
		return err
	}

	err = c.scheduler.hal.Channel.RingDoorbell(c.id)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to ring doorbell for channel %d", c.id), fifoutils.ErrHardwareFault)
	}
	return nil
}

// SetErrorNotifier records the error reported to the channel's owner. Unknown codes are ignored.
func (c *Channel) SetErrorNotifier(code ErrorNotifier) {
	if code == 0 || code > errorNotifierMax {
		c.scheduler.logger.Warn("ignoring unknown error notifier", slog.Int("ChannelID", int(c.id)), slog.Int("Notifier", int(code)))
		return
	}

	c.notifier.Store(uint32(code))
}

// ErrorNotifier returns the last recorded error notifier, if any
func (c *Channel) ErrorNotifier() (ErrorNotifier, bool) {
	code := c.notifier.Load()
	return ErrorNotifier(code), code != 0
}

// MarkError makes the channel unserviceable and reports whether the channel asked for verbose
// debug output on errors
func (c *Channel) MarkError() bool {
	c.unserviceable.Store(true)
	return c.debugDump.Load()
}

// updateProgress samples the channel's gpfifo get pointer and reports whether it moved since the
// previous sample
func (c *Channel) updateProgress() bool {
	state, err := c.scheduler.hal.Channel.ReadState(c.id)
	if err != nil {
		return false
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	progress := state.GPGet != c.lastGPGet
	c.lastGPGet = state.GPGet
	return progress
}

// ChannelFromID returns the channel with the provided id whether or not it is open, or nil if the
// id is out of range
func (s *Scheduler) ChannelFromID(chid uint32) *Channel {
	if chid >= uint32(len(s.channels)) {
		return nil
	}
	return &s.channels[chid]
}

// GetChannel takes a reference to the open channel with the provided id, or returns nil
func (s *Scheduler) GetChannel(chid uint32) *ChannelRef {
	channel := s.ChannelFromID(chid)
	if channel == nil {
		return nil
	}
	return channel.Get()
}

// ChannelFromInstPtr takes a reference to the open channel whose instance block is at addr, or
// returns nil
func (s *Scheduler) ChannelFromInstPtr(addr uint64) *ChannelRef {
	chid, ok := s.channelPool.LookupInst(addr)
	if !ok {
		return nil
	}
	return s.GetChannel(chid)
}

// FreeChannels returns the number of channels in the free pool
func (s *Scheduler) FreeChannels() int {
	return s.channelPool.FreeCount()
}
