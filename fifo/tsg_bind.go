package fifo

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpusched/fifoutils"
	"github.com/vkngwrapper/gpusched/hal"
	"golang.org/x/exp/slog"
)

// errUnbindRetry marks the one unbind failure that leaves the channel bound for the caller to retry
var errUnbindRetry = errors.New("unbind can be retried")

// BindChannel adds an open channel to the TSG. A TSG without a runlist adopts the channel's. The
// channel becomes serviceable once bound.
func (t *TSG) BindChannel(channel *Channel) (err error) {
	s := t.scheduler
	s.logger.Debug("TSG::BindChannel", slog.Int("TSGID", int(t.id)), slog.Int("ChannelID", int(channel.id)))

	ref := channel.Get()
	if ref == nil {
		return errors.Wrapf(fifoutils.ErrInvalidBinding, "channel %d is not open", channel.id)
	}
	defer func() {
		if err != nil {
			ref.Put()
		}
	}()

	channelRunlist := channel.Runlist()
	if channelRunlist.IsChannelActive(channel.id) {
		return errors.Wrapf(fifoutils.ErrInvalidBinding, "channel %d is already active on runlist %d", channel.id, channelRunlist.id)
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if current := channel.tsgID.Load(); current != hal.InvalidID {
		return errors.Wrapf(fifoutils.ErrInvalidBinding, "channel %d is already bound to tsg %d", channel.id, current)
	}
	if uint32(len(t.channels)) >= s.maxChannelsPerTSG {
		return errors.Wrapf(fifoutils.ErrResourceExhausted, "tsg %d already holds %d channels", t.id, len(t.channels))
	}

	runlist := t.runlist.Load()
	if runlist != nil && runlist != channelRunlist {
		return errors.Wrapf(fifoutils.ErrInvalidBinding, "channel %d is on runlist %d but tsg %d is on runlist %d", channel.id, channelRunlist.id, t.id, runlist.id)
	}

	err = s.hal.TSG.BindChannel(t.id, channel.id)
	if err != nil {
		return errors.Wrapf(err, "failed to bind channel %d to tsg %d", channel.id, t.id)
	}

	if !channel.boundToHW.Load() {
		err = s.hal.Channel.Bind(channel.id, channel.inst, channel.runlistID)
		if err != nil {
			unbindErr := s.hal.TSG.UnbindChannel(t.id, channel.id)
			if unbindErr != nil {
				s.logger.Error("failed to roll back tsg binding", slog.Int("TSGID", int(t.id)), slog.Int("ChannelID", int(channel.id)), slog.Any("error", unbindErr))
			}
			return errors.Wrapf(err, "failed to bind channel %d to hardware", channel.id)
		}
		channel.boundToHW.Store(true)
	}

	if runlist == nil {
		t.runlist.Store(channelRunlist)
	}
	t.channels = append(t.channels, ref)
	channel.tsgID.Store(t.id)
	channel.unserviceable.Store(false)
	t.get()

	return nil
}

// UnbindChannel removes a channel from the TSG. The TSG is disabled and preempted while the channel
// is taken off its runlist. If the channel is still scheduled next after preemption the error
// matches fifoutils.ErrBusy and the channel stays bound. Any other failure, including a preemption
// that stayed busy until it timed out, aborts the TSG.
// Unbinding the last channel leaves the TSG open.
func (t *TSG) UnbindChannel(channel *Channel, waitForFinish bool) error {
	return t.unbindChannel(channel, false, waitForFinish)
}

func (t *TSG) unbindChannel(channel *Channel, force bool, waitForFinish bool) error {
	s := t.scheduler
	s.logger.Debug("TSG::UnbindChannel",
		slog.Int("TSGID", int(t.id)),
		slog.Int("ChannelID", int(channel.id)),
		slog.Bool("Force", force),
	)

	if channel.tsgID.Load() != t.id {
		return errors.Wrapf(fifoutils.ErrInvalidBinding, "channel %d is not bound to tsg %d", channel.id, t.id)
	}

	// hold the tsg across removal of its last channel
	t.get()
	defer t.put()

	err := t.unbindChannelCommon(channel, waitForFinish)
	if err != nil {
		if !force && errors.Is(err, errUnbindRetry) {
			return err
		}

		s.logger.Error("channel unbind failed, aborting tsg",
			slog.Int("TSGID", int(t.id)),
			slog.Int("ChannelID", int(channel.id)),
			slog.Any("error", err),
		)
		t.Abort(true)

		clearErr := s.hal.Channel.Clear(channel.id)
		if clearErr != nil {
			s.logger.Error("failed to clear channel", slog.Int("ChannelID", int(channel.id)), slog.Any("error", clearErr))
		}
		if channel.Runlist().IsChannelActive(channel.id) {
			updateErr := channel.Runlist().UpdateForChannel(channel, false, waitForFinish)
			if updateErr != nil {
				s.logger.Error("failed to remove channel from runlist", slog.Int("ChannelID", int(channel.id)), slog.Any("error", updateErr))
			}
		}
		t.removeChannel(channel)
	}

	halErr := s.hal.TSG.UnbindChannel(t.id, channel.id)
	if halErr != nil {
		s.logger.Error("hardware tsg unbind failed", slog.Int("TSGID", int(t.id)), slog.Int("ChannelID", int(channel.id)), slog.Any("error", halErr))
		if err == nil {
			t.Abort(true)
			err = errors.Wrapf(halErr, "failed to unbind channel %d from tsg %d", channel.id, t.id)
		}
	}

	return err
}

func (t *TSG) unbindChannelCommon(channel *Channel, waitForFinish bool) error {
	s := t.scheduler

	timedOut := channel.unserviceable.Load()

	t.Disable()

	if !timedOut {
		err := s.PreemptTSG(t)
		if err != nil {
			t.Enable()
			return err
		}
	}

	if !timedOut && t.ChannelCount() > 1 {
		err := t.checkUnbindHWState(channel)
		if err != nil {
			t.Enable()
			return err
		}
	}

	err := s.hal.Channel.Clear(channel.id)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to clear channel %d", channel.id), fifoutils.ErrHardwareFault)
	}

	err = channel.Runlist().UpdateForChannel(channel, false, waitForFinish)
	if err != nil {
		return err
	}

	t.removeChannel(channel)
	err = s.hal.Channel.Disable(channel.id)
	if err != nil {
		s.logger.Error("failed to disable unbound channel", slog.Int("ChannelID", int(channel.id)), slog.Any("error", err))
	}

	if !timedOut {
		t.Enable()
	}

	return nil
}

// checkUnbindHWState inspects the channel after preemption. A pending context reload is handed to
// another channel of the TSG, and engine or PBDMA faults are cleared.
func (t *TSG) checkUnbindHWState(channel *Channel) error {
	s := t.scheduler

	state, err := s.hal.Channel.ReadState(channel.id)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to read state of channel %d", channel.id), fifoutils.ErrHardwareFault)
	}

	if state.Next {
		return errors.Mark(errors.Wrapf(fifoutils.ErrBusy, "channel %d is still scheduled next after preemption", channel.id), errUnbindRetry)
	}

	if state.CtxReload {
		var sibling *Channel
		t.mutex.RLock()
		for _, member := range t.channels {
			if member.channel != channel {
				sibling = member.channel
				break
			}
		}
		t.mutex.RUnlock()

		if sibling != nil {
			err = s.hal.Channel.ForceCtxReload(sibling.id)
			if err != nil {
				return errors.Mark(errors.Wrapf(err, "failed to hand context reload of channel %d to channel %d", channel.id, sibling.id), fifoutils.ErrHardwareFault)
			}
		}
	}

	if state.EngFaulted || state.PBDMAFaulted {
		err = s.hal.Channel.ResetFaulted(channel.id, state.EngFaulted, state.PBDMAFaulted)
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "failed to reset faulted bits of channel %d", channel.id), fifoutils.ErrHardwareFault)
		}
	}

	return nil
}

// removeChannel drops the membership of a bound channel along with the references it held
func (t *TSG) removeChannel(channel *Channel) bool {
	t.mutex.Lock()

	var ref *ChannelRef
	for index, member := range t.channels {
		if member.channel == channel {
			ref = member
			copy(t.channels[index:], t.channels[index+1:])
			t.channels[len(t.channels)-1] = nil
			t.channels = t.channels[:len(t.channels)-1]
			break
		}
	}

	if ref == nil {
		t.mutex.Unlock()
		return false
	}

	channel.tsgID.Store(hal.InvalidID)
	channel.unserviceable.Store(true)
	t.mutex.Unlock()

	ref.Put()
	t.put()
	return true
}
