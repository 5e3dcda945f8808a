package fifo

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpusched/fifoutils"
	"github.com/vkngwrapper/gpusched/hal"
	"golang.org/x/exp/slog"
)

// SWQuiesce stops all scheduling ahead of a fatal error. Every runlist is disabled and preempted
// and every open channel is given the idle timeout notifier and made unserviceable. Later calls do
// nothing, and recovery entry points stop touching hardware once it has run.
func (s *Scheduler) SWQuiesce() {
	s.logger.Debug("Scheduler::SWQuiesce")

	if !s.quiescePending.CompareAndSwap(false, true) {
		return
	}

	mask := s.activeRunlistMask
	s.lockRunlists(mask)
	err := s.writeRunlistState(mask, hal.RunlistDisabled)
	if err != nil {
		s.logger.Error("failed to disable runlists during quiesce", slog.Any("error", err))
	}
	_, err = s.preemptRunlistsLocked(mask)
	s.unlockRunlists(mask)

	if err != nil {
		s.logger.Error("runlist preempt failed during quiesce", slog.Any("error", err))
	}

	for chid := range s.channels {
		channel := &s.channels[chid]
		ref := channel.Get()
		if ref == nil {
			continue
		}

		channel.SetErrorNotifier(ErrorNotifierFifoIdleTimeout)
		channel.unserviceable.Store(true)
		ref.Put()
	}
}

// SuspendAllServiceable deschedules every serviceable channel ahead of power down. Each channel's TSG
// is disabled and the channel preempted and unbound from hardware, then the affected runlists are
// submitted empty. Active sets are kept so ResumeAllServiceable can restore them.
func (s *Scheduler) SuspendAllServiceable() error {
	s.logger.Debug("Scheduler::SuspendAllServiceable")

	var runlistMask uint32
	for chid := range s.channels {
		channel := &s.channels[chid]
		ref := channel.Get()
		if ref == nil {
			continue
		}

		if channel.unserviceable.Load() {
			ref.Put()
			continue
		}

		tsg := s.TSGFromID(channel.tsgID.Load())
		if tsg != nil {
			tsg.Disable()
		}

		err := s.PreemptChannel(channel)
		if err != nil {
			ref.Put()
			return errors.Wrapf(err, "failed to preempt channel %d for suspend", chid)
		}

		if channel.boundToHW.Load() {
			err = s.hal.Channel.Unbind(channel.id)
			if err != nil {
				ref.Put()
				return errors.Mark(errors.Wrapf(err, "failed to unbind channel %d for suspend", chid), fifoutils.ErrHardwareFault)
			}
			channel.boundToHW.Store(false)
		}
		runlistMask |= fifoutils.Bit(channel.runlistID)
		ref.Put()
	}

	if runlistMask == 0 {
		return nil
	}
	return s.ReloadRunlists(runlistMask, false)
}

// ResumeAllServiceable rebinds and enables every serviceable channel and resubmits the runlists they
// are on
func (s *Scheduler) ResumeAllServiceable() error {
	s.logger.Debug("Scheduler::ResumeAllServiceable")

	var runlistMask uint32
	for chid := range s.channels {
		channel := &s.channels[chid]
		ref := channel.Get()
		if ref == nil {
			continue
		}

		if channel.unserviceable.Load() {
			ref.Put()
			continue
		}

		if !channel.boundToHW.Load() {
			err := s.hal.Channel.Bind(channel.id, channel.inst, channel.runlistID)
			if err != nil {
				ref.Put()
				return errors.Wrapf(err, "failed to rebind channel %d on resume", chid)
			}
			channel.boundToHW.Store(true)
		}
		err := s.hal.Channel.Enable(channel.id)
		if err != nil {
			ref.Put()
			return errors.Mark(errors.Wrapf(err, "failed to enable channel %d on resume", chid), fifoutils.ErrHardwareFault)
		}

		runlistMask |= fifoutils.Bit(channel.runlistID)
		ref.Put()
	}

	if runlistMask == 0 {
		return nil
	}
	return s.ReloadRunlists(runlistMask, true)
}
