package fifo

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpusched/fifoutils"
	"github.com/vkngwrapper/gpusched/hal"
	"github.com/vkngwrapper/gpusched/internal/poll"
	"golang.org/x/exp/slog"
)

// preemptRequest tracks one preemption of a channel or TSG through its PBDMA and engine polls
type preemptRequest struct {
	scheduler   *Scheduler
	runlist     *Runlist
	id          uint32
	idType      hal.IDType
	retriesLeft bool
	state       PreemptState
}

func (p *preemptRequest) transition(state PreemptState) {
	p.scheduler.logger.Debug("preempt state",
		slog.Int("ID", int(p.id)),
		slog.String("IDType", p.idType.String()),
		slog.String("From", p.state.String()),
		slog.String("To", state.String()),
	)
	p.state = state
}

func (p *preemptRequest) fail(err error) error {
	if errors.Is(err, fifoutils.ErrBusy) {
		p.transition(PreemptBusy)
	} else {
		p.transition(PreemptTimedOut)
	}

	attrs := []any{
		slog.Int("ID", int(p.id)),
		slog.String("IDType", p.idType.String()),
		slog.Int("RunlistID", int(p.runlist.id)),
		slog.Any("error", err),
	}
	if p.retriesLeft {
		p.scheduler.logger.Debug("preempt attempt failed", attrs...)
	} else {
		p.scheduler.logger.Error("preempt failed", attrs...)
	}

	return err
}

func (p *preemptRequest) run() error {
	s := p.scheduler

	p.transition(PreemptPollingPBDMA)
	var err error
	fifoutils.ForEachBit(p.runlist.pbdmaMask, func(pbdmaID int) bool {
		err = p.pollPBDMA(uint32(pbdmaID))
		return err == nil
	})
	if err != nil {
		return p.fail(err)
	}

	p.transition(PreemptPollingEngine)
	fifoutils.ForEachBit(p.runlist.engineMask, func(engineID int) bool {
		err = p.pollEngine(uint32(engineID))
		return err == nil
	})
	if err != nil {
		return p.fail(err)
	}

	p.transition(PreemptDone)
	s.counters.preempts.Add(1)
	return nil
}

// pollPBDMA waits until the PBDMA is no longer loading, holding or saving the context
func (p *preemptRequest) pollPBDMA(pbdmaID uint32) error {
	s := p.scheduler

	err := poll.Until(context.Background(), s.pollOptions(s.preemptTimeout), func() (bool, error) {
		status, err := s.hal.PBDMA.ReadStatus(pbdmaID)
		if err != nil {
			return false, errors.Mark(errors.Wrapf(err, "failed to read status of pbdma %d", pbdmaID), fifoutils.ErrHardwareFault)
		}
		return !status.IsContext(p.id, p.idType), nil
	})
	if err != nil {
		return errors.Wrapf(err, "pbdma %d did not release %s %d", pbdmaID, p.idType, p.id)
	}
	return nil
}

// pollEngine waits until the engine is idle or running some other context. A stalling interrupt on
// an engine still holding the context blocks the context switch and is reported as busy.
func (p *preemptRequest) pollEngine(engineID uint32) error {
	s := p.scheduler

	err := poll.Until(context.Background(), s.pollOptions(s.preemptTimeout), func() (bool, error) {
		status, err := s.hal.Engine.ReadStatus(engineID)
		if err != nil {
			return false, errors.Mark(errors.Wrapf(err, "failed to read status of engine %d", engineID), fifoutils.ErrHardwareFault)
		}

		if !status.Busy || !status.IsContext(p.id, p.idType) {
			return true, nil
		}

		if s.hal.Engine.IsStallIntrPending(engineID) {
			return false, errors.Wrapf(fifoutils.ErrBusy, "engine %d has a stalling interrupt pending while %s on %s %d",
				engineID, status.CtxStatus, p.idType, p.id)
		}

		return false, nil
	})
	if err != nil {
		return errors.Wrapf(err, "engine %d did not release %s %d", engineID, p.idType, p.id)
	}
	return nil
}

// IsPreemptPending polls the PBDMAs and then the engines of a runlist until id is off all of them.
// The error matches fifoutils.ErrBusy when an engine interrupt blocks the switch and
// fifoutils.ErrTimeout when a poll expires. retriesLeft tells whether the caller will try again,
// which lowers failures to debug logging.
func (s *Scheduler) IsPreemptPending(runlistID uint32, id uint32, idType hal.IDType, retriesLeft bool) error {
	runlist := s.Runlist(runlistID)
	if runlist == nil {
		return errors.Wrapf(fifoutils.ErrInvalidArgument, "no engine is served by runlist %d", runlistID)
	}

	return s.isPreemptPending(runlist, id, idType, retriesLeft)
}

func (s *Scheduler) isPreemptPending(runlist *Runlist, id uint32, idType hal.IDType, retriesLeft bool) error {
	request := &preemptRequest{
		scheduler:   s,
		runlist:     runlist,
		id:          id,
		idType:      idType,
		retriesLeft: retriesLeft,
		state:       PreemptRequested,
	}
	return request.run()
}

// preemptLocked triggers a preemption and polls for it. On silicon a busy result is retried before
// it is escalated to an error matching both fifoutils.ErrBusy and fifoutils.ErrTimeout. Once the
// scheduler is quiesced a busy result is returned as is.
func (s *Scheduler) preemptLocked(runlist *Runlist, id uint32, idType hal.IDType) error {
	retries := 0
	if s.platform == PlatformSilicon {
		retries = s.preemptRetries
	}

	for attempt := 0; ; attempt++ {
		retriesLeft := attempt < retries

		err := s.hal.Preempt.Trigger(id, idType)
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "failed to trigger preempt of %s %d", idType, id), fifoutils.ErrHardwareFault)
		}

		err = s.isPreemptPending(runlist, id, idType, retriesLeft)
		if err == nil {
			return nil
		}

		if errors.Is(err, fifoutils.ErrBusy) {
			s.counters.preemptBusy.Add(1)
			if s.IsQuiescePending() {
				return err
			}
			if retriesLeft {
				continue
			}
			if retries > 0 {
				s.counters.preemptTimeouts.Add(1)
				return errors.Mark(errors.Wrapf(err, "%s %d still busy after %d retries", idType, id, retries), fifoutils.ErrTimeout)
			}
			return err
		}

		if errors.Is(err, fifoutils.ErrTimeout) {
			s.counters.preemptTimeouts.Add(1)
		}
		return err
	}
}

func (s *Scheduler) handlePreemptTimeout(tsg *TSG, err error) {
	if s.platform == PlatformSilicon {
		s.logger.Error("preempt timed out, ctxsw timeout will trigger recovery if needed",
			slog.Int("TSGID", int(tsg.id)),
			slog.Any("error", err),
		)
		return
	}

	s.recovery.PreemptTimeout(tsg)
}

// PreemptTSG evicts a TSG from its runlist's PBDMAs and engines. A TSG with no runlist has nothing
// to preempt. On timeout, emulation platforms recover the TSG immediately while silicon leaves it to
// the context switch timeout.
func (s *Scheduler) PreemptTSG(tsg *TSG) error {
	s.logger.Debug("Scheduler::PreemptTSG", slog.Int("TSGID", int(tsg.id)))

	runlist := tsg.runlist.Load()
	if runlist == nil {
		return nil
	}

	runlist.mutex.Lock()
	err := s.preemptLocked(runlist, tsg.id, hal.IDTypeTSG)
	runlist.mutex.Unlock()

	if err != nil && errors.Is(err, fifoutils.ErrTimeout) {
		s.handlePreemptTimeout(tsg, err)
	}

	return err
}

// PreemptChannel preempts the channel's TSG, or the channel alone if it is not bound to one
func (s *Scheduler) PreemptChannel(channel *Channel) error {
	s.logger.Debug("Scheduler::PreemptChannel", slog.Int("ChannelID", int(channel.id)))

	tsg := s.TSGFromID(channel.tsgID.Load())
	if tsg != nil {
		return s.PreemptTSG(tsg)
	}

	runlist := channel.Runlist()
	if runlist == nil {
		return nil
	}

	runlist.mutex.Lock()
	err := s.preemptLocked(runlist, channel.id, hal.IDTypeChannel)
	runlist.mutex.Unlock()

	if err != nil && errors.Is(err, fifoutils.ErrTimeout) {
		s.logger.Error("channel preempt timed out", slog.Int("ChannelID", int(channel.id)), slog.Any("error", err))
	}

	return err
}

// preemptRunlistsLocked preempts whole runlists for recovery. The caller holds their locks. The error
// names the runlists that did not finish preempting and matches fifoutils.ErrTimeout. If the preempt
// could not be issued at all every runlist in the mask is reported as failed.
func (s *Scheduler) preemptRunlistsLocked(runlistMask uint32) (uint32, error) {
	runlistMask &= s.activeRunlistMask
	if runlistMask == 0 {
		return 0, nil
	}

	err := s.hal.Preempt.PreemptRunlists(runlistMask)
	if err != nil {
		return runlistMask, errors.Mark(errors.Wrapf(err, "failed to preempt runlists %#x", runlistMask), fifoutils.ErrHardwareFault)
	}

	var failed uint32
	fifoutils.ForEachBit(runlistMask, func(runlistID int) bool {
		err := poll.Until(context.Background(), s.pollOptions(s.preemptTimeout), func() (bool, error) {
			return !s.hal.Preempt.IsRunlistPreemptPending(uint32(runlistID)), nil
		})
		if err != nil {
			failed |= fifoutils.Bit(runlistID)
		}
		return true
	})

	if failed != 0 {
		s.counters.preemptTimeouts.Add(1)
		return failed, errors.Wrapf(fifoutils.ErrTimeout, "runlists %#x did not finish preempting", failed)
	}
	return 0, nil
}

// PreemptRunlistsForRC preempts every runlist in mask, taking their locks in ascending order
func (s *Scheduler) PreemptRunlistsForRC(runlistMask uint32) error {
	s.logger.Debug("Scheduler::PreemptRunlistsForRC", slog.Int("RunlistMask", int(runlistMask)))

	s.lockRunlists(runlistMask)
	defer s.unlockRunlists(runlistMask)

	_, err := s.preemptRunlistsLocked(runlistMask)
	return err
}
