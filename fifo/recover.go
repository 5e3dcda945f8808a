package fifo

import (
	"github.com/vkngwrapper/gpusched/fifoutils"
	"github.com/vkngwrapper/gpusched/hal"
	"golang.org/x/exp/slog"
)

// FifoRecover is the common recovery path. It disables and preempts the affected runlists, aborts
// the faulting TSG if one is known, resets the engines in engineMask along with any engine the
// preemption could not clear, and reloads and re-enables the runlists. When neither an engine nor
// a context is known every runlist is recovered. id names a TSG when idIsTSG is set and a channel
// otherwise. Nothing is written to hardware once the scheduler has been quiesced.
func (r *Recovery) FifoRecover(engineMask uint32, id uint32, idIsTSG bool, preemptRetriesLeft bool, verbose bool, rcType RecoveryType) {
	s := r.scheduler
	r.logger.Debug("Recovery::FifoRecover",
		slog.Int("EngineMask", int(engineMask)),
		slog.Int("ID", int(id)),
		slog.Bool("IDIsTSG", idIsTSG),
		slog.String("Type", rcType.String()),
	)

	if s.IsQuiescePending() {
		r.logger.Debug("skipping recovery after quiesce", slog.String("Type", rcType.String()))
		return
	}
	fifoutils.DebugCheckMask(engineMask, s.engines.IDLimit(), "engine mask")

	r.mutex.Lock()
	defer r.mutex.Unlock()

	tsg := r.resolveTSG(engineMask, id, idIsTSG)

	runlistMask := s.engines.RunlistMaskForEngines(engineMask)
	if tsg != nil {
		if runlist := tsg.Runlist(); runlist != nil {
			runlistMask |= fifoutils.Bit(runlist.id)
		}
		engineMask |= s.engineMaskOnTSG(tsg)
	}
	if runlistMask == 0 {
		runlistMask = s.activeRunlistMask
		engineMask |= s.engines.EngineMaskForRunlists(runlistMask) & r.busyEngines()
	}

	if verbose {
		r.dump(rcType)
	}

	s.lockRunlists(runlistMask)
	defer s.unlockRunlists(runlistMask)

	err := s.writeRunlistState(runlistMask, hal.RunlistDisabled)
	if err != nil {
		r.logger.Error("failed to disable runlists for recovery", slog.Int("RunlistMask", int(runlistMask)), slog.Any("error", err))
	}

	if tsg != nil {
		tsg.Disable()
	}

	failed, preemptErr := s.preemptRunlistsLocked(runlistMask)
	if preemptErr != nil {
		r.logger.Error("runlist preempt failed during recovery, resetting their engines",
			slog.Int("RunlistMask", int(failed)),
			slog.Any("error", preemptErr),
		)
		engineMask |= s.engines.EngineMaskForRunlists(failed)
	}

	if tsg != nil {
		if runlist := tsg.Runlist(); runlist != nil {
			pollErr := s.isPreemptPending(runlist, tsg.id, hal.IDTypeTSG, preemptRetriesLeft)
			if pollErr != nil {
				engineMask |= runlist.engineMask & r.busyEngines()
			}
		}

		tsg.MarkError()
		tsg.Abort(false)
	}

	faulted := s.engines.FaultedMask(s.engines.EngineMaskForRunlists(runlistMask))
	engineMask |= faulted

	fifoutils.ForEachBit(engineMask, func(engineID int) bool {
		resetErr := s.hal.Engine.Reset(uint32(engineID))
		if resetErr != nil {
			r.logger.Error("engine reset failed", slog.Int("EngineID", engineID), slog.Any("error", resetErr))
			return true
		}
		s.counters.engineResets.Add(1)
		return true
	})

	if tsg != nil {
		tsg.ResetFaultedEngPBDMA(true, true)
	}

	err = s.reloadLocked(runlistMask)
	if err != nil {
		r.logger.Error("runlist reload failed during recovery", slog.Int("RunlistMask", int(runlistMask)), slog.Any("error", err))
	}

	err = s.writeRunlistState(runlistMask, hal.RunlistEnabled)
	if err != nil {
		r.logger.Error("failed to re-enable runlists after recovery", slog.Int("RunlistMask", int(runlistMask)), slog.Any("error", err))
	}

	s.counters.recoveries.Add(1)
	s.callbacks.Recovered(rcType, runlistMask)
}

// resolveTSG finds the TSG a recovery is about, falling back to the context resident on the
// engines being recovered
func (r *Recovery) resolveTSG(engineMask uint32, id uint32, idIsTSG bool) *TSG {
	s := r.scheduler

	if id != hal.InvalidID {
		if idIsTSG {
			return s.TSGFromID(id)
		}

		ref := s.GetChannel(id)
		if ref == nil {
			return nil
		}
		defer ref.Put()
		return s.TSGFromID(ref.Channel().TSGID())
	}

	var tsg *TSG
	fifoutils.ForEachBit(engineMask, func(engineID int) bool {
		status, err := s.hal.Engine.ReadStatus(uint32(engineID))
		if err != nil {
			return true
		}

		contextID, contextType := status.ID, status.IDType
		switch status.CtxStatus {
		case hal.CtxStatusInvalid:
			return true
		case hal.CtxStatusLoad:
			contextID, contextType = status.NextID, status.NextIDType
		}

		if contextType == hal.IDTypeTSG {
			tsg = s.TSGFromID(contextID)
		} else if ref := s.GetChannel(contextID); ref != nil {
			tsg = s.TSGFromID(ref.Channel().TSGID())
			ref.Put()
		}
		return tsg == nil
	})

	return tsg
}

func (r *Recovery) busyEngines() uint32 {
	s := r.scheduler

	var mask uint32
	for _, engine := range s.engines.engines {
		status, err := s.hal.Engine.ReadStatus(engine.EngineID)
		if err == nil && status.Busy {
			mask |= fifoutils.Bit(engine.EngineID)
		}
	}
	return mask
}
