package fifo

import (
	"sync"

	"github.com/vkngwrapper/gpusched/fifoutils"
	"github.com/vkngwrapper/gpusched/hal"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"
)

// MMUFaultInfo is the decoded fault record that accompanies an MMU fault
type MMUFaultInfo struct {
	Addr       uint64
	InstAddr   uint64
	AccessType uint32
	ClientID   uint32
	Replayable bool
}

// Recovery holds the entry points interrupt handlers call when hardware reports a fault. Every
// entry converges on FifoRecover or on aborting a single TSG, and all of them do nothing once the
// scheduler has been quiesced.
type Recovery struct {
	scheduler *Scheduler
	logger    *slog.Logger

	// mutex serializes engine resets
	mutex       sync.Mutex
	dumpLimiter *rate.Limiter
}

// CtxswTimeout recovers a TSG that made no progress within the context switch timeout
func (r *Recovery) CtxswTimeout(engineMask uint32, tsg *TSG, verbose bool) {
	r.logger.Debug("Recovery::CtxswTimeout", slog.Int("EngineMask", int(engineMask)), slog.Int("TSGID", int(tsg.id)))

	tsg.SetErrorNotifier(ErrorNotifierFifoIdleTimeout)
	r.FifoRecover(engineMask, tsg.id, true, true, verbose, RecoveryTypeCtxswTimeout)
}

// PreemptTimeout recovers a TSG whose preemption did not complete
func (r *Recovery) PreemptTimeout(tsg *TSG) {
	r.logger.Debug("Recovery::PreemptTimeout", slog.Int("TSGID", int(tsg.id)))

	tsg.SetErrorNotifier(ErrorNotifierFifoIdleTimeout)
	r.TSGAndRelatedEngines(tsg, true, RecoveryTypePreemptTimeout)
}

// SchedErrorBadTSG recovers from the scheduler reporting a malformed TSG. The offending TSG is not
// known, so only the engines found busy are reset.
func (r *Recovery) SchedErrorBadTSG() {
	r.logger.Debug("Recovery::SchedErrorBadTSG")

	r.FifoRecover(0, hal.InvalidID, false, false, false, RecoveryTypeSchedErrBadTSG)
}

// GRFault recovers the graphics engine after an exception. tsg is the context the exception was
// taken in and channel the faulting channel. Either may be nil when it could not be identified.
func (r *Recovery) GRFault(tsg *TSG, channel *Channel) {
	s := r.scheduler
	r.logger.Debug("Recovery::GRFault")

	grMask := fifoutils.Bit(s.engines.grEngineID)
	if tsg != nil {
		r.FifoRecover(grMask, tsg.id, true, false, true, RecoveryTypeGRFault)
		return
	}

	if channel != nil {
		r.logger.Error("gr fault on a channel that is not bound to a tsg", slog.Int("ChannelID", int(channel.id)))
		r.FifoRecover(grMask, channel.id, false, false, true, RecoveryTypeGRFault)
		return
	}

	r.FifoRecover(grMask, hal.InvalidID, false, false, true, RecoveryTypeGRFault)
}

// MMUFault recovers from a memory fault. The faulting context is taken from id and idType, or from
// the instance block address in info when the id is not known.
func (r *Recovery) MMUFault(engineID uint32, id uint32, idType hal.IDType, faultType uint32, info MMUFaultInfo) {
	s := r.scheduler
	r.logger.Debug("Recovery::MMUFault",
		slog.Int("EngineID", int(engineID)),
		slog.Int("ID", int(id)),
		slog.String("IDType", idType.String()),
		slog.Int("FaultType", int(faultType)),
	)

	var tsg *TSG
	switch idType {
	case hal.IDTypeTSG:
		tsg = s.TSGFromID(id)
	case hal.IDTypeChannel:
		ref := s.GetChannel(id)
		if ref != nil {
			tsg = s.TSGFromID(ref.Channel().TSGID())
			ref.Put()
		}
	}

	if tsg == nil && info.InstAddr != 0 {
		ref := s.ChannelFromInstPtr(info.InstAddr)
		if ref != nil {
			tsg = s.TSGFromID(ref.Channel().TSGID())
			ref.Put()
		}
	}

	r.logger.Error("mmu fault",
		slog.Int("EngineID", int(engineID)),
		slog.Int("FaultType", int(faultType)),
		slog.Uint64("Addr", info.Addr),
		slog.Uint64("InstAddr", info.InstAddr),
		slog.Int("ClientID", int(info.ClientID)),
		slog.Bool("Replayable", info.Replayable),
	)

	var engineMask uint32
	if _, ok := s.engines.Engine(engineID); ok {
		engineMask = fifoutils.Bit(engineID)
	}

	if tsg == nil {
		r.FifoRecover(engineMask, hal.InvalidID, false, false, true, RecoveryTypeMMUFault)
		return
	}

	tsg.SetErrorNotifier(ErrorNotifierFifoMMUFault)
	verbose := tsg.MarkError()
	r.FifoRecover(engineMask, tsg.id, true, false, verbose, RecoveryTypeMMUFault)
}

// PBDMAFault recovers the context a PBDMA faulted on. The context is the one being loaded if the
// PBDMA was mid-load, otherwise the resident one.
func (r *Recovery) PBDMAFault(pbdmaID uint32, notifier ErrorNotifier, status hal.PBDMAStatus) {
	s := r.scheduler
	r.logger.Debug("Recovery::PBDMAFault", slog.Int("PBDMAID", int(pbdmaID)), slog.String("Notifier", notifier.String()))

	var id uint32
	var idType hal.IDType
	switch status.ChswStatus {
	case hal.CtxStatusLoad:
		id, idType = status.NextID, status.NextIDType
	case hal.CtxStatusValid, hal.CtxStatusSave, hal.CtxStatusSwitch:
		id, idType = status.ID, status.IDType
	default:
		r.logger.Error("pbdma fault with no resident context", slog.Int("PBDMAID", int(pbdmaID)))
		return
	}

	var tsg *TSG
	switch idType {
	case hal.IDTypeTSG:
		tsg = s.TSGFromID(id)
		if tsg == nil {
			r.logger.Error("pbdma fault on a tsg that is not open", slog.Int("PBDMAID", int(pbdmaID)), slog.Int("TSGID", int(id)))
			return
		}
	case hal.IDTypeChannel:
		ref := s.GetChannel(id)
		if ref == nil {
			r.logger.Error("pbdma fault on a channel that is not open", slog.Int("PBDMAID", int(pbdmaID)), slog.Int("ChannelID", int(id)))
			return
		}
		tsg = s.TSGFromID(ref.Channel().TSGID())
		ref.Put()
		if tsg == nil {
			r.logger.Error("pbdma fault on a channel that is not bound to a tsg", slog.Int("PBDMAID", int(pbdmaID)), slog.Int("ChannelID", int(id)))
			return
		}
	default:
		r.logger.Error("pbdma fault with invalid id type", slog.Int("PBDMAID", int(pbdmaID)), slog.String("IDType", idType.String()))
		return
	}

	tsg.SetErrorNotifier(notifier)
	r.TSGAndRelatedEngines(tsg, true, RecoveryTypePBDMAFault)
}

// RunlistUpdate recovers the busy engines of a runlist whose submission was not consumed in time
func (r *Recovery) RunlistUpdate(runlistID uint32) {
	s := r.scheduler
	r.logger.Debug("Recovery::RunlistUpdate", slog.Int("RunlistID", int(runlistID)))

	engineMask := s.engines.BusyMaskForRunlist(runlistID)
	if engineMask == 0 {
		return
	}

	r.FifoRecover(engineMask, hal.InvalidID, false, false, true, RecoveryTypeRunlistUpdateTimeout)
}

// TSGAndRelatedEngines recovers a single TSG. If the TSG is still resident on any engine those
// engines are reset through FifoRecover, otherwise the TSG is aborted and its runlist reloaded
// without it.
func (r *Recovery) TSGAndRelatedEngines(tsg *TSG, debugDump bool, rcType RecoveryType) {
	s := r.scheduler
	r.logger.Debug("Recovery::TSGAndRelatedEngines", slog.Int("TSGID", int(tsg.id)), slog.String("Type", rcType.String()))

	if s.IsQuiescePending() {
		return
	}

	tsg.Disable()

	r.mutex.Lock()
	engineMask := s.engineMaskOnTSG(tsg)
	r.mutex.Unlock()

	if engineMask != 0 {
		r.FifoRecover(engineMask, tsg.id, true, true, debugDump, rcType)
		return
	}

	if tsg.MarkError() && debugDump {
		r.dump(rcType)
	}
	tsg.Abort(false)
	tsg.ResetFaultedEngPBDMA(true, true)

	runlist := tsg.Runlist()
	if runlist != nil {
		err := runlist.Reload(true, true)
		if err != nil {
			r.logger.Error("failed to reload runlist after tsg recovery", slog.Int("RunlistID", int(runlist.id)), slog.Any("error", err))
		}
	}

	s.counters.recoveries.Add(1)
	var runlistMask uint32
	if runlist != nil {
		runlistMask = fifoutils.Bit(runlist.id)
	}
	s.callbacks.Recovered(rcType, runlistMask)
}

// dump writes the engine and PBDMA state to the log, at most at the configured rate
func (r *Recovery) dump(rcType RecoveryType) {
	if !r.dumpLimiter.Allow() {
		return
	}

	s := r.scheduler
	for _, engine := range s.engines.engines {
		status, err := s.hal.Engine.ReadStatus(engine.EngineID)
		if err != nil {
			r.logger.Error("failed to read engine status", slog.Int("EngineID", int(engine.EngineID)), slog.Any("error", err))
			continue
		}
		r.logger.Error("engine status",
			slog.String("Recovery", rcType.String()),
			slog.Int("EngineID", int(engine.EngineID)),
			slog.String("Type", engine.Type.String()),
			slog.Bool("Busy", status.Busy),
			slog.Bool("Faulted", status.Faulted),
			slog.String("CtxStatus", status.CtxStatus.String()),
			slog.Int("ID", int(status.ID)),
			slog.String("IDType", status.IDType.String()),
			slog.Int("NextID", int(status.NextID)),
			slog.String("NextIDType", status.NextIDType.String()),
		)
	}

	for _, pbdma := range s.pbdmas.pbdmas {
		status, err := s.hal.PBDMA.ReadStatus(pbdma.PBDMAID)
		if err != nil {
			continue
		}
		r.logger.Error("pbdma status",
			slog.String("Recovery", rcType.String()),
			slog.Int("PBDMAID", int(pbdma.PBDMAID)),
			slog.String("ChswStatus", status.ChswStatus.String()),
			slog.Int("ID", int(status.ID)),
			slog.String("IDType", status.IDType.String()),
		)
	}

	r.logger.Error("scheduler state", slog.String("Recovery", rcType.String()), slog.String("Stats", s.BuildStatsString(true)))
}
