// Package hal declares the hardware abstraction the scheduling core drives. Each interface covers one
// category of hardware access and is selected once when the scheduler is created.
package hal

import "github.com/cockroachdb/errors"

// EngineOps enumerates engines and reads or resets them
type EngineOps interface {
	Engines() []EngineInfo
	ReadStatus(engineID uint32) (EngineStatus, error)
	// IsStallIntrPending reports whether a stalling interrupt is latched for the engine
	IsStallIntrPending(engineID uint32) bool
	Reset(engineID uint32) error
}

// PBDMAOps enumerates PBDMAs and reads their status
type PBDMAOps interface {
	PBDMAs() []PBDMAInfo
	ReadStatus(pbdmaID uint32) (PBDMAStatus, error)
}

// ChannelOps covers per-channel hardware state
type ChannelOps interface {
	AllocInstBlock(chid uint32) (InstBlock, error)
	FreeInstBlock(chid uint32, inst InstBlock)
	BindAddressSpace(chid uint32, inst InstBlock, as AddressSpace) error
	// Bind makes the channel known to hardware
	Bind(chid uint32, inst InstBlock, runlistID uint32) error
	Unbind(chid uint32) error
	Enable(chid uint32) error
	Disable(chid uint32) error
	Clear(chid uint32) error
	ReadState(chid uint32) (ChannelHWState, error)
	ForceCtxReload(chid uint32) error
	ResetFaulted(chid uint32, eng bool, pbdma bool) error
	RingDoorbell(chid uint32) error
}

// TSGOps covers the context state shared by a TSG's channels
type TSGOps interface {
	AllocContext(tsgid uint32) error
	FreeContext(tsgid uint32) error
	// BindChannel programs the TSG's per-engine method buffers into the channel's context
	BindChannel(tsgid uint32, chid uint32) error
	UnbindChannel(tsgid uint32, chid uint32) error
}

// RunlistOps submits runlists and controls their scheduling state
type RunlistOps interface {
	// Submit only writes the base and length registers. Whether the hardware accepted the
	// runlist is observed through IsPending.
	Submit(runlistID uint32, mem *RunlistMem, count int)
	IsPending(runlistID uint32) bool
	WriteState(runlistMask uint32, state RunlistState) error
}

// PreemptOps triggers preemption
type PreemptOps interface {
	Trigger(id uint32, idType IDType) error
	PreemptRunlists(runlistMask uint32) error
	IsRunlistPreemptPending(runlistID uint32) bool
}

// HAL bundles the per-category interfaces of one chip
type HAL struct {
	Engine  EngineOps
	PBDMA   PBDMAOps
	Channel ChannelOps
	TSG     TSGOps
	Runlist RunlistOps
	Preempt PreemptOps
}

func (h HAL) Validate() error {
	if h.Engine == nil {
		return errors.New("hal.HAL.Engine must be provided")
	}
	if h.PBDMA == nil {
		return errors.New("hal.HAL.PBDMA must be provided")
	}
	if h.Channel == nil {
		return errors.New("hal.HAL.Channel must be provided")
	}
	if h.TSG == nil {
		return errors.New("hal.HAL.TSG must be provided")
	}
	if h.Runlist == nil {
		return errors.New("hal.HAL.Runlist must be provided")
	}
	if h.Preempt == nil {
		return errors.New("hal.HAL.Preempt must be provided")
	}
	return nil
}
