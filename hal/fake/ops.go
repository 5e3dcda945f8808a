package fake

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpusched/hal"
)

type engineOps struct{ chip *Chip }

func (o engineOps) Engines() []hal.EngineInfo {
	return append([]hal.EngineInfo(nil), o.chip.layout.Engines...)
}

func (o engineOps) ReadStatus(engineID uint32) (hal.EngineStatus, error) {
	c := o.chip
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.hasEngine(engineID) {
		return hal.EngineStatus{}, errors.Newf("fake chip has no engine %d", engineID)
	}
	return c.engineStatus[engineID], nil
}

func (o engineOps) IsStallIntrPending(engineID uint32) bool {
	c := o.chip
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.stallIntr[engineID]
}

func (o engineOps) Reset(engineID uint32) error {
	c := o.chip
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.hasEngine(engineID) {
		return errors.Newf("fake chip has no engine %d", engineID)
	}
	c.write()
	c.engineResets = append(c.engineResets, engineID)
	c.engineStatus[engineID] = hal.EngineStatus{}
	c.stallIntr[engineID] = false
	return nil
}

func (c *Chip) hasEngine(engineID uint32) bool {
	for _, engine := range c.layout.Engines {
		if engine.EngineID == engineID {
			return true
		}
	}
	return false
}

type pbdmaOps struct{ chip *Chip }

func (o pbdmaOps) PBDMAs() []hal.PBDMAInfo {
	return append([]hal.PBDMAInfo(nil), o.chip.layout.PBDMAs...)
}

func (o pbdmaOps) ReadStatus(pbdmaID uint32) (hal.PBDMAStatus, error) {
	c := o.chip
	c.lock.Lock()
	defer c.lock.Unlock()

	for _, pbdma := range c.layout.PBDMAs {
		if pbdma.PBDMAID == pbdmaID {
			return c.pbdmaStatus[pbdmaID], nil
		}
	}
	return hal.PBDMAStatus{}, errors.Newf("fake chip has no pbdma %d", pbdmaID)
}

type channelOps struct{ chip *Chip }

func (o channelOps) AllocInstBlock(chid uint32) (hal.InstBlock, error) {
	c := o.chip
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.instAllocErr != nil {
		return hal.InstBlock{}, c.instAllocErr
	}
	inst := hal.InstBlock{Addr: c.nextInstAddr, Size: instBlockSize}
	c.nextInstAddr += instBlockSize
	return inst, nil
}

func (o channelOps) FreeInstBlock(chid uint32, inst hal.InstBlock) {}

func (o channelOps) BindAddressSpace(chid uint32, inst hal.InstBlock, as hal.AddressSpace) error {
	c := o.chip
	c.lock.Lock()
	defer c.lock.Unlock()

	c.write()
	return nil
}

func (o channelOps) Bind(chid uint32, inst hal.InstBlock, runlistID uint32) error {
	c := o.chip
	c.lock.Lock()
	defer c.lock.Unlock()

	c.write()
	return nil
}

func (o channelOps) Unbind(chid uint32) error {
	c := o.chip
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.opErrs[OpChannelUnbind]; err != nil {
		return err
	}
	c.write()
	delete(c.channelState, chid)
	return nil
}

func (o channelOps) Enable(chid uint32) error {
	return o.chip.updateChannel(OpChannelEnable, chid, func(state *hal.ChannelHWState) {
		state.Enabled = true
	})
}

func (o channelOps) Disable(chid uint32) error {
	return o.chip.updateChannel(OpChannelDisable, chid, func(state *hal.ChannelHWState) {
		state.Enabled = false
	})
}

func (o channelOps) Clear(chid uint32) error {
	return o.chip.updateChannel(OpChannelClear, chid, func(state *hal.ChannelHWState) {
		state.Next = false
	})
}

func (o channelOps) ReadState(chid uint32) (hal.ChannelHWState, error) {
	c := o.chip
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.channelState[chid], nil
}

func (o channelOps) ForceCtxReload(chid uint32) error {
	return o.chip.updateChannel(OpChannelForceCtxReload, chid, func(state *hal.ChannelHWState) {
		state.CtxReload = true
	})
}

func (o channelOps) ResetFaulted(chid uint32, eng bool, pbdma bool) error {
	return o.chip.updateChannel(OpChannelResetFaulted, chid, func(state *hal.ChannelHWState) {
		if eng {
			state.EngFaulted = false
		}
		if pbdma {
			state.PBDMAFaulted = false
		}
	})
}

func (o channelOps) RingDoorbell(chid uint32) error {
	c := o.chip
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.opErrs[OpChannelRingDoorbell]; err != nil {
		return err
	}
	c.write()
	c.doorbells[chid]++
	return nil
}

func (c *Chip) updateChannel(op Op, chid uint32, update func(state *hal.ChannelHWState)) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.opErrs[op]; err != nil {
		return err
	}
	c.write()
	state := c.channelState[chid]
	update(&state)
	c.channelState[chid] = state
	return nil
}

type tsgOps struct{ chip *Chip }

func (o tsgOps) AllocContext(tsgid uint32) error {
	c := o.chip
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.contextAllocErr != nil {
		return c.contextAllocErr
	}
	c.contexts[tsgid] = true
	return nil
}

func (o tsgOps) FreeContext(tsgid uint32) error {
	c := o.chip
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.opErrs[OpTSGFreeContext]; err != nil {
		return err
	}
	delete(c.contexts, tsgid)
	return nil
}

func (o tsgOps) BindChannel(tsgid uint32, chid uint32) error {
	c := o.chip
	c.lock.Lock()
	defer c.lock.Unlock()

	c.write()
	c.boundTSG[chid] = tsgid
	return nil
}

func (o tsgOps) UnbindChannel(tsgid uint32, chid uint32) error {
	c := o.chip
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.opErrs[OpTSGUnbindChannel]; err != nil {
		return err
	}
	c.write()
	delete(c.boundTSG, chid)
	return nil
}

type runlistOps struct{ chip *Chip }

func (o runlistOps) Submit(runlistID uint32, mem *hal.RunlistMem, count int) {
	c := o.chip
	c.lock.Lock()
	defer c.lock.Unlock()

	c.write()
	c.submits = append(c.submits, Submit{
		RunlistID:   runlistID,
		BufferIndex: mem.Index,
		Entries:     append([]hal.RunlistEntry(nil), mem.Entries[:count]...),
	})
}

func (o runlistOps) IsPending(runlistID uint32) bool {
	c := o.chip
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.runlistStuck[runlistID] {
		return true
	}
	if c.runlistPendingPolls[runlistID] > 0 {
		c.runlistPendingPolls[runlistID]--
		return true
	}
	return false
}

func (o runlistOps) WriteState(runlistMask uint32, state hal.RunlistState) error {
	c := o.chip
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.opErrs[OpRunlistWriteState]; err != nil {
		return err
	}
	c.write()
	c.stateWrites = append(c.stateWrites, StateWrite{RunlistMask: runlistMask, State: state})
	return nil
}

type preemptOps struct{ chip *Chip }

func (o preemptOps) Trigger(id uint32, idType hal.IDType) error {
	c := o.chip
	c.lock.Lock()
	if c.triggerErr != nil {
		err := c.triggerErr
		c.lock.Unlock()
		return err
	}
	c.write()
	c.triggers = append(c.triggers, Trigger{ID: id, IDType: idType})
	hook := c.triggerHook
	c.lock.Unlock()

	if hook != nil {
		hook(c, id, idType)
	}
	return nil
}

func (o preemptOps) PreemptRunlists(runlistMask uint32) error {
	c := o.chip
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.opErrs[OpPreemptRunlists]; err != nil {
		return err
	}
	c.write()
	c.runlistMasks = append(c.runlistMasks, runlistMask)
	return nil
}

func (o preemptOps) IsRunlistPreemptPending(runlistID uint32) bool {
	c := o.chip
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.runlistPreemptStuck[runlistID]
}
