// Package fake is a scriptable in-memory chip implementing every hal interface. It records the
// hardware writes it receives so tests and the fifoctl simulator can inspect them.
package fake

import (
	"sync"

	"github.com/vkngwrapper/gpusched/hal"
)

const instBlockSize uint64 = 4096

// Layout describes the engines and PBDMAs the chip exposes
type Layout struct {
	Engines []hal.EngineInfo
	PBDMAs  []hal.PBDMAInfo
}

// DefaultLayout is a small two-runlist chip: GR on runlist 0, two copy engines on runlist 1
func DefaultLayout() Layout {
	return Layout{
		Engines: []hal.EngineInfo{
			{EngineID: 0, Type: hal.EngineTypeGR, RunlistID: 0, ResetID: 12, IntrID: 0, PBDMAIDs: []uint32{0}},
			{EngineID: 1, Type: hal.EngineTypeCopy, RunlistID: 1, InstanceID: 0, ResetID: 6, IntrID: 5, PBDMAIDs: []uint32{1}},
			{EngineID: 2, Type: hal.EngineTypeAsyncCopy, RunlistID: 1, InstanceID: 1, ResetID: 7, IntrID: 6, PBDMAIDs: []uint32{1}},
		},
		PBDMAs: []hal.PBDMAInfo{
			{PBDMAID: 0, RunlistID: 0},
			{PBDMAID: 1, RunlistID: 1},
		},
	}
}

// Submit is one recorded runlist submission
type Submit struct {
	RunlistID   uint32
	BufferIndex int
	Entries     []hal.RunlistEntry
}

// StateWrite is one recorded runlist enable/disable write
type StateWrite struct {
	RunlistMask uint32
	State       hal.RunlistState
}

// Op names a fire-and-forget HAL write that FailOp can make fail
type Op string

const (
	OpChannelUnbind         Op = "Channel.Unbind"
	OpChannelEnable         Op = "Channel.Enable"
	OpChannelDisable        Op = "Channel.Disable"
	OpChannelClear          Op = "Channel.Clear"
	OpChannelForceCtxReload Op = "Channel.ForceCtxReload"
	OpChannelResetFaulted   Op = "Channel.ResetFaulted"
	OpChannelRingDoorbell   Op = "Channel.RingDoorbell"
	OpTSGFreeContext        Op = "TSG.FreeContext"
	OpTSGUnbindChannel      Op = "TSG.UnbindChannel"
	OpRunlistWriteState     Op = "Runlist.WriteState"
	OpPreemptRunlists       Op = "Preempt.PreemptRunlists"
)

// Trigger is one recorded preempt trigger
type Trigger struct {
	ID     uint32
	IDType hal.IDType
}

type Chip struct {
	lock   sync.Mutex
	layout Layout

	engineStatus map[uint32]hal.EngineStatus
	stallIntr    map[uint32]bool
	pbdmaStatus  map[uint32]hal.PBDMAStatus
	channelState map[uint32]hal.ChannelHWState

	runlistPendingPolls map[uint32]int
	runlistStuck        map[uint32]bool
	runlistPreemptStuck map[uint32]bool

	instAllocErr    error
	contextAllocErr error
	triggerErr      error
	triggerHook     func(chip *Chip, id uint32, idType hal.IDType)
	opErrs          map[Op]error

	nextInstAddr uint64
	hwWrites     int
	submits      []Submit
	stateWrites  []StateWrite
	triggers     []Trigger
	engineResets []uint32
	doorbells    map[uint32]int
	boundTSG     map[uint32]uint32
	contexts     map[uint32]bool
	runlistMasks []uint32
}

func NewChip(layout Layout) *Chip {
	return &Chip{
		layout:              layout,
		engineStatus:        make(map[uint32]hal.EngineStatus),
		stallIntr:           make(map[uint32]bool),
		pbdmaStatus:         make(map[uint32]hal.PBDMAStatus),
		channelState:        make(map[uint32]hal.ChannelHWState),
		runlistPendingPolls: make(map[uint32]int),
		runlistStuck:        make(map[uint32]bool),
		runlistPreemptStuck: make(map[uint32]bool),
		doorbells:           make(map[uint32]int),
		boundTSG:            make(map[uint32]uint32),
		contexts:            make(map[uint32]bool),
		opErrs:              make(map[Op]error),
		nextInstAddr:        0x100000,
	}
}

// HAL returns the chip's interfaces bundled for fifo.New
func (c *Chip) HAL() hal.HAL {
	return hal.HAL{
		Engine:  engineOps{c},
		PBDMA:   pbdmaOps{c},
		Channel: channelOps{c},
		TSG:     tsgOps{c},
		Runlist: runlistOps{c},
		Preempt: preemptOps{c},
	}
}

func (c *Chip) write() {
	c.hwWrites++
}

// HardwareWrites is the number of state-changing HAL calls the chip has received
func (c *Chip) HardwareWrites() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.hwWrites
}

func (c *Chip) SetEngineStatus(engineID uint32, status hal.EngineStatus) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.engineStatus[engineID] = status
}

func (c *Chip) SetStallIntrPending(engineID uint32, pending bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.stallIntr[engineID] = pending
}

func (c *Chip) SetPBDMAStatus(pbdmaID uint32, status hal.PBDMAStatus) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.pbdmaStatus[pbdmaID] = status
}

func (c *Chip) SetChannelState(chid uint32, state hal.ChannelHWState) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.channelState[chid] = state
}

// SetRunlistPendingPolls makes the next n IsPending reads on the runlist report pending
func (c *Chip) SetRunlistPendingPolls(runlistID uint32, n int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.runlistPendingPolls[runlistID] = n
}

// SetRunlistStuck makes the runlist report pending forever
func (c *Chip) SetRunlistStuck(runlistID uint32, stuck bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.runlistStuck[runlistID] = stuck
}

func (c *Chip) SetRunlistPreemptStuck(runlistID uint32, stuck bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.runlistPreemptStuck[runlistID] = stuck
}

func (c *Chip) SetInstAllocError(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.instAllocErr = err
}

func (c *Chip) SetContextAllocError(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.contextAllocErr = err
}

func (c *Chip) SetTriggerError(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.triggerErr = err
}

// FailOp makes every later call of op return err without touching chip state. A nil err clears it.
func (c *Chip) FailOp(op Op, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err == nil {
		delete(c.opErrs, op)
		return
	}
	c.opErrs[op] = err
}

// SetTriggerHook installs a function run (with the chip lock released) after every preempt trigger.
// It is typically used to move engine status along as hardware would.
func (c *Chip) SetTriggerHook(hook func(chip *Chip, id uint32, idType hal.IDType)) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.triggerHook = hook
}

func (c *Chip) Submits(runlistID uint32) []Submit {
	c.lock.Lock()
	defer c.lock.Unlock()

	var out []Submit
	for _, submit := range c.submits {
		if submit.RunlistID == runlistID {
			out = append(out, submit)
		}
	}
	return out
}

// LastSubmit returns the most recent submission on the runlist
func (c *Chip) LastSubmit(runlistID uint32) (Submit, bool) {
	submits := c.Submits(runlistID)
	if len(submits) == 0 {
		return Submit{}, false
	}
	return submits[len(submits)-1], true
}

func (c *Chip) StateWrites() []StateWrite {
	c.lock.Lock()
	defer c.lock.Unlock()

	return append([]StateWrite(nil), c.stateWrites...)
}

func (c *Chip) Triggers() []Trigger {
	c.lock.Lock()
	defer c.lock.Unlock()

	return append([]Trigger(nil), c.triggers...)
}

func (c *Chip) EngineResets() []uint32 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return append([]uint32(nil), c.engineResets...)
}

func (c *Chip) RunlistPreempts() []uint32 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return append([]uint32(nil), c.runlistMasks...)
}

func (c *Chip) Doorbells(chid uint32) int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.doorbells[chid]
}

func (c *Chip) ChannelEnabled(chid uint32) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.channelState[chid].Enabled
}

func (c *Chip) ContextAllocated(tsgid uint32) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.contexts[tsgid]
}
