package hal

import "math"

// InvalidID is used for channel, TSG and runlist ids that do not refer to anything
const InvalidID uint32 = math.MaxUint32

// EngineType identifies the class of a physical engine
type EngineType uint32

const (
	EngineTypeGR EngineType = iota
	EngineTypeCopy
	EngineTypeAsyncCopy
	EngineTypeNVDEC
	EngineTypeNVENC
)

var engineTypeMapping = map[EngineType]string{
	EngineTypeGR:        "GR",
	EngineTypeCopy:      "Copy",
	EngineTypeAsyncCopy: "AsyncCopy",
	EngineTypeNVDEC:     "NVDEC",
	EngineTypeNVENC:     "NVENC",
}

func (t EngineType) String() string {
	return engineTypeMapping[t]
}

// IDType tells whether a hardware-reported context id names a channel or a TSG
type IDType uint32

const (
	IDTypeChannel IDType = iota
	IDTypeTSG
	IDTypeUnknown
)

var idTypeMapping = map[IDType]string{
	IDTypeChannel: "Channel",
	IDTypeTSG:     "TSG",
	IDTypeUnknown: "Unknown",
}

func (t IDType) String() string {
	return idTypeMapping[t]
}

// CtxStatus is the context switch phase reported by an engine or PBDMA
type CtxStatus uint32

const (
	// CtxStatusInvalid means no context is resident
	CtxStatusInvalid CtxStatus = iota
	// CtxStatusValid means the context named by ID is resident
	CtxStatusValid
	// CtxStatusLoad means the context named by NextID is being loaded
	CtxStatusLoad
	// CtxStatusSave means the context named by ID is being saved out
	CtxStatusSave
	// CtxStatusSwitch means ID is being saved and NextID loaded
	CtxStatusSwitch
)

var ctxStatusMapping = map[CtxStatus]string{
	CtxStatusInvalid: "Invalid",
	CtxStatusValid:   "Valid",
	CtxStatusLoad:    "Load",
	CtxStatusSave:    "Save",
	CtxStatusSwitch:  "Switch",
}

func (s CtxStatus) String() string {
	return ctxStatusMapping[s]
}

// EngineInfo is the static description of one engine
type EngineInfo struct {
	EngineID  uint32
	Type      EngineType
	RunlistID uint32
	// InstanceID distinguishes engines of the same type
	InstanceID uint32
	ResetID    uint32
	IntrID     uint32
	// PBDMAIDs lists the PBDMAs that feed this engine
	PBDMAIDs []uint32
}

// EngineStatus is a point-in-time decode of an engine's status register
type EngineStatus struct {
	Busy       bool
	Faulted    bool
	CtxStatus  CtxStatus
	ID         uint32
	IDType     IDType
	NextID     uint32
	NextIDType IDType
}

// IsContext reports whether id/idType is the resident or incoming context on the engine
func (s EngineStatus) IsContext(id uint32, idType IDType) bool {
	switch s.CtxStatus {
	case CtxStatusValid, CtxStatusSave:
		return s.ID == id && s.IDType == idType
	case CtxStatusLoad:
		return s.NextID == id && s.NextIDType == idType
	case CtxStatusSwitch:
		return (s.ID == id && s.IDType == idType) || (s.NextID == id && s.NextIDType == idType)
	}
	return false
}

// PBDMAInfo is the static description of one pushbuffer DMA unit
type PBDMAInfo struct {
	PBDMAID   uint32
	RunlistID uint32
}

// PBDMAStatus is a point-in-time decode of a PBDMA's channel switch status
type PBDMAStatus struct {
	ChswStatus CtxStatus
	ID         uint32
	IDType     IDType
	NextID     uint32
	NextIDType IDType
}

// IsContext reports whether id/idType is associated with the PBDMA
func (s PBDMAStatus) IsContext(id uint32, idType IDType) bool {
	return EngineStatus{
		CtxStatus:  s.ChswStatus,
		ID:         s.ID,
		IDType:     s.IDType,
		NextID:     s.NextID,
		NextIDType: s.NextIDType,
	}.IsContext(id, idType)
}

// InstBlock is the hardware instance block backing a channel
type InstBlock struct {
	Addr uint64
	Size uint64
}

// AddressSpace is an opaque handle from the VM subsystem
type AddressSpace interface {
	PageDirectoryBase() uint64
}

// ChannelHWState is the decoded per-channel hardware state read back after preemption
type ChannelHWState struct {
	Enabled      bool
	Next         bool
	CtxReload    bool
	Busy         bool
	EngFaulted   bool
	PBDMAFaulted bool
	// GPGet is the channel's current gpfifo get pointer, used to detect forward progress
	GPGet uint64
}

// RunlistState is the scheduling enable state of a runlist
type RunlistState uint32

const (
	RunlistDisabled RunlistState = iota
	RunlistEnabled
)

var runlistStateMapping = map[RunlistState]string{
	RunlistDisabled: "Disabled",
	RunlistEnabled:  "Enabled",
}

func (s RunlistState) String() string {
	return runlistStateMapping[s]
}

// RunlistEntryType distinguishes TSG header entries from channel entries
type RunlistEntryType uint32

const (
	RunlistEntryTSG RunlistEntryType = iota
	RunlistEntryChannel
)

var runlistEntryTypeMapping = map[RunlistEntryType]string{
	RunlistEntryTSG:     "TSG",
	RunlistEntryChannel: "Channel",
}

func (t RunlistEntryType) String() string {
	return runlistEntryTypeMapping[t]
}

// RunlistEntry is one chip-independent runlist entry. The HAL serializes entries into its own
// memory format on Submit.
type RunlistEntry struct {
	Type RunlistEntryType
	ID   uint32
	// TimesliceMantissa and TimesliceScale are only meaningful on TSG entries
	TimesliceMantissa uint32
	TimesliceScale    uint32
	// TSGLength is the number of channel entries following a TSG entry
	TSGLength uint32
	// InstAddr is the channel's instance block address on channel entries
	InstAddr uint64
}

// RunlistMem is one of the two buffers backing a runlist
type RunlistMem struct {
	// Index is 0 or 1 and stands in for the buffer's base address
	Index   int
	Entries []RunlistEntry
}
