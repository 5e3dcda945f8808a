package fifo

import "strings"

// CreateFlags indicate specific scheduler behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateExternallySynchronized ensures that the channel and TSG pools of this scheduler will not be
	// synchronized internally. The consumer must guarantee that open, close, bind and unbind calls are made
	// from only one goroutine at a time. Runlist locks and reference counts are always synchronized
	// because recovery runs concurrently with submission.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateInterleaveDisabled builds runlists in flat priority order (all High, then Medium, then Low
	// TSGs) instead of interleaving higher levels before every lower-level TSG
	CreateInterleaveDisabled
)

var createFlagsMapping = map[CreateFlags]string{
	CreateExternallySynchronized: "CreateExternallySynchronized",
	CreateInterleaveDisabled:     "CreateInterleaveDisabled",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := CreateFlags(1); bit != 0 && bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}
		name, ok := createFlagsMapping[bit]
		if !ok {
			name = "Unknown"
		}
		names = append(names, name)
	}
	return strings.Join(names, "|")
}

// Platform selects between real silicon and pre-silicon targets, which differ in poll timeouts and in how
// preemption failures are escalated
type Platform uint32

const (
	PlatformSilicon Platform = iota
	PlatformEmulation
)

var platformMapping = map[Platform]string{
	PlatformSilicon:   "Silicon",
	PlatformEmulation: "Emulation",
}

func (p Platform) String() string {
	return platformMapping[p]
}

// InterleaveLevel is the runlist priority of a TSG
type InterleaveLevel uint32

const (
	InterleaveLevelLow InterleaveLevel = iota
	InterleaveLevelMedium
	InterleaveLevelHigh

	numInterleaveLevels = 3
)

var interleaveLevelMapping = map[InterleaveLevel]string{
	InterleaveLevelLow:    "Low",
	InterleaveLevelMedium: "Medium",
	InterleaveLevelHigh:   "High",
}

func (l InterleaveLevel) String() string {
	return interleaveLevelMapping[l]
}

// ErrorNotifier is the code a channel owner observes after its channel has been faulted or aborted
type ErrorNotifier uint32

const (
	ErrorNotifierFifoIdleTimeout ErrorNotifier = iota + 1
	ErrorNotifierFifoMMUFault
	ErrorNotifierPBDMAError
	ErrorNotifierPBDMAPushbufferCRCMismatch
	ErrorNotifierGRException
	ErrorNotifierGRSemaphoreTimeout
	ErrorNotifierGRIllegalNotify
	ErrorNotifierGRSoftwareNotify
	ErrorNotifierGRSoftwareMethod
	ErrorNotifierFECSUnimplementedFirmwareMethod
	ErrorNotifierResetChannelVerifError

	errorNotifierMax = ErrorNotifierResetChannelVerifError
)

var errorNotifierMapping = map[ErrorNotifier]string{
	ErrorNotifierFifoIdleTimeout:                 "FifoIdleTimeout",
	ErrorNotifierFifoMMUFault:                    "FifoMMUFault",
	ErrorNotifierPBDMAError:                      "PBDMAError",
	ErrorNotifierPBDMAPushbufferCRCMismatch:      "PBDMAPushbufferCRCMismatch",
	ErrorNotifierGRException:                     "GRException",
	ErrorNotifierGRSemaphoreTimeout:              "GRSemaphoreTimeout",
	ErrorNotifierGRIllegalNotify:                 "GRIllegalNotify",
	ErrorNotifierGRSoftwareNotify:                "GRSoftwareNotify",
	ErrorNotifierGRSoftwareMethod:                "GRSoftwareMethod",
	ErrorNotifierFECSUnimplementedFirmwareMethod: "FECSUnimplementedFirmwareMethod",
	ErrorNotifierResetChannelVerifError:          "ResetChannelVerifError",
}

func (n ErrorNotifier) String() string {
	return errorNotifierMapping[n]
}

// RecoveryType records which fault started a recovery
type RecoveryType uint32

const (
	RecoveryTypeCtxswTimeout RecoveryType = iota
	RecoveryTypePreemptTimeout
	RecoveryTypeGRFault
	RecoveryTypeSchedErrBadTSG
	RecoveryTypeRunlistUpdateTimeout
	RecoveryTypeMMUFault
	RecoveryTypePBDMAFault
	RecoveryTypeForceReset
)

var recoveryTypeMapping = map[RecoveryType]string{
	RecoveryTypeCtxswTimeout:         "CtxswTimeout",
	RecoveryTypePreemptTimeout:       "PreemptTimeout",
	RecoveryTypeGRFault:              "GRFault",
	RecoveryTypeSchedErrBadTSG:       "SchedErrBadTSG",
	RecoveryTypeRunlistUpdateTimeout: "RunlistUpdateTimeout",
	RecoveryTypeMMUFault:             "MMUFault",
	RecoveryTypePBDMAFault:           "PBDMAFault",
	RecoveryTypeForceReset:           "ForceReset",
}

func (t RecoveryType) String() string {
	return recoveryTypeMapping[t]
}

// PreemptState is the progress of a single preemption request
type PreemptState uint32

const (
	PreemptRequested PreemptState = iota
	PreemptPollingPBDMA
	PreemptPollingEngine
	PreemptDone
	PreemptTimedOut
	PreemptBusy
)

var preemptStateMapping = map[PreemptState]string{
	PreemptRequested:     "Requested",
	PreemptPollingPBDMA:  "PollingPBDMA",
	PreemptPollingEngine: "PollingEngine",
	PreemptDone:          "Done",
	PreemptTimedOut:      "TimedOut",
	PreemptBusy:          "Busy",
}

func (s PreemptState) String() string {
	return preemptStateMapping[s]
}
