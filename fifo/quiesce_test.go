package fifo

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpusched/fifoutils"
	"github.com/vkngwrapper/gpusched/hal"
	"github.com/vkngwrapper/gpusched/hal/fake"
)

func TestSWQuiesce(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	channel := openBoundChannel(t, scheduler, tsg, 0)

	scheduler.SWQuiesce()
	require.True(t, scheduler.IsQuiescePending())

	code, ok := channel.ErrorNotifier()
	require.True(t, ok)
	require.Equal(t, ErrorNotifierFifoIdleTimeout, code)
	require.True(t, channel.IsUnserviceable())

	require.Equal(t, []fake.StateWrite{{RunlistMask: 0b11, State: hal.RunlistDisabled}}, chip.StateWrites())
	require.Equal(t, []uint32{0b11}, chip.RunlistPreempts())
}

func TestSWQuiesce_StopsHardwareWrites(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	openBoundChannel(t, scheduler, tsg, 0)

	scheduler.SWQuiesce()
	writes := chip.HardwareWrites()

	scheduler.SWQuiesce()
	scheduler.Recovery().FifoRecover(0b1, tsg.ID(), true, false, true, RecoveryTypeForceReset)
	scheduler.Recovery().TSGAndRelatedEngines(tsg, true, RecoveryTypePBDMAFault)
	scheduler.Recovery().SchedErrorBadTSG()
	scheduler.Recovery().GRFault(tsg, nil)

	require.Equal(t, writes, chip.HardwareWrites())
	require.Empty(t, chip.EngineResets())
	require.Equal(t, 0, scheduler.Statistics().Recoveries)

	_, err = scheduler.OpenChannel(0, false, 1)
	require.True(t, errors.Is(err, fifoutils.ErrUnserviceable))
}

func TestSWQuiesce_BusyPreemptIsNotRetried(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	openBoundChannel(t, scheduler, tsg, 0)

	scheduler.SWQuiesce()

	chip.SetEngineStatus(0, hal.EngineStatus{
		Busy:      true,
		CtxStatus: hal.CtxStatusValid,
		ID:        tsg.ID(),
		IDType:    hal.IDTypeTSG,
	})
	chip.SetStallIntrPending(0, true)

	err = scheduler.PreemptTSG(tsg)
	require.True(t, errors.Is(err, fifoutils.ErrBusy))
	require.False(t, errors.Is(err, fifoutils.ErrTimeout))
	require.Len(t, chip.Triggers(), 1)
	require.Equal(t, 1, scheduler.Statistics().PreemptBusy)
}

func TestSWQuiesce_CloseSkipsReferenceWait(t *testing.T) {
	_, scheduler := readyScheduler(t, SchedulerSetup{
		Options: CreateOptions{
			ChannelRefWaitTimeout: 10 * time.Second,
		},
	})

	channel, err := scheduler.OpenChannel(0, false, 1)
	require.NoError(t, err)
	ref := channel.Get()
	require.NotNil(t, ref)

	scheduler.SWQuiesce()

	start := time.Now()
	channel.Close(false)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, uint32(1), channel.RefCount())

	ref.Put()
	require.Equal(t, 8, scheduler.FreeChannels())
}

func TestSuspendResumeAllServiceable(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	graphics := openBoundChannel(t, scheduler, tsg, 0)

	copyTSG, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	copyChannel := openBoundChannel(t, scheduler, copyTSG, 1)

	require.NoError(t, scheduler.SuspendAllServiceable())

	require.False(t, graphics.IsBoundToHardware())
	require.False(t, copyChannel.IsBoundToHardware())
	require.False(t, chip.ChannelEnabled(graphics.ID()))

	submit, ok := chip.LastSubmit(0)
	require.True(t, ok)
	require.Empty(t, submit.Entries)
	submit, ok = chip.LastSubmit(1)
	require.True(t, ok)
	require.Empty(t, submit.Entries)

	// the active sets survive suspend
	require.True(t, scheduler.Runlist(0).IsChannelActive(graphics.ID()))
	require.True(t, scheduler.Runlist(1).IsChannelActive(copyChannel.ID()))

	require.NoError(t, scheduler.ResumeAllServiceable())

	require.True(t, graphics.IsBoundToHardware())
	require.True(t, copyChannel.IsBoundToHardware())
	require.True(t, chip.ChannelEnabled(graphics.ID()))

	submit, _ = chip.LastSubmit(0)
	require.Equal(t, []uint32{tsg.ID()}, tsgHeaders(submit.Entries))
	submit, _ = chip.LastSubmit(1)
	require.Equal(t, []uint32{copyTSG.ID()}, tsgHeaders(submit.Entries))
}

func TestSuspendAllServiceable_SkipsUnserviceable(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	channel := openBoundChannel(t, scheduler, tsg, 0)
	tsg.MarkError()

	submits := len(chip.Submits(0))
	require.NoError(t, scheduler.SuspendAllServiceable())

	require.True(t, channel.IsBoundToHardware())
	require.Len(t, chip.Submits(0), submits)
	require.Empty(t, chip.Triggers())
}

func TestSuspendAllServiceable_PreemptFailure(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	channel := openBoundChannel(t, scheduler, tsg, 0)

	chip.SetTriggerError(errors.New("bus error"))

	err = scheduler.SuspendAllServiceable()
	require.Error(t, err)
	require.True(t, errors.Is(err, fifoutils.ErrHardwareFault))
	require.True(t, channel.IsBoundToHardware())
}
