package fifo

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpusched/fifoutils"
	"github.com/vkngwrapper/gpusched/hal"
	"github.com/vkngwrapper/gpusched/hal/fake"
	mock_hal "github.com/vkngwrapper/gpusched/hal/mocks"
	"go.uber.org/mock/gomock"
)

func TestPreemptTSG_IdleEngine(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	openBoundChannel(t, scheduler, tsg, 0)

	// idle engine still reporting the context as valid
	chip.SetEngineStatus(0, hal.EngineStatus{CtxStatus: hal.CtxStatusValid, ID: tsg.ID(), IDType: hal.IDTypeTSG})

	require.NoError(t, scheduler.PreemptTSG(tsg))
	require.Equal(t, []fake.Trigger{{ID: tsg.ID(), IDType: hal.IDTypeTSG}}, chip.Triggers())
	require.Equal(t, 1, scheduler.Statistics().Preempts)
}

func TestPreemptTSG_NoRunlist(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)

	require.NoError(t, scheduler.PreemptTSG(tsg))
	require.Empty(t, chip.Triggers())
}

func TestPreemptTSG_EngineReleasesAfterTrigger(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	openBoundChannel(t, scheduler, tsg, 0)

	chip.SetEngineStatus(0, hal.EngineStatus{Busy: true, CtxStatus: hal.CtxStatusValid, ID: tsg.ID(), IDType: hal.IDTypeTSG})
	chip.SetTriggerHook(func(chip *fake.Chip, id uint32, idType hal.IDType) {
		chip.SetEngineStatus(0, hal.EngineStatus{Busy: true, CtxStatus: hal.CtxStatusValid, ID: 7, IDType: hal.IDTypeTSG})
	})

	require.NoError(t, scheduler.PreemptTSG(tsg))
}

func TestPreemptTSG_BusyOnEmulation(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{
		Options: CreateOptions{Platform: PlatformEmulation},
	})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	openBoundChannel(t, scheduler, tsg, 0)

	chip.SetEngineStatus(0, hal.EngineStatus{
		Busy:       true,
		CtxStatus:  hal.CtxStatusLoad,
		ID:         5,
		IDType:     hal.IDTypeTSG,
		NextID:     tsg.ID(),
		NextIDType: hal.IDTypeTSG,
	})
	chip.SetStallIntrPending(0, true)

	err = scheduler.PreemptTSG(tsg)
	require.True(t, errors.Is(err, fifoutils.ErrBusy))
	require.False(t, errors.Is(err, fifoutils.ErrTimeout))
	require.Len(t, chip.Triggers(), 1)
	require.Equal(t, 1, scheduler.Statistics().PreemptBusy)
	require.Empty(t, chip.EngineResets())
}

func TestPreemptTSG_PollsEngineUntilContextLeaves(t *testing.T) {
	ctrl := gomock.NewController(t)

	var engineOps *mock_hal.MockEngineOps
	chip, scheduler := readyScheduler(t, SchedulerSetup{
		PreNew: func(chip *fake.Chip, h *hal.HAL) {
			engineOps = mock_hal.NewMockEngineOps(ctrl)
			engineOps.EXPECT().Engines().Return(fake.DefaultLayout().Engines).AnyTimes()
			h.Engine = engineOps
		},
	})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	openBoundChannel(t, scheduler, tsg, 0)

	resident := hal.EngineStatus{Busy: true, CtxStatus: hal.CtxStatusValid, ID: tsg.ID(), IDType: hal.IDTypeTSG}
	gomock.InOrder(
		engineOps.EXPECT().ReadStatus(uint32(0)).Return(resident, nil),
		engineOps.EXPECT().IsStallIntrPending(uint32(0)).Return(false),
		engineOps.EXPECT().ReadStatus(uint32(0)).Return(resident, nil),
		engineOps.EXPECT().IsStallIntrPending(uint32(0)).Return(false),
		engineOps.EXPECT().ReadStatus(uint32(0)).Return(hal.EngineStatus{}, nil),
	)

	require.NoError(t, scheduler.PreemptTSG(tsg))
	require.Len(t, chip.Triggers(), 1)
	require.Equal(t, 1, scheduler.Statistics().Preempts)
	require.Equal(t, 0, scheduler.Statistics().PreemptBusy)
}

func TestPreemptTSG_EngineStatusReadFailure(t *testing.T) {
	ctrl := gomock.NewController(t)

	var engineOps *mock_hal.MockEngineOps
	_, scheduler := readyScheduler(t, SchedulerSetup{
		Options: CreateOptions{Platform: PlatformSilicon},
		PreNew: func(chip *fake.Chip, h *hal.HAL) {
			engineOps = mock_hal.NewMockEngineOps(ctrl)
			engineOps.EXPECT().Engines().Return(fake.DefaultLayout().Engines).AnyTimes()
			h.Engine = engineOps
		},
	})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	openBoundChannel(t, scheduler, tsg, 0)

	engineOps.EXPECT().ReadStatus(uint32(0)).Return(hal.EngineStatus{}, errors.New("status read failed")).MinTimes(1)

	err = scheduler.PreemptTSG(tsg)
	require.True(t, errors.Is(err, fifoutils.ErrHardwareFault))
	require.False(t, errors.Is(err, fifoutils.ErrBusy))
}

func TestPreemptRunlistsForRC_IssueFailure(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	chip.FailOp(fake.OpPreemptRunlists, errors.New("preempt failed"))

	err := scheduler.PreemptRunlistsForRC(0b11)
	require.True(t, errors.Is(err, fifoutils.ErrHardwareFault))
	require.Empty(t, chip.RunlistPreempts())
}

func TestPreemptTSG_SiliconRetriesThenTimesOut(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	openBoundChannel(t, scheduler, tsg, 0)

	chip.SetEngineStatus(0, hal.EngineStatus{Busy: true, CtxStatus: hal.CtxStatusValid, ID: tsg.ID(), IDType: hal.IDTypeTSG})
	chip.SetStallIntrPending(0, true)

	err = scheduler.PreemptTSG(tsg)
	require.True(t, errors.Is(err, fifoutils.ErrBusy))
	require.True(t, errors.Is(err, fifoutils.ErrTimeout))
	require.Len(t, chip.Triggers(), 3)

	stats := scheduler.Statistics()
	require.Equal(t, 3, stats.PreemptBusy)
	require.Equal(t, 1, stats.PreemptTimeouts)
	require.Equal(t, 0, stats.Recoveries)
}

func TestPreemptTSG_RetriesDisabled(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{
		Options: CreateOptions{PreemptRetries: -1},
	})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	openBoundChannel(t, scheduler, tsg, 0)

	chip.SetEngineStatus(0, hal.EngineStatus{Busy: true, CtxStatus: hal.CtxStatusValid, ID: tsg.ID(), IDType: hal.IDTypeTSG})
	chip.SetStallIntrPending(0, true)

	err = scheduler.PreemptTSG(tsg)
	require.True(t, errors.Is(err, fifoutils.ErrBusy))
	require.False(t, errors.Is(err, fifoutils.ErrTimeout))
	require.Len(t, chip.Triggers(), 1)
}

func TestPreemptTSG_PBDMATimeoutOnSilicon(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	channel := openBoundChannel(t, scheduler, tsg, 0)

	chip.SetPBDMAStatus(0, hal.PBDMAStatus{ChswStatus: hal.CtxStatusValid, ID: tsg.ID(), IDType: hal.IDTypeTSG})

	err = scheduler.PreemptTSG(tsg)
	require.True(t, errors.Is(err, fifoutils.ErrTimeout))
	require.Equal(t, 1, scheduler.Statistics().PreemptTimeouts)

	// silicon leaves recovery to the context switch timeout
	require.False(t, channel.IsUnserviceable())
	require.Equal(t, 0, scheduler.Statistics().Recoveries)
}

func TestPreemptTSG_EngineTimeoutOnEmulationRecovers(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{
		Options: CreateOptions{Platform: PlatformEmulation},
	})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	channel := openBoundChannel(t, scheduler, tsg, 0)

	chip.SetEngineStatus(0, hal.EngineStatus{Busy: true, CtxStatus: hal.CtxStatusValid, ID: tsg.ID(), IDType: hal.IDTypeTSG})

	err = scheduler.PreemptTSG(tsg)
	require.True(t, errors.Is(err, fifoutils.ErrTimeout))

	code, ok := channel.ErrorNotifier()
	require.True(t, ok)
	require.Equal(t, ErrorNotifierFifoIdleTimeout, code)
	require.True(t, channel.IsUnserviceable())
	require.Equal(t, []uint32{0}, chip.EngineResets())
	require.Equal(t, 1, scheduler.Statistics().Recoveries)
}

func TestPreemptTSG_TriggerFailure(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	openBoundChannel(t, scheduler, tsg, 0)

	chip.SetTriggerError(errors.New("bus error"))
	err = scheduler.PreemptTSG(tsg)
	require.True(t, errors.Is(err, fifoutils.ErrHardwareFault))
}

func TestPreemptChannel_Unbound(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	channel, err := scheduler.OpenChannel(1, false, 1)
	require.NoError(t, err)

	require.NoError(t, scheduler.PreemptChannel(channel))
	require.Equal(t, []fake.Trigger{{ID: channel.ID(), IDType: hal.IDTypeChannel}}, chip.Triggers())
}

func TestPreemptChannel_BoundPreemptsTSG(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	channel := openBoundChannel(t, scheduler, tsg, 0)

	require.NoError(t, scheduler.PreemptChannel(channel))
	require.Equal(t, []fake.Trigger{{ID: tsg.ID(), IDType: hal.IDTypeTSG}}, chip.Triggers())
}

func TestIsPreemptPending(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	err := scheduler.IsPreemptPending(5, 0, hal.IDTypeTSG, false)
	require.True(t, errors.Is(err, fifoutils.ErrInvalidArgument))

	require.NoError(t, scheduler.IsPreemptPending(1, 3, hal.IDTypeTSG, false))

	// a different context on the engine does not hold up the preempt
	chip.SetEngineStatus(1, hal.EngineStatus{Busy: true, CtxStatus: hal.CtxStatusValid, ID: 4, IDType: hal.IDTypeTSG})
	require.NoError(t, scheduler.IsPreemptPending(1, 3, hal.IDTypeTSG, false))

	chip.SetEngineStatus(2, hal.EngineStatus{Busy: true, CtxStatus: hal.CtxStatusSwitch, ID: 3, IDType: hal.IDTypeTSG, NextID: 4, NextIDType: hal.IDTypeTSG})
	err = scheduler.IsPreemptPending(1, 3, hal.IDTypeTSG, true)
	require.True(t, errors.Is(err, fifoutils.ErrTimeout))
}

func TestPreemptRunlistsForRC(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	require.NoError(t, scheduler.PreemptRunlistsForRC(0b11))
	require.Equal(t, []uint32{0b11}, chip.RunlistPreempts())

	chip.SetRunlistPreemptStuck(1, true)
	err := scheduler.PreemptRunlistsForRC(0b11)
	require.True(t, errors.Is(err, fifoutils.ErrTimeout))
}
