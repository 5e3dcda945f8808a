package fifo

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpusched/fifoutils"
	"github.com/vkngwrapper/gpusched/hal"
	"github.com/vkngwrapper/gpusched/hal/fake"
)

func TestOpenChannel_ExhaustAndReuse(t *testing.T) {
	_, scheduler := readyScheduler(t, SchedulerSetup{
		Options: CreateOptions{NumChannels: 4},
	})

	var channels []*Channel
	for i := 0; i < 4; i++ {
		channel, err := scheduler.OpenChannel(0, false, 1)
		require.NoError(t, err)
		require.Equal(t, uint32(i), channel.ID())
		require.True(t, channel.IsReferenceable())
		require.Equal(t, uint32(1), channel.RefCount())
		require.Equal(t, hal.InvalidID, channel.TSGID())
		require.True(t, channel.IsUnserviceable())
		channels = append(channels, channel)
	}

	_, err := scheduler.OpenChannel(0, false, 1)
	require.True(t, errors.Is(err, fifoutils.ErrResourceExhausted))
	require.Equal(t, 0, scheduler.FreeChannels())

	channels[2].Close(false)
	require.False(t, channels[2].IsReferenceable())
	require.Equal(t, uint32(0), channels[2].RefCount())
	require.Equal(t, 1, scheduler.FreeChannels())
	require.NoError(t, scheduler.Validate())

	reopened, err := scheduler.OpenChannel(0, false, 2)
	require.NoError(t, err)
	require.Equal(t, uint32(2), reopened.ID())
	require.Equal(t, 2, reopened.OwnerPID())
	require.NoError(t, scheduler.Validate())
}

func TestChannel_ReferencesOutliveClose(t *testing.T) {
	_, scheduler := readyScheduler(t, SchedulerSetup{})

	channel, err := scheduler.OpenChannel(0, false, 1)
	require.NoError(t, err)

	ref := scheduler.GetChannel(channel.ID())
	require.NotNil(t, ref)
	require.Equal(t, channel, ref.Channel())
	require.Equal(t, uint32(2), channel.RefCount())

	channel.Close(true)
	require.False(t, channel.IsReferenceable())
	require.Nil(t, scheduler.GetChannel(channel.ID()))
	require.Nil(t, channel.Get())
	require.Equal(t, 7, scheduler.FreeChannels())

	ref.Put()
	require.Equal(t, uint32(0), channel.RefCount())
	require.Equal(t, 8, scheduler.FreeChannels())
	require.NoError(t, scheduler.Validate())
}

func TestChannel_CloseWaitsForReferences(t *testing.T) {
	_, scheduler := readyScheduler(t, SchedulerSetup{})

	channel, err := scheduler.OpenChannel(0, false, 1)
	require.NoError(t, err)

	ref := channel.Get()
	require.NotNil(t, ref)

	// the wait is bounded, so a leaked reference only delays teardown
	channel.Close(false)
	require.False(t, channel.IsReferenceable())
	require.Equal(t, uint32(1), channel.RefCount())

	ref.Put()
	require.Equal(t, 8, scheduler.FreeChannels())
}

func TestChannel_DoubleClosePanics(t *testing.T) {
	_, scheduler := readyScheduler(t, SchedulerSetup{})

	channel, err := scheduler.OpenChannel(0, false, 1)
	require.NoError(t, err)

	channel.Close(true)
	require.Panics(t, func() {
		channel.Close(true)
	})
}

func TestChannelRef_DoublePutPanics(t *testing.T) {
	_, scheduler := readyScheduler(t, SchedulerSetup{})

	channel, err := scheduler.OpenChannel(0, false, 1)
	require.NoError(t, err)

	ref := channel.Get()
	ref.Put()
	require.Panics(t, func() {
		ref.Put()
	})
	require.Equal(t, uint32(1), channel.RefCount())
}

func TestOpenChannel_InstAllocFailure(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	chip.SetInstAllocError(errors.New("out of instance memory"))
	_, err := scheduler.OpenChannel(0, false, 1)
	require.True(t, errors.Is(err, fifoutils.ErrAllocFailure))
	require.Equal(t, 8, scheduler.FreeChannels())
	require.NoError(t, scheduler.Validate())

	chip.SetInstAllocError(nil)
	channel, err := scheduler.OpenChannel(0, false, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(0), channel.ID())
}

func TestOpenChannel_InvalidRunlistFallsBackToGraphics(t *testing.T) {
	_, scheduler := readyScheduler(t, SchedulerSetup{})

	channel, err := scheduler.OpenChannel(7, false, 1)
	require.NoError(t, err)
	require.Equal(t, scheduler.GRRunlistID(), channel.RunlistID())

	copyChannel, err := scheduler.OpenChannel(1, true, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), copyChannel.RunlistID())
	require.True(t, copyChannel.Privileged())
}

func TestChannelFromInstPtr(t *testing.T) {
	_, scheduler := readyScheduler(t, SchedulerSetup{})

	_, err := scheduler.OpenChannel(0, false, 1)
	require.NoError(t, err)
	second, err := scheduler.OpenChannel(0, false, 1)
	require.NoError(t, err)

	ref := scheduler.ChannelFromInstPtr(second.InstBlock().Addr)
	require.NotNil(t, ref)
	require.Equal(t, second.ID(), ref.Channel().ID())
	ref.Put()

	addr := second.InstBlock().Addr
	second.Close(false)
	require.Nil(t, scheduler.ChannelFromInstPtr(addr))
	require.Nil(t, scheduler.ChannelFromInstPtr(0xdead000))
}

func TestChannel_ErrorNotifier(t *testing.T) {
	_, scheduler := readyScheduler(t, SchedulerSetup{})

	channel, err := scheduler.OpenChannel(0, false, 1)
	require.NoError(t, err)

	_, ok := channel.ErrorNotifier()
	require.False(t, ok)

	channel.SetErrorNotifier(ErrorNotifier(9999))
	_, ok = channel.ErrorNotifier()
	require.False(t, ok)

	channel.SetErrorNotifier(ErrorNotifierGRException)
	code, ok := channel.ErrorNotifier()
	require.True(t, ok)
	require.Equal(t, ErrorNotifierGRException, code)
	require.Equal(t, "GRException", code.String())
}

type fakeAddressSpace uint64

func (a fakeAddressSpace) PageDirectoryBase() uint64 {
	return uint64(a)
}

func TestChannel_BindAddressSpace(t *testing.T) {
	_, scheduler := readyScheduler(t, SchedulerSetup{})

	channel, err := scheduler.OpenChannel(0, false, 1)
	require.NoError(t, err)

	require.NoError(t, channel.BindAddressSpace(fakeAddressSpace(0x4000)))
	require.Equal(t, uint64(0x4000), channel.AddressSpace().PageDirectoryBase())

	err = channel.BindAddressSpace(fakeAddressSpace(0x8000))
	require.True(t, errors.Is(err, fifoutils.ErrInvalidBinding))

	channel.Close(false)
	err = channel.BindAddressSpace(fakeAddressSpace(0x8000))
	require.True(t, errors.Is(err, fifoutils.ErrInvalidArgument))
}

func TestChannel_RingDoorbellRequiresServiceable(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)

	channel, err := scheduler.OpenChannel(0, false, 1)
	require.NoError(t, err)
	require.True(t, errors.Is(channel.RingDoorbell(), fifoutils.ErrUnserviceable))

	require.NoError(t, tsg.BindChannel(channel))
	require.NoError(t, channel.RingDoorbell())
	require.Equal(t, 1, chip.Doorbells(channel.ID()))
}

func TestChannel_RingDoorbellFailure(t *testing.T) {
	chip, scheduler := readyScheduler(t, SchedulerSetup{})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	channel := openBoundChannel(t, scheduler, tsg, 0)

	chip.FailOp(fake.OpChannelRingDoorbell, errors.New("doorbell failed"))
	require.True(t, errors.Is(channel.RingDoorbell(), fifoutils.ErrHardwareFault))
	require.Equal(t, 0, chip.Doorbells(channel.ID()))

	chip.FailOp(fake.OpChannelRingDoorbell, nil)
	require.NoError(t, channel.RingDoorbell())
	require.Equal(t, 1, chip.Doorbells(channel.ID()))
}

func TestChannel_LifecycleCallbacks(t *testing.T) {
	var opened, closed []uint32
	_, scheduler := readyScheduler(t, SchedulerSetup{
		Options: CreateOptions{
			EventCallbacks: &EventCallbackOptions{
				ChannelOpened: func(scheduler *Scheduler, chid uint32, userData interface{}) {
					require.Equal(t, "data", userData)
					opened = append(opened, chid)
				},
				ChannelClosed: func(scheduler *Scheduler, chid uint32, userData interface{}) {
					closed = append(closed, chid)
				},
				UserData: "data",
			},
		},
	})

	first, err := scheduler.OpenChannel(0, false, 1)
	require.NoError(t, err)
	second, err := scheduler.OpenChannel(0, false, 1)
	require.NoError(t, err)

	second.Close(false)
	first.Close(false)

	require.Equal(t, []uint32{0, 1}, opened)
	require.Equal(t, []uint32{1, 0}, closed)
}
