package fifo

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpusched/fifoutils"
	"github.com/vkngwrapper/gpusched/hal"
	"github.com/vkngwrapper/gpusched/hal/fake"
	"golang.org/x/exp/slog"
)

type SchedulerSetup struct {
	Layout  *fake.Layout
	Options CreateOptions
	// PreNew may replace parts of the chip's HAL before the scheduler is created
	PreNew func(chip *fake.Chip, h *hal.HAL)
}

func readyScheduler(t *testing.T, setup SchedulerSetup) (*fake.Chip, *Scheduler) {
	layout := fake.DefaultLayout()
	if setup.Layout != nil {
		layout = *setup.Layout
	}
	chip := fake.NewChip(layout)
	h := chip.HAL()

	if setup.PreNew != nil {
		setup.PreNew(chip, &h)
	}

	options := setup.Options
	if options.NumChannels == 0 {
		options.NumChannels = 8
	}
	if options.RunlistPendingTimeout == 0 {
		options.RunlistPendingTimeout = 20 * time.Millisecond
	}
	if options.PreemptTimeout == 0 {
		options.PreemptTimeout = 5 * time.Millisecond
	}
	if options.ChannelRefWaitTimeout == 0 {
		options.ChannelRefWaitTimeout = 5 * time.Millisecond
	}
	if options.PollInitialDelay == 0 {
		options.PollInitialDelay = time.Microsecond
	}
	if options.PollMaxDelay == 0 {
		options.PollMaxDelay = 100 * time.Microsecond
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	scheduler, err := New(logger, h, options)
	require.NoError(t, err)

	return chip, scheduler
}

// openBoundChannel opens a channel on runlistID, binds it to tsg and schedules it
func openBoundChannel(t *testing.T, scheduler *Scheduler, tsg *TSG, runlistID uint32) *Channel {
	channel, err := scheduler.OpenChannel(runlistID, false, 100)
	require.NoError(t, err)

	require.NoError(t, tsg.BindChannel(channel))
	require.NoError(t, channel.Runlist().UpdateForChannel(channel, true, true))

	return channel
}

func TestNew_Defaults(t *testing.T) {
	chip := fake.NewChip(fake.DefaultLayout())
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	scheduler, err := New(logger, chip.HAL(), CreateOptions{})
	require.NoError(t, err)

	require.Equal(t, uint32(512), scheduler.NumChannels())
	require.Equal(t, 512, scheduler.FreeChannels())
	require.Equal(t, uint32(0b11), scheduler.ActiveRunlistMask())
	require.Equal(t, uint32(0), scheduler.GREngineID())
	require.Equal(t, uint32(0), scheduler.GRRunlistID())
	require.Nil(t, scheduler.Runlist(2))
	require.Equal(t, uint32(0b110), scheduler.Runlist(1).EngineMask())
	require.Equal(t, uint32(0b10), scheduler.Runlist(1).PBDMAMask())
	require.NoError(t, scheduler.Validate())
}

func TestNew_MissingHAL(t *testing.T) {
	chip := fake.NewChip(fake.DefaultLayout())
	h := chip.HAL()
	h.Preempt = nil

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	_, err := New(logger, h, CreateOptions{})
	require.Error(t, err)
}

func TestNew_InvalidOptions(t *testing.T) {
	chip := fake.NewChip(fake.DefaultLayout())
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	_, err := New(logger, chip.HAL(), CreateOptions{NumChannels: 4, MaxChannelsPerTSG: 8})
	require.Error(t, err)

	_, err = New(logger, chip.HAL(), CreateOptions{TimesliceMinUS: 5000, TimesliceMaxUS: 4000})
	require.Error(t, err)

	_, err = New(logger, chip.HAL(), CreateOptions{TimesliceDefaultUS: 60000})
	require.Error(t, err)
}

func TestNew_NoGraphicsEngine(t *testing.T) {
	layout := fake.Layout{
		Engines: []hal.EngineInfo{
			{EngineID: 0, Type: hal.EngineTypeCopy, RunlistID: 0, PBDMAIDs: []uint32{0}},
		},
		PBDMAs: []hal.PBDMAInfo{{PBDMAID: 0, RunlistID: 0}},
	}
	chip := fake.NewChip(layout)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	_, err := New(logger, chip.HAL(), CreateOptions{})
	require.Error(t, err)
}

func TestNew_RunlistWithoutPBDMA(t *testing.T) {
	layout := fake.DefaultLayout()
	layout.PBDMAs = layout.PBDMAs[:1]
	chip := fake.NewChip(layout)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	_, err := New(logger, chip.HAL(), CreateOptions{})
	require.Error(t, err)
}

func TestValidate_AfterChurn(t *testing.T) {
	_, scheduler := readyScheduler(t, SchedulerSetup{})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)

	channels := make([]*Channel, 0, 3)
	for i := 0; i < 3; i++ {
		channels = append(channels, openBoundChannel(t, scheduler, tsg, 0))
	}
	require.NoError(t, scheduler.Validate())

	require.NoError(t, tsg.UnbindChannel(channels[1], true))
	channels[1].Close(false)
	require.NoError(t, scheduler.Validate())

	channels[0].Close(false)
	channels[2].Close(true)
	tsg.Close()

	require.NoError(t, scheduler.Validate())
	require.Equal(t, 8, scheduler.FreeChannels())
	require.Nil(t, scheduler.TSGFromID(tsg.ID()))

	stats := scheduler.Statistics()
	require.Equal(t, 0, stats.ChannelsOpen)
	require.Equal(t, 0, stats.TSGsOpen)
	require.Equal(t, fifoutils.Statistics{
		RunlistSubmits: stats.RunlistSubmits,
		Preempts:       stats.Preempts,
	}, stats)
}
