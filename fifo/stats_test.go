package fifo

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpusched/fifoutils"
)

type statsDocument struct {
	General struct {
		Platform       string
		Channels       int
		FreeChannels   int
		QuiescePending bool
	}
	Counters map[string]int
	Runlists map[string]struct {
		State          string
		Entries        int
		ActiveChannels int
		ActiveTSGs     int
		Submits        int
		Engines        []int
		PBDMAs         []int
		TSGs           []struct {
			ID          int
			TimesliceUS int
			Channels    []int
		}
	}
	Engines []struct {
		ID        int
		Type      string
		RunlistID int
		Busy      bool
	}
}

func parseStats(t *testing.T, stats string) statsDocument {
	var doc statsDocument
	require.NoError(t, json.Unmarshal([]byte(stats), &doc))
	return doc
}

func TestStatistics(t *testing.T) {
	_, scheduler := readyScheduler(t, SchedulerSetup{})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	openBoundChannel(t, scheduler, tsg, 0)
	openBoundChannel(t, scheduler, tsg, 0)

	stats := scheduler.Statistics()
	require.Equal(t, 2, stats.ChannelsOpen)
	require.Equal(t, 1, stats.TSGsOpen)
	require.Equal(t, 2, stats.RunlistSubmits)

	require.Equal(t, []fifoutils.RunlistStatistics{
		{RunlistID: 0, Enabled: true, EntryCount: 3, ActiveChannels: 2, ActiveTSGs: 1, Submits: 2},
		{RunlistID: 1, Enabled: true},
	}, scheduler.RunlistStatistics())
}

func TestBuildStatsString(t *testing.T) {
	_, scheduler := readyScheduler(t, SchedulerSetup{})

	tsg, err := scheduler.OpenTSG(1)
	require.NoError(t, err)
	channel := openBoundChannel(t, scheduler, tsg, 0)

	doc := parseStats(t, scheduler.BuildStatsString(false))
	require.Equal(t, 8, doc.General.Channels)
	require.Equal(t, 7, doc.General.FreeChannels)
	require.False(t, doc.General.QuiescePending)
	require.Equal(t, 1, doc.Counters["ChannelsOpen"])
	require.Equal(t, 1, doc.Counters["TSGsOpen"])
	require.Len(t, doc.Runlists, 2)
	require.Equal(t, 2, doc.Runlists["0"].Entries)
	require.Equal(t, []int{0}, doc.Runlists["0"].Engines)
	require.Equal(t, []int{1, 2}, doc.Runlists["1"].Engines)
	require.Equal(t, []int{1}, doc.Runlists["1"].PBDMAs)
	require.Nil(t, doc.Runlists["0"].TSGs)
	require.Nil(t, doc.Engines)

	doc = parseStats(t, scheduler.BuildStatsString(true))
	require.Len(t, doc.Runlists["0"].TSGs, 1)
	require.Equal(t, int(tsg.ID()), doc.Runlists["0"].TSGs[0].ID)
	require.Equal(t, 1024, doc.Runlists["0"].TSGs[0].TimesliceUS)
	require.Equal(t, []int{int(channel.ID())}, doc.Runlists["0"].TSGs[0].Channels)
	require.Len(t, doc.Engines, 3)
	require.Equal(t, "GR", doc.Engines[0].Type)
	require.Equal(t, 1, doc.Engines[2].RunlistID)
}
