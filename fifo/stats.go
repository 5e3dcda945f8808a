package fifo

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpusched/fifoutils"
	"github.com/vkngwrapper/gpusched/hal"
)

// Statistics returns a snapshot of the scheduler's activity counters
func (s *Scheduler) Statistics() fifoutils.Statistics {
	return fifoutils.Statistics{
		ChannelsOpen:    int(s.counters.channelsOpen.Load()),
		TSGsOpen:        int(s.counters.tsgsOpen.Load()),
		RunlistSubmits:  int(s.counters.runlistSubmits.Load()),
		RunlistTimeouts: int(s.counters.runlistTimeouts.Load()),
		Preempts:        int(s.counters.preempts.Load()),
		PreemptTimeouts: int(s.counters.preemptTimeouts.Load()),
		PreemptBusy:     int(s.counters.preemptBusy.Load()),
		Recoveries:      int(s.counters.recoveries.Load()),
		EngineResets:    int(s.counters.engineResets.Load()),
	}
}

func (r *Runlist) Statistics() fifoutils.RunlistStatistics {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.statisticsLocked()
}

func (r *Runlist) statisticsLocked() fifoutils.RunlistStatistics {
	return fifoutils.RunlistStatistics{
		RunlistID:      r.id,
		Enabled:        r.State() == hal.RunlistEnabled,
		EntryCount:     len(r.mem[r.live].Entries),
		ActiveChannels: r.activeChannels.Count(),
		ActiveTSGs:     r.activeTSGs.Len(),
		Submits:        int(r.submits.Load()),
		Timeouts:       int(r.timeouts.Load()),
	}
}

// RunlistStatistics returns a snapshot of every runlist in ascending id order
func (s *Scheduler) RunlistStatistics() []fifoutils.RunlistStatistics {
	var stats []fifoutils.RunlistStatistics
	for _, runlist := range s.runlists {
		if runlist == nil {
			continue
		}
		stats = append(stats, runlist.Statistics())
	}
	return stats
}

// BuildStatsString returns a JSON document describing the scheduler. With detailed set it also
// lists each runlist's TSGs and the status of every engine.
func (s *Scheduler) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()
	objState := writer.Object()

	stats := s.Statistics()

	generalObj := objState.Name("General").Object()
	generalObj.Name("Platform").String(s.platform.String())
	generalObj.Name("Flags").String(s.createFlags.String())
	generalObj.Name("Channels").Int(int(s.numChannels))
	generalObj.Name("FreeChannels").Int(s.FreeChannels())
	generalObj.Name("QuiescePending").Bool(s.IsQuiescePending())
	generalObj.End()

	countersObj := objState.Name("Counters").Object()
	countersObj.Name("ChannelsOpen").Int(stats.ChannelsOpen)
	countersObj.Name("TSGsOpen").Int(stats.TSGsOpen)
	countersObj.Name("RunlistSubmits").Int(stats.RunlistSubmits)
	countersObj.Name("RunlistTimeouts").Int(stats.RunlistTimeouts)
	countersObj.Name("Preempts").Int(stats.Preempts)
	countersObj.Name("PreemptTimeouts").Int(stats.PreemptTimeouts)
	countersObj.Name("PreemptBusy").Int(stats.PreemptBusy)
	countersObj.Name("Recoveries").Int(stats.Recoveries)
	countersObj.Name("EngineResets").Int(stats.EngineResets)
	countersObj.End()

	runlistsObj := objState.Name("Runlists").Object()
	for _, runlist := range s.runlists {
		if runlist == nil {
			continue
		}
		runlist.printStats(runlistsObj.Name(strconv.Itoa(int(runlist.id))), detailed)
	}
	runlistsObj.End()

	if detailed {
		s.printEngines(objState.Name("Engines"))
	}

	objState.End()

	return string(writer.Bytes())
}

func (r *Runlist) printStats(writer *jwriter.Writer, detailed bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	stats := r.statisticsLocked()

	obj := writer.Object()
	defer obj.End()

	obj.Name("State").String(r.State().String())
	obj.Name("Entries").Int(stats.EntryCount)
	obj.Name("ActiveChannels").Int(stats.ActiveChannels)
	obj.Name("ActiveTSGs").Int(stats.ActiveTSGs)
	obj.Name("Submits").Int(stats.Submits)
	obj.Name("Timeouts").Int(stats.Timeouts)

	engines := obj.Name("Engines").Array()
	fifoutils.ForEachBit(r.engineMask, func(engineID int) bool {
		engines.Int(engineID)
		return true
	})
	engines.End()

	pbdmas := obj.Name("PBDMAs").Array()
	fifoutils.ForEachBit(r.pbdmaMask, func(pbdmaID int) bool {
		pbdmas.Int(pbdmaID)
		return true
	})
	pbdmas.End()

	if !detailed {
		return
	}

	tsgs := obj.Name("TSGs").Array()
	r.activeTSGs.Ascend(func(tsg *TSG) bool {
		tsgObj := tsgs.Object()
		tsgObj.Name("ID").Int(int(tsg.id))
		tsgObj.Name("TimesliceUS").Int(int(tsg.Timeslice()))
		tsgObj.Name("InterleaveLevel").String(tsg.InterleaveLevel().String())
		tsgObj.Name("ActiveChannels").Int(tsg.numActiveChannels)

		channels := tsgObj.Name("Channels").Array()
		for _, chid := range tsg.Channels() {
			channels.Int(int(chid))
		}
		channels.End()

		tsgObj.End()
		return true
	})
	tsgs.End()
}

func (s *Scheduler) printEngines(writer *jwriter.Writer) {
	arr := writer.Array()
	defer arr.End()

	for _, engine := range s.engines.engines {
		obj := arr.Object()
		obj.Name("ID").Int(int(engine.EngineID))
		obj.Name("Type").String(engine.Type.String())
		obj.Name("RunlistID").Int(int(engine.RunlistID))

		status, err := s.hal.Engine.ReadStatus(engine.EngineID)
		if err == nil {
			obj.Name("Busy").Bool(status.Busy)
			obj.Name("Faulted").Bool(status.Faulted)
			obj.Name("CtxStatus").String(status.CtxStatus.String())
		}
		obj.End()
	}
}
