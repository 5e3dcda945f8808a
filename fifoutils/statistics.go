package fifoutils

// Statistics is a point-in-time snapshot of scheduler activity counters
type Statistics struct {
	ChannelsOpen    int
	TSGsOpen        int
	RunlistSubmits  int
	RunlistTimeouts int
	Preempts        int
	PreemptTimeouts int
	PreemptBusy     int
	Recoveries      int
	EngineResets    int
}

// RunlistStatistics describes the contents of one runlist at the time it was sampled
type RunlistStatistics struct {
	RunlistID      uint32
	Enabled        bool
	EntryCount     int
	ActiveChannels int
	ActiveTSGs     int
	Submits        int
	Timeouts       int
}
