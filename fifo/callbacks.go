package fifo

// ChannelCallback is called with the id of a channel whose lifecycle changed
type ChannelCallback func(
	scheduler *Scheduler,
	chid uint32,
	userData interface{},
)

// RecoveryCallback is called after a recovery has finished resetting and reloading the runlists in
// runlistMask
type RecoveryCallback func(
	scheduler *Scheduler,
	rcType RecoveryType,
	runlistMask uint32,
	userData interface{},
)

// EventCallbackOptions is an optional set of callbacks that will be executed as channels move through
// their lifecycle and as recovery runs. Callbacks run synchronously on the goroutine that caused the
// event, sometimes with runlist locks held, and must not call back into the scheduler.
type EventCallbackOptions struct {
	ChannelOpened ChannelCallback
	ChannelClosed ChannelCallback
	// ChannelAborted runs once for every channel aborted as part of a TSG abort, and is where job and
	// fence cleanup for the channel belongs
	ChannelAborted ChannelCallback
	Recovered      RecoveryCallback
	UserData       interface{}
}

type eventCallbacks struct {
	Callbacks *EventCallbackOptions
	Scheduler *Scheduler
}

func (c *eventCallbacks) ChannelOpened(chid uint32) {
	if c.Callbacks != nil && c.Callbacks.ChannelOpened != nil {
		c.Callbacks.ChannelOpened(c.Scheduler, chid, c.Callbacks.UserData)
	}
}

func (c *eventCallbacks) ChannelClosed(chid uint32) {
	if c.Callbacks != nil && c.Callbacks.ChannelClosed != nil {
		c.Callbacks.ChannelClosed(c.Scheduler, chid, c.Callbacks.UserData)
	}
}

func (c *eventCallbacks) ChannelAborted(chid uint32) {
	if c.Callbacks != nil && c.Callbacks.ChannelAborted != nil {
		c.Callbacks.ChannelAborted(c.Scheduler, chid, c.Callbacks.UserData)
	}
}

func (c *eventCallbacks) Recovered(rcType RecoveryType, runlistMask uint32) {
	if c.Callbacks != nil && c.Callbacks.Recovered != nil {
		c.Callbacks.Recovered(c.Scheduler, rcType, runlistMask, c.Callbacks.UserData)
	}
}
