package fifo

import (
	"fmt"
	"sync/atomic"
)

// ChannelRef is one counted reference to an open channel. The channel cannot return to the free pool
// until Put is called.
type ChannelRef struct {
	channel  *Channel
	released atomic.Bool
}

func (r *ChannelRef) Channel() *Channel {
	return r.channel
}

// Put releases the reference. Calling Put twice on the same ChannelRef panics.
func (r *ChannelRef) Put() {
	if !r.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("reference to channel %d released twice", r.channel.id))
	}
	r.channel.release()
}
