package fifo

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/gpusched/internal/utils"
)

// channelPool is the LIFO free list of closed channels plus the instance address index of open ones.
// A channel's reference count only moves between zero and one while this pool's lock is held.
type channelPool struct {
	mutex utils.OptionalMutex

	count    int
	freeHead *Channel
	channels []Channel

	instIndex *swiss.Map[uint64, uint32]
}

func (p *channelPool) Init(useMutex bool, channels []Channel) {
	p.mutex = utils.OptionalMutex{UseMutex: useMutex}
	p.channels = channels
	p.instIndex = swiss.NewMap[uint64, uint32](42)

	// push in reverse so the lowest ids are handed out first
	for chid := len(channels) - 1; chid >= 0; chid-- {
		p.push(&channels[chid])
	}
}

func (p *channelPool) Validate() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	actualCount := 0
	for channel := p.freeHead; channel != nil; channel = channel.nextFree {
		actualCount++
		if !channel.inPool {
			return errors.Newf("channel %d is on the free list but not marked free", channel.id)
		}
	}

	if actualCount != p.count {
		return errors.Newf("the listed number of free channels (%d) does not match the actual number of free channels (%d)", p.count, actualCount)
	}

	for chid := range p.channels {
		channel := &p.channels[chid]
		state := channel.state.Load()
		refs := state & channelRefMask
		referenceable := state&channelReferenceable != 0

		if (refs == 0) != channel.inPool {
			return errors.Newf("channel %d has %d references but in-pool is %t", chid, refs, channel.inPool)
		}
		if refs == 0 && referenceable {
			return errors.Newf("channel %d has no references but is still referenceable", chid)
		}
	}

	// an opening channel is acquired before its instance block is indexed
	if p.instIndex.Count() > len(p.channels)-p.count {
		return errors.Newf("%d instance blocks are indexed but only %d channels are open", p.instIndex.Count(), len(p.channels)-p.count)
	}

	return nil
}

func (p *channelPool) FreeCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.count
}

// Acquire pops a free channel and gives it the owner reference. The channel is not yet referenceable.
func (p *channelPool) Acquire() *Channel {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	channel := p.freeHead
	if channel == nil {
		return nil
	}

	p.freeHead = channel.nextFree
	channel.nextFree = nil
	channel.inPool = false
	p.count--

	channel.state.Store(1)

	return channel
}

// Abandon returns a channel whose open failed before it became referenceable
func (p *channelPool) Abandon(channel *Channel) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	channel.state.Store(0)
	p.push(channel)
}

// Return moves a channel back to the free list when its last reference is dropped. It reports false
// if the reference count was not exactly one.
func (p *channelPool) Return(channel *Channel) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !channel.state.CompareAndSwap(1, 0) {
		return false
	}

	p.push(channel)
	return true
}

func (p *channelPool) push(channel *Channel) {
	channel.nextFree = p.freeHead
	channel.inPool = true
	p.freeHead = channel
	p.count++
}

func (p *channelPool) RegisterInst(addr uint64, chid uint32) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.instIndex.Put(addr, chid)
}

func (p *channelPool) UnregisterInst(addr uint64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.instIndex.Delete(addr)
}

func (p *channelPool) LookupInst(addr uint64) (uint32, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.instIndex.Get(addr)
}
