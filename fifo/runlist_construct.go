package fifo

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpusched/fifoutils"
	"github.com/vkngwrapper/gpusched/hal"
)

type runlistBuilder struct {
	runlist  *Runlist
	entries  []hal.RunlistEntry
	capacity int
	levels   [numInterleaveLevels][]*TSG
}

// constructLocked writes the runlist's active TSGs into entries. With interleaving, every Low TSG is
// preceded by all Medium TSGs and every Medium TSG by all High TSGs; levels with no TSGs fall
// through to the next level up. Without interleaving TSGs are written High, then Medium, then Low.
// TSGs keep ascending id order within a level.
func (r *Runlist) constructLocked(entries []hal.RunlistEntry) ([]hal.RunlistEntry, error) {
	builder := runlistBuilder{
		runlist:  r,
		entries:  entries[:0],
		capacity: r.scheduler.numRunlistEntries,
	}

	r.activeTSGs.Ascend(func(tsg *TSG) bool {
		level := tsg.InterleaveLevel()
		builder.levels[level] = append(builder.levels[level], tsg)
		return true
	})

	var err error
	if r.scheduler.interleaveEnabled {
		err = builder.appendLow()
	} else {
		err = builder.appendFlat()
	}
	if err != nil {
		return entries[:0], err
	}

	return builder.entries, nil
}

func (b *runlistBuilder) appendFlat() error {
	for level := InterleaveLevelHigh; ; level-- {
		for _, tsg := range b.levels[level] {
			err := b.appendTSG(tsg)
			if err != nil {
				return err
			}
		}

		if level == InterleaveLevelLow {
			return nil
		}
	}
}

func (b *runlistBuilder) appendLow() error {
	low := b.levels[InterleaveLevelLow]
	if len(low) == 0 {
		return b.appendMedium()
	}

	higher := len(b.levels[InterleaveLevelMedium]) + len(b.levels[InterleaveLevelHigh])
	for _, tsg := range low {
		if higher > 0 {
			err := b.appendMedium()
			if err != nil {
				return err
			}
		}

		err := b.appendTSG(tsg)
		if err != nil {
			return err
		}
	}

	return nil
}

func (b *runlistBuilder) appendMedium() error {
	medium := b.levels[InterleaveLevelMedium]
	if len(medium) == 0 {
		return b.appendHigh()
	}

	for _, tsg := range medium {
		if len(b.levels[InterleaveLevelHigh]) > 0 {
			err := b.appendHigh()
			if err != nil {
				return err
			}
		}

		err := b.appendTSG(tsg)
		if err != nil {
			return err
		}
	}

	return nil
}

func (b *runlistBuilder) appendHigh() error {
	for _, tsg := range b.levels[InterleaveLevelHigh] {
		err := b.appendTSG(tsg)
		if err != nil {
			return err
		}
	}
	return nil
}

// appendTSG writes a TSG header followed by its active, serviceable channels. TSGs with no such
// channels are left out.
func (b *runlistBuilder) appendTSG(tsg *TSG) error {
	runlist := b.runlist

	tsg.mutex.RLock()
	channels := make([]*Channel, 0, len(tsg.channels))
	for _, member := range tsg.channels {
		channel := member.channel
		if !runlist.activeChannels.Test(channel.id) {
			continue
		}
		if !channel.IsReferenceable() || channel.unserviceable.Load() {
			continue
		}
		channels = append(channels, channel)
	}
	tsg.mutex.RUnlock()

	if len(channels) == 0 {
		return nil
	}

	if len(b.entries)+1+len(channels) > b.capacity {
		return errors.Wrapf(fifoutils.ErrResourceExhausted, "runlist %d needs more than %d entries", runlist.id, b.capacity)
	}

	mantissa, scale := fifoutils.EncodeTimeslice(uint64(tsg.Timeslice()))
	b.entries = append(b.entries, hal.RunlistEntry{
		Type:              hal.RunlistEntryTSG,
		ID:                tsg.id,
		TimesliceMantissa: mantissa,
		TimesliceScale:    scale,
		TSGLength:         uint32(len(channels)),
	})

	for _, channel := range channels {
		b.entries = append(b.entries, hal.RunlistEntry{
			Type:     hal.RunlistEntryChannel,
			ID:       channel.id,
			InstAddr: channel.inst.Addr,
		})
	}

	return nil
}
