package main

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpusched/config"
	"github.com/vkngwrapper/gpusched/fifo"
	"github.com/vkngwrapper/gpusched/hal"
	"github.com/vkngwrapper/gpusched/hal/fake"
)

var engineTypes = map[string]hal.EngineType{
	"gr":        hal.EngineTypeGR,
	"copy":      hal.EngineTypeCopy,
	"asynccopy": hal.EngineTypeAsyncCopy,
	"nvdec":     hal.EngineTypeNVDEC,
	"nvenc":     hal.EngineTypeNVENC,
}

var interleaveLevels = map[string]fifo.InterleaveLevel{
	"low":    fifo.InterleaveLevelLow,
	"medium": fifo.InterleaveLevelMedium,
	"high":   fifo.InterleaveLevelHigh,
}

// layoutFromConfig builds the simulated chip's engine table. A PBDMA serves the runlist of the
// first engine that names it.
func layoutFromConfig(engines []config.EngineConfig) (fake.Layout, error) {
	if len(engines) == 0 {
		return fake.DefaultLayout(), nil
	}

	var layout fake.Layout
	pbdmaRunlists := make(map[uint32]uint32)
	for _, engine := range engines {
		engineType, ok := engineTypes[strings.ToLower(engine.Type)]
		if !ok {
			return fake.Layout{}, errors.Newf("engine %d has unknown type %q", engine.ID, engine.Type)
		}

		layout.Engines = append(layout.Engines, hal.EngineInfo{
			EngineID:   engine.ID,
			Type:       engineType,
			RunlistID:  engine.Runlist,
			InstanceID: engine.Instance,
			ResetID:    engine.ID,
			IntrID:     engine.ID,
			PBDMAIDs:   engine.PBDMAs,
		})

		for _, pbdmaID := range engine.PBDMAs {
			runlistID, seen := pbdmaRunlists[pbdmaID]
			if seen && runlistID != engine.Runlist {
				return fake.Layout{}, errors.Newf("pbdma %d serves both runlist %d and %d", pbdmaID, runlistID, engine.Runlist)
			}
			pbdmaRunlists[pbdmaID] = engine.Runlist
		}
	}

	for pbdmaID, runlistID := range pbdmaRunlists {
		layout.PBDMAs = append(layout.PBDMAs, hal.PBDMAInfo{PBDMAID: pbdmaID, RunlistID: runlistID})
	}
	sort.Slice(layout.PBDMAs, func(i, j int) bool {
		return layout.PBDMAs[i].PBDMAID < layout.PBDMAs[j].PBDMAID
	})

	return layout, nil
}

func (e *environment) newScheduler(callbacks *fifo.EventCallbackOptions) (*fake.Chip, *fifo.Scheduler, error) {
	layout, err := layoutFromConfig(e.config.Engines)
	if err != nil {
		return nil, nil, err
	}

	options, err := e.config.Options()
	if err != nil {
		return nil, nil, err
	}
	options.EventCallbacks = callbacks

	chip := fake.NewChip(layout)
	scheduler, err := fifo.New(e.logger, chip.HAL(), options)
	if err != nil {
		return nil, nil, err
	}

	return chip, scheduler, nil
}

// openWorkload opens tsgCount TSGs on runlistID with channelsPerTSG bound and scheduled channels each
func openWorkload(scheduler *fifo.Scheduler, runlistID uint32, tsgCount, channelsPerTSG int, ownerPID int) ([]*fifo.TSG, []*fifo.Channel, error) {
	var tsgs []*fifo.TSG
	var channels []*fifo.Channel

	for i := 0; i < tsgCount; i++ {
		tsg, err := scheduler.OpenTSG(ownerPID)
		if err != nil {
			return tsgs, channels, err
		}
		tsgs = append(tsgs, tsg)

		for j := 0; j < channelsPerTSG; j++ {
			channel, err := scheduler.OpenChannel(runlistID, false, ownerPID)
			if err != nil {
				return tsgs, channels, err
			}
			channels = append(channels, channel)

			err = tsg.BindChannel(channel)
			if err != nil {
				return tsgs, channels, err
			}

			err = channel.Runlist().UpdateForChannel(channel, true, true)
			if err != nil {
				return tsgs, channels, err
			}
		}
	}

	return tsgs, channels, nil
}

func closeWorkload(tsgs []*fifo.TSG, channels []*fifo.Channel) {
	for _, channel := range channels {
		channel.Close(true)
	}
	for _, tsg := range tsgs {
		tsg.Close()
	}
}
