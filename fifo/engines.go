package fifo

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/gpusched/fifoutils"
	"github.com/vkngwrapper/gpusched/hal"
)

// engineRegistry is the static engine table read from the HAL at startup
type engineRegistry struct {
	ops     hal.EngineOps
	engines []hal.EngineInfo
	byID    *swiss.Map[uint32, int]

	grEngineID uint32
}

func newEngineRegistry(ops hal.EngineOps) (*engineRegistry, error) {
	engines := ops.Engines()
	if len(engines) == 0 {
		return nil, errors.New("hal reported no engines")
	}

	registry := &engineRegistry{
		ops:        ops,
		engines:    engines,
		byID:       swiss.NewMap[uint32, int](uint32(len(engines))),
		grEngineID: hal.InvalidID,
	}

	for index, engine := range engines {
		if engine.EngineID >= maxMaskID {
			return nil, errors.Newf("engine id %d does not fit in an engine mask", engine.EngineID)
		}
		if engine.RunlistID >= maxMaskID {
			return nil, errors.Newf("engine %d has runlist id %d which does not fit in a runlist mask", engine.EngineID, engine.RunlistID)
		}
		if registry.byID.Has(engine.EngineID) {
			return nil, errors.Newf("engine id %d reported twice", engine.EngineID)
		}
		registry.byID.Put(engine.EngineID, index)

		if engine.Type == hal.EngineTypeGR && registry.grEngineID == hal.InvalidID {
			registry.grEngineID = engine.EngineID
		}
	}

	if registry.grEngineID == hal.InvalidID {
		return nil, errors.New("hal reported no graphics engine")
	}

	return registry, nil
}

func (r *engineRegistry) Engine(engineID uint32) (hal.EngineInfo, bool) {
	index, ok := r.byID.Get(engineID)
	if !ok {
		return hal.EngineInfo{}, false
	}
	return r.engines[index], true
}

// IDLimit is one past the highest engine id
func (r *engineRegistry) IDLimit() int {
	limit := 0
	for _, engine := range r.engines {
		if int(engine.EngineID) >= limit {
			limit = int(engine.EngineID) + 1
		}
	}
	return limit
}

func (r *engineRegistry) IsValidRunlistID(runlistID uint32) bool {
	for _, engine := range r.engines {
		if engine.RunlistID == runlistID {
			return true
		}
	}
	return false
}

func (r *engineRegistry) EngineMaskForRunlist(runlistID uint32) uint32 {
	var mask uint32
	for _, engine := range r.engines {
		if engine.RunlistID == runlistID {
			mask |= fifoutils.Bit(engine.EngineID)
		}
	}
	return mask
}

// RunlistMaskForEngines returns the runlists serving any engine in engineMask
func (r *engineRegistry) RunlistMaskForEngines(engineMask uint32) uint32 {
	var mask uint32
	fifoutils.ForEachBit(engineMask, func(engineID int) bool {
		engine, ok := r.Engine(uint32(engineID))
		if ok {
			mask |= fifoutils.Bit(engine.RunlistID)
		}
		return true
	})
	return mask
}

func (r *engineRegistry) EngineMaskForRunlists(runlistMask uint32) uint32 {
	var mask uint32
	for _, engine := range r.engines {
		if runlistMask&fifoutils.Bit(engine.RunlistID) != 0 {
			mask |= fifoutils.Bit(engine.EngineID)
		}
	}
	return mask
}

// MaskOnID returns the engines on which id is resident or being switched in or out
func (r *engineRegistry) MaskOnID(id uint32, idType hal.IDType) uint32 {
	var mask uint32
	for _, engine := range r.engines {
		status, err := r.ops.ReadStatus(engine.EngineID)
		if err != nil {
			continue
		}
		if status.IsContext(id, idType) {
			mask |= fifoutils.Bit(engine.EngineID)
		}
	}
	return mask
}

// BusyMaskForRunlist returns the busy engines served by runlistID
func (r *engineRegistry) BusyMaskForRunlist(runlistID uint32) uint32 {
	var mask uint32
	for _, engine := range r.engines {
		if engine.RunlistID != runlistID {
			continue
		}
		status, err := r.ops.ReadStatus(engine.EngineID)
		if err != nil {
			continue
		}
		if status.Busy {
			mask |= fifoutils.Bit(engine.EngineID)
		}
	}
	return mask
}

// FaultedMask returns the engines in engineMask that report a fault
func (r *engineRegistry) FaultedMask(engineMask uint32) uint32 {
	var mask uint32
	fifoutils.ForEachBit(engineMask, func(engineID int) bool {
		status, err := r.ops.ReadStatus(uint32(engineID))
		if err == nil && status.Faulted {
			mask |= fifoutils.Bit(engineID)
		}
		return true
	})
	return mask
}
