package fifo

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/gpusched/fifoutils"
	"github.com/vkngwrapper/gpusched/hal"
)

type pbdmaRegistry struct {
	ops    hal.PBDMAOps
	pbdmas []hal.PBDMAInfo
	byID   *swiss.Map[uint32, int]
}

func newPBDMARegistry(ops hal.PBDMAOps) (*pbdmaRegistry, error) {
	pbdmas := ops.PBDMAs()
	if len(pbdmas) == 0 {
		return nil, errors.New("hal reported no pbdmas")
	}

	registry := &pbdmaRegistry{
		ops:    ops,
		pbdmas: pbdmas,
		byID:   swiss.NewMap[uint32, int](uint32(len(pbdmas))),
	}

	for index, pbdma := range pbdmas {
		if pbdma.PBDMAID >= maxMaskID {
			return nil, errors.Newf("pbdma id %d does not fit in a pbdma mask", pbdma.PBDMAID)
		}
		if registry.byID.Has(pbdma.PBDMAID) {
			return nil, errors.Newf("pbdma id %d reported twice", pbdma.PBDMAID)
		}
		registry.byID.Put(pbdma.PBDMAID, index)
	}

	return registry, nil
}

func (r *pbdmaRegistry) PBDMA(pbdmaID uint32) (hal.PBDMAInfo, bool) {
	index, ok := r.byID.Get(pbdmaID)
	if !ok {
		return hal.PBDMAInfo{}, false
	}
	return r.pbdmas[index], true
}

func (r *pbdmaRegistry) MaskForRunlist(runlistID uint32) uint32 {
	var mask uint32
	for _, pbdma := range r.pbdmas {
		if pbdma.RunlistID == runlistID {
			mask |= fifoutils.Bit(pbdma.PBDMAID)
		}
	}
	return mask
}
