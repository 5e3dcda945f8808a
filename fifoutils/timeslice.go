package fifoutils

const (
	// TimesliceMantissaMax is the largest mantissa a runlist TSG entry can carry
	TimesliceMantissaMax uint32 = 0xff
	// TimesliceScaleMax is the largest scale (power of two) a runlist TSG entry can carry
	TimesliceScaleMax uint32 = 0xf
	// TimesliceMaxEncodableUS is the largest timeslice, in microseconds, a runlist entry can represent
	TimesliceMaxEncodableUS uint64 = uint64(TimesliceMantissaMax) << TimesliceScaleMax
)

// EncodeTimeslice converts a timeslice in microseconds into the mantissa/scale pair stored in a
// runlist TSG entry. The value decoded from the result is within one scale step of the input. Inputs
// larger than TimesliceMaxEncodableUS are clamped to it.
func EncodeTimeslice(timesliceUS uint64) (mantissa uint32, scale uint32) {
	if timesliceUS >= TimesliceMaxEncodableUS {
		return TimesliceMantissaMax, TimesliceScaleMax
	}

	for timesliceUS > uint64(TimesliceMantissaMax) {
		timesliceUS >>= 1
		scale++
	}

	return uint32(timesliceUS), scale
}

// DecodeTimeslice is the inverse of EncodeTimeslice
func DecodeTimeslice(mantissa uint32, scale uint32) uint64 {
	return uint64(mantissa) << scale
}
