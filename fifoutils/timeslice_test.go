package fifoutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeTimesliceRoundTrip(t *testing.T) {
	for _, timeslice := range []uint64{0, 1, 255, 256, 257, 1000, 1024, 1300, 5200, 50000, 4000000, TimesliceMaxEncodableUS - 1} {
		mantissa, scale := EncodeTimeslice(timeslice)
		require.LessOrEqual(t, mantissa, TimesliceMantissaMax)
		require.LessOrEqual(t, scale, TimesliceScaleMax)

		decoded := DecodeTimeslice(mantissa, scale)
		require.LessOrEqual(t, decoded, timeslice)
		require.Less(t, timeslice-decoded, uint64(1)<<scale, "timeslice %d decoded to %d", timeslice, decoded)
	}
}

func TestEncodeTimesliceSmallValuesExact(t *testing.T) {
	mantissa, scale := EncodeTimeslice(200)
	require.Equal(t, uint32(200), mantissa)
	require.Equal(t, uint32(0), scale)
}

func TestEncodeTimesliceClamps(t *testing.T) {
	for _, timeslice := range []uint64{TimesliceMaxEncodableUS, TimesliceMaxEncodableUS + 1, 1 << 40} {
		mantissa, scale := EncodeTimeslice(timeslice)
		require.Equal(t, TimesliceMantissaMax, mantissa)
		require.Equal(t, TimesliceScaleMax, scale)
		require.Equal(t, TimesliceMaxEncodableUS, DecodeTimeslice(mantissa, scale))
	}
}
