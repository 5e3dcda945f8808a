package bitmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitmapSetClear(t *testing.T) {
	b := New(130)
	require.False(t, b.TestAndSet(0))
	require.False(t, b.TestAndSet(64))
	require.False(t, b.TestAndSet(129))
	require.True(t, b.TestAndSet(64))
	require.Equal(t, 3, b.Count())

	var seen []uint32
	b.ForEach(func(index uint32) bool {
		seen = append(seen, index)
		return true
	})
	require.Equal(t, []uint32{0, 64, 129}, seen)

	require.True(t, b.TestAndClear(64))
	require.False(t, b.TestAndClear(64))
	require.False(t, b.Test(64))
	require.Equal(t, 2, b.Count())
	require.Equal(t, 130, b.Size())
}

func TestBitmapOutOfRangePanics(t *testing.T) {
	b := New(8)
	require.Panics(t, func() {
		b.Test(8)
	})
}
