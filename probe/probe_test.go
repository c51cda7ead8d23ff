package probe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSwitchableOnline(t *testing.T) {
	p := NewSwitchableOnline(false)
	require.False(t, p.Online())

	p.Set(true)
	require.True(t, p.Online())

	p.Set(false)
	require.False(t, p.Online())
}

func TestFuncAdapters(t *testing.T) {
	require.True(t, AlwaysOnline.Online())
	require.Equal(t, 0.0, NoPressure.PressureRatio())

	high := PressureFunc(func() float64 { return 0.95 })
	require.Equal(t, 0.95, high.PressureRatio())
}

func TestHeapPressure(t *testing.T) {
	// A huge budget yields near-zero pressure; a tiny one saturates.
	low := NewHeapPressure(1 << 50)
	require.Less(t, low.PressureRatio(), 0.01)

	tiny := NewHeapPressure(1)
	require.Greater(t, tiny.PressureRatio(), 1.0)
}
