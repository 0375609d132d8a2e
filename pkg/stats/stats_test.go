package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMeanVar(t *testing.T) {
	mean, variance := MeanVar([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	require.Equal(t, 5.0, mean)
	require.Equal(t, 4.0, variance)

	mean, variance = MeanVar([]int{})
	require.Equal(t, 0.0, mean)
	require.Equal(t, 0.0, variance)

	require.Equal(t, 2.0, Std([]float64{2, 4, 4, 4, 5, 5, 7, 9}))
}

func TestMinMax(t *testing.T) {
	lo, hi := MinMax([]int{3, -1, 7, 2})
	require.Equal(t, -1, lo)
	require.Equal(t, 7, hi)

	lo, hi = MinMax([]int{})
	require.Equal(t, 0, lo)
	require.Equal(t, 0, hi)
}

func TestClamp(t *testing.T) {
	require.Equal(t, 5, Clamp(3, 5, 10))
	require.Equal(t, 10, Clamp(12, 5, 10))
	require.Equal(t, 7, Clamp(7, 5, 10))
}
