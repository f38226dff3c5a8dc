package camera

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEstimateFPS(t *testing.T) {
	require.Equal(t, 0.0, EstimateFPS(nil))
	require.Equal(t, 0.0, EstimateFPS([]time.Duration{0, 0, 0}))

	// 30 FPS camera
	intervals := []time.Duration{
		33 * time.Millisecond,
		34 * time.Millisecond,
		33 * time.Millisecond,
	}
	require.Equal(t, 30.0, EstimateFPS(intervals))

	// One read-retry pause in the middle must not affect the estimate
	intervals = []time.Duration{
		66 * time.Millisecond,
		67 * time.Millisecond,
		166 * time.Millisecond,
		66 * time.Millisecond,
		67 * time.Millisecond,
	}
	require.Equal(t, 15.0, EstimateFPS(intervals))

	intervals = []time.Duration{
		1000 * time.Millisecond,
		1001 * time.Millisecond,
		999 * time.Millisecond,
	}
	require.Equal(t, 1.0, EstimateFPS(intervals))

	intervals = []time.Duration{
		2000 * time.Millisecond,
		2001 * time.Millisecond,
		1999 * time.Millisecond,
	}
	require.Equal(t, 0.5, EstimateFPS(intervals))
}
