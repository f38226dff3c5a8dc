package camera

import (
	"math"
	"slices"
	"time"
)

// EstimateFPS estimates frames per second from a set of consecutive frame intervals.
// We use the median interval, so that occasional device hiccups (where the capture loop
// waits and retries) don't drag the estimate down.
// Returns 0 if there is nothing to measure yet.
func EstimateFPS(frameIntervals []time.Duration) float64 {
	if len(frameIntervals) == 0 {
		return 0
	}
	sorted := slices.Clone(frameIntervals)
	slices.Sort(sorted)
	mid := sorted[len(sorted)/2]
	if mid <= 0 {
		return 0
	}
	fps := float64(time.Second) / float64(mid)
	if fps >= 0.9 {
		return math.Round(fps)
	}
	// A stalled camera can go well below 1 FPS. Report that as 1/N.
	return 1 / math.Round(1/fps)
}
