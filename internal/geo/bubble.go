package geo

import "math"

// BubbleConstants are the tuning parameters of the bubble-radius
// formula. Spec.md §9 flags the 2500/1700 constants as hard-coded
// tuning parameters that should be configuration; DefaultBubbleConstants
// gives the values used by the original implementation.
type BubbleConstants struct {
	DistanceOffsetKm float64 // additive offset before the log, avoids log(0)
	Scale            float64 // multiplier on the log term
	Shift            float64 // subtracted constant, centers the curve
}

// DefaultBubbleConstants reproduces bubble(P) = 500*log10(d+2500) - 1700.
var DefaultBubbleConstants = BubbleConstants{
	DistanceOffsetKm: 2500,
	Scale:            500,
	Shift:            1700,
}

// BubbleSizeKm returns the admission radius around a point that is
// distanceKm away from the local node, using the given constants. It is
// monotonically increasing in distanceKm (P2) and clamped to zero so it
// is never negative for unrealistic (even negative) distances.
func BubbleSizeKm(distanceKm float64, c BubbleConstants) float64 {
	size := c.Scale*math.Log10(distanceKm+c.DistanceOffsetKm) - c.Shift
	if size < 0 {
		return 0
	}
	return size
}
