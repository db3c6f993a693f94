package rules

import "math"

// Clamp bounds v to [0,1]. NaN maps to 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// AggregateConfidence combines the confidences of pointers supporting a value with
// those contradicting it. The result is the mean support scaled by the supporting share
// of total weight, so contradictions can only lower it. Inputs are clamped first.
func AggregateConfidence(support, contradicted []float64) float64 {
	if len(support) == 0 {
		return 0
	}
	var s, c float64
	for _, v := range support {
		s += Clamp(v)
	}
	for _, v := range contradicted {
		c += Clamp(v)
	}
	if s == 0 {
		return 0
	}
	mean := s / float64(len(support))
	return Clamp(mean * s / (s + c))
}
