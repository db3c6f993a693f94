package rules

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, Clamp(-0.3))
	assert.Equal(t, 1.0, Clamp(1.7))
	assert.Equal(t, 0.5, Clamp(0.5))
	assert.Equal(t, 0.0, Clamp(math.NaN()))
}

func TestAggregateConfidence(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, AggregateConfidence(nil, []float64{0.9}))
	assert.Equal(t, 0.0, AggregateConfidence([]float64{-1}, nil))
	assert.InDelta(t, 0.8, AggregateConfidence([]float64{0.8}, nil), 1e-12)
	assert.InDelta(t, 0.45, AggregateConfidence([]float64{0.9}, []float64{0.9}), 1e-12)
	assert.InDelta(t, 0.9, AggregateConfidence([]float64{0.9}, []float64{-5}), 1e-12)
}

func TestAggregateConfidenceProperties(t *testing.T) {
	t.Parallel()

	weights := gen.SliceOf(gen.Float64Range(-2, 2))
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("confidence stays within [0,1]", prop.ForAll(
		func(support, contra []float64) bool {
			c := AggregateConfidence(support, contra)
			return c >= 0 && c <= 1
		},
		weights, weights,
	))
	properties.Property("a contradiction never raises confidence", prop.ForAll(
		func(support, contra []float64, extra float64) bool {
			before := AggregateConfidence(support, contra)
			after := AggregateConfidence(support, append(append([]float64(nil), contra...), extra))
			return after <= before+1e-12
		},
		weights, weights, gen.Float64Range(-2, 2),
	))
	properties.Property("uncontested confidence is the clamped mean", prop.ForAll(
		func(support []float64) bool {
			var sum float64
			for _, v := range support {
				sum += Clamp(v)
			}
			if len(support) == 0 || sum == 0 {
				return AggregateConfidence(support, nil) == 0
			}
			return math.Abs(AggregateConfidence(support, nil)-sum/float64(len(support))) < 1e-9
		},
		weights,
	))

	properties.TestingRun(t)
}
