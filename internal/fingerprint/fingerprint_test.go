package fingerprint

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regwatch/internal/model"
)

const listingPage = `<html><body>
<nav><a href="/">Home</a></nav>
<main id="content">
  <ul class="news">
    <li><a href="/n/1">Decree 1</a></li>
    <li><a href="/n/2">Decree 2</a></li>
  </ul>
</main>
</body></html>`

func TestComputeCountsTags(t *testing.T) {
	t.Parallel()

	fp, err := Compute([]byte(listingPage), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, fp.TagCounts["a"])
	assert.Equal(t, 2, fp.TagCounts["li"])
	assert.Equal(t, 1, fp.TagCounts["html"])
	assert.Greater(t, fp.ContentRatio, 0.0)
	assert.LessOrEqual(t, fp.ContentRatio, 1.0)
}

func TestComputeScopesToSelectors(t *testing.T) {
	t.Parallel()

	fp, err := Compute([]byte(listingPage), []string{"#content"})
	require.NoError(t, err)
	assert.Equal(t, 2, fp.TagCounts["a"])
	assert.Zero(t, fp.TagCounts["nav"])
	assert.Equal(t, 6, fp.TotalElements)

	fallback, err := Compute([]byte(listingPage), []string{".missing"})
	require.NoError(t, err)
	assert.Equal(t, 3, fallback.TagCounts["a"])
}

func TestCheckDrift(t *testing.T) {
	t.Parallel()

	base := model.Fingerprint{TagCounts: map[string]int{"div": 10, "a": 10}, ContentRatio: 0.5}
	tests := []struct {
		name      string
		current   model.Fingerprint
		wantPct   float64
		wantAlert bool
	}{
		{
			name:    "identical",
			current: model.Fingerprint{TagCounts: map[string]int{"div": 10, "a": 10}, ContentRatio: 0.5},
			wantPct: 0,
		},
		{
			name:    "small change",
			current: model.Fingerprint{TagCounts: map[string]int{"div": 11, "a": 10}, ContentRatio: 0.5},
			wantPct: 3.33,
		},
		{
			name:      "complete rewrite",
			current:   model.Fingerprint{TagCounts: map[string]int{"section": 20}, ContentRatio: 0.1},
			wantPct:   82,
			wantAlert: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := CheckDrift(tc.current, base, 0)
			assert.InDelta(t, tc.wantPct, got.Percent, 0.001)
			assert.Equal(t, tc.wantAlert, got.ShouldAlert)
		})
	}
}

func TestCheckDriftBounded(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("drift stays within [0,100]", prop.ForAll(
		func(a, b, c, d int, r1, r2 float64) bool {
			cur := model.Fingerprint{TagCounts: map[string]int{"div": a, "p": b}, ContentRatio: r1}
			base := model.Fingerprint{TagCounts: map[string]int{"div": c, "span": d}, ContentRatio: r2}
			got := CheckDrift(cur, base, DefaultThreshold)
			return got.Percent >= 0 && got.Percent <= 100
		},
		gen.IntRange(0, 500), gen.IntRange(0, 500), gen.IntRange(0, 500), gen.IntRange(0, 500),
		gen.Float64Range(0, 1), gen.Float64Range(0, 1),
	))

	properties.Property("self drift is zero", prop.ForAll(
		func(a, b int, r float64) bool {
			fp := model.Fingerprint{TagCounts: map[string]int{"div": a, "a": b}, ContentRatio: r}
			return CheckDrift(fp, fp, DefaultThreshold).Percent == 0
		},
		gen.IntRange(0, 500), gen.IntRange(0, 500), gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
