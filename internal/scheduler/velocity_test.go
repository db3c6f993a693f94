package scheduler

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/regwatch/internal/model"
)

var t0 = time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)

func TestUpdateVelocity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		freq      float64
		scanCount int
		changed   bool
		want      float64
	}{
		{"early change takes a big step", 0.5, 0, true, 0.75},
		{"early no change decays", 0.5, 0, false, 0.25},
		{"step shrinks with history", 0.5, 8, true, 0.55},
		{"step floors at five percent", 0.5, 1000, true, 0.525},
		{"never drops below the floor", 0.01, 3, false, MinFrequency},
		{"never exceeds one", 1, 0, true, MaxFrequency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tc.want, UpdateVelocity(tc.freq, tc.scanCount, tc.changed), 1e-9)
		})
	}
}

func TestCalculateNextScan(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		freq float64
		risk model.FreshnessRisk
		want time.Duration
	}{
		{"critical hot item hits the floor", 1, model.FreshnessCritical, 15 * time.Minute},
		{"critical cold item", 0, model.FreshnessCritical, 2 * time.Hour},
		{"medium neutral", 0.5, model.FreshnessMedium, 27 * time.Hour},
		{"low cold item", 0, model.FreshnessLow, 14 * 24 * time.Hour},
		{"unknown risk uses medium", 0, "", 48 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, t0.Add(tc.want), CalculateNextScan(tc.freq, tc.risk, t0))
		})
	}
}

func TestHigherRiskScansSooner(t *testing.T) {
	t.Parallel()

	levels := []model.FreshnessRisk{model.FreshnessCritical, model.FreshnessHigh, model.FreshnessMedium, model.FreshnessLow}
	for i := 1; i < len(levels); i++ {
		assert.True(t, CalculateNextScan(0.3, levels[i-1], t0).Before(CalculateNextScan(0.3, levels[i], t0)))
	}
}

func TestApplyScan(t *testing.T) {
	t.Parallel()

	item := model.DiscoveredItem{FreshnessRisk: model.FreshnessHigh}
	changed := ApplyScan(&item, "aaa", t0)
	assert.False(t, changed, "first observation is not a change")
	assert.Equal(t, InitialFrequency, item.ChangeFrequency)
	assert.Equal(t, 1, item.ScanCount)
	assert.Equal(t, t0, *item.LastChangedAt)

	later := t0.Add(6 * time.Hour)
	assert.False(t, ApplyScan(&item, "aaa", later))
	assert.Less(t, item.ChangeFrequency, InitialFrequency)
	assert.Equal(t, t0, *item.LastChangedAt)

	prev := item.ChangeFrequency
	assert.True(t, ApplyScan(&item, "bbb", later.Add(time.Hour)))
	assert.Greater(t, item.ChangeFrequency, prev)
	assert.Equal(t, 3, item.ScanCount)
	assert.Equal(t, "bbb", item.ContentHash)
}

func TestChangeAlwaysShortensNextScan(t *testing.T) {
	t.Parallel()

	risks := []model.FreshnessRisk{model.FreshnessCritical, model.FreshnessHigh, model.FreshnessMedium, model.FreshnessLow}
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("changed scan is due before unchanged scan", prop.ForAll(
		func(freq float64, scanCount int, riskIdx int) bool {
			risk := risks[riskIdx]
			withChange := CalculateNextScan(UpdateVelocity(freq, scanCount, true), risk, t0)
			withoutChange := CalculateNextScan(UpdateVelocity(freq, scanCount, false), risk, t0)
			return withChange.Before(withoutChange)
		},
		gen.Float64Range(0, 1),
		gen.IntRange(0, 5000),
		gen.IntRange(0, len(risks)-1),
	))

	properties.Property("frequency stays within bounds", prop.ForAll(
		func(freq float64, scanCount int, changed bool) bool {
			got := UpdateVelocity(freq, scanCount, changed)
			return got >= MinFrequency && got <= MaxFrequency
		},
		gen.Float64Range(0, 1),
		gen.IntRange(0, 5000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
