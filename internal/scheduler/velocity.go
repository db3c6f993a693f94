// Package scheduler learns how often each discovered item changes and decides when it
// is next due for a scan.
package scheduler

import (
	"math"
	"time"

	"github.com/JakeFAU/regwatch/internal/model"
)

// Velocity bounds.
const (
	// InitialFrequency is assigned on the first scan of an item.
	InitialFrequency = 0.5
	MinFrequency     = 0.01
	MaxFrequency     = 1.0

	minAlpha = 0.05
	maxAlpha = 0.5
)

// Next-scan interval bounds.
const (
	MinInterval = 15 * time.Minute
	MaxInterval = 30 * 24 * time.Hour
)

var baseIntervals = map[model.FreshnessRisk]time.Duration{
	model.FreshnessCritical: time.Hour,
	model.FreshnessHigh:     6 * time.Hour,
	model.FreshnessMedium:   24 * time.Hour,
	model.FreshnessLow:      7 * 24 * time.Hour,
}

// BaseInterval returns the unscaled rescan interval for a freshness level. Unknown levels
// use the MEDIUM interval.
func BaseInterval(risk model.FreshnessRisk) time.Duration {
	if d, ok := baseIntervals[risk]; ok {
		return d
	}
	return baseIntervals[model.FreshnessMedium]
}

// UpdateVelocity moves the change frequency toward 1 when the scan saw a change and toward
// 0 otherwise. The step shrinks as scanCount grows.
func UpdateVelocity(frequency float64, scanCount int, changed bool) float64 {
	if scanCount < 0 {
		scanCount = 0
	}
	alpha := clamp(1/float64(scanCount+2), minAlpha, maxAlpha)
	target := 0.0
	if changed {
		target = 1
	}
	return clamp(frequency+alpha*(target-frequency), MinFrequency, MaxFrequency)
}

// CalculateNextScan scales the base interval of risk by the learned frequency. A frequency
// of 1 scans four times as often as the base interval, 0 half as often.
func CalculateNextScan(frequency float64, risk model.FreshnessRisk, now time.Time) time.Time {
	f := clamp(frequency, 0, MaxFrequency)
	interval := time.Duration(float64(BaseInterval(risk)) * (2 - 1.75*f))
	switch {
	case interval < MinInterval:
		interval = MinInterval
	case interval > MaxInterval:
		interval = MaxInterval
	}
	return now.Add(interval)
}

// ApplyScan folds one successful fetch into item. It reports whether the content hash
// changed. The first scan seeds the frequency instead of updating it.
func ApplyScan(item *model.DiscoveredItem, contentHash string, now time.Time) bool {
	first := item.ScanCount == 0 || item.ContentHash == ""
	changed := !first && item.ContentHash != contentHash

	switch {
	case first:
		if item.ChangeFrequency == 0 {
			item.ChangeFrequency = InitialFrequency
		}
	default:
		item.ChangeFrequency = UpdateVelocity(item.ChangeFrequency, item.ScanCount, changed)
	}

	if first || changed {
		at := now
		item.LastChangedAt = &at
	}
	scanned := now
	item.LastScannedAt = &scanned
	item.ContentHash = contentHash
	item.ScanCount++
	item.ConsecutiveErrors = 0
	item.LastError = ""
	if item.FreshnessRisk == "" {
		item.FreshnessRisk = model.FreshnessMedium
	}
	item.NextScanDue = CalculateNextScan(item.ChangeFrequency, item.FreshnessRisk, now)
	return changed
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
