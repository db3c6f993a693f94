package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/telemetry"
)

// ErrNoBaseline is returned when approving an endpoint that has never been fingerprinted.
var ErrNoBaseline = errors.New("endpoint has no baseline")

// Observation is the result of fingerprinting one endpoint page.
type Observation struct {
	Fingerprint      model.Fingerprint
	BaselineCaptured bool
	BaselinePending  bool
	Drift            Drift
}

// Detector tracks endpoint baselines and raises the selector-adaptation signal.
type Detector struct {
	endpoints model.EndpointRepository
	queue     model.Enqueuer
	audit     model.Auditor
	clock     model.Clock
	threshold float64
	logger    *zap.Logger

	// enqueued holds the adaptation keys of the current cycle only.
	mu       sync.Mutex
	cycle    string
	enqueued map[string]struct{}
}

// DetectorOption customizes a Detector.
type DetectorOption func(*Detector)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(pct float64) DetectorOption {
	return func(d *Detector) {
		if pct > 0 {
			d.threshold = pct
		}
	}
}

// WithClock overrides the clock.
func WithClock(c model.Clock) DetectorOption {
	return func(d *Detector) { d.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) DetectorOption {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDetector builds a Detector.
func NewDetector(endpoints model.EndpointRepository, queue model.Enqueuer, audit model.Auditor, opts ...DetectorOption) *Detector {
	if audit == nil {
		audit = model.NopAuditor{}
	}
	d := &Detector{
		endpoints: endpoints,
		queue:     queue,
		audit:     audit,
		clock:     clock.New(),
		threshold: DefaultThreshold,
		logger:    zap.NewNop(),
		enqueued:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Observe fingerprints content for ep. The first fingerprint becomes a pending baseline
// and is persisted; while the baseline awaits approval no comparison is made.
func (d *Detector) Observe(ctx context.Context, ep *model.DiscoveryEndpoint, content []byte) (Observation, error) {
	fp, err := Compute(content, ep.Options.FingerprintSelectors)
	if err != nil {
		return Observation{}, err
	}
	obs := Observation{Fingerprint: fp}
	now := d.clock.Now()

	switch {
	case ep.Baseline == nil:
		ep.Baseline = &model.StructuralBaseline{
			Fingerprint: fp,
			Status:      model.BaselinePending,
			CapturedAt:  now,
		}
		if err := d.endpoints.UpdateEndpoint(ctx, *ep); err != nil {
			return Observation{}, fmt.Errorf("store pending baseline: %w", err)
		}
		d.audit.Emit(model.AuditEvent{
			Operation:  model.OpBaselineCaptured,
			EntityType: model.EntityEndpoint,
			EntityID:   ep.ID,
			Metadata:   map[string]any{"total_elements": fp.TotalElements},
			TS:         now,
		})
		obs.BaselineCaptured = true
		obs.BaselinePending = true
	case ep.Baseline.Status != model.BaselineApproved:
		obs.BaselinePending = true
	default:
		obs.Drift = CheckDrift(fp, ep.Baseline.Fingerprint, d.threshold)
		if obs.Drift.ShouldAlert {
			telemetry.ObserveDriftAlert(ep.Domain)
			d.logger.Warn("structural drift detected",
				zap.String("endpoint_id", ep.ID),
				zap.String("url", ep.URL),
				zap.Float64("drift_percent", obs.Drift.Percent))
			d.audit.Emit(model.AuditEvent{
				Operation:  model.OpDriftDetected,
				EntityType: model.EntityEndpoint,
				EntityID:   ep.ID,
				Metadata:   map[string]any{"drift_percent": obs.Drift.Percent, "threshold": d.threshold},
				TS:         now,
			})
		}
	}
	return obs, nil
}

// MaybeEnqueueAdaptation enqueues one selector-adaptation task when the cycle both drifted
// and produced no new items. Repeated calls for the same endpoint and cycle are no-ops.
func (d *Detector) MaybeEnqueueAdaptation(ctx context.Context, ep model.DiscoveryEndpoint, cycleID string, drift Drift, newItems int) (bool, error) {
	if !drift.ShouldAlert || newItems > 0 {
		return false, nil
	}
	key := "selector_adaptation:" + ep.ID + ":" + cycleID
	d.mu.Lock()
	if cycleID != d.cycle {
		d.cycle = cycleID
		clear(d.enqueued)
	}
	if _, done := d.enqueued[key]; done {
		d.mu.Unlock()
		return false, nil
	}
	d.enqueued[key] = struct{}{}
	d.mu.Unlock()

	task, err := model.NewTask(model.TaskSelectorAdaptation, model.SelectorAdaptationPayload{
		EndpointID:   ep.ID,
		CycleID:      cycleID,
		DriftPercent: drift.Percent,
	}, key)
	if err != nil {
		return false, err
	}
	if err := d.queue.Enqueue(ctx, task); err != nil {
		d.mu.Lock()
		delete(d.enqueued, key)
		d.mu.Unlock()
		return false, fmt.Errorf("enqueue selector adaptation: %w", err)
	}
	d.audit.Emit(model.AuditEvent{
		Operation:  model.OpSelectorAdaptation,
		EntityType: model.EntityEndpoint,
		EntityID:   ep.ID,
		Metadata:   map[string]any{"cycle_id": cycleID, "drift_percent": drift.Percent},
		TS:         d.clock.Now(),
	})
	return true, nil
}

// ApproveBaseline promotes the pending baseline so future scans are compared against it.
func (d *Detector) ApproveBaseline(ctx context.Context, endpointID, approver string) error {
	ep, err := d.endpoints.GetEndpoint(ctx, endpointID)
	if err != nil {
		return fmt.Errorf("load endpoint %s: %w", endpointID, err)
	}
	if ep.Baseline == nil {
		return ErrNoBaseline
	}
	now := d.clock.Now()
	ep.Baseline.Status = model.BaselineApproved
	ep.Baseline.ApprovedAt = &now
	ep.Baseline.ApprovedBy = approver
	if err := d.endpoints.UpdateEndpoint(ctx, ep); err != nil {
		return fmt.Errorf("approve baseline: %w", err)
	}
	d.audit.Emit(model.AuditEvent{
		Operation:  model.OpBaselineApproved,
		EntityType: model.EntityEndpoint,
		EntityID:   ep.ID,
		Metadata:   map[string]any{"approved_by": approver},
		TS:         now,
	})
	return nil
}
