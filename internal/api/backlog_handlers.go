package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/model"
)

const (
	defaultBacklogLimit = 50
	maxBacklogLimit     = 500
	backlogTimeout      = 3 * time.Second
)

// ReviewQueue lists rules awaiting a human decision.
type ReviewQueue interface {
	Backlog(ctx context.Context, limit int) ([]model.RegulatoryRule, error)
}

// ConflictQueue lists unresolved rule conflicts.
type ConflictQueue interface {
	Backlog(ctx context.Context, limit int) ([]model.RuleConflict, error)
}

// RejectionReader lists dead-lettered extraction claims.
type RejectionReader interface {
	ListRejections(ctx context.Context, limit int) ([]model.ExtractionRejected, error)
}

// AgentRunReader fetches agent run records.
type AgentRunReader interface {
	GetAgentRun(ctx context.Context, id string) (model.AgentRun, error)
}

// BacklogHandler exposes read-only review queues.
type BacklogHandler struct {
	reviews    ReviewQueue
	conflicts  ConflictQueue
	rejections RejectionReader
	runs       AgentRunReader
	timeout    time.Duration
	logger     *zap.Logger
}

// NewBacklogHandler wires the queues. Any of them may be nil, in which case
// the matching route answers 503.
func NewBacklogHandler(reviews ReviewQueue, conflicts ConflictQueue, rejections RejectionReader, runs AgentRunReader, logger *zap.Logger) *BacklogHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BacklogHandler{
		reviews:    reviews,
		conflicts:  conflicts,
		rejections: rejections,
		runs:       runs,
		timeout:    backlogTimeout,
		logger:     logger,
	}
}

// Review handles GET /v1/backlog/review?limit=. It returns {"rules": [...]}.
func (h *BacklogHandler) Review(w http.ResponseWriter, r *http.Request) {
	if h.reviews == nil {
		writeError(w, http.StatusServiceUnavailable, "review queue unavailable")
		return
	}
	limit, err := parseLimit(r, defaultBacklogLimit, maxBacklogLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rules, err := h.reviews.Backlog(ctx, limit)
	if err != nil {
		h.logger.Error("list review backlog failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list review backlog")
		return
	}
	out := make([]ruleDTO, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toRuleDTO(rule))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": out})
}

// Conflicts handles GET /v1/backlog/conflicts?limit=. It returns {"conflicts": [...]},
// open conflicts first, then escalated ones.
func (h *BacklogHandler) Conflicts(w http.ResponseWriter, r *http.Request) {
	if h.conflicts == nil {
		writeError(w, http.StatusServiceUnavailable, "conflict queue unavailable")
		return
	}
	limit, err := parseLimit(r, defaultBacklogLimit, maxBacklogLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	conflicts, err := h.conflicts.Backlog(ctx, limit)
	if err != nil {
		h.logger.Error("list conflict backlog failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conflicts")
		return
	}
	if conflicts == nil {
		conflicts = []model.RuleConflict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

// Rejections handles GET /v1/backlog/rejections?limit=. Newest first.
func (h *BacklogHandler) Rejections(w http.ResponseWriter, r *http.Request) {
	if h.rejections == nil {
		writeError(w, http.StatusServiceUnavailable, "rejection log unavailable")
		return
	}
	limit, err := parseLimit(r, defaultBacklogLimit, maxBacklogLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rejected, err := h.rejections.ListRejections(ctx, limit)
	if err != nil {
		h.logger.Error("list rejections failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list rejections")
		return
	}
	if rejected == nil {
		rejected = []model.ExtractionRejected{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rejections": rejected})
}

// AgentRun handles GET /v1/agent-runs/{run_id}. 404 when the run is unknown.
func (h *BacklogHandler) AgentRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "agent run log unavailable")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "run_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.runs.GetAgentRun(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent run not found")
			return
		}
		h.logger.Error("get agent run failed", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load agent run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

type ruleDTO struct {
	ID          string    `json:"id"`
	ConceptSlug string    `json:"concept_slug"`
	Title       string    `json:"title,omitempty"`
	RiskTier    string    `json:"risk_tier"`
	Status      string    `json:"status"`
	Confidence  float64   `json:"confidence"`
	AppliesWhen string    `json:"applies_when"`
	Value       string    `json:"value"`
	ValueType   string    `json:"value_type"`
	PointerIDs  []string  `json:"source_pointer_ids"`
	ReviewNotes string    `json:"reviewer_notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func toRuleDTO(rule model.RegulatoryRule) ruleDTO {
	return ruleDTO{
		ID:          rule.ID,
		ConceptSlug: rule.ConceptSlug,
		Title:       rule.Title,
		RiskTier:    string(rule.RiskTier),
		Status:      string(rule.Status),
		Confidence:  rule.Confidence,
		AppliesWhen: rule.AppliesWhen,
		Value:       rule.Value,
		ValueType:   rule.ValueType,
		PointerIDs:  rule.SourcePointerIDs,
		ReviewNotes: rule.ReviewerNotes,
		CreatedAt:   rule.CreatedAt,
	}
}
