package embedding

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regwatch/internal/evidence"
	"github.com/JakeFAU/regwatch/internal/llm"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/store/memory"
)

type vectorIndex struct {
	mu     sync.Mutex
	points map[string]Point
}

func newVectorIndex() *vectorIndex { return &vectorIndex{points: make(map[string]Point)} }

func (v *vectorIndex) Search(_ context.Context, vector []float32, limit int, threshold float64) ([]Match, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []Match
	for _, p := range v.points {
		if s := cosine(vector, p.Vector); s >= threshold {
			out = append(out, Match{EvidenceID: p.EvidenceID, URL: p.URL, Score: s})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v *vectorIndex) Upsert(_ context.Context, p Point) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.points[PointID(p.EvidenceID)] = p
	return nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type textMap map[string]model.Evidence

func (m textMap) PrimaryText(_ context.Context, id string) (model.Evidence, string, error) {
	ev, ok := m[id]
	if !ok {
		return model.Evidence{}, "", model.ErrNotFound
	}
	if ev.RawContent == "" {
		return ev, "", evidence.ErrNoText
	}
	return ev, ev.RawContent, nil
}

func TestHandleLinksNearDuplicateFromOtherURL(t *testing.T) {
	t.Parallel()

	texts := textMap{
		"ev-a": {ID: "ev-a", URL: "https://porezna.gov.hr/pdv", RawContent: "Stopa PDV-a iznosi 25%."},
		"ev-b": {ID: "ev-b", URL: "https://mfin.gov.hr/pdv", RawContent: "Stopa PDV-a iznosi 25 %."},
		"ev-c": {ID: "ev-c", URL: "https://mfin.gov.hr/trosarine", RawContent: "Trošarine na gorivo."},
	}
	embedder := &llm.MockClient{}
	embedder.On("Embed", mock.Anything, "Stopa PDV-a iznosi 25%.").Return([]float32{1, 0, 0}, nil)
	embedder.On("Embed", mock.Anything, "Stopa PDV-a iznosi 25 %.").Return([]float32{0.99, 0.05, 0}, nil)
	embedder.On("Embed", mock.Anything, "Trošarine na gorivo.").Return([]float32{0, 0, 1}, nil)

	store := memory.New()
	index := newVectorIndex()
	w := NewWorker(texts, embedder, index, store, Config{})

	res, err := w.Handle(context.Background(), "ev-a")
	require.NoError(t, err)
	assert.Nil(t, res.Duplicate)

	res, err = w.Handle(context.Background(), "ev-b")
	require.NoError(t, err)
	require.NotNil(t, res.Duplicate)
	assert.Equal(t, "ev-a", res.Duplicate.DuplicateOf)
	assert.Equal(t, "https://porezna.gov.hr/pdv", res.Duplicate.DuplicateURL)
	assert.Greater(t, res.Duplicate.Similarity, DefaultThreshold)

	res, err = w.Handle(context.Background(), "ev-c")
	require.NoError(t, err)
	assert.Nil(t, res.Duplicate)

	assert.Len(t, store.NearDuplicates(), 1)
	assert.Len(t, index.points, 3)
	embedder.AssertExpectations(t)
}

func TestHandleIgnoresSameURL(t *testing.T) {
	t.Parallel()

	texts := textMap{
		"v1": {ID: "v1", URL: "https://porezna.gov.hr/pdv", RawContent: "verzija 1"},
		"v2": {ID: "v2", URL: "https://porezna.gov.hr/pdv", RawContent: "verzija 2"},
	}
	embedder := &llm.MockClient{}
	embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{1, 1}, nil)
	store := memory.New()
	w := NewWorker(texts, embedder, newVectorIndex(), store, Config{})

	for _, id := range []string{"v1", "v2", "v2"} {
		res, err := w.Handle(context.Background(), id)
		require.NoError(t, err)
		assert.Nil(t, res.Duplicate)
	}
	assert.Empty(t, store.NearDuplicates())
}

func TestHandleSkipsEvidenceWithoutText(t *testing.T) {
	t.Parallel()

	embedder := &llm.MockClient{}
	w := NewWorker(textMap{"scan": {ID: "scan", URL: "u"}}, embedder, newVectorIndex(), memory.New(), Config{})

	res, err := w.Handle(context.Background(), "scan")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	embedder.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything)
}

func TestHandleEmbedFailure(t *testing.T) {
	t.Parallel()

	embedder := &llm.MockClient{}
	embedder.On("Embed", mock.Anything, mock.Anything).Return(nil, errors.New("backend overloaded"))
	index := newVectorIndex()
	w := NewWorker(textMap{"a": {ID: "a", URL: "u", RawContent: "tekst"}}, embedder, index, memory.New(), Config{})

	_, err := w.Handle(context.Background(), "a")
	require.Error(t, err)
	assert.Empty(t, index.points)
}

func TestPointIDIsStable(t *testing.T) {
	t.Parallel()

	id := "0190c6b2-7d3e-7a51-9f3a-4d7c2f1e8b90"
	assert.Equal(t, id, PointID(id))
	assert.Equal(t, PointID("ev-1"), PointID("ev-1"))
	assert.NotEqual(t, PointID("ev-1"), PointID("ev-2"))
}

func TestClip(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Troš", clip("Trošarine", 4))
	assert.Equal(t, "ab", clip("ab", 4))
}
