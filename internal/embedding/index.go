package embedding

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// DefaultCollection is the qdrant collection holding evidence vectors.
const DefaultCollection = "regwatch_evidence"

// Point is one evidence vector.
type Point struct {
	EvidenceID  string
	URL         string
	ContentHash string
	Vector      []float32
}

// Match is a neighbour returned by Search.
type Match struct {
	EvidenceID string
	URL        string
	Score      float64
}

// Index stores evidence vectors and answers similarity queries.
type Index interface {
	Search(ctx context.Context, vector []float32, limit int, threshold float64) ([]Match, error)
	Upsert(ctx context.Context, p Point) error
}

// QdrantConfig addresses a qdrant instance.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

// QdrantIndex is an Index backed by a qdrant collection using cosine distance.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string

	mu      sync.Mutex
	ensured bool
}

// NewQdrantIndex connects to qdrant. The collection is created on first upsert, once the
// embedding dimension is known.
func NewQdrantIndex(cfg QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &QdrantIndex{client: client, collection: cfg.Collection}, nil
}

// Close releases the gRPC connection.
func (q *QdrantIndex) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close qdrant client: %w", err)
	}
	return nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, dim int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ensured {
		return nil
	}
	collections, err := q.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("list qdrant collections: %w", err)
	}
	for _, c := range collections {
		if c == q.collection {
			q.ensured = true
			return nil
		}
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim), //nolint:gosec // embedding dimensions are small
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create qdrant collection %s: %w", q.collection, err)
	}
	q.ensured = true
	return nil
}

// Search returns neighbours scoring at least threshold, best first.
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, limit int, threshold float64) ([]Match, error) {
	if err := q.ensureCollection(ctx, len(vector)); err != nil {
		return nil, err
	}
	topK := uint64(limit) //nolint:gosec // limit is a small positive config value
	scoreThreshold := float32(threshold)
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &topK,
		ScoreThreshold: &scoreThreshold,
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{
				Enable: true,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query qdrant: %w", err)
	}
	out := make([]Match, 0, len(points))
	for _, p := range points {
		m := Match{Score: float64(p.GetScore())}
		if v, ok := p.GetPayload()["evidence_id"]; ok {
			m.EvidenceID = v.GetStringValue()
		}
		if v, ok := p.GetPayload()["url"]; ok {
			m.URL = v.GetStringValue()
		}
		out = append(out, m)
	}
	return out, nil
}

// Upsert writes the point under a UUID derived from the evidence ID, so repeated
// upserts of one evidence row overwrite each other.
func (q *QdrantIndex) Upsert(ctx context.Context, p Point) error {
	if err := q.ensureCollection(ctx, len(p.Vector)); err != nil {
		return err
	}
	wait := true
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewIDUUID(PointID(p.EvidenceID)),
				Vectors: qdrant.NewVectors(p.Vector...),
				Payload: qdrant.NewValueMap(map[string]any{
					"evidence_id":  p.EvidenceID,
					"url":          p.URL,
					"content_hash": p.ContentHash,
				}),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert qdrant point for %s: %w", p.EvidenceID, err)
	}
	return nil
}

// PointID maps an evidence ID to a stable qdrant point UUID.
func PointID(evidenceID string) string {
	if u, err := uuid.Parse(evidenceID); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("regwatch:evidence:"+evidenceID)).String()
}
