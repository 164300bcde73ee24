package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kjstillabower/weather-rag-service/internal/embedding"
	"github.com/kjstillabower/weather-rag-service/internal/models"
)

// DefaultMaxDocuments caps the in-memory store when no size is configured.
const DefaultMaxDocuments = 5000

type document struct {
	text      string
	vector    []float32
	city      string
	cityKey   string
	country   string
	timestamp time.Time
}

// MemoryStore is a process-lifetime vector store with brute-force cosine search.
// When full, the oldest document is dropped. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     []document
	maxDocs  int
	embedder embedding.Embedder
	now      func() time.Time
}

// NewMemoryStore creates a MemoryStore. maxDocs <= 0 selects DefaultMaxDocuments.
func NewMemoryStore(embedder embedding.Embedder, maxDocs int) *MemoryStore {
	if maxDocs <= 0 {
		maxDocs = DefaultMaxDocuments
	}
	return &MemoryStore{
		maxDocs:  maxDocs,
		embedder: embedder,
		now:      time.Now,
	}
}

// Add implements Store.
func (s *MemoryStore) Add(ctx context.Context, city, country string, rec models.TelemetryRecord) error {
	doc := InsightDocument(city, country, rec)
	vec, err := s.embedder.Embed(ctx, doc)
	if err != nil {
		return fmt.Errorf("embed insight: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.docs) >= s.maxDocs {
		s.docs = s.docs[1:]
	}
	s.docs = append(s.docs, document{
		text:      doc,
		vector:    vec,
		city:      city,
		cityKey:   CityKey(city),
		country:   country,
		timestamp: s.now(),
	})
	return nil
}

// Retrieve implements Store. Results are ordered by descending similarity,
// newest first among ties.
func (s *MemoryStore) Retrieve(ctx context.Context, query string, k int, f Filter) ([]string, error) {
	if k <= 0 {
		return nil, nil
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	type scored struct {
		idx   int
		score float64
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	cityKey := CityKey(f.City)
	hits := make([]scored, 0, len(s.docs))
	for i, d := range s.docs {
		if cityKey != "" && d.cityKey != cityKey {
			continue
		}
		hits = append(hits, scored{idx: i, score: embedding.Cosine(vec, d.vector)})
	}
	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].score != hits[b].score {
			return hits[a].score > hits[b].score
		}
		return hits[a].idx > hits[b].idx
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, s.docs[h.idx].text)
	}
	return out, nil
}

// Len returns the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
