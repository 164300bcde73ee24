package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-rag-service/internal/embedding"
	"github.com/kjstillabower/weather-rag-service/internal/models"
)

// DefaultCollection is the Qdrant collection holding weather insights.
const DefaultCollection = "weather_insights"

// pointsClient is the subset of *qdrant.Client used by QdrantStore.
type pointsClient interface {
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Close() error
}

// QdrantConfig addresses a Qdrant instance over gRPC.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

// QdrantStore persists insights as points in a Qdrant collection with cosine
// distance. Each Add creates a new point; nothing is overwritten.
type QdrantStore struct {
	client     pointsClient
	collection string
	embedder   embedding.Embedder
	logger     *zap.Logger
	now        func() time.Time
}

// NewQdrantStore connects to Qdrant and creates the collection if it is missing.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, embedder embedding.Embedder, logger *zap.Logger) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	s, err := newQdrantStore(ctx, client, cfg.Collection, embedder, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func newQdrantStore(ctx context.Context, client pointsClient, collection string, embedder embedding.Embedder, logger *zap.Logger) (*QdrantStore, error) {
	if collection == "" {
		collection = DefaultCollection
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &QdrantStore{
		client:     client,
		collection: collection,
		embedder:   embedder,
		logger:     logger,
		now:        time.Now,
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", s.collection, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.embedder.Dimensions()),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", s.collection, err)
	}
	s.logger.Info("created qdrant collection", zap.String("collection", s.collection), zap.Int("dimensions", s.embedder.Dimensions()))
	return nil
}

// Add implements Store.
func (s *QdrantStore) Add(ctx context.Context, city, country string, rec models.TelemetryRecord) error {
	doc := InsightDocument(city, country, rec)
	vec, err := s.embedder.Embed(ctx, doc)
	if err != nil {
		return fmt.Errorf("embed insight: %w", err)
	}
	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewID(uuid.New().String()),
				Vectors: qdrant.NewVectorsDense(vec),
				Payload: qdrant.NewValueMap(map[string]any{
					"city":      city,
					"city_key":  CityKey(city),
					"country":   country,
					"text":      doc,
					"timestamp": s.now().Unix(),
				}),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert insight: %w", err)
	}
	return nil
}

// Retrieve implements Store.
func (s *QdrantStore) Retrieve(ctx context.Context, query string, k int, f Filter) ([]string, error) {
	if k <= 0 {
		return nil, nil
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	req := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if key := CityKey(f.City); key != "" {
		req.Filter = &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("city_key", key)},
		}
	}
	points, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("query qdrant: %w", err)
	}
	out := make([]string, 0, len(points))
	for _, p := range points {
		if v, ok := p.GetPayload()["text"]; ok && v.GetStringValue() != "" {
			out = append(out, v.GetStringValue())
		}
	}
	return out, nil
}

// Close releases the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}
