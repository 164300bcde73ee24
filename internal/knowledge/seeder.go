package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-rag-service/internal/client"
	"github.com/kjstillabower/weather-rag-service/internal/observability"
)

// Seeder prefetches telemetry for a list of cities and stores each success as an
// insight, so retrieval has context before the first user query.
type Seeder struct {
	fetcher client.TelemetryFetcher
	store   Store
	logger  *zap.Logger
}

// NewSeeder creates a Seeder that uses the given fetcher, store and logger.
func NewSeeder(fetcher client.TelemetryFetcher, store Store, logger *zap.Logger) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{fetcher: fetcher, store: store, logger: logger}
}

// Seed fetches each city concurrently and adds the results to the store.
// Returns the joined errors of every city that failed.
func (s *Seeder) Seed(ctx context.Context, cities []string) error {
	if len(cities) == 0 {
		return nil
	}
	start := time.Now()
	observability.KnowledgeSeedTotal.Inc()
	s.logger.Info("seeding knowledge store", zap.Int("cities", len(cities)))

	var wg sync.WaitGroup
	errCh := make(chan error, len(cities))
	for _, city := range cities {
		city := city
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.seedOne(ctx, city); err != nil {
				errCh <- fmt.Errorf("seed %s: %w", city, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	s.logger.Info("knowledge seeding complete", zap.Int("cities", len(cities)), zap.Int("errors", len(errs)), zap.Duration("duration", time.Since(start)))
	if len(errs) > 0 {
		observability.KnowledgeSeedErrorsTotal.Inc()
		return errors.Join(errs...)
	}
	return nil
}

func (s *Seeder) seedOne(ctx context.Context, city string) error {
	res := s.fetcher.Fetch(ctx, city)
	rec, ok := res.Record()
	if !ok {
		return res.Err()
	}
	location := rec.Location
	if location == "" {
		location = city
	}
	err := s.store.Add(ctx, location, rec.Country, rec)
	observability.RecordKnowledgeOp("add", err)
	return err
}

// SeedPeriodic runs an initial Seed, then repeats at interval until ctx is done.
func (s *Seeder) SeedPeriodic(ctx context.Context, cities []string, interval time.Duration) error {
	if err := s.Seed(ctx, cities); err != nil {
		s.logger.Warn("initial knowledge seed failed", zap.Error(err))
	}
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Seed(ctx, cities); err != nil {
				s.logger.Warn("periodic knowledge seed failed", zap.Error(err))
			}
		}
	}
}
