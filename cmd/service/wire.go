package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-rag-service/internal/agent"
	"github.com/kjstillabower/weather-rag-service/internal/cache"
	"github.com/kjstillabower/weather-rag-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-rag-service/internal/client"
	"github.com/kjstillabower/weather-rag-service/internal/config"
	"github.com/kjstillabower/weather-rag-service/internal/embedding"
	"github.com/kjstillabower/weather-rag-service/internal/intent"
	"github.com/kjstillabower/weather-rag-service/internal/knowledge"
	"github.com/kjstillabower/weather-rag-service/internal/llm"
	"github.com/kjstillabower/weather-rag-service/internal/models"
	"github.com/kjstillabower/weather-rag-service/internal/observability"
	"github.com/kjstillabower/weather-rag-service/internal/synth"
	"github.com/kjstillabower/weather-rag-service/internal/traffic"
)

// pipeline is everything serve and ask share: the agent and the backends it owns.
type pipeline struct {
	agent     *agent.Agent
	weather   *client.OpenWeatherClient
	telemetry client.TelemetryFetcher
	knowledge knowledge.Store
	tracker   *traffic.Tracker
	cachePing func() error
	closers   []observability.NamedCloser
}

// close releases remote backends and flushes logs.
func (p *pipeline) close(ctx context.Context, logger *zap.Logger) error {
	return observability.FlushTelemetry(ctx, logger, p.closers...)
}

func buildPipeline(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pipeline, error) {
	p := &pipeline{tracker: traffic.NewTracker(0)}

	weatherClient, err := client.NewOpenWeatherClient(cfg.WeatherAPIKey, cfg.WeatherAPIURL, cfg.WeatherAPITimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("weather client: %w", err)
	}
	if cb := newBreaker(cfg, "weather_api", logger); cb != nil {
		weatherClient.SetCircuitBreaker(cb)
	}
	p.weather = weatherClient
	p.telemetry = weatherClient

	responses, err := newCache(cfg, logger, p)
	if err != nil {
		return nil, err
	}

	embedder, err := newEmbedder(cfg)
	if err != nil {
		_ = p.close(ctx, nil)
		return nil, err
	}
	kb, err := newKnowledgeStore(ctx, cfg, embedder, logger, p)
	if err != nil {
		_ = p.close(ctx, nil)
		return nil, err
	}
	p.knowledge = kb

	backend := newBackend(cfg, logger)
	a, err := agent.New(agent.Deps{
		Cache:     responses,
		Resolver:  intent.NewResolver(backend, cfg.LLMMode, logger),
		Synth:     synth.New(backend, cfg.LLMMode, logger),
		Knowledge: kb,
		Telemetry: weatherClient,
		Outcomes:  p.tracker,
		Logger:    logger,
		TopK:      cfg.KnowledgeTopK,
		Coalesce:  cfg.CacheCoalesce,
	})
	if err != nil {
		_ = p.close(ctx, nil)
		return nil, err
	}
	p.agent = a
	return p, nil
}

// newCache builds the configured response cache and registers remote backends for health and shutdown.
func newCache(cfg *config.Config, logger *zap.Logger, p *pipeline) (cache.Cache, error) {
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, fmt.Errorf("memcached cache: %w", err)
		}
		p.cachePing = mc.Ping
		p.closers = append(p.closers, observability.NamedCloser{Name: "memcached", Closer: mc})
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return mc, nil
	case "redis":
		rc, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		p.cachePing = rc.Ping
		p.closers = append(p.closers, observability.NamedCloser{Name: "redis", Closer: rc})
		logger.Info("cache backend: redis", zap.String("addr", cfg.RedisAddr))
		return rc, nil
	default:
		c, err := cache.NewInMemoryCache(cfg.CacheMaxEntries)
		if err != nil {
			return nil, fmt.Errorf("in-memory cache: %w", err)
		}
		logger.Info("cache backend: in_memory", zap.Int("max_entries", cfg.CacheMaxEntries))
		return c, nil
	}
}

func newEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	if cfg.EmbeddingProvider != "openai" {
		return embedding.NewHashEmbedder(cfg.EmbeddingDimensions), nil
	}
	e, err := embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
		APIKey:     cfg.EmbeddingAPIKey,
		BaseURL:    cfg.EmbeddingBaseURL,
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	return e, nil
}

func newKnowledgeStore(ctx context.Context, cfg *config.Config, embedder embedding.Embedder, logger *zap.Logger, p *pipeline) (knowledge.Store, error) {
	if cfg.KnowledgeBackend != "qdrant" {
		logger.Info("knowledge backend: memory", zap.Int("max_documents", cfg.KnowledgeMaxDocuments))
		return knowledge.NewMemoryStore(embedder, cfg.KnowledgeMaxDocuments), nil
	}
	qs, err := knowledge.NewQdrantStore(ctx, knowledge.QdrantConfig{
		Host:       cfg.QdrantHost,
		Port:       cfg.QdrantPort,
		APIKey:     cfg.QdrantAPIKey,
		UseTLS:     cfg.QdrantUseTLS,
		Collection: cfg.QdrantCollection,
	}, embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("qdrant store: %w", err)
	}
	p.closers = append(p.closers, observability.NamedCloser{Name: "qdrant", Closer: qs})
	logger.Info("knowledge backend: qdrant", zap.String("host", cfg.QdrantHost), zap.String("collection", cfg.QdrantCollection))
	return qs, nil
}

// newBackend returns nil when generation is disabled or cannot be configured;
// the resolver and synthesizer then stay deterministic for the whole process.
func newBackend(cfg *config.Config, logger *zap.Logger) llm.Backend {
	if cfg.LLMMode == models.ModeNever {
		logger.Info("generative backend disabled", zap.String("mode", string(cfg.LLMMode)))
		return nil
	}
	b, err := llm.NewOpenAIBackend(llm.OpenAIConfig{
		APIKey:      cfg.LLMAPIKey,
		BaseURL:     cfg.LLMBaseURL,
		Model:       cfg.LLMModel,
		Temperature: cfg.LLMTemperature,
		Timeout:     cfg.LLMTimeout,
		Referer:     cfg.LLMReferer,
		Title:       cfg.LLMTitle,
	}, logger)
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) {
			logger.Warn("generative backend unavailable, using deterministic paths", zap.Error(err))
		} else {
			logger.Error("generative backend init failed", zap.Error(err))
		}
		return nil
	}
	if cb := newBreaker(cfg, "llm", logger); cb != nil {
		b.SetCircuitBreaker(cb)
	}
	logger.Info("generative backend ready", zap.String("model", cfg.LLMModel), zap.String("mode", string(cfg.LLMMode)))
	return b
}

func newBreaker(cfg *config.Config, component string, logger *zap.Logger) *circuitbreaker.CircuitBreaker {
	if !cfg.CircuitBreakerEnabled {
		return nil
	}
	observability.CircuitBreakerState.WithLabelValues(component).Set(float64(circuitbreaker.StateClosed))
	logger.Info("circuit breaker enabled",
		zap.String("component", component),
		zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
		zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	return circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
		Timeout:          cfg.CircuitBreakerTimeout,
		Component:        component,
		OnStateChange: func(component string, from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
			logger.Warn("circuit breaker transition",
				zap.String("component", component),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}
