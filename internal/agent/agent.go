// Package agent sequences one query through the response cache, intent
// resolution, knowledge and telemetry retrieval, and synthesis.
package agent

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-rag-service/internal/cache"
	"github.com/kjstillabower/weather-rag-service/internal/classifier"
	"github.com/kjstillabower/weather-rag-service/internal/client"
	"github.com/kjstillabower/weather-rag-service/internal/knowledge"
	"github.com/kjstillabower/weather-rag-service/internal/models"
	"github.com/kjstillabower/weather-rag-service/internal/observability"
	"github.com/kjstillabower/weather-rag-service/internal/synth"
)

// Clarification is returned, uncached, when no city could be resolved.
const Clarification = "I'd be happy to help with weather information! Could you please specify which city you're interested in?"

// Outcome labels for metrics.
const (
	OutcomeCached        = "cached"
	OutcomeAnswered      = "answered"
	OutcomeApology       = "apology"
	OutcomeClarification = "clarification"
)

// IntentResolver resolves a query into an Intent. Implementations never fail.
type IntentResolver interface {
	Resolve(ctx context.Context, query string) models.Intent
}

// Synthesizer renders the final answer. Implementations never fail.
type Synthesizer interface {
	Synthesize(ctx context.Context, in synth.Input) string
}

// templater is implemented by synthesizers that know in advance whether a
// query will be answered from the telemetry template. Such answers cannot use
// knowledge excerpts, so telemetry is always fetched for them.
type templater interface {
	Templated(query string) bool
}

// OutcomeRecorder receives one outcome per pipeline run: an error when a
// collaborator failed, a success otherwise. Feeds the health check.
type OutcomeRecorder interface {
	RecordSuccess()
	RecordError()
}

// Deps are the collaborators of an Agent. Knowledge and Outcomes are optional.
type Deps struct {
	Cache     cache.Cache
	Resolver  IntentResolver
	Synth     Synthesizer
	Knowledge knowledge.Store
	Telemetry client.TelemetryFetcher
	Outcomes  OutcomeRecorder
	Logger    *zap.Logger
	// TopK is the number of knowledge excerpts retrieved; 0 selects knowledge.DefaultTopK.
	TopK int
	// Coalesce runs at most one pipeline per cache key at a time; concurrent
	// callers for the same key share its answer.
	Coalesce bool
}

// Agent is the query orchestrator. Safe for concurrent use.
type Agent struct {
	cache     cache.Cache
	resolver  IntentResolver
	synth     Synthesizer
	kb        knowledge.Store
	telemetry client.TelemetryFetcher
	outcomes  OutcomeRecorder
	logger    *zap.Logger
	topK      int
	coalesce  bool
	group     singleflight.Group
	stampede  *stampedeTracker
}

// New validates deps and builds an Agent.
func New(d Deps) (*Agent, error) {
	switch {
	case d.Cache == nil:
		return nil, errors.New("agent: cache is required")
	case d.Resolver == nil:
		return nil, errors.New("agent: intent resolver is required")
	case d.Synth == nil:
		return nil, errors.New("agent: synthesizer is required")
	case d.Telemetry == nil:
		return nil, errors.New("agent: telemetry fetcher is required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.TopK <= 0 {
		d.TopK = knowledge.DefaultTopK
	}
	return &Agent{
		cache:     d.Cache,
		resolver:  d.Resolver,
		synth:     d.Synth,
		kb:        d.Knowledge,
		telemetry: d.Telemetry,
		outcomes:  d.Outcomes,
		logger:    d.Logger,
		topK:      d.TopK,
		coalesce:  d.Coalesce,
		stampede:  newStampedeTracker(),
	}, nil
}

type result struct {
	response string
	outcome  string
	degraded bool
}

// Answer returns the response for query. It never fails and never returns an
// empty string. Once started it runs to completion: cancellation of ctx is
// ignored, while values such as the request logger are kept.
func (a *Agent) Answer(ctx context.Context, query string) string {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	key := cache.NormalizeKey(query)

	res, ok := a.lookup(ctx, key)
	if !ok {
		res = a.miss(ctx, query, key)
	}

	observability.QueriesTotal.WithLabelValues(res.outcome).Inc()
	observability.QueryDuration.WithLabelValues(res.outcome).Observe(time.Since(start).Seconds())
	if a.outcomes != nil {
		if res.degraded {
			a.outcomes.RecordError()
		} else {
			a.outcomes.RecordSuccess()
		}
	}
	return res.response
}

func (a *Agent) lookup(ctx context.Context, key string) (result, bool) {
	logger := observability.LoggerFrom(ctx, a.logger)
	getStart := time.Now()
	resp, ok, err := a.cache.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
		logger.Warn("cache get failed, treating as miss", zap.Error(err))
		return result{}, false
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
	if !ok {
		logger.Debug("cache miss", zap.String("key", key))
		return result{}, false
	}
	observability.CacheHitsTotal.WithLabelValues("response").Inc()
	logger.Debug("cache hit", zap.String("key", key))
	return result{response: resp, outcome: OutcomeCached}, true
}

func (a *Agent) miss(ctx context.Context, query, key string) result {
	if n := a.stampede.RecordMiss(key); n > 1 {
		observability.CacheStampedeDetectedTotal.Inc()
	}
	defer a.stampede.RecordDone(key)

	if !a.coalesce {
		return a.run(ctx, query, key)
	}
	v, _, shared := a.group.Do(key, func() (interface{}, error) {
		return a.run(ctx, query, key), nil
	})
	res := v.(result)
	if shared {
		observability.CoalescedQueriesTotal.Inc()
	}
	return res
}

// run executes the uncached pipeline for one query.
func (a *Agent) run(ctx context.Context, query, key string) result {
	logger := observability.LoggerFrom(ctx, a.logger)

	complexity, reason := classifier.Explain(query)
	observability.ClassificationsTotal.WithLabelValues(complexity.String(), string(reason)).Inc()

	in := a.resolver.Resolve(ctx, query)
	if in.City == nil {
		logger.Info("no city resolved, asking for clarification")
		return result{response: Clarification, outcome: OutcomeClarification}
	}
	city := *in.City
	observability.RecordCityQuery(city)
	logger = logger.With(zap.String("city", city))

	var degraded bool
	excerpts, err := a.retrieve(ctx, city)
	if err != nil {
		degraded = true
		logger.Warn("knowledge retrieval failed, continuing without context", zap.Error(err))
	}

	var telemetry *models.TelemetryRecord
	if in.NeedsFreshData || len(excerpts) == 0 || a.templated(query) {
		res := a.telemetry.Fetch(ctx, city)
		if rec, ok := res.Record(); ok {
			telemetry = &rec
			a.remember(ctx, logger, city, rec)
		} else {
			degraded = true
			logger.Warn("telemetry fetch failed, continuing without fresh data",
				zap.String("category", string(client.CategorizeError(res.Err()))), zap.Error(res.Err()))
		}
	}

	response := a.synth.Synthesize(ctx, synth.Input{
		Query:     query,
		Intent:    in,
		Excerpts:  excerpts,
		Telemetry: telemetry,
	})

	a.store(ctx, logger, key, response)

	outcome := OutcomeAnswered
	if response == synth.Apology {
		outcome = OutcomeApology
	}
	return result{response: response, outcome: outcome, degraded: degraded}
}

func (a *Agent) templated(query string) bool {
	t, ok := a.synth.(templater)
	return ok && t.Templated(query)
}

func (a *Agent) retrieve(ctx context.Context, city string) ([]string, error) {
	if a.kb == nil {
		return nil, nil
	}
	excerpts, err := a.kb.Retrieve(ctx, city, a.topK, knowledge.Filter{City: city})
	observability.RecordKnowledgeOp("retrieve", err)
	if err != nil {
		return nil, err
	}
	return excerpts, nil
}

// remember stores fetched telemetry as a new insight. Failures are logged only.
func (a *Agent) remember(ctx context.Context, logger *zap.Logger, city string, rec models.TelemetryRecord) {
	if a.kb == nil {
		return
	}
	location := rec.Location
	if location == "" {
		location = city
	}
	err := a.kb.Add(ctx, location, rec.Country, rec)
	observability.RecordKnowledgeOp("add", err)
	if err != nil {
		logger.Warn("knowledge store add failed", zap.Error(err))
		return
	}
	logger.Debug("telemetry stored as insight", zap.String("location", location))
}

func (a *Agent) store(ctx context.Context, logger *zap.Logger, key, response string) {
	setStart := time.Now()
	if err := a.cache.Set(ctx, key, response, cache.TTL); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		logger.Warn("cache set failed", zap.Error(err))
		return
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
}
