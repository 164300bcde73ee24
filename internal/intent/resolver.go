// Package intent resolves the target city, an intent label and a freshness flag
// from a query, by pattern matching or by asking the generative backend.
package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-rag-service/internal/classifier"
	"github.com/kjstillabower/weather-rag-service/internal/llm"
	"github.com/kjstillabower/weather-rag-service/internal/models"
	"github.com/kjstillabower/weather-rag-service/internal/observability"
)

// ErrParse means backend output was not a valid intent object after cleaning.
var ErrParse = errors.New("unparseable intent")

const stage = "intent"

const systemPrompt = `You are an expert at analyzing meteorological queries.
Extract the following from the user's query:
1. City name (if mentioned, extract the FIRST city mentioned)
2. Intent (what they want: current weather, forecast, comparison, analysis, etc.)
3. Whether fresh data is needed (true if asking for current/now/today)

IMPORTANT:
- For comparison queries like "Compare Mumbai and Pune", extract the FIRST city only
- If multiple cities are mentioned, only extract the first one
- If no city is mentioned, use null

Respond ONLY with valid JSON in this exact format (no markdown, no code blocks):
{"city": "CityName", "intent": "brief description", "needs_fresh_data": true}

Examples:
- "What's the weather in Pune?" -> {"city": "Pune", "intent": "current weather", "needs_fresh_data": true}
- "Compare Mumbai and Pune" -> {"city": "Mumbai", "intent": "comparison", "needs_fresh_data": true}
- "Tell me about London weather" -> {"city": "London", "intent": "weather info", "needs_fresh_data": true}`

// Resolver turns a query into an Intent according to its mode. A nil backend
// means the generative backend is unavailable and every query is resolved
// deterministically.
type Resolver struct {
	backend llm.Backend
	mode    models.Mode
	logger  *zap.Logger
}

// NewResolver creates a Resolver. backend may be nil.
func NewResolver(backend llm.Backend, mode models.Mode, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{backend: backend, mode: mode, logger: logger}
}

// Resolve never fails: every generative failure is replaced by Extract.
func (r *Resolver) Resolve(ctx context.Context, query string) models.Intent {
	logger := observability.LoggerFrom(ctx, r.logger)

	switch {
	case r.mode == models.ModeNever:
		observability.RecordFallback(stage, "disabled")
		return Extract(query)
	case r.mode == models.ModeSmart && classifier.IsSimple(query):
		logger.Debug("simple query, resolving intent deterministically")
		observability.RecordFallback(stage, "simple")
		return Extract(query)
	case r.backend == nil:
		logger.Warn("generative backend unavailable, resolving intent deterministically", zap.String("stage", stage), zap.String("reason", "unavailable"))
		observability.RecordFallback(stage, "unavailable")
		return Extract(query)
	}

	raw, err := r.backend.Complete(ctx, stage, []llm.Message{
		llm.System(systemPrompt),
		llm.User(query),
	})
	if err != nil {
		logger.Warn("generative intent failed, using fallback", zap.String("stage", stage), zap.String("reason", "call_failure"), zap.Error(err))
		observability.RecordFallback(stage, "call_failure")
		return Extract(query)
	}

	in, err := Parse(llm.CleanOutput(raw))
	if err != nil {
		logger.Warn("generative intent unparseable, using fallback", zap.String("stage", stage), zap.String("reason", "parse_failure"), zap.Error(err))
		observability.RecordFallback(stage, "parse_failure")
		return Extract(query)
	}
	logger.Debug("generative intent resolved", zap.String("city", in.CityName()), zap.String("intent", in.Label), zap.Bool("needs_fresh_data", in.NeedsFreshData))
	return in
}

type rawIntent struct {
	City           json.RawMessage `json:"city"`
	Intent         string          `json:"intent"`
	NeedsFreshData *bool           `json:"needs_fresh_data"`
}

// Parse decodes one backend intent object. A city given as a list keeps only its
// first entry; an empty or "null" city means none. A missing needs_fresh_data
// defaults to true.
func Parse(text string) (models.Intent, error) {
	if !strings.HasPrefix(strings.TrimSpace(text), "{") {
		return models.Intent{}, fmt.Errorf("%w: not a JSON object", ErrParse)
	}
	var raw rawIntent
	dec := json.NewDecoder(strings.NewReader(text))
	if err := dec.Decode(&raw); err != nil {
		return models.Intent{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if dec.More() {
		return models.Intent{}, fmt.Errorf("%w: trailing data after object", ErrParse)
	}

	city, err := parseCity(raw.City)
	if err != nil {
		return models.Intent{}, err
	}
	fresh := true
	if raw.NeedsFreshData != nil {
		fresh = *raw.NeedsFreshData
	}
	return models.Intent{City: city, Label: raw.Intent, NeedsFreshData: fresh}, nil
}

func parseCity(raw json.RawMessage) (*string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var city string
	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &city); err != nil {
			return nil, fmt.Errorf("%w: city: %v", ErrParse, err)
		}
	case '[':
		var cities []*string
		if err := json.Unmarshal(raw, &cities); err != nil {
			return nil, fmt.Errorf("%w: city list: %v", ErrParse, err)
		}
		if len(cities) > 0 && cities[0] != nil {
			city = *cities[0]
		}
	default:
		return nil, fmt.Errorf("%w: city must be a string, list or null", ErrParse)
	}
	city = strings.TrimSpace(city)
	if city == "" || strings.EqualFold(city, "null") {
		return nil, nil
	}
	return &city, nil
}
