// Package synth produces the final answer text, from a fixed template over
// telemetry or from the generative backend given retrieved context.
package synth

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-rag-service/internal/classifier"
	"github.com/kjstillabower/weather-rag-service/internal/llm"
	"github.com/kjstillabower/weather-rag-service/internal/models"
	"github.com/kjstillabower/weather-rag-service/internal/observability"
)

// Apology is returned when there is no telemetry to render.
const Apology = "I apologize, but I'm currently unable to process weather queries. Please try again in a moment."

const stage = "synthesis"

const systemPrompt = `You are a Senior Meteorological Analyst. Your role is to provide natural, conversational, and accurate weather insights.

You have access to:
1. Historical insights from our Knowledge Base
2. Fresh real-time telemetry data

**CRITICAL INSTRUCTIONS**:
- Synthesize the information naturally - DO NOT just list data points
- Use professional but conversational language
- Include specific metrics (temperature, pressure, humidity, wind, visibility, sunrise/sunset) when available
- If you see both KB context and fresh data, compare or correlate them
- Be precise with numbers but explain what they mean
- Keep responses concise but informative (2-4 sentences for simple queries, more for analysis requests)

**NEVER**:
- Use bullet points or lists
- Sound robotic or templated
- Hallucinate data not provided in the context`

// Input is everything the synthesizer may draw on for one query.
type Input struct {
	Query     string
	Intent    models.Intent
	Excerpts  []string
	Telemetry *models.TelemetryRecord
}

// Synthesizer renders answers. A nil backend means the generative backend is
// unavailable and every answer is templated.
type Synthesizer struct {
	backend llm.Backend
	mode    models.Mode
	logger  *zap.Logger
}

// New creates a Synthesizer. backend may be nil.
func New(backend llm.Backend, mode models.Mode, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{backend: backend, mode: mode, logger: logger}
}

// Synthesize never fails and never returns an empty string.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) string {
	logger := observability.LoggerFrom(ctx, s.logger)

	switch reason := s.templateReason(in.Query); reason {
	case "":
	case "unavailable":
		logger.Warn("generative backend unavailable, templating response", zap.String("stage", stage), zap.String("reason", reason))
		observability.RecordFallback(stage, reason)
		return Deterministic(in.Telemetry)
	default:
		logger.Debug("templating response", zap.String("reason", reason))
		observability.RecordFallback(stage, reason)
		return Deterministic(in.Telemetry)
	}

	raw, err := s.backend.Complete(ctx, stage, []llm.Message{
		llm.System(systemPrompt),
		llm.User(userPrompt(in)),
	})
	if err != nil {
		logger.Warn("generative synthesis failed, using fallback", zap.String("stage", stage), zap.String("reason", "call_failure"), zap.Error(err))
		observability.RecordFallback(stage, "call_failure")
		return Deterministic(in.Telemetry)
	}
	out := llm.CleanOutput(raw)
	if out == "" {
		logger.Warn("generative synthesis empty after cleaning, using fallback", zap.String("stage", stage), zap.String("reason", "empty_output"))
		observability.RecordFallback(stage, "empty_output")
		return Deterministic(in.Telemetry)
	}
	return out
}

// Templated reports whether query will be answered by Deterministic without
// consulting the generative backend.
func (s *Synthesizer) Templated(query string) bool {
	return s.templateReason(query) != ""
}

// templateReason returns the fallback reason for answering query from the
// template, or "" when the generative backend will be asked.
func (s *Synthesizer) templateReason(query string) string {
	switch {
	case s.mode == models.ModeNever:
		return "disabled"
	case s.mode == models.ModeSmart && classifier.IsSimple(query):
		return "simple"
	case s.backend == nil:
		return "unavailable"
	}
	return ""
}

func userPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("User Query: " + in.Query + "\n\n")
	if in.Intent.Label != "" {
		b.WriteString("Resolved Intent: " + in.Intent.Label + "\n\n")
	}
	b.WriteString("Available Context:\n" + BuildContext(in.Excerpts, in.Telemetry) + "\n\n")
	b.WriteString("Provide a natural, expert meteorological response:")
	return b.String()
}

// BuildContext labels knowledge excerpts and telemetry for the backend. Either
// part may be absent; with neither it returns "No context available.".
func BuildContext(excerpts []string, rec *models.TelemetryRecord) string {
	var parts []string
	if len(excerpts) > 0 {
		parts = append(parts, "**Knowledge Base Context**:\n"+strings.Join(excerpts, "\n"))
	}
	if rec != nil {
		if data, err := json.MarshalIndent(rec, "", "  "); err == nil {
			parts = append(parts, "**Fresh Telemetry**:\n"+string(data))
		}
	}
	if len(parts) == 0 {
		return "No context available."
	}
	return strings.Join(parts, "\n\n")
}

// Deterministic renders one sentence from telemetry, or Apology when there is none.
func Deterministic(rec *models.TelemetryRecord) string {
	if rec == nil {
		return Apology
	}
	loc := rec.Location
	if loc == "" {
		loc = "Unknown"
	}
	desc := rec.Conditions.Description
	if desc == "" {
		desc = "N/A"
	}

	var b strings.Builder
	b.WriteString("The current temperature in " + loc)
	if rec.Country != "" {
		b.WriteString(", " + rec.Country)
	}
	b.WriteString(" is " + num(rec.Temperature.Current) + "°C (feels like " + num(rec.Temperature.FeelsLike) + "°C) with " + desc + ". ")
	b.WriteString("Humidity is " + num(rec.Atmosphere.Humidity) + "% and wind speed is " + num(rec.Wind.SpeedMS) + " m/s.")
	return b.String()
}

func num(v *float64) string {
	if v == nil {
		return "N/A"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
