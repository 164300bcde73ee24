//go:build integration
// +build integration

// Package testhelpers builds live collaborators for integration tests. Every
// helper skips the test when the environment it needs is not configured.
package testhelpers

import (
	"os"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-rag-service/internal/agent"
	"github.com/kjstillabower/weather-rag-service/internal/cache"
	"github.com/kjstillabower/weather-rag-service/internal/client"
	"github.com/kjstillabower/weather-rag-service/internal/embedding"
	"github.com/kjstillabower/weather-rag-service/internal/intent"
	"github.com/kjstillabower/weather-rag-service/internal/knowledge"
	"github.com/kjstillabower/weather-rag-service/internal/models"
	"github.com/kjstillabower/weather-rag-service/internal/synth"
)

const defaultWeatherAPIURL = "https://api.openweathermap.org/data/2.5/weather"

// RequireEnv returns the value of key or skips the test when it is unset.
func RequireEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s not set, skipping integration test", key)
	}
	return v
}

// EnvInt returns key parsed as an int, or def when unset or malformed.
func EnvInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return def
}

// LiveClient returns an OpenWeatherMap client built from WEATHER_API_KEY and
// optional WEATHER_API_URL.
func LiveClient(t *testing.T) *client.OpenWeatherClient {
	t.Helper()
	key := RequireEnv(t, "WEATHER_API_KEY")
	url := os.Getenv("WEATHER_API_URL")
	if url == "" {
		url = defaultWeatherAPIURL
	}
	c, err := client.NewOpenWeatherClient(key, url, 12*time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

// LiveAgent wires a deterministic agent (mode never) around the live telemetry
// client, an in-memory cache and an in-memory knowledge store.
func LiveAgent(t *testing.T) (*agent.Agent, *knowledge.MemoryStore) {
	t.Helper()
	telemetry := LiveClient(t)
	responses, err := cache.NewInMemoryCache(100)
	if err != nil {
		t.Fatalf("NewInMemoryCache() error = %v", err)
	}
	kb := knowledge.NewMemoryStore(embedding.NewHashEmbedder(embedding.DefaultDimensions), 100)
	a, err := agent.New(agent.Deps{
		Cache:     responses,
		Resolver:  intent.NewResolver(nil, models.ModeNever, zap.NewNop()),
		Synth:     synth.New(nil, models.ModeNever, zap.NewNop()),
		Knowledge: kb,
		Telemetry: telemetry,
	})
	if err != nil {
		t.Fatalf("agent.New() error = %v", err)
	}
	return a, kb
}
