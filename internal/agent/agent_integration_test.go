//go:build integration
// +build integration

package agent_test

import (
	"context"
	"strings"
	"testing"

	"github.com/kjstillabower/weather-rag-service/internal/testhelpers"
)

func TestAgent_LiveTelemetry_Integration(t *testing.T) {
	a, kb := testhelpers.LiveAgent(t)

	got := a.Answer(context.Background(), "What's the weather in London?")
	if !strings.HasPrefix(got, "The current temperature in London") {
		t.Fatalf("Answer() = %q, want deterministic London answer", got)
	}
	if kb.Len() != 1 {
		t.Errorf("knowledge store holds %d documents, want 1 after a fresh fetch", kb.Len())
	}
	if again := a.Answer(context.Background(), "  what's the weather in LONDON?  "); again != got {
		t.Errorf("cached Answer() = %q, want %q", again, got)
	}
}
