package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-rag-service/internal/lifecycle"
	"github.com/kjstillabower/weather-rag-service/internal/observability"
	"github.com/kjstillabower/weather-rag-service/internal/traffic"
)

type fakeAnswerer struct {
	mu       sync.Mutex
	response string
	queries  []string
	corrIDs  []string
}

func (f *fakeAnswerer) Answer(ctx context.Context, query string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	f.corrIDs = append(f.corrIDs, observability.CorrelationID(ctx))
	return f.response
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func markReady(t *testing.T) {
	t.Helper()
	lifecycle.SetShuttingDown(false)
}

func postChat(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandler_GetRoot(t *testing.T) {
	handler := NewHandler(&fakeAnswerer{}, nil, nil, nil, 1000)
	w := httptest.NewRecorder()
	handler.GetRoot(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Service   string            `json:"service"`
		Version   string            `json:"version"`
		Endpoints map[string]string `json:"endpoints"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Service != "weather-rag-service" {
		t.Errorf("service = %q", body.Service)
	}
	if body.Version == "" {
		t.Error("version empty")
	}
	if body.Endpoints["chat"] != "POST /chat" {
		t.Errorf("endpoints[chat] = %q, want POST /chat", body.Endpoints["chat"])
	}
}

func TestHandler_PostChat_Success(t *testing.T) {
	agent := &fakeAnswerer{response: "Pune is 29°C with light haze."}
	handler := NewHandler(agent, nil, nil, nil, 1000)

	w := postChat(t, http.HandlerFunc(handler.PostChat), `{"message": "  weather in Pune  "}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	var body chatResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Response != agent.response {
		t.Errorf("response = %q, want %q", body.Response, agent.response)
	}
	if len(agent.queries) != 1 || agent.queries[0] != "weather in Pune" {
		t.Errorf("agent queries = %q, want [weather in Pune]", agent.queries)
	}
}

func TestHandler_PostChat_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"not json", "weather in Pune", "INVALID_REQUEST"},
		{"wrong type", `{"message": 42}`, "INVALID_REQUEST"},
		{"missing message", `{}`, "EMPTY_MESSAGE"},
		{"empty message", `{"message": ""}`, "EMPTY_MESSAGE"},
		{"whitespace message", `{"message": " \t\n "}`, "EMPTY_MESSAGE"},
		{"too long", `{"message": "` + strings.Repeat("a", 21) + `"}`, "MESSAGE_TOO_LONG"},
		{"control characters", `{"message": "weather\u0000in Pune"}`, "INVALID_MESSAGE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := &fakeAnswerer{response: "unused"}
			handler := NewHandler(agent, nil, nil, nil, 20)

			w := postChat(t, http.HandlerFunc(handler.PostChat), tt.body)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			var body errorBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error.Code != tt.wantCode {
				t.Errorf("error.code = %q, want %q", body.Error.Code, tt.wantCode)
			}
			if len(agent.queries) != 0 {
				t.Errorf("agent called %d times for a rejected request", len(agent.queries))
			}
		})
	}
}

func TestHandler_GetHealth(t *testing.T) {
	markReady(t)
	handler := NewHandler(&fakeAnswerer{}, traffic.NewTracker(0), &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50}, nil, 1000)

	w := httptest.NewRecorder()
	handler.GetHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Status  string                 `json:"status"`
		Service string                 `json:"service"`
		Checks  map[string]string      `json:"checks"`
		Traffic map[string]interface{} `json:"traffic"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("status = %q, want healthy", body.Status)
	}
	if body.Checks["pipeline"] != "healthy" {
		t.Errorf("checks[pipeline] = %q, want healthy", body.Checks["pipeline"])
	}
	if _, ok := body.Checks["cache"]; ok {
		t.Error("checks[cache] present without CachePing")
	}
	if body.Traffic["window"] != "1m0s" {
		t.Errorf("traffic.window = %v, want 1m0s", body.Traffic["window"])
	}
}

func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	lifecycle.SetShuttingDown(true)
	defer lifecycle.SetShuttingDown(false)
	handler := NewHandler(&fakeAnswerer{}, nil, nil, nil, 1000)

	w := httptest.NewRecorder()
	handler.GetHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"shutting-down"`) {
		t.Errorf("body = %s, want shutting-down status", w.Body.String())
	}
}

func TestHandler_GetHealth_CachePing(t *testing.T) {
	markReady(t)
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"reachable", nil, "healthy"},
		{"unreachable", errors.New("dial tcp: connection refused"), "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(&fakeAnswerer{}, nil, &HealthConfig{CachePing: func() error { return tt.err }}, nil, 1000)
			w := httptest.NewRecorder()
			handler.GetHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			var body struct {
				Checks map[string]string `json:"checks"`
			}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Checks["cache"] != tt.want {
				t.Errorf("checks[cache] = %q, want %q", body.Checks["cache"], tt.want)
			}
		})
	}
}

func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	markReady(t)
	core, logs := observer.New(zap.DebugLevel)
	tracker := traffic.NewTracker(0)
	handler := NewHandler(&fakeAnswerer{}, tracker, &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50}, zap.New(core), 1000)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	for i := 0; i < 3; i++ {
		tracker.RecordSuccess()
	}
	w := httptest.NewRecorder()
	handler.GetHealth(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first GetHealth status = %d, want 200", w.Code)
	}
	if logs.Len() != 0 {
		t.Fatalf("first call should not log transition; got %d logs", logs.Len())
	}

	for i := 0; i < 4; i++ {
		tracker.RecordError()
	}
	w2 := httptest.NewRecorder()
	handler.GetHealth(w2, req)
	if w2.Code != http.StatusServiceUnavailable {
		t.Fatalf("second GetHealth status = %d, want 503", w2.Code)
	}

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 transition log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" || fields["reason"] != "error_rate_breach" {
		t.Errorf("transition fields = %v", fields)
	}

	w3 := httptest.NewRecorder()
	handler.GetHealth(w3, req)
	if logs.FilterMessage("health status transition").Len() != 1 {
		t.Error("unchanged status logged a second transition")
	}
}

func TestHandler_GetHealth_BelowSampleNotDegraded(t *testing.T) {
	markReady(t)
	tracker := traffic.NewTracker(0)
	tracker.RecordError()
	tracker.RecordError()
	handler := NewHandler(&fakeAnswerer{}, tracker, &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50}, nil, 1000)

	w := httptest.NewRecorder()
	handler.GetHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with too few outcomes to judge", w.Code)
	}
}
