package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-rag-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-rag-service/internal/observability"
)

// DefaultTimeout bounds each generative call.
const DefaultTimeout = 45 * time.Second

// OpenAIConfig configures an OpenAI-compatible chat completion backend
// (OpenAI, OpenRouter, or any gateway speaking the same protocol).
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	Timeout     time.Duration
	// Referer and Title are sent as HTTP-Referer / X-Title, which OpenRouter
	// uses for attribution. Empty values are omitted.
	Referer string
	Title   string
}

// OpenAIBackend implements Backend over the chat completions API.
type OpenAIBackend struct {
	client      *openai.Client
	model       string
	temperature float32
	timeout     time.Duration
	breaker     *circuitbreaker.CircuitBreaker
	logger      *zap.Logger
}

// NewOpenAIBackend returns ErrUnavailable when no API key is configured, so the
// caller can degrade the whole session to deterministic behaviour.
func NewOpenAIBackend(cfg OpenAIConfig, logger *zap.Logger) (*OpenAIBackend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: no API key configured", ErrUnavailable)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: no model configured", ErrUnavailable)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &headerTransport{referer: cfg.Referer, title: cfg.Title, base: http.DefaultTransport},
	}

	return &OpenAIBackend{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		logger:      logger,
	}, nil
}

// SetCircuitBreaker guards backend calls with cb. Optional.
func (b *OpenAIBackend) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	b.breaker = cb
}

// Complete issues exactly one chat completion call bounded by the configured timeout.
// stage labels metrics ("intent", "synthesis").
func (b *OpenAIBackend) Complete(ctx context.Context, stage string, messages []Message) (string, error) {
	start := time.Now()
	var out string
	err := b.breaker.Call(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()

		resp, err := b.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model:       b.model,
			Messages:    toOpenAIMessages(messages),
			Temperature: b.temperature,
		})
		if err != nil {
			return fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
			return ErrEmptyOutput
		}
		out = resp.Choices[0].Message.Content
		return nil
	})

	status := "success"
	if err != nil {
		status = "error"
	}
	observability.GenerativeCallsTotal.WithLabelValues(stage, status).Inc()
	observability.GenerativeCallDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	if err != nil {
		b.logger.Debug("generative call failed", zap.String("stage", stage), zap.Error(err))
		return "", err
	}
	return out, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleSystem {
			role = openai.ChatMessageRoleSystem
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// headerTransport adds attribution headers to every request.
type headerTransport struct {
	referer string
	title   string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.referer == "" && t.title == "" {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	if t.referer != "" {
		req.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" {
		req.Header.Set("X-Title", t.title)
	}
	return t.base.RoundTrip(req)
}
