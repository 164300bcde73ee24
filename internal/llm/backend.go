// Package llm talks to the generative text backend. Every call is fallible and
// its output untrusted: callers clean it with CleanOutput and fall back to a
// deterministic path on any error.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means no backend is configured or it failed to initialise.
	ErrUnavailable = errors.New("generative backend unavailable")
	// ErrEmptyOutput means the backend answered with no usable text.
	ErrEmptyOutput = errors.New("generative backend returned empty output")
)

// Role labels a message segment.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Message is one role-labeled instruction or content segment.
type Message struct {
	Role    Role
	Content string
}

// Backend completes an ordered sequence of messages into free text.
type Backend interface {
	Complete(ctx context.Context, stage string, messages []Message) (string, error)
}

// System and User build message segments.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message   { return Message{Role: RoleUser, Content: content} }
