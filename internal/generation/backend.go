// Package generation opens streamed replies from text-generation backends.
// Every backend produces the stream package's record wire format.
package generation

import (
	"context"
	"errors"
	"io"

	"github.com/contractai/chat-gateway/internal/models"
)

// ErrNotConfigured is returned by a backend missing its credentials.
var ErrNotConfigured = errors.New("generation backend not configured")

// Request describes one generation call.
type Request struct {
	ModelID      string
	SystemPrompt string
	Messages     []models.ChatMessage
	Temperature  float32
}

// Backend opens a reply stream. The returned body yields wire-format records and
// must be closed by the caller. Cancelling ctx aborts the stream.
type Backend interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// Unconfigured is used when no credentials are present. Every Open fails.
type Unconfigured struct {
	Reason string
}

func (u Unconfigured) Open(context.Context, Request) (io.ReadCloser, error) {
	if u.Reason != "" {
		return nil, &ConfigError{Reason: u.Reason}
	}
	return nil, ErrNotConfigured
}

// ConfigError carries a caller-facing explanation of missing configuration.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return e.Reason }

func (e *ConfigError) Is(target error) bool { return target == ErrNotConfigured }
