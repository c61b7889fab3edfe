// Package llm routes chat-completion requests across multiple providers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Role identifies the author of a chat message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat message
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a normalized chat-completion request
type Request struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Response is a normalized chat-completion response
type Response struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Content  string `json:"content"`
}

// Client is a chat-completion backend
type Client interface {
	// Name returns the provider name
	Name() string

	// Chat sends a chat-completion request
	Chat(ctx context.Context, req Request) (*Response, error)
}

// ErrNoProviders is returned when the router has no configured providers
var ErrNoProviders = errors.New("no chat providers configured")

// ProviderError describes a failure from a specific provider. Transient
// failures (network errors, 429, 5xx) are retried on another provider;
// permanent ones (bad request, bad credentials) are not.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Transient  bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// IsTransient reports whether err is worth retrying on another provider
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func statusTransient(code int) bool {
	return code == 429 || code >= 500
}
