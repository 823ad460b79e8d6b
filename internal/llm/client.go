// Package llm talks to the language-model services that generate patches.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/lucasnoah/patchloop/internal/pipeline"
)

// Request is one single-turn generation call.
type Request struct {
	Model       string
	System      string
	User        string
	MaxTokens   int
	Temperature *float64 // nil leaves the provider default
}

// Client returns the raw text the model produced for a request.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Settings configures a provider client.
type Settings struct {
	Provider string // "anthropic" or "openai"
	APIKey   string
	BaseURL  string
}

// New builds the client for the configured provider.
func New(s Settings) (Client, error) {
	switch strings.ToLower(s.Provider) {
	case "", "anthropic":
		return NewAnthropic(s)
	case "openai":
		return NewOpenAI(s)
	default:
		return nil, fmt.Errorf("unknown generation provider %q", s.Provider)
	}
}

// serviceError wraps a provider failure as an ExternalService error.
func serviceError(provider string, status int, err error) error {
	if status > 0 {
		return &pipeline.Error{
			Kind: pipeline.KindExternalService,
			Op:   provider,
			Err:  fmt.Errorf("status %d: %w", status, err),
		}
	}
	return &pipeline.Error{Kind: pipeline.KindExternalService, Op: provider, Err: err}
}

func emptyResponse(provider string) error {
	return pipeline.Errorf(pipeline.KindExternalService, provider, "empty response text")
}
