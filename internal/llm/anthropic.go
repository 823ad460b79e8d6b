package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic implements Client with the Messages API.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic creates a Messages API client. Extra request options are
// appended after the settings-derived ones.
func NewAnthropic(s Settings, extra ...option.RequestOption) (*Anthropic, error) {
	if s.APIKey == "" {
		return nil, errors.New("anthropic api key missing; set ANTHROPIC_API_KEY or generation.api_key")
	}
	opts := []option.RequestOption{option.WithAPIKey(s.APIKey)}
	if s.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(s.BaseURL))
	}
	opts = append(opts, extra...)
	return &Anthropic{client: anthropic.NewClient(opts...)}, nil
}

func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
	}
	if strings.TrimSpace(req.System) != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", serviceError("anthropic", apiErr.StatusCode, err)
		}
		return "", serviceError("anthropic", 0, err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", emptyResponse("anthropic")
	}
	return sb.String(), nil
}
