package llm

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI implements Client with chat completions, for OpenAI or any
// compatible endpoint reachable through BaseURL.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates a chat completions client.
func NewOpenAI(s Settings, extra ...option.RequestOption) (*OpenAI, error) {
	if s.APIKey == "" {
		return nil, errors.New("openai api key missing; set OPENAI_API_KEY or generation.api_key")
	}
	opts := []option.RequestOption{option.WithAPIKey(s.APIKey)}
	if s.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(s.BaseURL))
	}
	opts = append(opts, extra...)
	return &OpenAI{client: openai.NewClient(opts...)}, nil
}

func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	if strings.TrimSpace(req.System) != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage(req.User))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", serviceError("openai", apiErr.StatusCode, err)
		}
		return "", serviceError("openai", 0, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", emptyResponse("openai")
	}
	return resp.Choices[0].Message.Content, nil
}
