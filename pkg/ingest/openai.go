package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
)

// ErrNoChoices is returned when a chat completion has no message.
var ErrNoChoices = errors.New("openai: no choices in response")

// Completer sends one user prompt to a chat model and returns the reply text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// OpenAI calls the chat completions API via the official SDK.
type OpenAI struct {
	sdk         openaisdk.Client
	model       string
	temperature float64
}

// OpenAIOption configures the OpenAI completer.
type OpenAIOption func(*OpenAI)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) OpenAIOption {
	return func(c *OpenAI) { c.temperature = t }
}

// NewOpenAI returns a chat completer for model. baseURL may be empty to use the
// default endpoint.
func NewOpenAI(apiKey, baseURL, model string, opts ...OpenAIOption) *OpenAI {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}

	c := &OpenAI{
		sdk:         openaisdk.NewClient(reqOpts...),
		model:       model,
		temperature: 0.4,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete implements Completer.
func (c *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.sdk.Chat.Completions.New(ctx, openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(c.model),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.UserMessage(prompt),
		},
		Temperature: param.NewOpt(c.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
