package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient captures the subset of the Anthropic SDK used here. It is
// satisfied by *sdk.MessageService so tests can pass a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient calls the Claude Messages API.
type AnthropicClient struct {
	msg       MessagesClient
	model     string
	maxTokens int
}

func NewAnthropicClient(msg MessagesClient, model string, maxTokens int) (*AnthropicClient, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("anthropic model is required")
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicClient{msg: msg, model: model, maxTokens: maxTokens}, nil
}

// NewAnthropicFromAPIKey constructs a client using the default SDK HTTP client.
func NewAnthropicFromAPIKey(apiKey, model string) (*AnthropicClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicClient(&ac.Messages, model, 0)
}

func (a *AnthropicClient) Name() string { return "Anthropic:" + a.model }
func (a *AnthropicClient) Close() error { return nil }

func (a *AnthropicClient) Generate(ctx context.Context, req Request) (string, error) {
	msgs := RenderMessages(req)
	params := sdk.MessageNewParams{
		MaxTokens: int64(a.maxTokens),
		Model:     sdk.Model(a.model),
		Messages:  make([]sdk.MessageParam, 0, len(msgs)),
	}
	if req.Sampling.MaxTokens > 0 {
		params.MaxTokens = int64(req.Sampling.MaxTokens)
	}
	if req.Sampling.Temperature > 0 {
		params.Temperature = sdk.Float(req.Sampling.Temperature)
	}
	system := strings.TrimSpace(req.System)
	if req.Sampling.JSON {
		system = strings.TrimSpace(system + "\n\nRespond with a single JSON object and nothing else.")
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	for _, m := range msgs {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(block))
			continue
		}
		params.Messages = append(params.Messages, sdk.NewUserMessage(block))
	}

	msg, err := a.msg.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.StatusCode == 429:
				return "", fmt.Errorf("%w: %v", ErrRateLimited, err)
			case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != 408:
				return "", NewPermanentError(err)
			}
		}
		return "", fmt.Errorf("anthropic messages.new: %w", err)
	}
	if msg == nil {
		return "", ErrEmptyResponse
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		if msg.StopReason == "refusal" {
			return "", ErrUnsafeOutput
		}
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}
