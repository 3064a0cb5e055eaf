package llm

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"

	"github.com/gunning4it/epitome/internal/apperr"
)

// AnthropicProvider adapts the Anthropic Messages API to Provider, following
// the same client/message-params shape as the rest of the ecosystem: one
// blocking call per extraction, retried on transient failure.
type AnthropicProvider struct {
	client     anthropic.Client
	model      anthropic.Model
	maxTokens  int64
	maxRetries uint64
}

// NewAnthropicProvider builds a provider bound to apiKey/model (spec §6:
// "model id and endpoint are configuration").
func NewAnthropicProvider(apiKey, model string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, apperr.New(apperr.Fatal, "llm: api key required")
	}
	if model == "" {
		model = "claude-haiku-4-5"
	}
	return &AnthropicProvider{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:      anthropic.Model(model),
		maxTokens:  2048,
		maxRetries: 3,
	}, nil
}

// Complete runs one extraction call, retrying transient failures with
// exponential backoff.
func (p *AnthropicProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	combined := userPrompt
	if systemPrompt != "" {
		combined = systemPrompt + "\n\n" + userPrompt
	}
	params := anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(combined)),
		},
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxRetries), ctx)

	var text string
	op := func() error {
		message, err := p.client.Messages.New(ctx, params)
		if err != nil {
			if isAPIKeyError(err) {
				return backoff.Permanent(apperr.Wrap(apperr.Fatal, err, "llm: api key rejected"))
			}
			if !isRetryable(err) {
				return backoff.Permanent(apperr.Wrap(apperr.Validation, err, "llm: extract"))
			}
			return err
		}
		if len(message.Content) == 0 || message.Content[0].Type != "text" {
			return backoff.Permanent(apperr.New(apperr.Integrity, "llm: unexpected response format"))
		}
		text = message.Content[0].Text
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return "", appErr
		}
		return "", apperr.Wrap(apperr.Transient, err, "llm: extract")
	}
	return text, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return true
}

func isAPIKeyError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 401 || apiErr.StatusCode == 403
	}
	return false
}

// NullProvider is used when no API key is configured; every call fails
// immediately with a distinguishable "api key" error so callers downgrade to
// pending_enrichment instead of blocking (spec §6).
type NullProvider struct{}

func (NullProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return "", apperr.New(apperr.Fatal, "llm: no api key configured")
}

var _ Provider = (*AnthropicProvider)(nil)
var _ Provider = NullProvider{}
