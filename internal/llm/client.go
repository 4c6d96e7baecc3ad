package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hyperifyio/deepresearch/internal/failure"
)

// Client is the minimal interface core logic needs from a chat model. It
// mirrors the go-openai methods used throughout the codebase so any
// OpenAI-compatible backend can be adapted and tests can inject fakes.
type Client interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (ChatStream, error)
}

// ChatStream is the subset of the go-openai stream we consume.
type ChatStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// OpenAIProvider adapts *openai.Client to Client.
type OpenAIProvider struct {
	Inner *openai.Client
}

func (p *OpenAIProvider) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return p.Inner.CreateChatCompletion(ctx, request)
}

func (p *OpenAIProvider) CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (ChatStream, error) {
	return p.Inner.CreateChatCompletionStream(ctx, request)
}

// NewOpenAIProvider builds a provider for an OpenAI-compatible endpoint.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{Inner: openai.NewClientWithConfig(cfg)}
}

// StructuredCall describes one strict-JSON completion: a system contract, a
// user prompt, and the models to try.
type StructuredCall struct {
	System        string
	User          string
	Model         string
	FallbackModel string
	Temperature   float32
	// Validate, when set, rejects parsed values that fail their schema so the
	// retry path can engage.
	Validate func(raw json.RawMessage) error
}

// Structured performs a strict-JSON chat completion into out. The primary
// model gets one retry on transport or parse failure; the fallback model is
// then tried once. A final failure is a KindLLMStructural error so callers
// can synthesize defaults.
func Structured(ctx context.Context, client Client, call StructuredCall, out any) error {
	if client == nil || strings.TrimSpace(call.Model) == "" {
		return failure.Newf(failure.KindLLMStructural, "llm not configured")
	}
	models := []string{call.Model, call.Model}
	if call.FallbackModel != "" && call.FallbackModel != call.Model {
		models = append(models, call.FallbackModel)
	}
	var lastErr error
	for attempt, model := range models {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := complete(ctx, client, model, call)
		if err == nil {
			err = decodeStrict(raw, call, out)
			if err == nil {
				return nil
			}
		}
		lastErr = err
		log.Debug().Err(err).Str("model", model).Int("attempt", attempt+1).Msg("structured call failed")
	}
	if failure.KindOf(lastErr) == failure.KindCancelled {
		return lastErr
	}
	return failure.New(failure.KindLLMStructural, fmt.Errorf("structured response: %w", lastErr))
}

func complete(ctx context.Context, client Client, model string, call StructuredCall) (string, error) {
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: call.System},
			{Role: openai.ChatMessageRoleUser, Content: call.User},
		},
		Temperature: call.Temperature,
		N:           1,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func decodeStrict(raw string, call StructuredCall, out any) error {
	raw = stripFences(raw)
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("parse json: %w", err)
	}
	if call.Validate != nil {
		if err := call.Validate(json.RawMessage(raw)); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	return nil
}

// stripFences tolerates models that wrap JSON in a markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
