// Package oracle is the narrow contract with the generative-AI backend.
// The rest of the system sees two single-method surfaces: one that
// produces the next examiner line, one that produces structured scoring
// output. Everything about the wire format stays behind this package.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// Message roles, aligned with the OpenAI-compatible chat API.
const (
	RoleSystem    = "system"
	RoleExaminer  = "assistant"
	RoleCandidate = "user"
)

// Message is one line of conversation context sent to the turn oracle.
type Message struct {
	Role    string
	Content string
}

// TurnGenerator produces the next examiner line for a speaking task.
type TurnGenerator interface {
	GenerateTurn(ctx context.Context, system string, history []Message) (string, error)
}

// ScoreGenerator produces structured band-score output for a finished
// transcript. The response is expected to be JSON but is returned raw;
// parsing and validation belong to the caller.
type ScoreGenerator interface {
	GenerateScore(ctx context.Context, system, transcript string) (string, error)
}

// ErrNoResponse is returned when the backend answers without content.
var ErrNoResponse = errors.New("oracle returned no choices")

const (
	turnTemperature  = 0.3
	scoreTemperature = 0.1
)

// Client talks to an OpenAI-compatible chat completion API. It
// implements both TurnGenerator and ScoreGenerator.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a client for the given endpoint. An empty baseURL keeps
// the library default.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Ping verifies the endpoint is reachable before the server starts
// taking sessions.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("oracle health check: %w", err)
	}
	return nil
}

// GenerateTurn requests the next examiner line given the persona prompt
// and recent conversation.
func (c *Client) GenerateTurn(ctx context.Context, system string, history []Message) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	})
	for _, m := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: turnTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("turn API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoResponse
	}

	text := resp.Choices[0].Message.Content
	slog.Debug("oracle turn response", "chars", len(text))
	return text, nil
}

// GenerateScore requests a structured scoring response. JSON response
// format is requested from the backend, but callers must still validate
// the payload.
func (c *Client) GenerateScore(ctx context.Context, system, transcript string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: scoreTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("scoring API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoResponse
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("oracle score response", "raw", raw)
	return raw, nil
}
