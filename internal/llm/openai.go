package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIModel implements Model against the chat completions API of OpenAI or
// any compatible endpoint.
type OpenAIModel struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	jsonMode    bool
}

// OpenAIOption tweaks an OpenAIModel.
type OpenAIOption func(*OpenAIModel)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) OpenAIOption {
	return func(m *OpenAIModel) { m.temperature = t }
}

// WithMaxTokens caps completion tokens. Zero leaves the provider default.
func WithMaxTokens(n int) OpenAIOption {
	return func(m *OpenAIModel) { m.maxTokens = n }
}

// WithJSONResponse asks the provider for a JSON object response.
func WithJSONResponse() OpenAIOption {
	return func(m *OpenAIModel) { m.jsonMode = true }
}

// NewOpenAIClient builds a shared client. baseURL may be empty.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// NewOpenAIModel binds a client to one model name.
func NewOpenAIModel(client *openai.Client, model string, opts ...OpenAIOption) *OpenAIModel {
	m := &OpenAIModel{client: client, model: model}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *OpenAIModel) Invoke(ctx context.Context, messages []Message) (string, error) {
	if m.client == nil {
		return "", errors.New("openai client not configured")
	}
	req := openai.ChatCompletionRequest{
		Model:       m.model,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
		Temperature: m.temperature,
		MaxTokens:   m.maxTokens,
	}
	for _, msg := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	if m.jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	resp, err := m.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion (%s): %w", m.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion (%s): no choices returned", m.model)
	}
	return resp.Choices[0].Message.Content, nil
}
