package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIBackend работает с любым OpenAI-совместимым API.
type OpenAIBackend struct {
	client *openai.Client
	model  string
}

func NewOpenAIBackend(baseURL, apiKey, model string, httpClient *http.Client) *OpenAIBackend {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httpClient
	return &OpenAIBackend{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (b *OpenAIBackend) Name() string  { return "openai" }
func (b *OpenAIBackend) Model() string { return b.model }

// Pull для OpenAI только проверяет, что модель доступна.
func (b *OpenAIBackend) Pull(ctx context.Context) error {
	if _, err := b.client.GetModel(ctx, b.model); err != nil {
		return fmt.Errorf("openai model lookup %s: %w", b.model, err)
	}
	return nil
}

func (b *OpenAIBackend) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: b.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if !req.Stream {
		resp, err := b.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errIncompleteStream
		}
		content := resp.Choices[0].Message.Content
		if req.MaxBytes > 0 && len(content) > req.MaxBytes {
			return "", fmt.Errorf("%w: more than %d bytes", errResponseTooLarge, req.MaxBytes)
		}
		return content, nil
	}

	chatReq.Stream = true
	stream, err := b.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	acc := &accumulator{limit: req.MaxBytes}
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			// Поток закрыт без finish_reason.
			return "", errIncompleteStream
		}
		if err != nil {
			return "", err
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if err := acc.add(chunk.Choices[0].Delta.Content); err != nil {
			return "", err
		}
		if chunk.Choices[0].FinishReason != "" {
			return acc.String(), nil
		}
	}
}
