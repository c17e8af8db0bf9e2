package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// OllamaBackend ходит в Ollama через официальный клиент.
type OllamaBackend struct {
	client *api.Client
	model  string
}

func NewOllamaBackend(base *url.URL, model string, httpClient *http.Client) *OllamaBackend {
	return &OllamaBackend{
		client: api.NewClient(base, httpClient),
		model:  model,
	}
}

func (b *OllamaBackend) Name() string  { return "ollama" }
func (b *OllamaBackend) Model() string { return b.model }

// Pull загружает модель; прогресс не интересен, ждем окончания.
func (b *OllamaBackend) Pull(ctx context.Context) error {
	stream := false
	err := b.client.Pull(ctx, &api.PullRequest{Model: b.model, Stream: &stream}, func(api.ProgressResponse) error {
		return nil
	})
	if err != nil {
		return fmt.Errorf("ollama pull %s: %w", b.model, err)
	}
	return nil
}

// Generate в потоковом режиме прекращает чтение на первом чанке с Done,
// не дожидаясь закрытия соединения.
func (b *OllamaBackend) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	stream := req.Stream
	acc := &accumulator{limit: req.MaxBytes}
	done := false

	err := b.client.Generate(ctx, &api.GenerateRequest{
		Model:  b.model,
		Prompt: req.Prompt,
		Stream: &stream,
		Format: json.RawMessage(`"json"`),
	}, func(resp api.GenerateResponse) error {
		if err := acc.add(resp.Response); err != nil {
			return err
		}
		if resp.Done {
			done = true
			return errStreamDone
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStreamDone) {
		return "", err
	}
	if !done {
		return "", errIncompleteStream
	}
	return acc.String(), nil
}
