package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var (
	// errIncompleteStream - поток закрылся раньше, чем бэкенд сообщил о завершении.
	errIncompleteStream = errors.New("stream ended before completion was signaled")
	// errResponseTooLarge - ответ превысил MaxBytes.
	errResponseTooLarge = errors.New("response exceeds size limit")
	// errStreamDone останавливает чтение потока на первом чанке с done.
	errStreamDone = errors.New("stream done")
)

// GenerateRequest - один вызов модели.
type GenerateRequest struct {
	Prompt string
	Stream bool
	// MaxBytes ограничивает накопленный ответ; 0 - без ограничения.
	MaxBytes int
}

// Backend - конкретный провайдер генерации.
type Backend interface {
	Name() string
	Model() string
	// Pull выполняет однократную подготовку модели (загрузку или проверку наличия).
	Pull(ctx context.Context) error
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// BackendConfig - параметры подключения к провайдеру.
type BackendConfig struct {
	Type    string
	BaseURL string
	Model   string
	APIKey  string
}

// NewBackend создает бэкенд по типу: ollama или openai.
// Таймауты задаются контекстом вызова: загрузка модели может идти долго.
func NewBackend(cfg BackendConfig) (Backend, error) {
	httpClient := &http.Client{}
	switch strings.ToLower(cfg.Type) {
	case "", "ollama":
		base, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid ollama base url %q: %w", cfg.BaseURL, err)
		}
		return NewOllamaBackend(base, cfg.Model, httpClient), nil
	case "openai":
		return NewOpenAIBackend(cfg.BaseURL, cfg.APIKey, cfg.Model, httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported AI client type %q", cfg.Type)
	}
}

// accumulator собирает потоковый ответ и следит за лимитом размера.
type accumulator struct {
	sb    strings.Builder
	limit int
}

func (a *accumulator) add(chunk string) error {
	if a.limit > 0 && a.sb.Len()+len(chunk) > a.limit {
		return fmt.Errorf("%w: more than %d bytes", errResponseTooLarge, a.limit)
	}
	a.sb.WriteString(chunk)
	return nil
}

func (a *accumulator) String() string { return a.sb.String() }
