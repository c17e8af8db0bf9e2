package ai

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"
)

// isTransient решает, стоит ли повторять вызов: сетевые сбои, 5xx и 429.
// Отмена контекста и ошибки самого ответа не повторяются.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, errIncompleteStream) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var ollamaErr api.StatusError
	if errors.As(err, &ollamaErr) {
		return shouldRetryHTTPStatus(ollamaErr.StatusCode)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return shouldRetryHTTPStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return shouldRetryHTTPStatus(reqErr.HTTPStatusCode)
	}

	// Таймаут отдельной попытки считаем транспортным сбоем.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func shouldRetryHTTPStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// waitRetry ждет delay или отмены контекста.
func waitRetry(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
