package wsclient

import (
	"errors"
	"fmt"

	"storyline-server/internal/protocol"
)

// Ошибки соединения. Проверяются через errors.Is или IsConnectionError.
var (
	ErrNotConnected       = errors.New("websocket is not connected")
	ErrConnectionTimeout  = errors.New("websocket connection timed out")
	ErrMaxRetriesExceeded = errors.New("websocket reconnect attempts exhausted")
	ErrConnectionLost     = errors.New("websocket connection was closed")
	ErrClosed             = errors.New("websocket manager is closed")
)

// ErrRequestTimeout - сервер не ответил за Config.RequestTimeout.
// Соединение при этом не закрывается.
var ErrRequestTimeout = errors.New("websocket request timed out")

// ResponseError - сервер ответил type=error. Соединение при этом живо.
type ResponseError struct {
	RequestID string
	Code      protocol.ErrorCode
	Message   string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// IsConnectionError отличает сбой транспорта от ошибки, которую вернул сервер.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrMaxRetriesExceeded) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrClosed)
}
