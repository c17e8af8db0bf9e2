package protocol

import (
	"errors"
	"fmt"

	"storyline-server/internal/models"
)

// ErrorCode - стабильный машиночитаемый код ошибки в ответе.
type ErrorCode string

const (
	// Ошибки протокола: запрос отклонен до вызова операций над историями.
	CodeMalformedEnvelope  ErrorCode = "malformed_envelope"
	CodeInvalidMessageType ErrorCode = "invalid_message_type"
	CodeMissingField       ErrorCode = "missing_field"
	CodeValidationFailed   ErrorCode = "validation_failed"
	CodeUnsupportedFrame   ErrorCode = "unsupported_frame"
	CodeRateLimited        ErrorCode = "rate_limited"

	// Бизнес-ошибки.
	CodeNotFound     ErrorCode = "not_found"
	CodeForbidden    ErrorCode = "forbidden"
	CodeUnauthorized ErrorCode = "unauthorized"

	// Инфраструктурные ошибки.
	CodeServiceUnavailable ErrorCode = "service_unavailable"
	CodeGenerationFailed   ErrorCode = "generation_failed"
	CodeInternal           ErrorCode = "internal"
)

// IsProtocol сообщает, относится ли код к ошибкам формы запроса.
func (c ErrorCode) IsProtocol() bool {
	switch c {
	case CodeMalformedEnvelope, CodeInvalidMessageType, CodeMissingField,
		CodeValidationFailed, CodeUnsupportedFrame, CodeRateLimited:
		return true
	}
	return false
}

// Error - ошибка, которая уходит клиенту как error-ответ.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FromError переводит ошибку слоя сервиса в ошибку протокола.
// Неизвестные ошибки становятся internal без деталей.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	code := CodeInternal
	switch {
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrStorylineNotFound),
		errors.Is(err, models.ErrUserNotFound):
		code = CodeNotFound
	case errors.Is(err, models.ErrForbidden):
		code = CodeForbidden
	case errors.Is(err, models.ErrUnauthorized),
		errors.Is(err, models.ErrTokenInvalid),
		errors.Is(err, models.ErrTokenMalformed),
		errors.Is(err, models.ErrTokenExpired),
		errors.Is(err, models.ErrTokenRevoked):
		code = CodeUnauthorized
	case errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, models.ErrStepLimitReached):
		code = CodeValidationFailed
	case errors.Is(err, models.ErrServiceUnavailable):
		code = CodeServiceUnavailable
	case errors.Is(err, models.ErrGenerationFailed),
		errors.Is(err, models.ErrMalformedResponse):
		code = CodeGenerationFailed
	}

	if code == CodeInternal {
		return &Error{Code: code, Message: models.ErrInternalServer.Error(), Err: err}
	}
	return &Error{Code: code, Message: err.Error(), Err: err}
}
