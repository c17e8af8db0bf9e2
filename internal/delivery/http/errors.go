package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"storyline-server/internal/protocol"
)

// ErrorResponse - тело ответа об ошибке. Коды те же, что и в WebSocket протоколе.
type ErrorResponse struct {
	Code    protocol.ErrorCode `json:"code"`
	Message string             `json:"message"`
}

func statusForCode(code protocol.ErrorCode) int {
	switch code {
	case protocol.CodeNotFound:
		return http.StatusNotFound
	case protocol.CodeForbidden:
		return http.StatusForbidden
	case protocol.CodeUnauthorized:
		return http.StatusUnauthorized
	case protocol.CodeRateLimited:
		return http.StatusTooManyRequests
	case protocol.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case protocol.CodeGenerationFailed:
		return http.StatusBadGateway
	case protocol.CodeInternal:
		return http.StatusInternalServerError
	}
	if code.IsProtocol() {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func handleServiceError(c *gin.Context, err error) {
	perr := protocol.FromError(err)
	status := statusForCode(perr.Code)
	if status >= http.StatusInternalServerError {
		// Попадет в лог через ZapLogger.
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Code: perr.Code, Message: perr.Message})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: protocol.CodeValidationFailed, Message: message})
}
