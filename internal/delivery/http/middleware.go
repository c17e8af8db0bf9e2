package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"storyline-server/internal/auth"
	"storyline-server/internal/models"
)

const claimsKey = "claims"

// ZapLogger пишет одну строку на запрос. /health и /metrics пропускаются,
// X-Request-ID пробрасывается или генерируется.
func ZapLogger(log *zap.Logger) gin.HandlerFunc {
	quiet := map[string]bool{"/health": true, "/metrics": true}
	return func(c *gin.Context) {
		if quiet[c.Request.URL.Path] {
			c.Next()
			return
		}
		began := time.Now()
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header("X-Request-ID", reqID)

		c.Next()

		// query для /ws содержит токен и в лог не попадает.
		target := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" && target != "/ws" {
			target += "?" + c.Request.URL.RawQuery
		}
		code := c.Writer.Status()
		fields := []zap.Field{
			zap.String("requestId", reqID),
			zap.String("route", c.Request.Method+" "+target),
			zap.Int("code", code),
			zap.Duration("took", time.Since(began)),
			zap.String("client", c.ClientIP()),
		}
		if claims := claimsFrom(c); claims != nil {
			fields = append(fields, zap.Int64("userID", claims.UserID))
		}
		if errs := c.Errors.ByType(gin.ErrorTypeAny); len(errs) > 0 {
			fields = append(fields, zap.Strings("errors", errs.Errors()))
		}
		if ce := log.Check(levelForStatus(code), "HTTP request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

func levelForStatus(code int) zapcore.Level {
	switch {
	case code >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case code >= http.StatusBadRequest:
		return zapcore.WarnLevel
	}
	return zapcore.InfoLevel
}

// AuthMiddleware принимает access-токен из Authorization: Bearer или из cookie.
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token, _ = c.Cookie(h.cfg.CookieName)
		}
		if token == "" {
			handleServiceError(c, models.ErrUnauthorized)
			return
		}

		claims, err := h.auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			h.logger.Debug("Access token rejected", zap.Error(err))
			handleServiceError(c, err)
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// claimsFrom достает claims, положенные AuthMiddleware.
func claimsFrom(c *gin.Context) *auth.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}
