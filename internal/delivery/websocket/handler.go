package websocket

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"storyline-server/internal/auth"
	"storyline-server/internal/models"
	"storyline-server/internal/protocol"
)

// Authenticator проверяет access-токен, переданный при подключении.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*auth.Claims, error)
}

// StorylineService - операции над историями, доступные по WebSocket.
type StorylineService interface {
	List(ctx context.Context, userID int64, opts models.ListOptions) ([]models.Storyline, error)
	Create(ctx context.Context, intent models.CreateStorylineIntent) (*models.Storyline, error)
	Get(ctx context.Context, principal, id int64) (*models.Storyline, error)
	Update(ctx context.Context, principal int64, in *models.Storyline) (*models.Storyline, error)
	GenerateNextStep(ctx context.Context, principal, id int64) (*models.Continuation, error)
}

// Config - параметры сессий.
type Config struct {
	// InitialSync - отправить список историй сразу после подключения.
	InitialSync bool
	// RateLimit - фреймов в секунду на соединение; 0 - без ограничения.
	RateLimit      float64
	RateBurst      int
	MaxMessageSize int64
	// AllowedOrigins пуст или содержит "*" - принимаются любые Origin.
	AllowedOrigins []string
}

// Handler принимает WebSocket соединения на /ws.
type Handler struct {
	auth     Authenticator
	registry *Registry
	disp     *dispatcher
	cfg      Config
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHandler(authn Authenticator, storylines StorylineService, registry *Registry, cfg Config, logger *zap.Logger) *Handler {
	logger = logger.Named("WSHandler")
	h := &Handler{
		auth:     authn,
		registry: registry,
		disp:     &dispatcher{storylines: storylines, logger: logger},
		cfg:      cfg,
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// ServeHTTP апгрейдит соединение всегда: отказ в авторизации передается
// error-фреймом и close 1008, а не HTTP статусом.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	claims, err := h.auth.Authenticate(r.Context(), tokenFromRequest(r))
	if err != nil {
		h.logger.Info("WebSocket authentication failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		h.reject(conn, &protocol.Error{
			Code:    protocol.CodeUnauthorized,
			Message: "invalid or missing access token",
			Err:     err,
		})
		return
	}

	s := newSession(conn, claims.UserID, h.disp, h.cfg, h.logger)
	if !h.registry.add(s) {
		s.closeWith(closeGoingAway, "server shutdown")
		_ = conn.Close()
		return
	}
	defer h.registry.remove(s)

	s.logger.Info("Session opened", zap.String("remote", r.RemoteAddr))
	s.run(r.Context())
}

func (h *Handler) reject(conn *websocket.Conn, perr *protocol.Error) {
	defer conn.Close()
	if data, err := protocol.Encode(protocol.ErrorResponse("", perr)); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	msg := websocket.FormatCloseMessage(closePolicyViolated, "unauthorized")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	h.logger.Warn("WebSocket origin rejected", zap.String("origin", origin))
	return false
}

// tokenFromRequest берет токен из ?token= или заголовка Authorization.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
