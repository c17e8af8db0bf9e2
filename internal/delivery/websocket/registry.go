package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storyline_ws_sessions_active",
		Help: "Number of live WebSocket sessions.",
	})
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyline_ws_messages_total",
		Help: "Inbound WebSocket frames by message kind and result.",
	}, []string{"kind", "result"})
)

// Registry хранит живые сессии и закрывает их при остановке сервера.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*session
	closed   bool
	// empty сигналит, что последняя сессия ушла после начала остановки.
	empty  chan struct{}
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*session),
		empty:    make(chan struct{}),
		logger:   logger.Named("WSRegistry"),
	}
}

// add регистрирует сессию; после Shutdown возвращает false.
func (r *Registry) add(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.sessions[s.id] = s
	activeSessions.Inc()
	r.logger.Debug("Session registered", zap.String("sessionID", s.id.String()), zap.Int64("userID", s.userID))
	return true
}

func (r *Registry) remove(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.id]; !ok {
		return
	}
	delete(r.sessions, s.id)
	activeSessions.Dec()
	r.logger.Debug("Session unregistered", zap.String("sessionID", s.id.String()))
	if r.closed && len(r.sessions) == 0 {
		close(r.empty)
	}
}

// Len - число живых сессий.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown отправляет всем сессиям close 1001 и ждет их завершения.
// По истечении ctx оставшиеся соединения закрываются принудительно.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	if len(sessions) == 0 {
		close(r.empty)
	}
	r.mu.Unlock()

	r.logger.Info("Closing WebSocket sessions", zap.Int("count", len(sessions)))
	for _, s := range sessions {
		s.closeWith(closeGoingAway, "server shutdown")
	}

	select {
	case <-r.empty:
		return nil
	case <-ctx.Done():
		for _, s := range sessions {
			_ = s.conn.Close()
		}
		return ctx.Err()
	}
}

// closeGraceTimeout - сколько ждать ответного close-фрейма от клиента.
const closeGraceTimeout = 2 * time.Second
