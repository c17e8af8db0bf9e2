package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"storyline-server/internal/protocol"
)

const (
	// Время на запись одного фрейма.
	writeWait = 10 * time.Second
	// Сколько ждать pong от клиента.
	pongWait = 60 * time.Second
	// Период ping; должен быть меньше pongWait.
	pingPeriod = (pongWait * 9) / 10

	inboundBuffer = 32
	sendBuffer    = 32

	closeGoingAway      = websocket.CloseGoingAway
	closeUnsupported    = websocket.CloseUnsupportedData
	closePolicyViolated = websocket.ClosePolicyViolation
)

// frame - текстовый фрейм с отметкой лимитера.
type frame struct {
	data    []byte
	limited bool
}

// session обслуживает одно соединение. Три горутины:
// reader читает фреймы, processor обрабатывает их по очереди,
// writer пишет ответы и ping. В send пишет только processor.
// После close-фрейма writer больше ничего не пишет.
type session struct {
	id     uuid.UUID
	userID int64
	conn   *websocket.Conn

	send       chan []byte
	gone       chan struct{}
	writerDone chan struct{}
	closing    chan struct{}
	closeOnce  sync.Once
	// writeMu упорядочивает фреймы данных и close-фрейм.
	writeMu sync.Mutex

	limiter    *rate.Limiter
	dispatcher *dispatcher
	cfg        Config
	logger     *zap.Logger
}

func newSession(conn *websocket.Conn, userID int64, d *dispatcher, cfg Config, logger *zap.Logger) *session {
	id := uuid.New()
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &session{
		id:         id,
		userID:     userID,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		gone:       make(chan struct{}),
		writerDone: make(chan struct{}),
		closing:    make(chan struct{}),
		limiter:    rate.NewLimiter(limit, max(cfg.RateBurst, 1)),
		dispatcher: d,
		cfg:        cfg,
		logger:     logger.With(zap.String("sessionID", id.String()), zap.Int64("userID", userID)),
	}
}

// run блокируется до закрытия соединения и завершения всех горутин сессии.
// Операции получают контекст без отмены: начатая генерация доводится до
// конца даже после обрыва, но ее ответ уже никому не отправляется.
func (s *session) run(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	inbound := make(chan frame, inboundBuffer)
	processed := make(chan struct{})

	go s.writePump()
	go func() {
		defer close(processed)
		s.process(ctx, inbound)
	}()

	s.readPump(inbound)
	close(s.gone)
	<-processed
	<-s.writerDone
	s.logger.Info("Session closed")
}

func (s *session) readPump(inbound chan<- frame) {
	defer close(inbound)

	if s.cfg.MaxMessageSize > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("Unexpected WebSocket close", zap.Error(err))
			} else {
				s.logger.Debug("WebSocket read finished", zap.Error(err))
			}
			return
		}
		if mt == websocket.BinaryMessage {
			messagesTotal.WithLabelValues("binary", "rejected").Inc()
			s.logger.Warn("Binary frame received, closing session")
			s.closeWith(closeUnsupported, "binary frames are not supported")
			return
		}

		f := frame{data: data, limited: !s.limiter.Allow()}
		select {
		case inbound <- f:
		case <-s.writerDone:
			return
		}
	}
}

// process обрабатывает фреймы строго по одному, сохраняя порядок ответов.
func (s *session) process(ctx context.Context, inbound <-chan frame) {
	defer close(s.send)

	if s.cfg.InitialSync {
		s.enqueue(s.dispatcher.initialSync(ctx, s.userID))
	}
	for f := range inbound {
		select {
		case <-s.gone:
			// Клиент ушел: оставшиеся в очереди фреймы не обрабатываем.
			continue
		default:
		}
		if f.limited {
			messagesTotal.WithLabelValues("unknown", string(protocol.CodeRateLimited)).Inc()
			s.enqueue(protocol.ErrorResponse(protocol.RequestIDOf(f.data), &protocol.Error{
				Code:    protocol.CodeRateLimited,
				Message: "too many requests, slow down",
			}))
			continue
		}
		s.enqueue(s.dispatcher.handle(ctx, s.userID, f.data))
	}
}

func (s *session) enqueue(resp protocol.Response) {
	data, err := protocol.Encode(resp)
	if err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		data, _ = protocol.Encode(protocol.ErrorResponse(resp.RequestID, err))
	}
	select {
	case s.send <- data:
	case <-s.closing:
		s.logger.Debug("Session is closing, response dropped", zap.String("requestId", resp.RequestID))
	case <-s.writerDone:
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(s.writerDone)
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				s.closeWith(websocket.CloseNormalClosure, "")
				return
			}
			if err := s.write(websocket.TextMessage, msg); err != nil {
				if errors.Is(err, errSessionClosing) {
					<-s.gone
				} else {
					s.logger.Debug("WebSocket write failed", zap.Error(err))
				}
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				if errors.Is(err, errSessionClosing) {
					<-s.gone
				} else {
					s.logger.Debug("WebSocket ping failed", zap.Error(err))
				}
				return
			}
		case <-s.closing:
			// Соединение закрываем, когда reader дождется ответного close
			// или истечет closeGraceTimeout.
			<-s.gone
			return
		}
	}
}

var errSessionClosing = errors.New("websocket: session is closing")

// write пишет фрейм, если close-фрейм еще не отправлен.
func (s *session) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.closing:
		return errSessionClosing
	default:
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}

// closeWith отправляет close-фрейм один раз за сессию и дает клиенту
// closeGraceTimeout на ответный close.
func (s *session) closeWith(code int, text string) {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(code, text)
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			s.logger.Debug("Failed to send close frame", zap.Int("code", code), zap.Error(err))
		}
		close(s.closing)
		s.writeMu.Unlock()
		_ = s.conn.NetConn().SetReadDeadline(time.Now().Add(closeGraceTimeout))
	})
}
