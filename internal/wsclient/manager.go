// Package wsclient - клиентская сторона WebSocket протокола историй:
// подключение с ограниченным числом переподключений, запрос-ответ по
// requestId и локальный кэш историй.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"storyline-server/internal/models"
	"storyline-server/internal/protocol"
)

// State - состояние соединения.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type Config struct {
	URL   string
	Token string
	// ReconnectInterval - пауза перед переподключением.
	ReconnectInterval time.Duration
	// MaxRetries - сколько переподключений подряд допускается до перехода в closed.
	MaxRetries int
	// Backoff удваивает паузу на каждой попытке, но не больше MaxBackoff.
	Backoff          bool
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// RequestTimeout ограничивает ожидание ответа в SendMessage,
	// даже если у контекста нет дедлайна.
	RequestTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Minute
	}
}

// Dialer открывает соединение; *websocket.Dialer ему удовлетворяет.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithUpdateHandler получает ответы без requestId (начальная синхронизация
// и сообщения, на которые никто не ждет ответа).
func WithUpdateHandler(fn func(protocol.Response)) Option {
	return func(m *Manager) { m.onUpdate = fn }
}

type result struct {
	resp protocol.Response
	err  error
}

// Manager владеет одним соединением с сервером. Создается через New и
// закрывается через Close; глобального экземпляра нет.
type Manager struct {
	cfg      Config
	dialer   Dialer
	logger   zerolog.Logger
	onUpdate func(protocol.Response)

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	retryCount  int
	terminalErr error
	// stateCh закрывается и заменяется при каждой смене состояния.
	stateCh    chan struct{}
	pending    map[string]chan result
	storylines []models.Storyline

	writeMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		logger:  zerolog.Nop(),
		stateCh: make(chan struct{}),
		pending: make(map[string]chan result),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect запускает подключение в фоне. Повторный вызов при живом
// подключении ничего не делает.
func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateClosed:
		if m.terminalErr != nil {
			return m.terminalErr
		}
		return ErrClosed
	case StateConnecting, StateConnected:
		return nil
	}
	m.setStateLocked(StateConnecting)
	m.wg.Add(1)
	go m.run()
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RetryCount - число переподключений с момента последнего успешного.
func (m *Manager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

// WaitForConnection ждет состояния connected не дольше timeout.
// Если менеджер окончательно закрылся, возвращает причину сразу.
func (m *Manager) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		m.mu.Lock()
		state, changed, terminal := m.state, m.stateCh, m.terminalErr
		m.mu.Unlock()

		switch state {
		case StateConnected:
			return nil
		case StateClosed:
			if terminal != nil {
				return terminal
			}
			return ErrClosed
		}

		select {
		case <-changed:
		case <-timer.C:
			return fmt.Errorf("%w after %s", ErrConnectionTimeout, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendMessage отправляет запрос и ждет ответ с тем же requestId не дольше
// Config.RequestTimeout. Ответ type=error возвращается как *ResponseError.
func (m *Manager) SendMessage(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := m.conn
	ch := make(chan result, 1)
	m.pending[req.RequestID] = ch
	m.mu.Unlock()

	m.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		m.forget(req.RequestID)
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	timer := time.NewTimer(m.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Type == protocol.ResponseError {
			return nil, &ResponseError{RequestID: res.resp.RequestID, Code: res.resp.Code, Message: res.resp.Message}
		}
		return &res.resp, nil
	case <-timer.C:
		m.forget(req.RequestID)
		return nil, fmt.Errorf("%w: no response to %s %s within %s",
			ErrRequestTimeout, req.MessageType, req.RequestID, m.cfg.RequestTimeout)
	case <-ctx.Done():
		m.forget(req.RequestID)
		return nil, ctx.Err()
	}
}

// Storylines - копия локального кэша историй.
func (m *Manager) Storylines() []models.Storyline {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Storyline, len(m.storylines))
	for i := range m.storylines {
		out[i] = *m.storylines[i].Clone()
	}
	return out
}

// Storyline ищет историю в кэше.
func (m *Manager) Storyline(id int64) (models.Storyline, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.storylines {
		if m.storylines[i].ID == id {
			return *m.storylines[i].Clone(), true
		}
	}
	return models.Storyline{}, false
}

// Close закрывает соединение и останавливает переподключения.
// Безопасен для повторного вызова.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()

		m.mu.Lock()
		conn := m.conn
		m.terminalErr = ErrClosed
		m.setStateLocked(StateClosed)
		m.mu.Unlock()

		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.cfg.WriteTimeout))
			_ = conn.Close()
		}
		m.wg.Wait()
		m.failPending(ErrClosed)
		m.logger.Debug().Msg("WebSocket manager closed")
	})
	return nil
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		conn, err := m.dial()
		if err == nil {
			if !m.attach(conn) {
				_ = conn.Close()
				return
			}
			clean, reason := m.readLoop(conn)
			m.detach(conn)
			m.failPending(fmt.Errorf("%w: %s", ErrConnectionLost, reason))
			if clean || m.ctx.Err() != nil {
				m.finish(fmt.Errorf("%w: %s", ErrConnectionLost, reason))
				return
			}
			m.logger.Warn().Str("reason", reason).Msg("WebSocket closed uncleanly")
		} else {
			if m.ctx.Err() != nil {
				m.finish(ErrClosed)
				return
			}
			m.logger.Warn().Err(err).Msg("WebSocket dial failed")
		}

		delay, ok := m.nextRetry()
		if !ok {
			m.logger.Error().Int("maxRetries", m.cfg.MaxRetries).Msg("Max retries reached, giving up")
			m.finish(fmt.Errorf("%w (%d retries)", ErrMaxRetriesExceeded, m.cfg.MaxRetries))
			return
		}
		m.logger.Info().Dur("delay", delay).Int("attempt", m.RetryCount()).Msg("Reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-m.ctx.Done():
			timer.Stop()
			m.finish(ErrClosed)
			return
		}
	}
}

func (m *Manager) dial() (*websocket.Conn, error) {
	target, err := m.endpoint()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	conn, resp, err := m.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (m *Manager) endpoint() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url: %w", err)
	}
	if m.cfg.Token != "" {
		q := u.Query()
		q.Set("token", m.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// attach переводит менеджер в connected; false, если его уже закрыли.
func (m *Manager) attach(conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return false
	}
	m.conn = conn
	m.retryCount = 0
	m.setStateLocked(StateConnected)
	m.logger.Info().Str("url", m.cfg.URL).Msg("WebSocket connected")
	return true
}

func (m *Manager) detach(conn *websocket.Conn) {
	_ = conn.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == conn {
		m.conn = nil
	}
	m.setStateLocked(StateConnecting)
}

func (m *Manager) finish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminalErr == nil {
		m.terminalErr = err
	}
	m.setStateLocked(StateClosed)
}

func (m *Manager) nextRetry() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retryCount >= m.cfg.MaxRetries {
		return 0, false
	}
	m.retryCount++
	delay := m.cfg.ReconnectInterval
	if m.cfg.Backoff {
		for i := 1; i < m.retryCount && delay < m.cfg.MaxBackoff; i++ {
			delay *= 2
		}
		delay = min(delay, m.cfg.MaxBackoff)
	}
	return delay, true
}

// setStateLocked вызывается под m.mu. Из closed выхода нет.
func (m *Manager) setStateLocked(s State) {
	if m.state == StateClosed || m.state == s {
		return
	}
	m.state = s
	close(m.stateCh)
	m.stateCh = make(chan struct{})
}

// readLoop читает до закрытия соединения. clean - сервер закрыл его
// штатно (1000, 1001, 1008) или его закрыл сам менеджер.
func (m *Manager) readLoop(conn *websocket.Conn) (clean bool, reason string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if m.ctx.Err() != nil {
				return true, "closed by client"
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				switch ce.Code {
				case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.ClosePolicyViolation:
					return true, fmt.Sprintf("closed by server (%d %s)", ce.Code, ce.Text)
				}
				return false, fmt.Sprintf("close %d %s", ce.Code, ce.Text)
			}
			return false, err.Error()
		}
		m.handle(data)
	}
}

func (m *Manager) handle(data []byte) {
	var resp protocol.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to decode server message")
		return
	}
	if resp.Type == protocol.ResponseError {
		m.logger.Debug().Str("code", string(resp.Code)).Str("message", resp.Message).Msg("Server returned error")
	}

	m.mu.Lock()
	if resp.Type == protocol.ResponseSuccess {
		m.applyLocked(resp)
	}
	var waiter chan result
	if resp.RequestID != "" {
		waiter = m.pending[resp.RequestID]
		delete(m.pending, resp.RequestID)
	}
	m.mu.Unlock()

	if waiter != nil {
		waiter <- result{resp: resp}
		return
	}
	if m.onUpdate != nil {
		m.onUpdate(resp)
	}
}

// applyLocked обновляет кэш: список заменяется целиком, одна история - upsert.
func (m *Manager) applyLocked(resp protocol.Response) {
	switch {
	case resp.Storylines != nil:
		m.storylines = slices.Clone(resp.Storylines)
	case resp.Storyline != nil:
		s := *resp.Storyline
		idx := slices.IndexFunc(m.storylines, func(x models.Storyline) bool { return x.ID == s.ID })
		if idx >= 0 {
			m.storylines[idx] = s
		} else {
			m.storylines = append(m.storylines, s)
		}
	}
}

func (m *Manager) forget(requestID string) {
	m.mu.Lock()
	delete(m.pending, requestID)
	m.mu.Unlock()
}

func (m *Manager) failPending(err error) {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]chan result)
	m.mu.Unlock()
	for _, ch := range pending {
		ch <- result{err: err}
	}
}
