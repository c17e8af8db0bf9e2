package ai

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"storyline-server/internal/models"
)

var (
	aiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyline_ai_requests_total",
			Help: "Total number of requests to the generation backend.",
		},
		[]string{"model", "status"},
	)
	aiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storyline_ai_request_duration_seconds",
			Help:    "Histogram of generation backend request durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)
)

// Config - поведение клиента модели поверх бэкенда.
type Config struct {
	MaxAttempts      int
	RetryDelay       time.Duration
	Timeout          time.Duration
	Stream           bool
	MaxResponseBytes int
	EstimateTokens   bool

	Choices           int
	DefaultTotalSteps int
}

// Client строит промпты, вызывает бэкенд с повторами и разбирает ответ.
type Client struct {
	backend Backend
	cfg     Config
	prompts PromptBuilder
	logger  *zap.Logger
	ready   atomic.Bool
}

func NewClient(backend Backend, cfg Config, logger *zap.Logger) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Client{
		backend: backend,
		cfg:     cfg,
		prompts: PromptBuilder{Choices: cfg.Choices, DefaultTotalSteps: cfg.DefaultTotalSteps},
		logger:  logger.Named("ai").With(zap.String("backend", backend.Name()), zap.String("model", backend.Model())),
	}
}

// Initialize однократно готовит модель и выставляет флаг готовности.
// При ошибке флаг остается false.
func (c *Client) Initialize(ctx context.Context) error {
	start := time.Now()
	c.logger.Info("Pulling model")
	if err := c.backend.Pull(ctx); err != nil {
		c.logger.Error("Model initialization failed", zap.Error(err))
		return err
	}
	c.ready.Store(true)
	c.logger.Info("Model is ready", zap.Duration("took", time.Since(start)))
	return nil
}

// MarkReady выставляет готовность без загрузки модели (AI_PULL_ON_START=false).
func (c *Client) MarkReady() { c.ready.Store(true) }

func (c *Client) IsReady() bool { return c.ready.Load() }

func (c *Client) BuildPrompt(s *models.Storyline) string {
	return c.prompts.BuildPrompt(s)
}

// FetchResponse вызывает бэкенд, повторяя попытки только при временных ошибках.
// После исчерпания попыток возвращает ошибку, оборачивающую models.ErrGenerationFailed.
func (c *Client) FetchResponse(ctx context.Context, prompt string) (string, error) {
	if c.cfg.EstimateTokens {
		c.logPromptTokens(prompt)
	}

	model := c.backend.Model()
	var lastErr error
	attempt := 0
	for attempt < c.cfg.MaxAttempts {
		attempt++
		text, err := c.generateOnce(ctx, prompt)
		if err == nil {
			aiRequestsTotal.With(prometheus.Labels{"model": model, "status": "success"}).Inc()
			return text, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			aiRequestsTotal.With(prometheus.Labels{"model": model, "status": "canceled"}).Inc()
			return "", ctx.Err()
		}
		if !isTransient(err) {
			aiRequestsTotal.With(prometheus.Labels{"model": model, "status": "error"}).Inc()
			c.logger.Error("Generation failed with non-retryable error", zap.Int("attempt", attempt), zap.Error(err))
			break
		}
		aiRequestsTotal.With(prometheus.Labels{"model": model, "status": "retry"}).Inc()
		if attempt >= c.cfg.MaxAttempts {
			break
		}
		c.logger.Warn("Transient generation error, retrying",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", c.cfg.MaxAttempts),
			zap.Duration("delay", c.cfg.RetryDelay),
			zap.Error(err))
		if err := waitRetry(ctx, c.cfg.RetryDelay); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w after %d attempt(s): %w", models.ErrGenerationFailed, attempt, lastErr)
}

func (c *Client) generateOnce(ctx context.Context, prompt string) (string, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	start := time.Now()
	text, err := c.backend.Generate(ctx, GenerateRequest{
		Prompt:   prompt,
		Stream:   c.cfg.Stream,
		MaxBytes: c.cfg.MaxResponseBytes,
	})
	aiRequestDuration.With(prometheus.Labels{"model": c.backend.Model()}).Observe(time.Since(start).Seconds())
	return text, err
}

// GenerateNextStep - полный цикл: промпт, вызов модели, разбор ответа.
// Неготовый клиент сразу возвращает models.ErrServiceUnavailable.
func (c *Client) GenerateNextStep(ctx context.Context, s *models.Storyline) (*models.Continuation, error) {
	if !c.IsReady() {
		return nil, models.ErrServiceUnavailable
	}
	text, err := c.FetchResponse(ctx, c.BuildPrompt(s))
	if err != nil {
		return nil, err
	}
	cont, err := PretifyResponse(text)
	if err != nil {
		c.logger.Warn("Model returned unparsable continuation",
			zap.Int64("storylineId", s.ID), zap.Int("responseBytes", len(text)), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", models.ErrGenerationFailed, err)
	}
	return cont, nil
}

// logPromptTokens пишет примерное число токенов промпта. Для моделей,
// которых tiktoken не знает, используется cl100k_base.
func (c *Client) logPromptTokens(prompt string) {
	enc, err := tiktoken.EncodingForModel(c.backend.Model())
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		c.logger.Debug("Token estimate unavailable", zap.Error(err))
		return
	}
	c.logger.Debug("Prompt token estimate", zap.Int("tokens", len(enc.Encode(prompt, nil, nil))))
}
