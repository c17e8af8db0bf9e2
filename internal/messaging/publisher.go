package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"storyline-server/internal/models"
)

// ExchangeStorylineEvents - fanout exchange для событий жизненного цикла историй.
const ExchangeStorylineEvents = "storyline_events"

// EventType - вид изменения истории.
type EventType string

const (
	EventStorylineCreated  EventType = "storyline.created"
	EventStorylineUpdated  EventType = "storyline.updated"
	EventStatusChanged     EventType = "storyline.status_changed"
	EventVisibilityChanged EventType = "storyline.visibility_changed"
	EventStepGenerated     EventType = "storyline.step_generated"
)

// StorylineEvent - тело сообщения в exchange.
type StorylineEvent struct {
	Type        EventType              `json:"type"`
	StorylineID int64                  `json:"storylineId"`
	UserID      int64                  `json:"userId"`
	Title       string                 `json:"title"`
	Status      models.StorylineStatus `json:"status"`
	Visibility  models.Visibility      `json:"visibility"`
	StepCount   int                    `json:"stepCount"`
	OccurredAt  time.Time              `json:"occurredAt"`
}

// NewStorylineEvent собирает событие из сохраненной истории.
func NewStorylineEvent(typ EventType, s *models.Storyline) StorylineEvent {
	return StorylineEvent{
		Type:        typ,
		StorylineID: s.ID,
		UserID:      s.UserID,
		Title:       s.Title,
		Status:      s.Status,
		Visibility:  s.Visibility,
		StepCount:   len(s.Steps),
		OccurredAt:  s.Updated,
	}
}

// EventPublisher публикует события историй.
type EventPublisher interface {
	Publish(ctx context.Context, event StorylineEvent) error
	Close() error
}

// NoopPublisher используется, когда RABBITMQ_URL не задан.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, StorylineEvent) error { return nil }
func (NoopPublisher) Close() error                                  { return nil }

// RabbitMQPublisher публикует события в fanout exchange.
// Канал amqp не потокобезопасен для публикации, поэтому вызовы сериализуются.
type RabbitMQPublisher struct {
	conn   *amqp091.Connection
	ch     *amqp091.Channel
	mu     sync.Mutex
	logger *zap.Logger
}

// NewRabbitMQPublisher открывает канал на готовом соединении и объявляет exchange.
func NewRabbitMQPublisher(conn *amqp091.Connection, logger *zap.Logger) (*RabbitMQPublisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq connection is nil")
	}
	logger = logger.Named("RabbitMQPublisher")

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		ExchangeStorylineEvents, // name
		"fanout",                // type
		true,                    // durable
		false,                   // auto-deleted
		false,                   // internal
		false,                   // no-wait
		nil,                     // arguments
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare exchange '%s': %w", ExchangeStorylineEvents, err)
	}
	logger.Info("Storyline events exchange declared", zap.String("exchange", ExchangeStorylineEvents))

	return &RabbitMQPublisher{conn: conn, ch: ch, logger: logger}, nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, event StorylineEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal storyline event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx,
		ExchangeStorylineEvents,
		"",    // routing key не нужен для fanout
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    uuid.NewString(),
			Type:         string(event.Type),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish storyline event: %w", err)
	}
	p.logger.Debug("Storyline event published",
		zap.String("type", string(event.Type)), zap.Int64("storylineId", event.StorylineID))
	return nil
}

// Close закрывает канал; соединением владеет вызывающий код.
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		return p.ch.Close()
	}
	return nil
}

// Connect подключается к RabbitMQ с несколькими попытками.
func Connect(ctx context.Context, url string, attempts int, delay time.Duration, logger *zap.Logger) (*amqp091.Connection, error) {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		var conn *amqp091.Connection
		conn, err = amqp091.Dial(url)
		if err == nil {
			logger.Info("Connected to RabbitMQ", zap.Int("attempt", i))
			return conn, nil
		}
		logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", i), zap.Int("maxAttempts", attempts), zap.Duration("retryIn", delay), zap.Error(err))
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("failed to connect to rabbitmq after %d attempts: %w", attempts, err)
}
