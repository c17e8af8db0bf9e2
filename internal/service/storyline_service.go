package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"storyline-server/internal/messaging"
	"storyline-server/internal/models"
	"storyline-server/internal/repository"
)

// Generator - клиент модели, которым пользуется сервис.
type Generator interface {
	IsReady() bool
	GenerateNextStep(ctx context.Context, s *models.Storyline) (*models.Continuation, error)
}

// StorylineConfig - ограничения на истории.
type StorylineConfig struct {
	MaxSteps     int
	DefaultSteps int
	// ListLimit - размер страницы по умолчанию для HTTP списка; 0 - без ограничения.
	ListLimit int
}

// StorylineService - бизнес-правила между протоколом и хранилищем.
// Все операции, кроме List, проверяют владельца.
type StorylineService struct {
	repo      repository.StorylineRepository
	generator Generator
	events    messaging.EventPublisher
	cfg       StorylineConfig
	logger    *zap.Logger
}

func NewStorylineService(
	repo repository.StorylineRepository,
	generator Generator,
	events messaging.EventPublisher,
	cfg StorylineConfig,
	logger *zap.Logger,
) *StorylineService {
	if events == nil {
		events = messaging.NoopPublisher{}
	}
	return &StorylineService{
		repo:      repo,
		generator: generator,
		events:    events,
		cfg:       cfg,
		logger:    logger.Named("StorylineService"),
	}
}

// List возвращает истории пользователя; пустой результат - пустой срез, не nil.
func (s *StorylineService) List(ctx context.Context, userID int64, opts models.ListOptions) ([]models.Storyline, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user id must be positive", models.ErrInvalidInput)
	}
	list, err := s.repo.ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []models.Storyline{}
	}
	for i := range list {
		list[i].Normalize()
	}
	return list, nil
}

// Create применяет значения по умолчанию и проверяет границы totalSteps.
func (s *StorylineService) Create(ctx context.Context, intent models.CreateStorylineIntent) (*models.Storyline, error) {
	intent.Title = strings.TrimSpace(intent.Title)
	if intent.Title == "" {
		return nil, fmt.Errorf("%w: title is required", models.ErrInvalidInput)
	}
	if intent.UserID <= 0 {
		return nil, fmt.Errorf("%w: user id must be positive", models.ErrInvalidInput)
	}
	if intent.TotalSteps == nil {
		intent.TotalSteps = models.IntPtr(s.cfg.DefaultSteps)
	}
	if err := s.checkTotalSteps(*intent.TotalSteps); err != nil {
		return nil, err
	}

	created, err := s.repo.Create(ctx, intent)
	if err != nil {
		return nil, err
	}
	created.Normalize()
	s.logger.Info("Storyline created", zap.Int64("storylineId", created.ID), zap.Int64("userId", created.UserID))
	s.publish(ctx, messaging.EventStorylineCreated, created)
	return created, nil
}

// Get отдает историю владельцу, а чужому пользователю только публичную.
func (s *StorylineService) Get(ctx context.Context, principal, id int64) (*models.Storyline, error) {
	st, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.UserID != principal && st.Visibility != models.VisibilityPublic {
		return nil, fmt.Errorf("%w: storyline %d belongs to another user", models.ErrForbidden, id)
	}
	st.Normalize()
	return st, nil
}

// Update полностью заменяет изменяемые поля истории (last-write-wins).
// id, владелец и created не меняются.
func (s *StorylineService) Update(ctx context.Context, principal int64, in *models.Storyline) (*models.Storyline, error) {
	if in == nil || in.ID <= 0 {
		return nil, fmt.Errorf("%w: storyline id is required", models.ErrInvalidInput)
	}
	if _, err := s.owned(ctx, principal, in.ID); err != nil {
		return nil, err
	}

	next := in.Clone()
	next.UserID = principal
	next.Title = strings.TrimSpace(next.Title)
	next.Normalize()
	if next.Title == "" {
		return nil, fmt.Errorf("%w: title is required", models.ErrInvalidInput)
	}
	if !next.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidInput, next.Status)
	}
	if !next.Visibility.Valid() {
		return nil, fmt.Errorf("%w: unknown visibility %q", models.ErrInvalidInput, next.Visibility)
	}
	limit := s.cfg.MaxSteps
	if next.TotalSteps != nil {
		if err := s.checkTotalSteps(*next.TotalSteps); err != nil {
			return nil, err
		}
		limit = *next.TotalSteps
	}
	if len(next.Steps) > limit {
		return nil, fmt.Errorf("%w: %d steps exceed the limit of %d", models.ErrInvalidInput, len(next.Steps), limit)
	}

	updated, err := s.repo.Update(ctx, next)
	if err != nil {
		return nil, err
	}
	updated.Normalize()
	s.logger.Info("Storyline updated", zap.Int64("storylineId", updated.ID), zap.Int("steps", len(updated.Steps)))
	s.publish(ctx, messaging.EventStorylineUpdated, updated)
	return updated, nil
}

func (s *StorylineService) SetStatus(ctx context.Context, principal, id int64, status models.StorylineStatus) (*models.Storyline, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidInput, status)
	}
	if _, err := s.owned(ctx, principal, id); err != nil {
		return nil, err
	}
	updated, err := s.repo.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	updated.Normalize()
	s.publish(ctx, messaging.EventStatusChanged, updated)
	return updated, nil
}

func (s *StorylineService) SetVisibility(ctx context.Context, principal, id int64, visibility models.Visibility) (*models.Storyline, error) {
	if !visibility.Valid() {
		return nil, fmt.Errorf("%w: unknown visibility %q", models.ErrInvalidInput, visibility)
	}
	if _, err := s.owned(ctx, principal, id); err != nil {
		return nil, err
	}
	updated, err := s.repo.UpdateVisibility(ctx, id, visibility)
	if err != nil {
		return nil, err
	}
	updated.Normalize()
	s.publish(ctx, messaging.EventVisibilityChanged, updated)
	return updated, nil
}

// GenerateNextStep просит модель продолжить сохраненную историю.
// Результат не сохраняется: клиент сам добавляет шаг через Update.
func (s *StorylineService) GenerateNextStep(ctx context.Context, principal, id int64) (*models.Continuation, error) {
	if s.generator == nil || !s.generator.IsReady() {
		return nil, models.ErrServiceUnavailable
	}
	st, err := s.owned(ctx, principal, id)
	if err != nil {
		return nil, err
	}
	if st.Status != models.StatusOngoing {
		return nil, fmt.Errorf("%w: storyline is %s", models.ErrInvalidInput, st.Status)
	}
	if st.RemainingSteps(s.cfg.DefaultSteps) == 0 {
		return nil, models.ErrStepLimitReached
	}

	cont, err := s.generator.GenerateNextStep(ctx, st)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("Step generation failed", zap.Int64("storylineId", id), zap.Error(err))
		}
		return nil, err
	}
	s.publish(ctx, messaging.EventStepGenerated, st)
	return cont, nil
}

// IsGenerationReady - флаг готовности модели для /ready.
func (s *StorylineService) IsGenerationReady() bool {
	return s.generator != nil && s.generator.IsReady()
}

func (s *StorylineService) owned(ctx context.Context, principal, id int64) (*models.Storyline, error) {
	st, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.UserID != principal {
		return nil, fmt.Errorf("%w: storyline %d belongs to another user", models.ErrForbidden, id)
	}
	return st, nil
}

func (s *StorylineService) checkTotalSteps(total int) error {
	if total < 1 || total > s.cfg.MaxSteps {
		return fmt.Errorf("%w: totalSteps must be within [1, %d]", models.ErrInvalidInput, s.cfg.MaxSteps)
	}
	return nil
}

// publish не влияет на результат операции: ошибка брокера только логируется.
func (s *StorylineService) publish(ctx context.Context, typ messaging.EventType, st *models.Storyline) {
	if err := s.events.Publish(ctx, messaging.NewStorylineEvent(typ, st)); err != nil {
		s.logger.Warn("Failed to publish storyline event",
			zap.String("type", string(typ)), zap.Int64("storylineId", st.ID), zap.Error(err))
	}
}
