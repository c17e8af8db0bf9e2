package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storyline-server/internal/messaging"
	"storyline-server/internal/models"
	"storyline-server/internal/repository"
	"storyline-server/internal/service"
)

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) IsReady() bool {
	return m.Called().Bool(0)
}

func (m *mockGenerator) GenerateNextStep(ctx context.Context, s *models.Storyline) (*models.Continuation, error) {
	args := m.Called(ctx, s)
	cont, _ := args.Get(0).(*models.Continuation)
	return cont, args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, event messaging.StorylineEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *mockPublisher) Close() error { return nil }

func newStorylineService(gen service.Generator, pub messaging.EventPublisher) (*service.StorylineService, *repository.MemoryStorylineRepository) {
	repo := repository.NewMemoryStorylineRepository()
	svc := service.NewStorylineService(repo, gen, pub, service.StorylineConfig{
		MaxSteps:     20,
		DefaultSteps: 8,
	}, zap.NewNop())
	return svc, repo
}

func eventOfType(typ messaging.EventType) any {
	return mock.MatchedBy(func(e messaging.StorylineEvent) bool { return e.Type == typ })
}

func TestStorylineService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults and event", func(t *testing.T) {
		pub := new(mockPublisher)
		pub.On("Publish", ctx, eventOfType(messaging.EventStorylineCreated)).Return(nil).Once()
		svc, _ := newStorylineService(nil, pub)

		s, err := svc.Create(ctx, models.CreateStorylineIntent{Title: "  Test  ", UserID: 1})
		require.NoError(t, err)
		assert.NotZero(t, s.ID)
		assert.Equal(t, "Test", s.Title)
		assert.Equal(t, []models.Step{}, s.Steps)
		require.NotNil(t, s.TotalSteps)
		assert.Equal(t, 8, *s.TotalSteps)
		pub.AssertExpectations(t)
	})

	t.Run("publisher failure does not fail the operation", func(t *testing.T) {
		pub := new(mockPublisher)
		pub.On("Publish", ctx, mock.Anything).Return(errors.New("broker down")).Once()
		svc, _ := newStorylineService(nil, pub)

		_, err := svc.Create(ctx, models.CreateStorylineIntent{Title: "Test", UserID: 1})
		assert.NoError(t, err)
	})

	t.Run("rejections", func(t *testing.T) {
		svc, _ := newStorylineService(nil, nil)
		tests := []models.CreateStorylineIntent{
			{Title: "   ", UserID: 1},
			{Title: "t", UserID: 0},
			{Title: "t", UserID: 1, TotalSteps: models.IntPtr(0)},
			{Title: "t", UserID: 1, TotalSteps: models.IntPtr(21)},
		}
		for _, intent := range tests {
			_, err := svc.Create(ctx, intent)
			assert.ErrorIs(t, err, models.ErrInvalidInput)
		}

		s, err := svc.Create(ctx, models.CreateStorylineIntent{Title: "max", UserID: 1, TotalSteps: models.IntPtr(20)})
		require.NoError(t, err)
		assert.Equal(t, 20, *s.TotalSteps)
	})
}

func TestStorylineService_ListIsNeverNil(t *testing.T) {
	svc, _ := newStorylineService(nil, nil)

	list, err := svc.List(context.Background(), 99, models.ListOptions{})
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestStorylineService_Ownership(t *testing.T) {
	ctx := context.Background()
	svc, _ := newStorylineService(nil, nil)
	s, err := svc.Create(ctx, models.CreateStorylineIntent{Title: "Mine", UserID: 1})
	require.NoError(t, err)

	got, err := svc.Get(ctx, 2, s.ID)
	require.NoError(t, err, "public storylines are readable by others")
	assert.Equal(t, s.ID, got.ID)

	_, err = svc.SetVisibility(ctx, 2, s.ID, models.VisibilityPrivate)
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = svc.SetVisibility(ctx, 1, s.ID, models.VisibilityPrivate)
	require.NoError(t, err)
	_, err = svc.Get(ctx, 2, s.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)

	edit := s.Clone()
	edit.Title = "Stolen"
	_, err = svc.Update(ctx, 2, edit)
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = svc.Get(ctx, 1, 12345)
	assert.ErrorIs(t, err, models.ErrStorylineNotFound)
}

func TestStorylineService_Update(t *testing.T) {
	ctx := context.Background()
	svc, _ := newStorylineService(nil, nil)
	s, err := svc.Create(ctx, models.CreateStorylineIntent{Title: "Edit", UserID: 1, TotalSteps: models.IntPtr(2)})
	require.NoError(t, err)

	edit := s.Clone()
	edit.Steps = []models.Step{{Description: "One", Choice: models.Choice{Text: "Go"}}}
	updated, err := svc.Update(ctx, 1, edit)
	require.NoError(t, err)
	assert.Len(t, updated.Steps, 1)
	assert.True(t, updated.Updated.After(s.Updated))
	assert.Equal(t, s.Created, updated.Created)

	step := models.Step{Description: "x", Choice: models.Choice{Text: "y"}}
	tooMany := updated.Clone()
	tooMany.Steps = []models.Step{step, step, step}
	_, err = svc.Update(ctx, 1, tooMany)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	badStatus := updated.Clone()
	badStatus.Status = "paused"
	_, err = svc.Update(ctx, 1, badStatus)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = svc.SetStatus(ctx, 1, s.ID, "paused")
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	done, err := svc.SetStatus(ctx, 1, s.ID, models.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
}

func TestStorylineService_GenerateNextStep(t *testing.T) {
	ctx := context.Background()
	cont := &models.Continuation{
		Description: "The gate opens.",
		Choices:     []models.Choice{{Text: "Enter"}},
	}

	t.Run("not ready", func(t *testing.T) {
		gen := new(mockGenerator)
		gen.On("IsReady").Return(false)
		svc, _ := newStorylineService(gen, nil)
		s, err := svc.Create(ctx, models.CreateStorylineIntent{Title: "t", UserID: 1})
		require.NoError(t, err)

		_, err = svc.GenerateNextStep(ctx, 1, s.ID)
		assert.ErrorIs(t, err, models.ErrServiceUnavailable)
		gen.AssertNotCalled(t, "GenerateNextStep", mock.Anything, mock.Anything)
	})

	t.Run("success", func(t *testing.T) {
		gen := new(mockGenerator)
		gen.On("IsReady").Return(true)
		svc, _ := newStorylineService(gen, nil)
		s, err := svc.Create(ctx, models.CreateStorylineIntent{Title: "t", UserID: 1})
		require.NoError(t, err)
		gen.On("GenerateNextStep", ctx, mock.MatchedBy(func(st *models.Storyline) bool { return st.ID == s.ID })).
			Return(cont, nil).Once()

		got, err := svc.GenerateNextStep(ctx, 1, s.ID)
		require.NoError(t, err)
		assert.Equal(t, cont, got)
		gen.AssertExpectations(t)
	})

	t.Run("step limit", func(t *testing.T) {
		gen := new(mockGenerator)
		gen.On("IsReady").Return(true)
		svc, _ := newStorylineService(gen, nil)
		s, err := svc.Create(ctx, models.CreateStorylineIntent{Title: "t", UserID: 1, TotalSteps: models.IntPtr(1)})
		require.NoError(t, err)
		full := s.Clone()
		full.Steps = []models.Step{{Description: "only", Choice: models.Choice{Text: "end"}}}
		_, err = svc.Update(ctx, 1, full)
		require.NoError(t, err)

		_, err = svc.GenerateNextStep(ctx, 1, s.ID)
		assert.ErrorIs(t, err, models.ErrStepLimitReached)
	})

	t.Run("foreign storyline", func(t *testing.T) {
		gen := new(mockGenerator)
		gen.On("IsReady").Return(true)
		svc, _ := newStorylineService(gen, nil)
		s, err := svc.Create(ctx, models.CreateStorylineIntent{Title: "t", UserID: 1})
		require.NoError(t, err)

		_, err = svc.GenerateNextStep(ctx, 2, s.ID)
		assert.ErrorIs(t, err, models.ErrForbidden)
	})

	t.Run("generator error is propagated", func(t *testing.T) {
		gen := new(mockGenerator)
		gen.On("IsReady").Return(true)
		gen.On("GenerateNextStep", ctx, mock.Anything).Return(nil, models.ErrGenerationFailed).Once()
		svc, _ := newStorylineService(gen, nil)
		s, err := svc.Create(ctx, models.CreateStorylineIntent{Title: "t", UserID: 1})
		require.NoError(t, err)

		_, err = svc.GenerateNextStep(ctx, 1, s.ID)
		assert.ErrorIs(t, err, models.ErrGenerationFailed)
	})
}
