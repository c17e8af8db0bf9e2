package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyline-server/internal/models"
)

func TestMemoryStorylineRepository_CreateAssignsIDAndDefaults(t *testing.T) {
	repo := NewMemoryStorylineRepository()
	ctx := context.Background()

	s, err := repo.Create(ctx, models.CreateStorylineIntent{Title: "Test", UserID: 1, TotalSteps: models.IntPtr(5)})
	require.NoError(t, err)

	assert.Equal(t, int64(1), s.ID)
	assert.Equal(t, models.StatusOngoing, s.Status)
	assert.Equal(t, models.VisibilityPublic, s.Visibility)
	assert.Equal(t, []models.Step{}, s.Steps)
	assert.Equal(t, s.Created, s.Updated)

	second, err := repo.Create(ctx, models.CreateStorylineIntent{Title: "Other", UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.ID)
	assert.Nil(t, second.TotalSteps)
}

func TestMemoryStorylineRepository_UpdateKeepsIdentityAndAdvancesUpdated(t *testing.T) {
	repo := NewMemoryStorylineRepository()
	frozen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return frozen }
	ctx := context.Background()

	created, err := repo.Create(ctx, models.CreateStorylineIntent{Title: "Test", UserID: 1, TotalSteps: models.IntPtr(3)})
	require.NoError(t, err)

	edit := created.Clone()
	edit.UserID = 99
	edit.Created = time.Time{}
	edit.Title = "Renamed"
	edit.Steps = []models.Step{{Description: "Intro", Choice: models.Choice{Text: "Run"}}}

	updated, err := repo.Update(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, int64(1), updated.UserID, "owner is immutable")
	assert.Equal(t, created.Created, updated.Created, "created is immutable")
	assert.Equal(t, "Renamed", updated.Title)
	assert.True(t, updated.Updated.After(created.Updated), "updated must advance even with a frozen clock")
	require.Len(t, updated.Steps, 1)

	// Возвращенная копия не связана с хранилищем.
	updated.Steps[0].Description = "mutated"
	fresh, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Intro", fresh.Steps[0].Description)
}

func TestMemoryStorylineRepository_NotFound(t *testing.T) {
	repo := NewMemoryStorylineRepository()
	ctx := context.Background()

	_, err := repo.GetByID(ctx, 42)
	assert.True(t, errors.Is(err, models.ErrStorylineNotFound))

	_, err = repo.Update(ctx, &models.Storyline{ID: 42})
	assert.True(t, errors.Is(err, models.ErrStorylineNotFound))

	_, err = repo.UpdateStatus(ctx, 42, models.StatusCompleted)
	assert.True(t, errors.Is(err, models.ErrStorylineNotFound))
}

func TestMemoryStorylineRepository_ListByUser(t *testing.T) {
	repo := NewMemoryStorylineRepository()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	ctx := context.Background()

	empty, err := repo.ListByUser(ctx, 1, models.ListOptions{})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	for _, title := range []string{"a", "b", "c"} {
		_, err := repo.Create(ctx, models.CreateStorylineIntent{Title: title, UserID: 1})
		require.NoError(t, err)
	}
	_, err = repo.Create(ctx, models.CreateStorylineIntent{Title: "foreign", UserID: 2})
	require.NoError(t, err)

	_, err = repo.UpdateVisibility(ctx, 1, models.VisibilityPrivate)
	require.NoError(t, err)

	all, err := repo.ListByUser(ctx, 1, models.ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{1, 2, 3}, ids(all))

	newest, err := repo.ListByUser(ctx, 1, models.ListOptions{Newest: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ids(newest))

	page, err := repo.ListByUser(ctx, 1, models.ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids(page))

	past, err := repo.ListByUser(ctx, 1, models.ListOptions{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestMemoryStorylineRepository_ContextCanceled(t *testing.T) {
	repo := NewMemoryStorylineRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.Create(ctx, models.CreateStorylineIntent{Title: "x", UserID: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStorylineRepository_CreateRejectsUnknownUser(t *testing.T) {
	users := NewMemoryUserRepository()
	repo := NewMemoryStorylineRepository().WithUsers(users)
	ctx := context.Background()

	_, err := repo.Create(ctx, models.CreateStorylineIntent{Title: "Orphan", UserID: 42})
	require.ErrorIs(t, err, models.ErrUserNotFound)

	owner, err := users.UpsertByEmail(ctx, &models.User{Email: "owner@example.com", Username: "Owner"})
	require.NoError(t, err)
	s, err := repo.Create(ctx, models.CreateStorylineIntent{Title: "Owned", UserID: owner.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.ID, "rejected create must not consume an id")

	list, err := repo.ListByUser(ctx, 42, models.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryUserRepository_Upsert(t *testing.T) {
	repo := NewMemoryUserRepository()
	ctx := context.Background()

	first, err := repo.UpsertByEmail(ctx, &models.User{Email: "a@example.com", Username: "Ann"})
	require.NoError(t, err)
	again, err := repo.UpsertByEmail(ctx, &models.User{Email: "a@example.com", Username: "Anna", Picture: "p.png"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "Anna", again.Username)

	got, err := repo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "p.png", got.Picture)

	_, err = repo.GetByID(ctx, 100)
	assert.ErrorIs(t, err, models.ErrUserNotFound)
}

func TestMemoryTokenRepository_Lifecycle(t *testing.T) {
	repo := NewMemoryTokenRepository()
	ctx := context.Background()
	now := time.Now()
	td := &models.TokenDetails{
		AccessUUID:  "acc",
		RefreshUUID: "ref",
		AtExpires:   now.Add(time.Minute).Unix(),
		RtExpires:   now.Add(time.Hour).Unix(),
	}
	require.NoError(t, repo.SetToken(ctx, 7, td))

	userID, err := repo.GetUserIDByAccessUUID(ctx, "acc")
	require.NoError(t, err)
	assert.Equal(t, int64(7), userID)

	repo.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = repo.GetUserIDByAccessUUID(ctx, "acc")
	assert.ErrorIs(t, err, models.ErrTokenRevoked, "expired access token is gone")

	userID, err = repo.GetUserIDByRefreshUUID(ctx, "ref")
	require.NoError(t, err)
	assert.Equal(t, int64(7), userID)

	deleted, err := repo.DeleteTokens(ctx, 7, "acc", "ref")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	_, err = repo.GetUserIDByRefreshUUID(ctx, "ref")
	assert.ErrorIs(t, err, models.ErrTokenRevoked)
}

func ids(list []models.Storyline) []int64 {
	out := make([]int64, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}
