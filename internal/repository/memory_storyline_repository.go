package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"storyline-server/internal/models"
)

// MemoryStorylineRepository - хранилище историй в памяти процесса.
// Используется при STORE_DRIVER=memory и в тестах. Владельца истории
// проверяет только после WithUsers, как внешний ключ в PostgreSQL.
type MemoryStorylineRepository struct {
	mu      sync.Mutex
	lastID  int64
	records map[int64]*models.Storyline
	users   UserRepository
	now     func() time.Time
}

var _ StorylineRepository = (*MemoryStorylineRepository)(nil)

func NewMemoryStorylineRepository() *MemoryStorylineRepository {
	return &MemoryStorylineRepository{
		records: make(map[int64]*models.Storyline),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithUsers включает проверку владельца в Create: для неизвестного
// пользователя возвращается models.ErrUserNotFound.
func (r *MemoryStorylineRepository) WithUsers(users UserRepository) *MemoryStorylineRepository {
	r.users = users
	return r
}

// timestamp возвращает время с точностью PostgreSQL, строго большее prev.
func (r *MemoryStorylineRepository) timestamp(prev time.Time) time.Time {
	ts := r.now().Truncate(time.Microsecond)
	if !ts.After(prev) {
		ts = prev.Add(time.Microsecond)
	}
	return ts
}

func (r *MemoryStorylineRepository) Create(ctx context.Context, intent models.CreateStorylineIntent) (*models.Storyline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.users != nil {
		if _, err := r.users.GetByID(ctx, intent.UserID); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastID++
	ts := r.timestamp(time.Time{})
	s := &models.Storyline{
		ID:         r.lastID,
		UserID:     intent.UserID,
		Title:      intent.Title,
		Status:     models.StatusOngoing,
		Visibility: models.VisibilityPublic,
		Steps:      []models.Step{},
		Created:    ts,
		Updated:    ts,
	}
	if intent.TotalSteps != nil {
		s.TotalSteps = models.IntPtr(*intent.TotalSteps)
	}
	r.records[s.ID] = s
	return s.Clone(), nil
}

func (r *MemoryStorylineRepository) GetByID(ctx context.Context, id int64) (*models.Storyline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("storyline %d: %w", id, models.ErrStorylineNotFound)
	}
	return s.Clone(), nil
}

func (r *MemoryStorylineRepository) Update(ctx context.Context, in *models.Storyline) (*models.Storyline, error) {
	return r.mutate(ctx, in.ID, func(s *models.Storyline) {
		next := in.Clone()
		s.Title = next.Title
		s.Status = next.Status
		s.Visibility = next.Visibility
		s.TotalSteps = next.TotalSteps
		s.Steps = next.Steps
		s.Normalize()
	})
}

func (r *MemoryStorylineRepository) UpdateStatus(ctx context.Context, id int64, status models.StorylineStatus) (*models.Storyline, error) {
	return r.mutate(ctx, id, func(s *models.Storyline) { s.Status = status })
}

func (r *MemoryStorylineRepository) UpdateVisibility(ctx context.Context, id int64, visibility models.Visibility) (*models.Storyline, error) {
	return r.mutate(ctx, id, func(s *models.Storyline) { s.Visibility = visibility })
}

func (r *MemoryStorylineRepository) mutate(ctx context.Context, id int64, apply func(*models.Storyline)) (*models.Storyline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("storyline %d: %w", id, models.ErrStorylineNotFound)
	}
	apply(s)
	s.Updated = r.timestamp(s.Updated)
	return s.Clone(), nil
}

func (r *MemoryStorylineRepository) ListByUser(ctx context.Context, userID int64, opts models.ListOptions) ([]models.Storyline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]models.Storyline, 0)
	for _, s := range r.records {
		if s.UserID == userID {
			list = append(list, *s.Clone())
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if opts.Newest {
			if !list[i].Updated.Equal(list[j].Updated) {
				return list[i].Updated.After(list[j].Updated)
			}
			return list[i].ID > list[j].ID
		}
		return list[i].ID < list[j].ID
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(list) {
			return []models.Storyline{}, nil
		}
		list = list[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(list) {
		list = list[:opts.Limit]
	}
	return list, nil
}

// MemoryUserRepository - пользователи в памяти процесса.
type MemoryUserRepository struct {
	mu      sync.Mutex
	lastID  int64
	byID    map[int64]*models.User
	byEmail map[string]int64
}

var _ UserRepository = (*MemoryUserRepository)(nil)

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		byID:    make(map[int64]*models.User),
		byEmail: make(map[string]int64),
	}
}

func (r *MemoryUserRepository) UpsertByEmail(ctx context.Context, user *models.User) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if id, ok := r.byEmail[user.Email]; ok {
		existing := r.byID[id]
		existing.Username = user.Username
		existing.Picture = user.Picture
		existing.UpdatedAt = now
		saved := *existing
		return &saved, nil
	}

	r.lastID++
	saved := &models.User{
		ID:        r.lastID,
		Email:     user.Email,
		Username:  user.Username,
		Picture:   user.Picture,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.byID[saved.ID] = saved
	r.byEmail[saved.Email] = saved.ID
	out := *saved
	return &out, nil
}

func (r *MemoryUserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, models.ErrUserNotFound)
	}
	out := *u
	return &out, nil
}
