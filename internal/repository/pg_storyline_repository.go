package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"storyline-server/internal/models"
)

const storylineColumns = `id, user_id, title, status, visibility, total_steps, steps, created_at, updated_at`

const (
	createStorylineQuery = `
INSERT INTO storylines (user_id, title, status, visibility, total_steps, steps)
VALUES ($1, $2, $3, $4, $5, '[]'::jsonb)
RETURNING ` + storylineColumns

	getStorylineByIDQuery = `SELECT ` + storylineColumns + ` FROM storylines WHERE id = $1`

	// updated_at растет даже если now() транзакции совпал с прошлым значением.
	updateStorylineQuery = `
UPDATE storylines
SET title = $2, status = $3, visibility = $4, total_steps = $5, steps = $6,
    updated_at = GREATEST(now(), updated_at + interval '1 microsecond')
WHERE id = $1
RETURNING ` + storylineColumns

	updateStorylineStatusQuery = `
UPDATE storylines
SET status = $2, updated_at = GREATEST(now(), updated_at + interval '1 microsecond')
WHERE id = $1
RETURNING ` + storylineColumns

	updateStorylineVisibilityQuery = `
UPDATE storylines
SET visibility = $2, updated_at = GREATEST(now(), updated_at + interval '1 microsecond')
WHERE id = $1
RETURNING ` + storylineColumns

	listStorylinesByIDQuery = `SELECT ` + storylineColumns + `
FROM storylines WHERE user_id = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`

	listStorylinesNewestQuery = `SELECT ` + storylineColumns + `
FROM storylines WHERE user_id = $1 ORDER BY updated_at DESC, id DESC LIMIT $2 OFFSET $3`
)

var _ StorylineRepository = (*pgStorylineRepository)(nil)

type pgStorylineRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewPgStorylineRepository создает хранилище историй поверх PostgreSQL.
func NewPgStorylineRepository(db DBTX, logger *zap.Logger) StorylineRepository {
	return &pgStorylineRepository{
		db:     db,
		logger: logger.Named("PgStorylineRepo"),
	}
}

func (r *pgStorylineRepository) Create(ctx context.Context, intent models.CreateStorylineIntent) (*models.Storyline, error) {
	log := r.logger.With(zap.Int64("userID", intent.UserID), zap.String("title", intent.Title))
	log.Debug("Executing query", zap.String("query", "createStoryline"))

	var s models.Storyline
	err := pgxscan.Get(ctx, r.db, &s, createStorylineQuery,
		intent.UserID, intent.Title, models.StatusOngoing, models.VisibilityPublic, intent.TotalSteps)
	if err != nil {
		if isForeignKeyViolation(err) {
			log.Warn("Attempted to create storyline for unknown user")
			return nil, fmt.Errorf("user %d: %w", intent.UserID, models.ErrUserNotFound)
		}
		log.Error("Failed to create storyline", zap.Error(err))
		return nil, fmt.Errorf("failed to create storyline: %w", err)
	}
	s.Normalize()
	log.Info("Storyline created", zap.Int64("storylineID", s.ID))
	return &s, nil
}

func (r *pgStorylineRepository) GetByID(ctx context.Context, id int64) (*models.Storyline, error) {
	r.logger.Debug("Executing query", zap.String("query", "getStorylineByID"), zap.Int64("storylineID", id))

	var s models.Storyline
	if err := pgxscan.Get(ctx, r.db, &s, getStorylineByIDQuery, id); err != nil {
		return nil, r.notFoundOr(err, id, "get")
	}
	s.Normalize()
	return &s, nil
}

func (r *pgStorylineRepository) Update(ctx context.Context, s *models.Storyline) (*models.Storyline, error) {
	steps := s.Steps
	if steps == nil {
		steps = []models.Step{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal steps for storyline %d: %w", s.ID, err)
	}

	r.logger.Debug("Executing query", zap.String("query", "updateStoryline"),
		zap.Int64("storylineID", s.ID), zap.Int("steps", len(steps)))

	var updated models.Storyline
	err = pgxscan.Get(ctx, r.db, &updated, updateStorylineQuery,
		s.ID, s.Title, s.Status, s.Visibility, s.TotalSteps, stepsJSON)
	if err != nil {
		return nil, r.notFoundOr(err, s.ID, "update")
	}
	updated.Normalize()
	return &updated, nil
}

func (r *pgStorylineRepository) UpdateStatus(ctx context.Context, id int64, status models.StorylineStatus) (*models.Storyline, error) {
	r.logger.Debug("Executing query", zap.String("query", "updateStorylineStatus"),
		zap.Int64("storylineID", id), zap.String("status", string(status)))

	var s models.Storyline
	if err := pgxscan.Get(ctx, r.db, &s, updateStorylineStatusQuery, id, status); err != nil {
		return nil, r.notFoundOr(err, id, "update status")
	}
	s.Normalize()
	return &s, nil
}

func (r *pgStorylineRepository) UpdateVisibility(ctx context.Context, id int64, visibility models.Visibility) (*models.Storyline, error) {
	r.logger.Debug("Executing query", zap.String("query", "updateStorylineVisibility"),
		zap.Int64("storylineID", id), zap.String("visibility", string(visibility)))

	var s models.Storyline
	if err := pgxscan.Get(ctx, r.db, &s, updateStorylineVisibilityQuery, id, visibility); err != nil {
		return nil, r.notFoundOr(err, id, "update visibility")
	}
	s.Normalize()
	return &s, nil
}

func (r *pgStorylineRepository) ListByUser(ctx context.Context, userID int64, opts models.ListOptions) ([]models.Storyline, error) {
	query := listStorylinesByIDQuery
	if opts.Newest {
		query = listStorylinesNewestQuery
	}
	// NULL в LIMIT означает "без ограничения".
	var limit any
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	r.logger.Debug("Executing query", zap.String("query", "listStorylinesByUser"),
		zap.Int64("userID", userID), zap.Int("limit", opts.Limit), zap.Int("offset", offset))

	list := make([]models.Storyline, 0)
	if err := pgxscan.Select(ctx, r.db, &list, query, userID, limit, offset); err != nil {
		r.logger.Error("Failed to list storylines", zap.Error(err), zap.Int64("userID", userID))
		return nil, fmt.Errorf("failed to list storylines for user %d: %w", userID, err)
	}
	for i := range list {
		list[i].Normalize()
	}
	return list, nil
}

func (r *pgStorylineRepository) notFoundOr(err error, id int64, op string) error {
	if errors.Is(err, pgx.ErrNoRows) || pgxscan.NotFound(err) {
		r.logger.Debug("Storyline not found", zap.Int64("storylineID", id), zap.String("op", op))
		return fmt.Errorf("storyline %d: %w", id, models.ErrStorylineNotFound)
	}
	r.logger.Error("Storyline query failed", zap.Error(err), zap.Int64("storylineID", id), zap.String("op", op))
	return fmt.Errorf("failed to %s storyline %d: %w", op, id, err)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
