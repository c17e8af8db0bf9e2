package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"storyline-server/internal/models"
)

const (
	upsertUserQuery = `
INSERT INTO users (email, username, picture)
VALUES ($1, $2, $3)
ON CONFLICT (email) DO UPDATE
SET username = EXCLUDED.username, picture = EXCLUDED.picture, updated_at = now()
RETURNING id, email, username, picture, created_at, updated_at`

	getUserByIDQuery = `SELECT id, email, username, picture, created_at, updated_at FROM users WHERE id = $1`
)

var _ UserRepository = (*pgUserRepository)(nil)

type pgUserRepository struct {
	db     DBTX
	logger *zap.Logger
}

func NewPgUserRepository(db DBTX, logger *zap.Logger) UserRepository {
	return &pgUserRepository{
		db:     db,
		logger: logger.Named("PgUserRepo"),
	}
}

func (r *pgUserRepository) UpsertByEmail(ctx context.Context, user *models.User) (*models.User, error) {
	r.logger.Debug("Executing query", zap.String("query", "upsertUser"), zap.String("email", user.Email))

	var saved models.User
	if err := pgxscan.Get(ctx, r.db, &saved, upsertUserQuery, user.Email, user.Username, user.Picture); err != nil {
		r.logger.Error("Failed to upsert user", zap.Error(err), zap.String("email", user.Email))
		return nil, fmt.Errorf("failed to upsert user %s: %w", user.Email, err)
	}
	return &saved, nil
}

func (r *pgUserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	r.logger.Debug("Executing query", zap.String("query", "getUserByID"), zap.Int64("userID", id))

	var user models.User
	if err := pgxscan.Get(ctx, r.db, &user, getUserByIDQuery, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || pgxscan.NotFound(err) {
			return nil, fmt.Errorf("user %d: %w", id, models.ErrUserNotFound)
		}
		r.logger.Error("Failed to get user by id", zap.Error(err), zap.Int64("userID", id))
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return &user, nil
}
