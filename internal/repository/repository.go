package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"storyline-server/internal/models"
)

// DBTX - общий интерфейс для *pgxpool.Pool, *pgx.Conn и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StorylineRepository - контракт хранилища историй.
// Конфликтующие записи не обнаруживаются: последняя запись побеждает.
type StorylineRepository interface {
	// Create сохраняет новую историю; id, created и updated назначает хранилище.
	Create(ctx context.Context, intent models.CreateStorylineIntent) (*models.Storyline, error)
	GetByID(ctx context.Context, id int64) (*models.Storyline, error)
	// Update перезаписывает изменяемые поля. id, userId и created не меняются,
	// updated строго растет.
	Update(ctx context.Context, s *models.Storyline) (*models.Storyline, error)
	ListByUser(ctx context.Context, userID int64, opts models.ListOptions) ([]models.Storyline, error)
	UpdateStatus(ctx context.Context, id int64, status models.StorylineStatus) (*models.Storyline, error)
	UpdateVisibility(ctx context.Context, id int64, visibility models.Visibility) (*models.Storyline, error)
}

// UserRepository хранит учетные записи, созданные через OAuth.
type UserRepository interface {
	// UpsertByEmail создает пользователя или обновляет имя и аватар существующего.
	UpsertByEmail(ctx context.Context, user *models.User) (*models.User, error)
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

// TokenRepository - allow-list выданных токенов.
type TokenRepository interface {
	SetToken(ctx context.Context, userID int64, td *models.TokenDetails) error
	DeleteTokens(ctx context.Context, userID int64, accessUUID, refreshUUID string) (int64, error)
	GetUserIDByAccessUUID(ctx context.Context, accessUUID string) (int64, error)
	GetUserIDByRefreshUUID(ctx context.Context, refreshUUID string) (int64, error)
}
