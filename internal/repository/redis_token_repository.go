package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"storyline-server/internal/models"
)

var _ TokenRepository = (*redisTokenRepository)(nil)

type redisTokenRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisTokenRepository - allow-list токенов в Redis.
// Для каждой пары хранятся ключи access_uuid:<id> и refresh_uuid:<id> с TTL,
// а идентификаторы добавляются в множество user_tokens:<userID>.
func NewRedisTokenRepository(client *redis.Client, logger *zap.Logger) TokenRepository {
	return &redisTokenRepository{
		client: client,
		logger: logger.Named("RedisTokenRepo"),
	}
}

func accessKey(id string) string { return "access_uuid:" + id }
func refreshKey(id string) string { return "refresh_uuid:" + id }
func userTokensKey(userID int64) string { return fmt.Sprintf("user_tokens:%d", userID) }

func (r *redisTokenRepository) SetToken(ctx context.Context, userID int64, td *models.TokenDetails) error {
	now := time.Now()
	accessTTL := time.Unix(td.AtExpires, 0).Sub(now)
	refreshTTL := time.Unix(td.RtExpires, 0).Sub(now)
	if accessTTL <= 0 || refreshTTL <= 0 {
		return fmt.Errorf("token pair for user %d is already expired", userID)
	}
	value := strconv.FormatInt(userID, 10)

	pipe := r.client.Pipeline()
	pipe.Set(ctx, accessKey(td.AccessUUID), value, accessTTL)
	pipe.Set(ctx, refreshKey(td.RefreshUUID), value, refreshTTL)
	pipe.SAdd(ctx, userTokensKey(userID), "access:"+td.AccessUUID, "refresh:"+td.RefreshUUID)

	r.logger.Debug("Setting tokens in Redis",
		zap.Int64("userID", userID),
		zap.String("accessUUID", td.AccessUUID),
		zap.String("refreshUUID", td.RefreshUUID),
		zap.Duration("accessTTL", accessTTL),
		zap.Duration("refreshTTL", refreshTTL),
	)

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("Failed to set token details in redis", zap.Error(err), zap.Int64("userID", userID))
		return fmt.Errorf("failed to set token details in redis: %w", err)
	}
	return nil
}

func (r *redisTokenRepository) DeleteTokens(ctx context.Context, userID int64, accessUUID, refreshUUID string) (int64, error) {
	var keys []string
	var members []any
	if accessUUID != "" {
		keys = append(keys, accessKey(accessUUID))
		members = append(members, "access:"+accessUUID)
	}
	if refreshUUID != "" {
		keys = append(keys, refreshKey(refreshUUID))
		members = append(members, "refresh:"+refreshUUID)
	}
	if len(keys) == 0 {
		r.logger.Warn("DeleteTokens called with no UUIDs", zap.Int64("userID", userID))
		return 0, nil
	}

	pipe := r.client.Pipeline()
	delCmd := pipe.Del(ctx, keys...)
	pipe.SRem(ctx, userTokensKey(userID), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("Failed to delete tokens", zap.Error(err), zap.Int64("userID", userID))
		return 0, fmt.Errorf("failed to delete tokens: %w", err)
	}
	deleted, _ := delCmd.Result()
	r.logger.Info("Tokens deleted from Redis", zap.Int64("userID", userID), zap.Int64("deletedCount", deleted))
	return deleted, nil
}

func (r *redisTokenRepository) GetUserIDByAccessUUID(ctx context.Context, accessUUID string) (int64, error) {
	return r.lookup(ctx, accessKey(accessUUID))
}

func (r *redisTokenRepository) GetUserIDByRefreshUUID(ctx context.Context, refreshUUID string) (int64, error) {
	return r.lookup(ctx, refreshKey(refreshUUID))
}

func (r *redisTokenRepository) lookup(ctx context.Context, key string) (int64, error) {
	r.logger.Debug("Getting token from Redis", zap.String("key", key))
	raw, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, models.ErrTokenRevoked
		}
		r.logger.Error("Failed to get token from redis", zap.Error(err), zap.String("key", key))
		return 0, fmt.Errorf("failed to get token from redis: %w", err)
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupted user id %q under %s: %w", raw, key, err)
	}
	return userID, nil
}

// MemoryTokenRepository - allow-list в памяти процесса, когда Redis не настроен.
type MemoryTokenRepository struct {
	mu      sync.Mutex
	entries map[string]memoryToken
	now     func() time.Time
}

type memoryToken struct {
	userID  int64
	expires time.Time
}

var _ TokenRepository = (*MemoryTokenRepository)(nil)

func NewMemoryTokenRepository() *MemoryTokenRepository {
	return &MemoryTokenRepository{entries: make(map[string]memoryToken), now: time.Now}
}

func (r *MemoryTokenRepository) SetToken(_ context.Context, userID int64, td *models.TokenDetails) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[accessKey(td.AccessUUID)] = memoryToken{userID: userID, expires: time.Unix(td.AtExpires, 0)}
	r.entries[refreshKey(td.RefreshUUID)] = memoryToken{userID: userID, expires: time.Unix(td.RtExpires, 0)}
	return nil
}

func (r *MemoryTokenRepository) DeleteTokens(_ context.Context, _ int64, accessUUID, refreshUUID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for _, key := range []string{accessKey(accessUUID), refreshKey(refreshUUID)} {
		if _, ok := r.entries[key]; ok {
			delete(r.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

func (r *MemoryTokenRepository) GetUserIDByAccessUUID(_ context.Context, accessUUID string) (int64, error) {
	return r.lookup(accessKey(accessUUID))
}

func (r *MemoryTokenRepository) GetUserIDByRefreshUUID(_ context.Context, refreshUUID string) (int64, error) {
	return r.lookup(refreshKey(refreshUUID))
}

func (r *MemoryTokenRepository) lookup(key string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return 0, models.ErrTokenRevoked
	}
	if !r.now().Before(entry.expires) {
		delete(r.entries, key)
		return 0, models.ErrTokenRevoked
	}
	return entry.userID, nil
}
