package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"storyline-server/internal/models"
	"storyline-server/internal/repository"
)

const issuer = "storyline-server"

// TokenType различает access и refresh токены одной пары.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims - содержимое JWT. ID (jti) совпадает с AccessUUID/RefreshUUID из allow-list.
type Claims struct {
	UserID    int64     `json:"user_id"`
	TokenType TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenManager выпускает и проверяет пары токенов.
// Токен действителен, только пока его jti есть в TokenRepository.
type TokenManager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	tokens     repository.TokenRepository
	logger     *zap.Logger
	now        func() time.Time
}

func NewTokenManager(secret string, accessTTL, refreshTTL time.Duration, tokens repository.TokenRepository, logger *zap.Logger) *TokenManager {
	return &TokenManager{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		tokens:     tokens,
		logger:     logger.Named("TokenManager"),
		now:        time.Now,
	}
}

// Issue создает новую пару токенов и регистрирует ее в allow-list.
func (m *TokenManager) Issue(ctx context.Context, userID int64) (*models.TokenDetails, error) {
	now := m.now()
	td := &models.TokenDetails{
		AccessUUID:  uuid.New().String(),
		RefreshUUID: uuid.New().String(),
		AtExpires:   now.Add(m.accessTTL).Unix(),
		RtExpires:   now.Add(m.refreshTTL).Unix(),
	}

	var err error
	td.AccessToken, err = m.sign(userID, TokenTypeAccess, td.AccessUUID, now, time.Unix(td.AtExpires, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	td.RefreshToken, err = m.sign(userID, TokenTypeRefresh, td.RefreshUUID, now, time.Unix(td.RtExpires, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	if err := m.tokens.SetToken(ctx, userID, td); err != nil {
		return nil, fmt.Errorf("failed to store token pair: %w", err)
	}
	m.logger.Debug("Token pair issued", zap.Int64("userID", userID), zap.String("accessUUID", td.AccessUUID))
	return td, nil
}

func (m *TokenManager) sign(userID int64, typ TokenType, jti string, issuedAt, expires time.Time) (string, error) {
	claims := &Claims{
		UserID:    userID,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// VerifyAccess проверяет access-токен: подпись, срок, тип и наличие в allow-list.
func (m *TokenManager) VerifyAccess(ctx context.Context, token string) (*Claims, error) {
	return m.verify(ctx, token, TokenTypeAccess)
}

// VerifyRefresh - то же для refresh-токена.
func (m *TokenManager) VerifyRefresh(ctx context.Context, token string) (*Claims, error) {
	return m.verify(ctx, token, TokenTypeRefresh)
}

func (m *TokenManager) verify(ctx context.Context, tokenString string, want TokenType) (*Claims, error) {
	if tokenString == "" {
		return nil, models.ErrUnauthorized
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithIssuer(issuer))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, models.ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, models.ErrTokenMalformed
		default:
			m.logger.Debug("Failed to parse token", zap.Error(err))
			return nil, models.ErrTokenInvalid
		}
	}
	if !token.Valid || claims.TokenType != want || claims.ID == "" {
		return nil, models.ErrTokenInvalid
	}

	lookup := m.tokens.GetUserIDByAccessUUID
	if want == TokenTypeRefresh {
		lookup = m.tokens.GetUserIDByRefreshUUID
	}
	userID, err := lookup(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, models.ErrTokenRevoked) {
			return nil, models.ErrTokenRevoked
		}
		m.logger.Error("Failed to check token allow-list", zap.Error(err), zap.String("jti", claims.ID))
		return nil, fmt.Errorf("failed to check token: %w", err)
	}
	if userID != claims.UserID {
		m.logger.Warn("Token user mismatch", zap.Int64("tokenUserID", claims.UserID), zap.Int64("storedUserID", userID))
		return nil, models.ErrTokenInvalid
	}
	return claims, nil
}

// Refresh обменивает действующий refresh-токен на новую пару; старая пара отзывается.
func (m *TokenManager) Refresh(ctx context.Context, refreshToken string) (*models.TokenDetails, error) {
	claims, err := m.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	td, err := m.Issue(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if _, err := m.tokens.DeleteTokens(ctx, claims.UserID, "", claims.ID); err != nil {
		m.logger.Error("Non-critical: failed to revoke old refresh token", zap.Error(err), zap.String("refreshUUID", claims.ID))
	}
	return td, nil
}

// Revoke удаляет токены из allow-list. Уже удаленные токены не считаются ошибкой.
func (m *TokenManager) Revoke(ctx context.Context, userID int64, accessUUID, refreshUUID string) error {
	deleted, err := m.tokens.DeleteTokens(ctx, userID, accessUUID, refreshUUID)
	if err != nil {
		return fmt.Errorf("failed to revoke tokens: %w", err)
	}
	m.logger.Info("Tokens revoked", zap.Int64("userID", userID), zap.Int64("deleted", deleted))
	return nil
}
