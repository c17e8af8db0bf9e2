package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	googleoauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"storyline-server/internal/auth"
	"storyline-server/internal/models"
	"storyline-server/internal/repository"
)

// OAuthProfile - данные пользователя от OAuth провайдера.
type OAuthProfile struct {
	Email    string
	Name     string
	Picture  string
	Verified bool
}

// OAuthProvider - внешний вход (Google).
type OAuthProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*OAuthProfile, error)
}

// GoogleProvider реализует OAuthProvider через Google OAuth 2.0.
type GoogleProvider struct {
	cfg *oauth2.Config
}

func NewGoogleProvider(clientID, clientSecret, redirectURL string) *GoogleProvider {
	return &GoogleProvider{cfg: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes: []string{
			googleoauth2.UserinfoEmailScope,
			googleoauth2.UserinfoProfileScope,
		},
		Endpoint: google.Endpoint,
	}}
}

func (g *GoogleProvider) AuthCodeURL(state string) string {
	return g.cfg.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange обменивает код на токен и запрашивает профиль пользователя.
func (g *GoogleProvider) Exchange(ctx context.Context, code string) (*OAuthProfile, error) {
	tok, err := g.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}
	svc, err := googleoauth2.NewService(ctx, option.WithTokenSource(g.cfg.TokenSource(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("failed to create google oauth2 service: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch google profile: %w", err)
	}
	return &OAuthProfile{
		Email:    info.Email,
		Name:     info.Name,
		Picture:  info.Picture,
		Verified: info.VerifiedEmail != nil && *info.VerifiedEmail,
	}, nil
}

// AuthService - вход через OAuth и жизненный цикл токенов.
type AuthService struct {
	users    repository.UserRepository
	tokens   *auth.TokenManager
	provider OAuthProvider
	logger   *zap.Logger
}

func NewAuthService(users repository.UserRepository, tokens *auth.TokenManager, provider OAuthProvider, logger *zap.Logger) *AuthService {
	return &AuthService{
		users:    users,
		tokens:   tokens,
		provider: provider,
		logger:   logger.Named("AuthService"),
	}
}

func (s *AuthService) LoginURL(state string) string {
	return s.provider.AuthCodeURL(state)
}

// CompleteLogin завершает OAuth вход: профиль -> пользователь -> пара токенов.
func (s *AuthService) CompleteLogin(ctx context.Context, code string) (*models.User, *models.TokenDetails, error) {
	if code == "" {
		return nil, nil, fmt.Errorf("%w: authorization code is missing", models.ErrUnauthorized)
	}
	profile, err := s.provider.Exchange(ctx, code)
	if err != nil {
		s.logger.Warn("OAuth exchange failed", zap.Error(err))
		return nil, nil, fmt.Errorf("%w: %w", models.ErrUnauthorized, err)
	}
	if profile.Email == "" || !profile.Verified {
		return nil, nil, fmt.Errorf("%w: google account has no verified email", models.ErrUnauthorized)
	}

	username := strings.TrimSpace(profile.Name)
	if username == "" {
		username = strings.SplitN(profile.Email, "@", 2)[0]
	}
	user, err := s.users.UpsertByEmail(ctx, &models.User{
		Email:    strings.ToLower(profile.Email),
		Username: username,
		Picture:  profile.Picture,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to save user: %w", err)
	}

	td, err := s.tokens.Issue(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("User logged in", zap.Int64("userID", user.ID))
	return user, td, nil
}

// Authenticate проверяет access-токен и возвращает его claims.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (*auth.Claims, error) {
	return s.tokens.VerifyAccess(ctx, accessToken)
}

func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*models.TokenDetails, error) {
	return s.tokens.Refresh(ctx, refreshToken)
}

// Logout отзывает текущий access-токен и, если передан, refresh-токен.
// Недействительный refresh-токен не мешает выходу.
func (s *AuthService) Logout(ctx context.Context, claims *auth.Claims, refreshToken string) error {
	refreshUUID := ""
	if refreshToken != "" {
		if rc, err := s.tokens.VerifyRefresh(ctx, refreshToken); err == nil && rc.UserID == claims.UserID {
			refreshUUID = rc.ID
		}
	}
	return s.tokens.Revoke(ctx, claims.UserID, claims.ID, refreshUUID)
}

func (s *AuthService) Me(ctx context.Context, userID int64) (*models.User, error) {
	return s.users.GetByID(ctx, userID)
}
