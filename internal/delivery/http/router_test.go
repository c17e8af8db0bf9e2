package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"storyline-server/internal/auth"
	"storyline-server/internal/models"
	"storyline-server/internal/protocol"
	"storyline-server/internal/repository"
	"storyline-server/internal/service"
)

type fakeProvider struct {
	profiles map[string]*service.OAuthProfile
}

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://accounts.example.com/o/oauth2/auth?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (*service.OAuthProfile, error) {
	profile, ok := p.profiles[code]
	if !ok {
		return nil, models.ErrUnauthorized
	}
	return profile, nil
}

type RouterSuite struct {
	suite.Suite
	router *gin.Engine
	users  *repository.MemoryUserRepository
	tokens *auth.TokenManager
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	logger := zap.NewNop()
	s.users = repository.NewMemoryUserRepository()
	s.tokens = auth.NewTokenManager("test-secret", time.Minute, time.Hour, repository.NewMemoryTokenRepository(), logger)

	provider := &fakeProvider{profiles: map[string]*service.OAuthProfile{
		"alice-code": {Email: "alice@example.com", Name: "Alice", Verified: true},
	}}
	authSvc := service.NewAuthService(s.users, s.tokens, provider, logger)
	storylines := service.NewStorylineService(repository.NewMemoryStorylineRepository(), nil, nil,
		service.StorylineConfig{MaxSteps: 20, DefaultSteps: 8, ListLimit: 12}, logger)

	h := NewHandler(storylines, authSvc, Config{
		CookieName:  "access_token",
		FrontendURL: "http://localhost:5173/",
		ListLimit:   12,
	}, logger)
	s.router = NewRouter(h, nil, logger)
}

// login заводит пользователя и возвращает его access-токен.
func (s *RouterSuite) login(email string) (int64, string) {
	user, err := s.users.UpsertByEmail(context.Background(), &models.User{Email: email, Username: email})
	s.Require().NoError(err)
	td, err := s.tokens.Issue(context.Background(), user.ID)
	s.Require().NoError(err)
	return user.ID, td.AccessToken
}

func (s *RouterSuite) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *RouterSuite) decode(rec *httptest.ResponseRecorder, v any) {
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (s *RouterSuite) errorCode(rec *httptest.ResponseRecorder) protocol.ErrorCode {
	var resp ErrorResponse
	s.decode(rec, &resp)
	return resp.Code
}

func (s *RouterSuite) TestHealthAndReadiness() {
	s.Equal(http.StatusOK, s.do(http.MethodGet, "/health", "", nil).Code)
	s.Equal(http.StatusServiceUnavailable, s.do(http.MethodGet, "/ready", "", nil).Code)
}

func (s *RouterSuite) TestAPIRequiresToken() {
	rec := s.do(http.MethodGet, "/api/storylines", "", nil)
	s.Equal(http.StatusUnauthorized, rec.Code)
	s.Equal(protocol.CodeUnauthorized, s.errorCode(rec))

	rec = s.do(http.MethodGet, "/api/storylines", "garbage", nil)
	s.Equal(http.StatusUnauthorized, rec.Code)
}

func (s *RouterSuite) TestStorylineLifecycle() {
	_, token := s.login("alice@example.com")

	rec := s.do(http.MethodPost, "/api/storylines", token, gin.H{"title": "Dragon", "totalSteps": 3})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	var created models.Storyline
	s.decode(rec, &created)
	s.Positive(created.ID)
	s.Empty(created.Steps)
	path := "/api/storylines/" + strconv.FormatInt(created.ID, 10)

	rec = s.do(http.MethodGet, "/api/storylines", token, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var list []models.Storyline
	s.decode(rec, &list)
	s.Len(list, 1)

	edit := created
	edit.Steps = []models.Step{{Description: "A cave.", Choice: models.Choice{Text: "Enter", Synopsis: "Darkness"}}}
	rec = s.do(http.MethodPut, path, token, edit)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var updated models.Storyline
	s.decode(rec, &updated)
	s.Len(updated.Steps, 1)
	s.True(updated.Updated.After(created.Updated))

	rec = s.do(http.MethodPatch, path+"/status", token, gin.H{"status": "completed"})
	s.Require().Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodPatch, path+"/visibility", token, gin.H{"visibility": "hidden"})
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal(protocol.CodeValidationFailed, s.errorCode(rec))

	rec = s.do(http.MethodGet, path, token, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var got models.Storyline
	s.decode(rec, &got)
	s.Equal(models.StatusCompleted, got.Status)
}

func (s *RouterSuite) TestOwnershipAndErrors() {
	_, alice := s.login("alice@example.com")
	_, bob := s.login("bob@example.com")

	rec := s.do(http.MethodPost, "/api/storylines", alice, gin.H{"title": "Secret"})
	s.Require().Equal(http.StatusCreated, rec.Code)
	var st models.Storyline
	s.decode(rec, &st)
	path := "/api/storylines/" + strconv.FormatInt(st.ID, 10)

	s.Equal(http.StatusOK, s.do(http.MethodPatch, path+"/visibility", alice, gin.H{"visibility": "private"}).Code)
	rec = s.do(http.MethodGet, path, bob, nil)
	s.Equal(http.StatusForbidden, rec.Code)
	s.Equal(protocol.CodeForbidden, s.errorCode(rec))

	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/api/storylines/999", alice, nil).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/api/storylines/abc", alice, nil).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/api/storylines", alice, gin.H{"title": ""}).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/api/storylines?order=random", alice, nil).Code)

	rec = s.do(http.MethodPost, path+"/generate", alice, nil)
	s.Equal(http.StatusServiceUnavailable, rec.Code)
	s.Equal(protocol.CodeServiceUnavailable, s.errorCode(rec))
}

func (s *RouterSuite) TestCookieAuthentication() {
	_, token := s.login("alice@example.com")

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: token})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	s.Require().Equal(http.StatusOK, rec.Code)
	var me models.User
	s.decode(rec, &me)
	s.Equal("alice@example.com", me.Email)
}

func (s *RouterSuite) TestGoogleLoginFlow() {
	rec := s.do(http.MethodGet, "/auth/google", "", nil)
	s.Require().Equal(http.StatusTemporaryRedirect, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	s.Require().NoError(err)
	state := location.Query().Get("state")
	s.NotEmpty(state)

	var stateCookieValue *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == stateCookie {
			stateCookieValue = c
		}
	}
	s.Require().NotNil(stateCookieValue)

	callback := func(state, code string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?state="+state+"&code="+code, nil)
		req.AddCookie(stateCookieValue)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		return rec
	}

	s.Equal(http.StatusUnauthorized, callback("forged", "alice-code").Code)
	s.Equal(http.StatusUnauthorized, callback(state, "unknown-code").Code)

	rec = callback(state, "alice-code")
	s.Require().Equal(http.StatusFound, rec.Code, rec.Body.String())
	s.Equal("http://localhost:5173/", rec.Header().Get("Location"))

	cookies := map[string]string{}
	for _, c := range rec.Result().Cookies() {
		cookies[c.Name] = c.Value
	}
	s.NotEmpty(cookies["access_token"])
	s.NotEmpty(cookies[refreshCookie])

	s.Equal(http.StatusOK, s.do(http.MethodGet, "/api/me", cookies["access_token"], nil).Code)
}

func (s *RouterSuite) TestRefreshAndLogout() {
	userID, _ := s.login("alice@example.com")
	td, err := s.tokens.Issue(context.Background(), userID)
	s.Require().NoError(err)

	rec := s.do(http.MethodPost, "/auth/refresh", "", gin.H{"refresh_token": td.RefreshToken})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var next models.TokenDetails
	s.decode(rec, &next)
	s.NotEmpty(next.AccessToken)

	s.Equal(http.StatusUnauthorized, s.do(http.MethodPost, "/auth/refresh", "", gin.H{"refresh_token": td.RefreshToken}).Code,
		"refresh token is single use")
	s.Equal(http.StatusUnauthorized, s.do(http.MethodPost, "/auth/refresh", "", nil).Code)

	rec = s.do(http.MethodPost, "/auth/logout", next.AccessToken, gin.H{"refresh_token": next.RefreshToken})
	s.Equal(http.StatusNoContent, rec.Code)
	s.Equal(http.StatusUnauthorized, s.do(http.MethodGet, "/api/me", next.AccessToken, nil).Code)
	s.Equal(http.StatusUnauthorized, s.do(http.MethodPost, "/auth/refresh", "", gin.H{"refresh_token": next.RefreshToken}).Code)
}
