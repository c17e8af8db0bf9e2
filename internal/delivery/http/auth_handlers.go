package http

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"storyline-server/internal/models"
)

const (
	stateCookie   = "oauth_state"
	refreshCookie = "refresh_token"
	stateTTL      = 10 * time.Minute
)

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// googleLogin перенаправляет на страницу согласия Google; state хранится в cookie.
func (h *Handler) googleLogin(c *gin.Context) {
	state := uuid.NewString()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(stateCookie, state, int(stateTTL.Seconds()), "/auth", "", h.cfg.CookieSecure, true)
	c.Redirect(http.StatusTemporaryRedirect, h.auth.LoginURL(state))
}

func (h *Handler) googleCallback(c *gin.Context) {
	expected, err := c.Cookie(stateCookie)
	state := c.Query("state")
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(state)) != 1 {
		h.logger.Warn("OAuth state mismatch", zap.String("ip", c.ClientIP()))
		handleServiceError(c, models.ErrUnauthorized)
		return
	}
	c.SetCookie(stateCookie, "", -1, "/auth", "", h.cfg.CookieSecure, true)

	user, td, err := h.auth.CompleteLogin(c.Request.Context(), c.Query("code"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	h.setTokenCookies(c, td)
	h.logger.Info("Google login completed", zap.Int64("userID", user.ID))
	c.Redirect(http.StatusFound, h.cfg.FrontendURL)
}

func (h *Handler) refresh(c *gin.Context) {
	var req refreshRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
	}
	if req.RefreshToken == "" {
		req.RefreshToken, _ = c.Cookie(refreshCookie)
	}
	if req.RefreshToken == "" {
		handleServiceError(c, models.ErrUnauthorized)
		return
	}

	td, err := h.auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	h.setTokenCookies(c, td)
	c.JSON(http.StatusOK, td)
}

func (h *Handler) logout(c *gin.Context) {
	var req logoutRequest
	if c.Request.ContentLength > 0 {
		_ = c.ShouldBindJSON(&req)
	}
	if req.RefreshToken == "" {
		req.RefreshToken, _ = c.Cookie(refreshCookie)
	}

	if err := h.auth.Logout(c.Request.Context(), claimsFrom(c), req.RefreshToken); err != nil {
		handleServiceError(c, err)
		return
	}
	c.SetCookie(h.cfg.CookieName, "", -1, "/", "", h.cfg.CookieSecure, true)
	c.SetCookie(refreshCookie, "", -1, "/auth", "", h.cfg.CookieSecure, true)
	c.Status(http.StatusNoContent)
}

func (h *Handler) getMe(c *gin.Context) {
	user, err := h.auth.Me(c.Request.Context(), claimsFrom(c).UserID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) setTokenCookies(c *gin.Context, td *models.TokenDetails) {
	now := time.Now().Unix()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cfg.CookieName, td.AccessToken, int(td.AtExpires-now), "/", "", h.cfg.CookieSecure, true)
	c.SetCookie(refreshCookie, td.RefreshToken, int(td.RtExpires-now), "/auth", "", h.cfg.CookieSecure, true)
}
