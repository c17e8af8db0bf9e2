// Package http - REST API сервера историй на gin: вход через Google,
// токены, CRUD историй, /ws и служебные эндпоинты.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"

	"storyline-server/internal/auth"
	"storyline-server/internal/models"
)

// StorylineService - операции над историями для REST API.
type StorylineService interface {
	List(ctx context.Context, userID int64, opts models.ListOptions) ([]models.Storyline, error)
	Create(ctx context.Context, intent models.CreateStorylineIntent) (*models.Storyline, error)
	Get(ctx context.Context, principal, id int64) (*models.Storyline, error)
	Update(ctx context.Context, principal int64, in *models.Storyline) (*models.Storyline, error)
	SetStatus(ctx context.Context, principal, id int64, status models.StorylineStatus) (*models.Storyline, error)
	SetVisibility(ctx context.Context, principal, id int64, visibility models.Visibility) (*models.Storyline, error)
	GenerateNextStep(ctx context.Context, principal, id int64) (*models.Continuation, error)
	IsGenerationReady() bool
}

// AuthService - вход, проверка и отзыв токенов.
type AuthService interface {
	LoginURL(state string) string
	CompleteLogin(ctx context.Context, code string) (*models.User, *models.TokenDetails, error)
	Authenticate(ctx context.Context, accessToken string) (*auth.Claims, error)
	Refresh(ctx context.Context, refreshToken string) (*models.TokenDetails, error)
	Logout(ctx context.Context, claims *auth.Claims, refreshToken string) error
	Me(ctx context.Context, userID int64) (*models.User, error)
}

type Config struct {
	Env            string
	CookieName     string
	CookieSecure   bool
	FrontendURL    string
	AllowedOrigins []string
	// ListLimit - размер страницы по умолчанию для GET /api/storylines.
	ListLimit int
	// Metrics включает /metrics и метрики запросов gin.
	Metrics bool
}

type Handler struct {
	storylines StorylineService
	auth       AuthService
	cfg        Config
	logger     *zap.Logger
}

func NewHandler(storylines StorylineService, authService AuthService, cfg Config, logger *zap.Logger) *Handler {
	if cfg.CookieName == "" {
		cfg.CookieName = "access_token"
	}
	return &Handler{
		storylines: storylines,
		auth:       authService,
		cfg:        cfg,
		logger:     logger.Named("HTTPHandler"),
	}
}

// NewRouter собирает gin.Engine со всеми middleware и маршрутами.
// ws обслуживает GET /ws.
func NewRouter(h *Handler, ws http.Handler, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if h.cfg.Env == "development" {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.RedirectTrailingSlash = true
	router.Use(ZapLogger(logger))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(h.cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = h.cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Middleware метрик должно стоять до регистрации маршрутов.
	if h.cfg.Metrics {
		p := ginprometheus.NewPrometheus("gin")
		p.Use(router)
	}

	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", health)
	router.HEAD("/health", health)
	router.GET("/ready", h.ready)

	if ws != nil {
		router.GET("/ws", gin.WrapH(ws))
	}
	h.RegisterRoutes(router)

	return router
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	authGroup := router.Group("/auth")
	{
		authGroup.GET("/google", h.googleLogin)
		authGroup.GET("/google/callback", h.googleCallback)
		authGroup.POST("/refresh", h.refresh)
		authGroup.POST("/logout", h.AuthMiddleware(), h.logout)
	}

	api := router.Group("/api")
	api.Use(h.AuthMiddleware())
	{
		api.GET("/me", h.getMe)

		api.GET("/storylines", h.listStorylines)
		api.POST("/storylines", h.createStoryline)
		api.GET("/storylines/:id", h.getStoryline)
		api.PUT("/storylines/:id", h.updateStoryline)
		api.PATCH("/storylines/:id/status", h.setStatus)
		api.PATCH("/storylines/:id/visibility", h.setVisibility)
		api.POST("/storylines/:id/generate", h.generateStep)
	}
}

// ready отвечает 200, только когда модель загружена.
func (h *Handler) ready(c *gin.Context) {
	if !h.storylines.IsGenerationReady() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "model_not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
