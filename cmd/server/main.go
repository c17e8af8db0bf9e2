package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storyline-server/internal/auth"
	"storyline-server/internal/config"
	"storyline-server/internal/database"
	deliveryhttp "storyline-server/internal/delivery/http"
	"storyline-server/internal/delivery/websocket"
	"storyline-server/internal/messaging"
	"storyline-server/internal/repository"
	"storyline-server/internal/service"
	"storyline-server/pkg/ai"
	pgdb "storyline-server/pkg/database"
	"storyline-server/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		log.Fatalf("Не удалось инициализировать логгер: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	zap.ReplaceGlobals(zapLogger)

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Fatal("Server stopped with error", zap.Error(err))
	}
	zapLogger.Info("Server stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	events, closeEvents, err := openPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeEvents()

	backend, err := ai.NewBackend(ai.BackendConfig{
		Type:    cfg.AI.ClientType,
		BaseURL: cfg.AI.BaseURL,
		Model:   cfg.AI.Model,
		APIKey:  cfg.AI.APIKey,
	})
	if err != nil {
		return fmt.Errorf("failed to create AI backend: %w", err)
	}
	aiClient := ai.NewClient(backend, ai.Config{
		MaxAttempts:       cfg.AI.MaxAttempts,
		RetryDelay:        cfg.AI.RetryDelay,
		Timeout:           cfg.AI.Timeout,
		Stream:            cfg.AI.Stream,
		MaxResponseBytes:  cfg.AI.MaxResponseBytes,
		EstimateTokens:    cfg.AI.EstimateTokens,
		Choices:           cfg.Choices,
		DefaultTotalSteps: cfg.DefaultSteps,
	}, logger)

	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, stores.tokens, logger)
	authService := service.NewAuthService(stores.users, tokens,
		service.NewGoogleProvider(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL), logger)
	storylines := service.NewStorylineService(stores.storylines, aiClient, events, service.StorylineConfig{
		MaxSteps:     cfg.MaxSteps,
		DefaultSteps: cfg.DefaultSteps,
		ListLimit:    cfg.ListLimit,
	}, logger)

	registry := websocket.NewRegistry(logger)
	wsHandler := websocket.NewHandler(authService, storylines, registry, websocket.Config{
		InitialSync:    cfg.WS.InitialSync,
		RateLimit:      cfg.WS.RateLimit,
		RateBurst:      cfg.WS.RateBurst,
		MaxMessageSize: cfg.WS.MaxMessageSize,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger)

	httpHandler := deliveryhttp.NewHandler(storylines, authService, deliveryhttp.Config{
		Env:            cfg.Env,
		CookieName:     cfg.CookieName,
		CookieSecure:   cfg.CookieSecure,
		FrontendURL:    cfg.FrontendURL,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		ListLimit:      cfg.ListLimit,
		Metrics:        true,
	}, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      deliveryhttp.NewRouter(httpHandler, wsHandler, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if !cfg.AI.PullOnStart {
			aiClient.MarkReady()
			return nil
		}
		// Ошибка загрузки модели не останавливает сервер: /ready и generate
		// продолжают отвечать service_unavailable.
		if err := aiClient.Initialize(gctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Model initialization failed, generation stays disabled", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Сначала закрываем сессии кодом 1001, затем HTTP сервер.
		if err := registry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("WebSocket sessions did not close in time", zap.Error(err))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// stores - выбранные по конфигурации хранилища.
type stores struct {
	storylines repository.StorylineRepository
	users      repository.UserRepository
	tokens     repository.TokenRepository

	pool  *pgxpool.Pool
	redis *redis.Client
}

func (s *stores) Close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	s := &stores{}

	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("Using in-memory storyline store, data is lost on restart")
		users := repository.NewMemoryUserRepository()
		s.users = users
		s.storylines = repository.NewMemoryStorylineRepository().WithUsers(users)
	default:
		pool, err := pgdb.Connect(ctx, pgdb.Config{
			DSN:         cfg.GetDSN(),
			MaxConns:    cfg.DBMaxConns,
			IdleTimeout: cfg.DBIdleTimeout,
			Attempts:    cfg.DBConnectAttempts,
		}, logger)
		if err != nil {
			return nil, err
		}
		s.pool = pool
		if err := database.ApplyMigrations(cfg.GetDSN(), logger); err != nil {
			s.Close()
			return nil, err
		}
		s.storylines = repository.NewPgStorylineRepository(pool, logger)
		s.users = repository.NewPgUserRepository(pool, logger)
	}

	if cfg.RedisAddr == "" {
		s.tokens = repository.NewMemoryTokenRepository()
		return s, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		s.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr))
	s.redis = client
	s.tokens = repository.NewRedisTokenRepository(client, logger)
	return s, nil
}

// openPublisher возвращает издателя событий и функцию, закрывающую канал и соединение.
func openPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (messaging.EventPublisher, func(), error) {
	if cfg.RabbitMQURL == "" {
		logger.Info("RABBITMQ_URL is empty, storyline events are disabled")
		return messaging.NoopPublisher{}, func() {}, nil
	}
	conn, err := messaging.Connect(ctx, cfg.RabbitMQURL, 5, 5*time.Second, logger)
	if err != nil {
		return nil, nil, err
	}
	publisher, err := messaging.NewRabbitMQPublisher(conn, logger)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	closeFn := func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("Failed to close event channel", zap.Error(err))
		}
		if err := conn.Close(); err != nil {
			logger.Warn("Failed to close RabbitMQ connection", zap.Error(err))
		}
	}
	return publisher, closeFn, nil
}
