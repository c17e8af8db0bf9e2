package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config - конфигурация сервера историй.
type Config struct {
	Env         string `envconfig:"ENV" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding string `envconfig:"LOG_ENCODING" default:"json"`

	Port            string        `envconfig:"HTTP_SERVER_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`

	// postgres или memory
	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`

	DBHost            string        `envconfig:"DB_HOST" default:"localhost"`
	DBPort            int           `envconfig:"DB_PORT" default:"5432"`
	DBUser            string        `envconfig:"DB_USER" default:"postgres"`
	DBPassword        string        `envconfig:"DB_PASSWORD"`
	DBName            string        `envconfig:"DB_NAME" default:"storylines"`
	DBSSLMode         string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns        int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	DBIdleTimeout     time.Duration `envconfig:"DB_IDLE_TIMEOUT" default:"5m"`
	DBConnectAttempts int           `envconfig:"DB_CONNECT_ATTEMPTS" default:"5"`

	// Пустой адрес - токены хранятся в памяти процесса.
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Пустой URL отключает публикацию событий.
	RabbitMQURL string `envconfig:"RABBITMQ_URL"`

	AI AIConfig

	MaxSteps     int `envconfig:"STORYLINE_MAX_STEPS" default:"20"`
	DefaultSteps int `envconfig:"STORYLINE_DEFAULT_STEPS" default:"8"`
	Choices      int `envconfig:"STORYLINE_CHOICES" default:"3"`
	ListLimit    int `envconfig:"STORYLINE_LIST_LIMIT" default:"12"`

	JWTSecret       string        `envconfig:"JWT_SECRET"`
	AccessTokenTTL  time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"1h"`
	RefreshTokenTTL time.Duration `envconfig:"REFRESH_TOKEN_TTL" default:"720h"`
	CookieName      string        `envconfig:"AUTH_COOKIE_NAME" default:"access_token"`
	CookieSecure    bool          `envconfig:"AUTH_COOKIE_SECURE" default:"false"`

	GoogleClientID     string `envconfig:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `envconfig:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `envconfig:"GOOGLE_REDIRECT_URL" default:"http://localhost:8080/auth/google/callback"`
	FrontendURL        string `envconfig:"FRONTEND_URL" default:"http://localhost:5173/"`

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:5173"`

	WS WebSocketConfig
}

// AIConfig - настройки клиента модели.
type AIConfig struct {
	ClientType       string        `envconfig:"AI_CLIENT_TYPE" default:"ollama"`
	BaseURL          string        `envconfig:"AI_BASE_URL" default:"http://localhost:11434"`
	Model            string        `envconfig:"AI_MODEL" default:"llama3.2"`
	APIKey           string        `envconfig:"AI_API_KEY"`
	Timeout          time.Duration `envconfig:"AI_TIMEOUT" default:"120s"`
	MaxAttempts      int           `envconfig:"AI_MAX_ATTEMPTS" default:"3"`
	RetryDelay       time.Duration `envconfig:"AI_RETRY_DELAY" default:"1s"`
	Stream           bool          `envconfig:"AI_STREAM" default:"true"`
	MaxResponseBytes int           `envconfig:"AI_MAX_RESPONSE_BYTES" default:"1048576"`
	EstimateTokens   bool          `envconfig:"AI_ESTIMATE_TOKENS" default:"false"`
	PullOnStart      bool          `envconfig:"AI_PULL_ON_START" default:"true"`
}

// WebSocketConfig - параметры сессий.
type WebSocketConfig struct {
	InitialSync    bool    `envconfig:"WS_INITIAL_SYNC" default:"true"`
	RateLimit      float64 `envconfig:"WS_RATE_LIMIT" default:"10"`
	RateBurst      int     `envconfig:"WS_RATE_BURST" default:"20"`
	MaxMessageSize int64   `envconfig:"WS_MAX_MESSAGE_SIZE" default:"262144"`
}

// secretsDir можно переопределить в тестах.
var secretsDir = "/run/secrets"

// LoadConfig читает .env (если есть), переменные окружения и docker secrets.
// Секрет из файла имеет приоритет над переменной окружения.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Предупреждение: не удалось загрузить .env: %v", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config from env: %w", err)
	}

	secrets := map[string]*string{
		"jwt_secret":           &cfg.JWTSecret,
		"db_password":          &cfg.DBPassword,
		"google_client_secret": &cfg.GoogleClientSecret,
		"ai_api_key":           &cfg.AI.APIKey,
	}
	for name, dst := range secrets {
		value, err := ReadSecret(name)
		if err == nil {
			*dst = value
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет обязательные и взаимосвязанные параметры.
func (c *Config) Validate() error {
	var problems []string
	if c.JWTSecret == "" {
		problems = append(problems, "JWT_SECRET is required")
	}
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		problems = append(problems, fmt.Sprintf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	switch c.AI.ClientType {
	case "ollama", "openai":
	default:
		problems = append(problems, fmt.Sprintf("unknown AI_CLIENT_TYPE %q", c.AI.ClientType))
	}
	if c.AI.MaxAttempts < 1 {
		problems = append(problems, "AI_MAX_ATTEMPTS must be at least 1")
	}
	if c.MaxSteps < 1 {
		problems = append(problems, "STORYLINE_MAX_STEPS must be at least 1")
	}
	if c.DefaultSteps < 1 || c.DefaultSteps > c.MaxSteps {
		problems = append(problems, "STORYLINE_DEFAULT_STEPS must be within [1, STORYLINE_MAX_STEPS]")
	}
	if c.Choices < 1 {
		problems = append(problems, "STORYLINE_CHOICES must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// GetDSN возвращает строку подключения к PostgreSQL.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// ReadSecret читает секрет в формате Docker Secrets.
// Отсутствующий файл возвращает ошибку, совместимую с os.ErrNotExist.
func ReadSecret(name string) (string, error) {
	path := filepath.Join(secretsDir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", path, err)
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return secret, nil
}
