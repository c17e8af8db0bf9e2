// Command storyctl - консольный клиент сервера историй поверх WebSocket.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
)

// clientConfig читается из окружения с префиксом STORYCTL_.
type clientConfig struct {
	URL               string        `envconfig:"URL" default:"ws://localhost:8080/ws"`
	Token             string        `envconfig:"TOKEN"`
	UserID            int64         `envconfig:"USER_ID"`
	ReconnectInterval time.Duration `envconfig:"RECONNECT_INTERVAL" default:"5s"`
	MaxRetries        int           `envconfig:"MAX_RETRIES" default:"10"`
	Backoff           bool          `envconfig:"BACKOFF" default:"false"`
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	RequestTimeout    time.Duration `envconfig:"REQUEST_TIMEOUT" default:"3m"`
	Debug             bool          `envconfig:"DEBUG" default:"false"`
}

func loadClientConfig() (*clientConfig, error) {
	_ = godotenv.Load()
	var cfg clientConfig
	if err := envconfig.Process("storyctl", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process storyctl config: %w", err)
	}
	return &cfg, nil
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

func main() {
	cfg, err := loadClientConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := newRootCmd(cfg, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
