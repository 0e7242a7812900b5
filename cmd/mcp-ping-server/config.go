package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

const (
	transportHTTP  = "http"
	transportStdio = "stdio"

	backendMemory = "memory"
	backendRedis  = "redis"
)

type config struct {
	Transport          string        `env:"MCP_TRANSPORT,default=http"`
	ListenAddr         string        `env:"LISTEN_ADDR,default=127.0.0.1:8080"`
	PublicURL          string        `env:"PUBLIC_URL,default=http://127.0.0.1:8080/mcp"`
	SessionBackend     string        `env:"SESSION_BACKEND,default=memory"`
	SessionTTL         time.Duration `env:"SESSION_TTL,default=30m"`
	HandshakeTTL       time.Duration `env:"SESSION_HANDSHAKE_TTL,default=30s"`
	SessionMaxLifetime time.Duration `env:"SESSION_MAX_LIFETIME,default=24h"`
	SamplingTimeout    time.Duration `env:"SAMPLING_TIMEOUT,default=10s"`
	SamplingMaxTokens  int           `env:"SAMPLING_MAX_TOKENS,default=100"`
	LogLevel           string        `env:"LOG_LEVEL,default=info"`
	MetricsAddr        string        `env:"METRICS_ADDR"`
}

// loadConfig reads an optional .env file and then decodes the environment.
// Variables already present in the environment win over the file. Redis
// settings are decoded separately by redishost.NewFromEnv.
func loadConfig() (*config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *config) validate() error {
	switch c.Transport {
	case transportHTTP, transportStdio:
	default:
		return fmt.Errorf("MCP_TRANSPORT must be %q or %q, got %q", transportHTTP, transportStdio, c.Transport)
	}
	switch c.SessionBackend {
	case backendMemory, backendRedis:
	default:
		return fmt.Errorf("SESSION_BACKEND must be %q or %q, got %q", backendMemory, backendRedis, c.SessionBackend)
	}
	if c.SamplingTimeout <= 0 {
		return fmt.Errorf("SAMPLING_TIMEOUT must be positive")
	}
	return nil
}

func (c *config) logLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
