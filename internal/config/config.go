package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds all server configuration, loaded from the environment.
type Config struct {
	DatabaseURL string
	Port        string
	JWTSecret   string

	AccessTokenTTL         time.Duration
	RefreshTokenTTL        time.Duration
	ChallengeTTL           time.Duration
	ChallengeSweepInterval time.Duration

	Env      string
	LogLevel string
}

// Load reads configuration from environment variables. DATABASE_URL and
// JWT_SECRET are required; everything else has a sane default.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Port:        getenv("PORT", "8080"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		AccessTokenTTL:         getdur("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:        getdur("REFRESH_TOKEN_TTL", 720*time.Hour),
		ChallengeTTL:           getdur("CHALLENGE_TTL", 5*time.Minute),
		ChallengeSweepInterval: getdur("CHALLENGE_SWEEP_INTERVAL", time.Minute),

		Env:      getenv("ENV", "development"),
		LogLevel: getenv("LOG_LEVEL", "info"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getdur(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
