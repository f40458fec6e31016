package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"blocksuite-view/server/internal/log"
)

func applyEnv(cfg *Config) {
	logger := log.WithComponent("config")
	cfg.Addr = envString(logger, "BSV_ADDR", cfg.Addr)
	if port := envString(logger, "PORT", ""); port != "" {
		cfg.Addr = ":" + port
	}
	cfg.DBPath = envString(logger, "BSV_DB_PATH", cfg.DBPath)
	cfg.ViewsPath = envString(logger, "BSV_VIEWS_PATH", cfg.ViewsPath)
	cfg.Log.Level = envString(logger, "LOG_LEVEL", cfg.Log.Level)
	cfg.Redis.Addr = envString(logger, "BSV_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envString(logger, "BSV_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Auth.IssuerURL = envString(logger, "BSV_OIDC_ISSUER_URL", cfg.Auth.IssuerURL)
	cfg.Auth.ClientID = envString(logger, "BSV_OIDC_CLIENT_ID", cfg.Auth.ClientID)
	cfg.Auth.ClientSecret = envString(logger, "BSV_OIDC_CLIENT_SECRET", cfg.Auth.ClientSecret)
	cfg.Auth.RedirectURL = envString(logger, "BSV_OIDC_REDIRECT_URL", cfg.Auth.RedirectURL)
	cfg.Auth.SessionKey = envString(logger, "BSV_SESSION_KEY", cfg.Auth.SessionKey)
	cfg.Auth.DevUser = envString(logger, "BSV_DEV_USER", cfg.Auth.DevUser)
	cfg.Auth.DevRole = envInt(logger, "BSV_DEV_ROLE", cfg.Auth.DevRole)
}

func isSecret(key string) bool {
	lower := strings.ToLower(key)
	return strings.Contains(lower, "secret") || strings.Contains(lower, "password") || strings.Contains(lower, "key")
}

func envString(logger zerolog.Logger, key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	event := logger.Debug().Str("key", key).Str("source", "environment")
	if isSecret(key) {
		event.Bool("sensitive", true).Msg("using environment variable")
	} else {
		event.Str("value", value).Msg("using environment variable")
	}
	return value
}

func envInt(logger zerolog.Logger, key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", value).Int("default", fallback).Msg("invalid integer, using default")
		return fallback
	}
	logger.Debug().Str("key", key).Int("value", parsed).Str("source", "environment").Msg("using environment variable")
	return parsed
}
