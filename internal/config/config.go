// Package config holds the relay's environment-driven configuration. Only the
// listen address, the CORS allow-list, the backend DSNs, and the optional rate
// limit are configurable; TTLs, byte caps, and the poll timeout clamp are
// fixed constants in the packages that own them.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr            string
	AllowedOrigins  []string
	OriginsFile     string
	ConvlogDSN      string
	BlobstoreDSN    string
	RateLimitMax    int
	RateLimitWindow time.Duration
	LogLevel        string
}

func FromEnv() Config {
	cfg := Config{
		Addr:            envOr("CHATRELAY_ADDR", ":3001"),
		AllowedOrigins:  SplitOrigins(os.Getenv("CHATRELAY_ALLOWED_ORIGINS")),
		OriginsFile:     strings.TrimSpace(os.Getenv("CHATRELAY_ORIGINS_FILE")),
		ConvlogDSN:      envOr("CHATRELAY_CONVLOG_DSN", "memory://"),
		BlobstoreDSN:    envOr("CHATRELAY_BLOBSTORE_DSN", "memory://"),
		RateLimitMax:    intEnv("CHATRELAY_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("CHATRELAY_RATE_LIMIT_WINDOW", time.Minute),
		LogLevel:        envOr("CHATRELAY_LOG_LEVEL", "info"),
	}
	return cfg
}

func envOr(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

// SplitOrigins parses a comma-separated origin list. A single "*" entry keeps
// its wildcard meaning downstream.
func SplitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		origins = append(origins, part)
	}
	return origins
}
