package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"bhakti/pkg/pycode"
)

// Config holds runtime configuration for the API service.
type Config struct {
	Addr             string        `env:"API_ADDR,default=:8080"`
	NATSURL          string        `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	DatabaseURL      string        `env:"DATABASE_URL,required"`
	IntakeBucket     string        `env:"INTAKE_BUCKET"`
	QuarantineBucket string        `env:"QUARANTINE_BUCKET"`
	PresignTTL       time.Duration `env:"API_PRESIGN_TTL,default=15m"`
	MaxUploadBytes   int64         `env:"API_MAX_UPLOAD_BYTES,default=67108864"`
	AllowedOrigins   []string      `env:"CORS_ALLOWED_ORIGINS"`
	RateLimit        int           `env:"API_RATE_LIMIT,default=100"`
	MinStringLength  int           `env:"API_MIN_STRING_LENGTH,default=4"`
	PythonVersion    string        `env:"API_PYTHON_VERSION"`
	DedupWindow      time.Duration `env:"BUS_DEDUP_WINDOW,default=24h"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, err
	}
	if cfg.PresignTTL <= 0 || cfg.PresignTTL > 7*24*time.Hour {
		return Config{}, fmt.Errorf("invalid API_PRESIGN_TTL: %s", cfg.PresignTTL)
	}
	if cfg.MaxUploadBytes <= 0 {
		return Config{}, fmt.Errorf("invalid API_MAX_UPLOAD_BYTES: %d", cfg.MaxUploadBytes)
	}
	if cfg.RateLimit < 0 {
		return Config{}, fmt.Errorf("invalid API_RATE_LIMIT: %d", cfg.RateLimit)
	}
	if cfg.MinStringLength < 1 {
		return Config{}, fmt.Errorf("invalid API_MIN_STRING_LENGTH: %d", cfg.MinStringLength)
	}
	if cfg.PythonVersion != "" && !pycode.IsSupportedVersion(cfg.PythonVersion) {
		return Config{}, fmt.Errorf("invalid API_PYTHON_VERSION: %q (supported: %s)", cfg.PythonVersion, strings.Join(pycode.SupportedVersions, ", "))
	}
	return cfg, nil
}

// NeedsObjectStore reports whether any presigning route is enabled.
func (c Config) NeedsObjectStore() bool {
	return c.IntakeBucket != "" || c.QuarantineBucket != ""
}
