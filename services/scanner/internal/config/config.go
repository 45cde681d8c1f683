package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"bhakti/pkg/pycode"
)

// Config holds runtime configuration for the scanner.
type Config struct {
	Addr             string        `env:"SCANNER_ADDR,default=:8082"`
	NATSURL          string        `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	DatabaseURL      string        `env:"DATABASE_URL,required"`
	DownloadDir      string        `env:"SCANNER_DOWNLOAD_DIR,default=/var/lib/bhakti/downloads"`
	HubBaseURL       string        `env:"HF_BASE_URL,default=https://huggingface.co"`
	HubToken         string        `env:"HF_TOKEN"`
	QuarantineBucket string        `env:"QUARANTINE_BUCKET"`
	LogBucket        string        `env:"LOG_BUCKET"`
	LogBufferBytes   int           `env:"SCANNER_LOG_BUFFER_BYTES,default=8388608"`
	IdleTimeout      time.Duration `env:"SCANNER_IDLE_TIMEOUT,default=0s"`
	MinStringLength  int           `env:"SCANNER_MIN_STRING_LENGTH,default=4"`
	PythonVersion    string        `env:"SCANNER_PYTHON_VERSION"`
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
	if cfg.MinStringLength < 1 {
		return Config{}, fmt.Errorf("invalid SCANNER_MIN_STRING_LENGTH: %d", cfg.MinStringLength)
	}
	if cfg.IdleTimeout < 0 {
		return Config{}, fmt.Errorf("invalid SCANNER_IDLE_TIMEOUT: %s", cfg.IdleTimeout)
	}
	if cfg.PythonVersion != "" && !pycode.IsSupportedVersion(cfg.PythonVersion) {
		return Config{}, fmt.Errorf("invalid SCANNER_PYTHON_VERSION: %q (supported: %s)", cfg.PythonVersion, strings.Join(pycode.SupportedVersions, ", "))
	}
	return cfg, nil
}
