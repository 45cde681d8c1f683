package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the monitor.
type Config struct {
	Addr        string        `env:"MONITOR_ADDR,default=:8083"`
	NATSURL     string        `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	DatabaseURL string        `env:"DATABASE_URL,required"`
	HubBaseURL  string        `env:"HF_BASE_URL,default=https://huggingface.co"`
	HubToken    string        `env:"HF_TOKEN"`
	Interval    time.Duration `env:"MONITOR_INTERVAL,default=1h"`
	Search      string        `env:"MONITOR_SEARCH"`
	PageLimit   int           `env:"MONITOR_PAGE_LIMIT,default=1000"`
	MaxPages    int           `env:"MONITOR_MAX_PAGES,default=0"`
	MaxSiblings int           `env:"MONITOR_MAX_SIBLINGS,default=100"`
	DedupWindow time.Duration `env:"BUS_DEDUP_WINDOW,default=24h"`
	// Once runs a single poll and exits, for cron-style deployments.
	Once bool `env:"MONITOR_ONCE,default=false"`
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
	if cfg.Interval <= 0 {
		return Config{}, fmt.Errorf("invalid MONITOR_INTERVAL: %s", cfg.Interval)
	}
	if cfg.MaxSiblings <= 0 {
		return Config{}, fmt.Errorf("invalid MONITOR_MAX_SIBLINGS: %d", cfg.MaxSiblings)
	}
	if cfg.PageLimit < 0 || cfg.MaxPages < 0 {
		return Config{}, fmt.Errorf("invalid paging: limit %d, max pages %d", cfg.PageLimit, cfg.MaxPages)
	}
	return cfg, nil
}
