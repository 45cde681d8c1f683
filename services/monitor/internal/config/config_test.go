package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    func(t *testing.T, cfg Config)
		wantErr bool
	}{
		{
			name: "defaults",
			env:  map[string]string{"DATABASE_URL": "postgres://localhost/bhakti"},
			want: func(t *testing.T, cfg Config) {
				assert.Equal(t, time.Hour, cfg.Interval)
				assert.Equal(t, 100, cfg.MaxSiblings)
				assert.Equal(t, 1000, cfg.PageLimit)
				assert.False(t, cfg.Once)
			},
		},
		{
			name: "overrides",
			env: map[string]string{
				"DATABASE_URL":     "postgres://localhost/bhakti",
				"MONITOR_INTERVAL": "15m",
				"MONITOR_SEARCH":   "keras",
				"MONITOR_ONCE":     "true",
			},
			want: func(t *testing.T, cfg Config) {
				assert.Equal(t, 15*time.Minute, cfg.Interval)
				assert.Equal(t, "keras", cfg.Search)
				assert.True(t, cfg.Once)
			},
		},
		{name: "missing database", env: map[string]string{}, wantErr: true},
		{name: "zero interval", env: map[string]string{"DATABASE_URL": "x", "MONITOR_INTERVAL": "0s"}, wantErr: true},
		{name: "zero siblings", env: map[string]string{"DATABASE_URL": "x", "MONITOR_MAX_SIBLINGS": "0"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := load(context.Background(), envconfig.MapLookuper(tt.env))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.want(t, cfg)
		})
	}
}
