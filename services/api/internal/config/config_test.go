package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"DATABASE_URL": "postgres://bhakti@localhost/bhakti",
	}))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 15*time.Minute, cfg.PresignTTL)
	assert.Equal(t, int64(64<<20), cfg.MaxUploadBytes)
	assert.Equal(t, 100, cfg.RateLimit)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.False(t, cfg.NeedsObjectStore())
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{name: "missing database", env: map[string]string{}, wantErr: true},
		{name: "zero ttl", env: map[string]string{"DATABASE_URL": "x", "API_PRESIGN_TTL": "0s"}, wantErr: true},
		{name: "ttl too long", env: map[string]string{"DATABASE_URL": "x", "API_PRESIGN_TTL": "200h"}, wantErr: true},
		{name: "negative rate", env: map[string]string{"DATABASE_URL": "x", "API_RATE_LIMIT": "-1"}, wantErr: true},
		{name: "zero upload", env: map[string]string{"DATABASE_URL": "x", "API_MAX_UPLOAD_BYTES": "0"}, wantErr: true},
		{name: "unknown python", env: map[string]string{"DATABASE_URL": "x", "API_PYTHON_VERSION": "2.7"}, wantErr: true},
		{name: "buckets", env: map[string]string{"DATABASE_URL": "x", "INTAKE_BUCKET": "intake", "CORS_ALLOWED_ORIGINS": "https://a.example,https://b.example"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := load(context.Background(), envconfig.MapLookuper(tt.env))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, cfg.NeedsObjectStore())
			assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
		})
	}
}
