package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"bhakti/pkg/db/migrations"
)

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(pgx.ErrNoRows))
	assert.True(t, IsNotFound(fmt.Errorf("latest: %w", gorm.ErrRecordNotFound)))
	assert.False(t, IsNotFound(errors.New("connection refused")))
	assert.False(t, IsNotFound(nil))
}

func TestMigrationsAreEmbedded(t *testing.T) {
	names, err := fs.Glob(migrations.FS, "0*.go")
	require.NoError(t, err)
	assert.Contains(t, names, "0001_init.go")
}

// TestMigrate runs against a real database when BHAKTI_TEST_DATABASE_URL is set.
func TestMigrate(t *testing.T) {
	dsn := os.Getenv("BHAKTI_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BHAKTI_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	pool, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, Migrate(ctx, pool))
	require.NoError(t, Migrate(ctx, pool))

	var count int
	require.NoError(t, Get(ctx, pool, &count, `SELECT count(*) FROM analyses`))
	assert.GreaterOrEqual(t, count, 0)
}
