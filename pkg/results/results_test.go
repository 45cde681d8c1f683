package results

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bhakti/pkg/container"
	"bhakti/pkg/db"
	"bhakti/pkg/inspect"
)

func sampleRecord(id string) *inspect.Record {
	return &inspect.Record{
		ID:                   id,
		Type:                 container.KindAttribute,
		ContainsCode:         true,
		ExtractedEncodedCode: "4wEAAA==",
		StringList:           []string{"print"},
		Notes:                []string{},
		PayloadSHA256:        strings.Repeat("ab", 32),
	}
}

func TestFileSinkAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sink.Append(sampleRecord(fmt.Sprintf("author/model-%d", i))))
		}()
	}
	wg.Wait()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := ReadRecords(f)
	require.NoError(t, err)
	require.Len(t, records, 20)
	seen := map[string]bool{}
	for _, rec := range records {
		seen[rec.ID] = true
		assert.True(t, rec.ContainsCode)
	}
	assert.Len(t, seen, 20)
}

func TestReadRecordsReportsLine(t *testing.T) {
	_, err := ReadRecords(strings.NewReader("{\"id\":\"a\",\"notes\":[]}\n\nnot json\n"))
	require.ErrorContains(t, err, "line 3")
}

func TestNewFileSinkRequiresPath(t *testing.T) {
	_, err := NewFileSink("")
	require.Error(t, err)
}

func TestModelRoundTrip(t *testing.T) {
	modified := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	e := Entry{
		Repo:         "author/model",
		File:         "keras_metadata.pb",
		Private:      true,
		LastModified: &modified,
		ScannedAt:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Record:       sampleRecord("author/model"),
	}

	m, err := modelFromEntry(e)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion, m.Version)
	assert.Equal(t, "attribute", m.Kind)
	assert.True(t, m.ContainsCode)
	assert.Equal(t, e.Record.PayloadSHA256, m.PayloadSHA)

	back, err := m.toEntry()
	require.NoError(t, err)
	e.Version = LatestVersion
	assert.Equal(t, e, back)
}

func TestNewStoreRequiresORM(t *testing.T) {
	_, err := NewStore(nil)
	require.Error(t, err)
}

// TestStoreVersioning runs against a real database when BHAKTI_TEST_DATABASE_URL is set.
func TestStoreVersioning(t *testing.T) {
	dsn := os.Getenv("BHAKTI_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BHAKTI_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, db.Migrate(ctx, pool))
	orm, err := db.ORM(pool)
	require.NoError(t, err)

	store, err := NewStore(orm)
	require.NoError(t, err)

	repo := fmt.Sprintf("test/%d", time.Now().UnixNano())
	base := time.Now().UTC().Truncate(time.Second)
	for i := range 3 {
		modified := base.Add(time.Duration(i) * time.Hour)
		_, err := store.Save(ctx, Entry{
			Repo:         repo,
			LastModified: &modified,
			ScannedAt:    base.Add(time.Duration(i) * time.Minute),
			Record:       sampleRecord(repo),
		})
		require.NoError(t, err)
	}

	history, err := store.History(ctx, repo)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"v0", "v2", "v1"}, []string{history[0].Version, history[1].Version, history[2].Version})

	last, ok, err := store.LastModified(ctx, repo)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, last.Equal(base.Add(2*time.Hour)))

	_, err = store.Latest(ctx, "missing/"+repo)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreConcurrentFirstSaves(t *testing.T) {
	dsn := os.Getenv("BHAKTI_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BHAKTI_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, db.Migrate(ctx, pool))
	orm, err := db.ORM(pool)
	require.NoError(t, err)
	store, err := NewStore(orm)
	require.NoError(t, err)

	repo := fmt.Sprintf("race/%d", time.Now().UnixNano())
	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = store.Save(ctx, Entry{Repo: repo, Record: sampleRecord(repo)})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	history, err := store.History(ctx, repo)
	require.NoError(t, err)
	require.Len(t, history, writers)
	versions := map[string]bool{}
	for _, e := range history {
		versions[e.Version] = true
	}
	assert.Len(t, versions, writers)
	assert.True(t, versions[LatestVersion])
}

func TestNewScansRequiresPool(t *testing.T) {
	_, err := NewScans(nil)
	require.Error(t, err)
}

func TestScansLifecycle(t *testing.T) {
	dsn := os.Getenv("BHAKTI_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BHAKTI_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, db.Migrate(ctx, pool))

	scans, err := NewScans(pool)
	require.NoError(t, err)

	repo := fmt.Sprintf("scan/%d", time.Now().UnixNano())
	queued := uuid.New()
	require.NoError(t, scans.Enqueue(ctx, queued, repo, time.Now()))
	require.NoError(t, scans.Start(ctx, queued, repo))
	require.NoError(t, scans.Finish(ctx, queued, "done", "", time.Now()))

	direct := uuid.New()
	require.NoError(t, scans.Start(ctx, direct, repo))

	got, err := scans.Get(ctx, queued)
	require.NoError(t, err)
	assert.Equal(t, "done", got.Status)
	require.NotNil(t, got.FinishedAt)

	recent, err := scans.Recent(ctx, repo, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	_, err = scans.Get(ctx, uuid.New())
	require.ErrorIs(t, err, ErrScanNotFound)
	require.ErrorIs(t, scans.Finish(ctx, uuid.New(), "failed", "x", time.Now()), ErrScanNotFound)
}
