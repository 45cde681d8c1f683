package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"bhakti/pkg/db"
)

// Scan lifecycle states.
const (
	ScanQueued  = "queued"
	ScanRunning = "running"
)

// ErrScanNotFound is returned for unknown scan ids.
var ErrScanNotFound = errors.New("results: scan not found")

// Scan is one requested scan. Finished scans carry a bus.ScanCompleted
// status.
type Scan struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	Repo        string     `db:"repo" json:"repo"`
	Status      string     `db:"status" json:"status"`
	Error       string     `db:"error" json:"error,omitempty"`
	RequestedAt time.Time  `db:"requested_at" json:"requested_at"`
	FinishedAt  *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// Scans tracks scan requests in the scans table.
type Scans struct {
	pool *pgxpool.Pool
}

func NewScans(pool *pgxpool.Pool) (*Scans, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Scans{pool: pool}, nil
}

// Enqueue records a queued scan.
func (s *Scans) Enqueue(ctx context.Context, id uuid.UUID, repo string, at time.Time) error {
	_, err := db.Exec(ctx, s.pool,
		`INSERT INTO scans (id, repo, status, error, requested_at) VALUES ($1, $2, $3, '', $4)`,
		id, repo, ScanQueued, at.UTC())
	if err != nil {
		return fmt.Errorf("results: enqueue scan %s: %w", id, err)
	}
	return nil
}

// Start marks a scan running, creating it when the request did not come
// through Enqueue.
func (s *Scans) Start(ctx context.Context, id uuid.UUID, repo string) error {
	_, err := db.Exec(ctx, s.pool,
		`INSERT INTO scans (id, repo, status, error, requested_at) VALUES ($1, $2, $3, '', now())
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, error = '', finished_at = NULL`,
		id, repo, ScanRunning)
	if err != nil {
		return fmt.Errorf("results: start scan %s: %w", id, err)
	}
	return nil
}

// Finish stores the final status of a scan.
func (s *Scans) Finish(ctx context.Context, id uuid.UUID, status, message string, at time.Time) error {
	tag, err := db.Exec(ctx, s.pool,
		`UPDATE scans SET status = $2, error = $3, finished_at = $4 WHERE id = $1`,
		id, status, message, at.UTC())
	if err != nil {
		return fmt.Errorf("results: finish scan %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrScanNotFound, id)
	}
	return nil
}

// Get returns one scan.
func (s *Scans) Get(ctx context.Context, id uuid.UUID) (Scan, error) {
	var scan Scan
	err := db.Get(ctx, s.pool, &scan,
		`SELECT id, repo, status, error, requested_at, finished_at FROM scans WHERE id = $1`, id)
	if db.IsNotFound(err) {
		return Scan{}, fmt.Errorf("%w: %s", ErrScanNotFound, id)
	}
	if err != nil {
		return Scan{}, err
	}
	return scan, nil
}

// Recent lists the latest scans of repo, newest first.
func (s *Scans) Recent(ctx context.Context, repo string, limit int) ([]Scan, error) {
	if limit <= 0 {
		limit = 20
	}
	var scans []Scan
	err := db.Select(ctx, s.pool, &scans,
		`SELECT id, repo, status, error, requested_at, finished_at FROM scans
		 WHERE repo = $1 ORDER BY requested_at DESC LIMIT $2`, repo, limit)
	if err != nil {
		return nil, err
	}
	return scans, nil
}
