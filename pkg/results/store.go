// Package results persists inspection records: a versioned per-repository
// store backed by Postgres and a JSON lines file sink for the CLI.
package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bhakti/pkg/inspect"
)

// LatestVersion labels the newest analysis of a repository.
const LatestVersion = "v0"

// ErrNotFound is returned when a repository has no stored analysis.
var ErrNotFound = errors.New("results: not found")

// Entry is one stored analysis.
type Entry struct {
	Repo         string          `json:"repo" yaml:"repo"`
	Version      string          `json:"version,omitempty" yaml:"version,omitempty"`
	File         string          `json:"file,omitempty" yaml:"file,omitempty"`
	Private      bool            `json:"private" yaml:"private"`
	LastModified *time.Time      `json:"last_modified,omitempty" yaml:"last_modified,omitempty"`
	ScannedAt    time.Time       `json:"scanned_at" yaml:"scanned_at"`
	Record       *inspect.Record `json:"record,omitempty" yaml:"record,omitempty"`
}

// Store keeps every analysis of a repository. Saving a new analysis makes it v0
// and renumbers the previous v0 after the existing history.
type Store struct {
	orm *gorm.DB
	now func() time.Time
}

// NewStore constructs a Store on an open gorm handle.
func NewStore(orm *gorm.DB) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{orm: orm, now: time.Now}, nil
}

// Save stores e as the latest analysis of e.Repo.
func (s *Store) Save(ctx context.Context, e Entry) (Entry, error) {
	if e.Repo == "" {
		return Entry{}, errors.New("results: repo is required")
	}
	if e.ScannedAt.IsZero() {
		e.ScannedAt = s.now().UTC()
	}
	row, err := modelFromEntry(e)
	if err != nil {
		return Entry{}, fmt.Errorf("results: encode record: %w", err)
	}

	err = s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Row locks cannot cover a repo's first save; the advisory lock does.
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", e.Repo).Error; err != nil {
			return err
		}
		var existing []analysisModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "version").
			Where("repo = ?", e.Repo).
			Find(&existing).Error; err != nil {
			return err
		}
		for _, prev := range existing {
			if prev.Version != LatestVersion {
				continue
			}
			if err := tx.Model(&analysisModel{}).
				Where("id = ?", prev.ID).
				Update("version", fmt.Sprintf("v%d", len(existing))).Error; err != nil {
				return err
			}
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return Entry{}, fmt.Errorf("results: save %s: %w", e.Repo, err)
	}

	e.Version = LatestVersion
	return e, nil
}

// Latest returns the v0 analysis of repo.
func (s *Store) Latest(ctx context.Context, repo string) (Entry, error) {
	var row analysisModel
	err := s.orm.WithContext(ctx).
		Where("repo = ? AND version = ?", repo, LatestVersion).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, repo)
	}
	if err != nil {
		return Entry{}, err
	}
	return row.toEntry()
}

// History returns every analysis of repo, newest first.
func (s *Store) History(ctx context.Context, repo string) ([]Entry, error) {
	var rows []analysisModel
	if err := s.orm.WithContext(ctx).
		Where("repo = ?", repo).
		Order("scanned_at DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e, err := row.toEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// LastModified returns the hub modification time recorded with the latest
// analysis. ok is false when the repo was never analyzed or the time is unknown.
func (s *Store) LastModified(ctx context.Context, repo string) (t time.Time, ok bool, err error) {
	var row analysisModel
	err = s.orm.WithContext(ctx).
		Select("last_modified").
		Where("repo = ? AND version = ?", repo, LatestVersion).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if row.LastModified == nil {
		return time.Time{}, false, nil
	}
	return *row.LastModified, true, nil
}
