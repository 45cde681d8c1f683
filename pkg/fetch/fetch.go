// Package fetch turns an artifact locator into a local file.
//
// Locators are s3://bucket/key, hf://author/model, a bare author/model hub id,
// or a local path. A local path wins over a hub id when both could match.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gos3 "bhakti/pkg/s3"
	"bhakti/pkg/registry"
)

// Scheme names where an artifact lives.
type Scheme string

const (
	SchemeLocal Scheme = "file"
	SchemeS3    Scheme = "s3"
	SchemeHub   Scheme = "hf"
)

// Locator is a parsed artifact reference.
type Locator struct {
	Scheme Scheme
	Raw    string
	Path   string
	Bucket string
	Key    string
	Repo   string
}

// Parse classifies raw. It touches the filesystem only to tell a local path
// from a bare hub id.
func Parse(raw string) (Locator, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Locator{}, errors.New("fetch: empty locator")
	}
	switch {
	case strings.HasPrefix(raw, "s3://"):
		bucket, key, err := gos3.ParseURL(raw)
		if err != nil {
			return Locator{}, err
		}
		return Locator{Scheme: SchemeS3, Raw: raw, Bucket: bucket, Key: key}, nil
	case strings.HasPrefix(raw, "hf://"):
		repo := strings.Trim(strings.TrimPrefix(raw, "hf://"), "/")
		if err := registry.ValidateRepo(repo); err != nil {
			return Locator{}, err
		}
		return Locator{Scheme: SchemeHub, Raw: raw, Repo: repo}, nil
	}
	if _, err := os.Stat(raw); err == nil {
		return Locator{Scheme: SchemeLocal, Raw: raw, Path: raw}, nil
	}
	if registry.ValidateRepo(raw) == nil && !strings.Contains(filepath.Base(raw), ".") {
		return Locator{Scheme: SchemeHub, Raw: raw, Repo: raw}, nil
	}
	return Locator{Scheme: SchemeLocal, Raw: raw, Path: raw}, nil
}

// ObjectGetter downloads objects from a bucket.
type ObjectGetter interface {
	Download(ctx context.Context, bucket, key, dir string) (string, error)
}

// Hub resolves and downloads hub repositories.
type Hub interface {
	Fetch(ctx context.Context, repo, dir string) (*registry.Fetched, error)
}

// Resolved is a fetched artifact.
type Resolved struct {
	Locator Locator
	// Path is the local file to inspect.
	Path string
	// File is the artifact name inside its repository or bucket.
	File string
	// ID names the artifact in records: the hub repo, the s3 url or the path.
	ID string
	// Model is set for hub artifacts.
	Model *registry.Model

	cleanup func() error
}

// Cleanup removes downloaded files. Local files are never touched.
func (r *Resolved) Cleanup() error {
	if r == nil || r.cleanup == nil {
		return nil
	}
	return r.cleanup()
}

// Fetcher resolves locators into dir.
type Fetcher struct {
	dir string
	hub Hub
	s3  ObjectGetter
}

// Option configures a Fetcher.
type Option func(*Fetcher)

func WithHub(h Hub) Option { return func(f *Fetcher) { f.hub = h } }

func WithObjectStore(g ObjectGetter) Option { return func(f *Fetcher) { f.s3 = g } }

// New creates a Fetcher downloading into dir.
func New(dir string, opts ...Option) (*Fetcher, error) {
	if dir == "" {
		return nil, errors.New("download directory is required")
	}
	f := &Fetcher{dir: dir}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Resolve fetches the artifact raw points at.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (*Resolved, error) {
	loc, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return f.ResolveLocator(ctx, loc)
}

// ResolveLocator fetches a parsed locator.
func (f *Fetcher) ResolveLocator(ctx context.Context, loc Locator) (*Resolved, error) {
	switch loc.Scheme {
	case SchemeLocal:
		info, err := os.Stat(loc.Path)
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("fetch: %s is a directory", loc.Path)
		}
		return &Resolved{Locator: loc, Path: loc.Path, File: filepath.Base(loc.Path), ID: loc.Path}, nil

	case SchemeS3:
		if f.s3 == nil {
			return nil, errors.New("fetch: no object store configured for s3 locators")
		}
		dir, err := os.MkdirTemp(f.dir, "s3-")
		if err != nil {
			return nil, err
		}
		path, err := f.s3.Download(ctx, loc.Bucket, loc.Key, dir)
		if err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("fetch %s: %w", loc.Raw, err)
		}
		return &Resolved{
			Locator: loc,
			Path:    path,
			File:    loc.Key,
			ID:      loc.Raw,
			cleanup: func() error { return os.RemoveAll(dir) },
		}, nil

	case SchemeHub:
		if f.hub == nil {
			return nil, errors.New("fetch: no hub client configured")
		}
		got, err := f.hub.Fetch(ctx, loc.Repo, f.dir)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", loc.Repo, err)
		}
		return &Resolved{
			Locator: loc,
			Path:    got.Path,
			File:    got.File,
			ID:      loc.Repo,
			Model:   got.Model,
			cleanup: func() error { return registry.Cleanup(f.dir, loc.Repo, got.Path) },
		}, nil
	}
	return nil, fmt.Errorf("fetch: unsupported scheme %q", loc.Scheme)
}
