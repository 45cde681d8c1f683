// Package scanner consumes scan requests, inspects the Keras artifact of each
// requested hub repository and stores the analysis.
package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bhakti/pkg/bus"
	"bhakti/pkg/fetch"
	"bhakti/pkg/inspect"
	"bhakti/pkg/registry"
	"bhakti/pkg/results"
)

const requestsDurable = "scanner-requests"

// Bus is the subset of *bus.Bus the worker needs.
type Bus interface {
	Publish(ctx context.Context, subj string, v any) error
	Subscribe(ctx context.Context, subj, durable string, fn bus.Handler) (io.Closer, error)
}

// Resolver downloads artifacts.
type Resolver interface {
	ResolveLocator(ctx context.Context, loc fetch.Locator) (*fetch.Resolved, error)
}

// ResultStore persists analyses.
type ResultStore interface {
	Save(ctx context.Context, e results.Entry) (results.Entry, error)
}

// ScanTracker records scan progress.
type ScanTracker interface {
	Start(ctx context.Context, id uuid.UUID, repo string) error
	Finish(ctx context.Context, id uuid.UUID, status, message string, at time.Time) error
}

// ObjectPutter uploads quarantined artifacts.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256hex string) error
}

// Deps wires a Worker. Scans, Quarantine and Metrics are optional.
type Deps struct {
	Bus              Bus
	Fetcher          Resolver
	Pipeline         *inspect.Pipeline
	Results          ResultStore
	Scans            ScanTracker
	Quarantine       ObjectPutter
	QuarantineBucket string
	Metrics          *Metrics
	Logger           *log.Logger
}

// Worker processes scan requests one repository at a time per repo.
type Worker struct {
	deps   Deps
	logger *log.Logger
	tracer trace.Tracer
	now    func() time.Time

	activeMu sync.Mutex
	active   map[string]uuid.UUID

	inflight     atomic.Int32
	lastActivity atomic.Int64

	subsMu sync.Mutex
	subs   []io.Closer
}

// NewWorker validates deps and returns a Worker.
func NewWorker(deps Deps) (*Worker, error) {
	if deps.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if deps.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	if deps.Results == nil {
		return nil, errors.New("results store is required")
	}
	if deps.Quarantine != nil && deps.QuarantineBucket == "" {
		return nil, errors.New("quarantine bucket is required with a quarantine store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	w := &Worker{
		deps:   deps,
		logger: logger,
		tracer: otel.Tracer("bhakti/scanner"),
		now:    time.Now,
		active: make(map[string]uuid.UUID),
	}
	w.touch()
	return w, nil
}

// Start subscribes to scan requests.
func (w *Worker) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	closer, err := w.deps.Bus.Subscribe(ctx, bus.SubjectRequested, requestsDurable, w.handleRequested)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.SubjectRequested, err)
	}
	w.subsMu.Lock()
	w.subs = append(w.subs, closer)
	w.subsMu.Unlock()
	return nil
}

// Close tears down subscriptions.
func (w *Worker) Close() error {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	var firstErr error
	for _, sub := range w.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.subs = nil
	return firstErr
}

func (w *Worker) handleRequested(ctx context.Context, data []byte) error {
	var req bus.ScanRequested
	if err := json.Unmarshal(data, &req); err != nil {
		w.logger.Printf("WARN scanner: dropping malformed request: %v", err)
		return nil
	}
	if err := registry.ValidateRepo(req.Repo); err != nil {
		w.logger.Printf("WARN scanner: dropping request: %v", err)
		return nil
	}
	if req.ScanID == uuid.Nil {
		req.ScanID = uuid.New()
	}
	if !w.claim(req.Repo, req.ScanID) {
		w.logger.Printf("DEBUG scanner: %s is already being scanned", req.Repo)
		return nil
	}
	defer w.release(req.Repo, req.ScanID)

	evt, err := w.Scan(ctx, req)
	if err != nil {
		return err
	}
	return w.deps.Bus.Publish(ctx, bus.SubjectCompleted, evt)
}

// Scan analyzes one requested repository. Only transient failures are
// returned; every other outcome is reported in the event.
func (w *Worker) Scan(ctx context.Context, req bus.ScanRequested) (bus.ScanCompleted, error) {
	w.inflight.Add(1)
	defer func() {
		w.inflight.Add(-1)
		w.touch()
	}()

	ctx, span := w.tracer.Start(ctx, "scanner.scan", trace.WithAttributes(
		attribute.String("bhakti.repo", req.Repo),
		attribute.String("bhakti.scan_id", req.ScanID.String()),
	))
	defer span.End()

	start := w.now()
	if w.deps.Scans != nil {
		if err := w.deps.Scans.Start(ctx, req.ScanID, req.Repo); err != nil {
			w.logger.Printf("WARN scanner: %v", err)
		}
	}

	evt, err := w.scan(ctx, req)
	if err != nil && isRetryable(ctx, err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.deps.Metrics.observe("retry", false, w.now().Sub(start))
		w.logger.Printf("WARN scanner: %s: %v; leaving for redelivery", req.Repo, err)
		return evt, err
	}
	if err != nil {
		evt.Status = bus.ScanStatusFailed
		evt.Error = err.Error()
		span.SetStatus(codes.Error, evt.Error)
	}
	evt.FinishedAt = w.now().UTC()
	span.SetAttributes(attribute.String("bhakti.status", evt.Status), attribute.Bool("bhakti.contains_code", evt.ContainsCode))

	if w.deps.Scans != nil {
		if err := w.deps.Scans.Finish(ctx, req.ScanID, evt.Status, evt.Error, evt.FinishedAt); err != nil {
			w.logger.Printf("WARN scanner: %v", err)
		}
	}
	w.deps.Metrics.observe(evt.Status, evt.ContainsCode, w.now().Sub(start))

	level := "INFO"
	if evt.ContainsCode {
		level = "WARN"
	}
	if evt.Status == bus.ScanStatusFailed {
		level = "ERROR"
	}
	w.logger.Printf("%s scanner: %s %s contains_code=%t in %s", level, req.Repo, evt.Status, evt.ContainsCode, w.now().Sub(start).Round(time.Millisecond))
	return evt, nil
}

func (w *Worker) scan(ctx context.Context, req bus.ScanRequested) (bus.ScanCompleted, error) {
	evt := bus.ScanCompleted{ScanID: req.ScanID, Repo: req.Repo}

	res, err := w.deps.Fetcher.ResolveLocator(ctx, fetch.Locator{
		Scheme: fetch.SchemeHub,
		Raw:    "hf://" + req.Repo,
		Repo:   req.Repo,
	})
	if errors.Is(err, registry.ErrUnauthorized) {
		// Gated or private: remember the repo so the monitor does not re-request it.
		if _, err := w.deps.Results.Save(ctx, results.Entry{
			Repo:         req.Repo,
			Private:      true,
			LastModified: req.LastModified,
		}); err != nil {
			return evt, fmt.Errorf("save %s: %w", req.Repo, err)
		}
		evt.Status = bus.ScanStatusPrivate
		return evt, nil
	}
	if err != nil {
		return evt, err
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			w.logger.Printf("WARN scanner: cleanup %s: %v", req.Repo, err)
		}
	}()
	evt.File = res.File

	handle, err := inspect.HandleForPath(res.Path, req.Repo)
	if err != nil {
		return evt, err
	}
	rec, err := w.deps.Pipeline.Inspect(ctx, handle)
	if err != nil {
		return evt, err
	}

	entry := results.Entry{
		Repo:         req.Repo,
		File:         res.File,
		LastModified: req.LastModified,
		Record:       rec,
	}
	if m := res.Model; m != nil {
		entry.Private = m.Private || m.IsGated()
		if !m.LastModified.IsZero() {
			lm := m.LastModified.UTC()
			entry.LastModified = &lm
		}
	}
	if _, err := w.deps.Results.Save(ctx, entry); err != nil {
		return evt, fmt.Errorf("save %s: %w", req.Repo, err)
	}

	evt.Status = bus.ScanStatusDone
	evt.ContainsCode = rec.ContainsCode
	evt.PayloadSHA256 = rec.PayloadSHA256
	if rec.ContainsCode && w.deps.Quarantine != nil {
		key := req.Repo + "/" + res.File
		if err := putFile(ctx, w.deps.Quarantine, w.deps.QuarantineBucket, key, res.Path); err != nil {
			w.logger.Printf("ERROR scanner: quarantine %s: %v", req.Repo, err)
		} else {
			evt.Quarantine = "s3://" + w.deps.QuarantineBucket + "/" + key
		}
	}
	return evt, nil
}

func isRetryable(ctx context.Context, err error) bool {
	return errors.Is(err, registry.ErrTransient) || errors.Is(err, inspect.ErrSourceUnreadable) || ctx.Err() != nil
}

func (w *Worker) claim(repo string, id uuid.UUID) bool {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	if current, ok := w.active[repo]; ok && current != id {
		return false
	}
	w.active[repo] = id
	return true
}

func (w *Worker) release(repo string, id uuid.UUID) {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	if current, ok := w.active[repo]; ok && current == id {
		delete(w.active, repo)
	}
}

func (w *Worker) touch() {
	w.lastActivity.Store(w.now().UnixNano())
}

// Idle reports whether no scan is running and none finished within d.
func (w *Worker) Idle(d time.Duration) bool {
	if w.inflight.Load() > 0 {
		return false
	}
	return w.now().Sub(time.Unix(0, w.lastActivity.Load())) >= d
}

// WaitIdle blocks until the worker has been idle for d, checking every tick.
// It returns false when ctx ends first.
func (w *Worker) WaitIdle(ctx context.Context, d, tick time.Duration) bool {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			if w.Idle(d) {
				return true
			}
		}
	}
}

func putFile(ctx context.Context, store ObjectPutter, bucket, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sum, size, err := sha256File(f)
	if err != nil {
		return err
	}
	return store.PutObject(ctx, bucket, key, f, size, sum)
}
