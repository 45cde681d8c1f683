package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"bhakti/pkg/bus"
	"bhakti/pkg/container"
	"bhakti/pkg/inspect"
	"bhakti/pkg/registry"
	"bhakti/pkg/results"
)

func (a *API) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Repo         string     `json:"repo"`
		LastModified *time.Time `json:"last_modified"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req.Repo = strings.TrimSpace(req.Repo)
	if err := registry.ValidateRepo(req.Repo); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	now := a.now().UTC()
	scan := results.Scan{ID: uuid.New(), Repo: req.Repo, Status: results.ScanQueued, RequestedAt: now}
	if err := a.deps.Scans.Enqueue(ctx, scan.ID, scan.Repo, now); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	msg := bus.ScanRequested{
		ScanID:       scan.ID,
		Repo:         scan.Repo,
		LastModified: req.LastModified,
		RequestedAt:  now,
		Source:       "api",
	}
	if err := a.deps.Bus.PublishDedup(ctx, bus.SubjectRequested, msg.MsgID(), msg); err != nil {
		a.logger.Printf("ERROR api: publish scan request %s: %v", scan.Repo, err)
		respondError(w, http.StatusServiceUnavailable, fmt.Errorf("publish scan request: %w", err))
		return
	}
	a.logger.Printf("INFO api: queued scan %s for %s", scan.ID, scan.Repo)
	respondJSON(w, http.StatusAccepted, scan)
}

func (a *API) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid scan id"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	scan, err := a.deps.Scans.Get(ctx, id)
	if errors.Is(err, results.ErrScanNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, scan)
}

// handleInspect analyzes the request body synchronously. The container kind
// comes from ?kind= or, failing that, from the extension of ?filename=.
func (a *API) handleInspect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filename := strings.TrimSpace(q.Get("filename"))

	var kind container.Kind
	if raw := q.Get("kind"); raw != "" {
		k, err := container.ParseKind(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		kind = k
	} else if k, ok := container.KindFromPath(filename); ok {
		kind = k
	} else {
		respondError(w, http.StatusBadRequest, errors.New("kind or a .pb/.h5 filename is required"))
		return
	}

	if r.Body == nil {
		respondError(w, http.StatusBadRequest, errors.New("request body required"))
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.config.MaxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("artifact exceeds %d bytes", tooLarge.Limit))
			return
		}
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(data) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("request body required"))
		return
	}

	id := filename
	if id == "" {
		id = "upload"
	}
	rec, err := a.deps.Pipeline.Inspect(r.Context(), inspect.ArtifactHandle{
		ID:     id,
		Kind:   kind,
		Source: inspect.BytesSource(data),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if rec.ContainsCode {
		a.logger.Printf("WARN api: inspected upload %s carries a Lambda payload (sha256 %s)", id, rec.PayloadSHA256)
	}
	respondJSON(w, http.StatusOK, rec)
}

func (a *API) handleLatest(w http.ResponseWriter, r *http.Request) {
	repo, ok := repoParam(w, r)
	if !ok {
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	entry, err := a.deps.Analyses.Latest(ctx, repo)
	if errors.Is(err, results.ErrNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	repo, ok := repoParam(w, r)
	if !ok {
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	entries, err := a.deps.Analyses.History(ctx, repo)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if len(entries) == 0 {
		respondError(w, http.StatusNotFound, results.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"repo":     repo,
		"analyses": entries,
	})
}

// handleArtifact presigns a download of the quarantined copy of the latest
// analysis. Only artifacts found to carry code are quarantined.
func (a *API) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if a.deps.Presigner == nil || a.config.QuarantineBucket == "" {
		respondError(w, http.StatusFailedDependency, errors.New("quarantine bucket not configured"))
		return
	}
	repo, ok := repoParam(w, r)
	if !ok {
		return
	}
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	entry, err := a.deps.Analyses.Latest(ctx, repo)
	if errors.Is(err, results.ErrNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if entry.Record == nil || !entry.Record.ContainsCode || entry.File == "" {
		respondError(w, http.StatusNotFound, fmt.Errorf("no quarantined artifact for %s", repo))
		return
	}

	key := repo + "/" + entry.File
	url, err := a.deps.Presigner.PresignGet(ctx, a.config.QuarantineBucket, key, a.config.PresignTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("presign get: %w", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_at": a.now().UTC().Add(a.config.PresignTTL),
	})
}

// handleUpload hands out a presigned PUT into the intake bucket. The returned
// locator is what `bhakti check -f` accepts once the upload has finished.
func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	if a.deps.Presigner == nil || a.config.IntakeBucket == "" {
		respondError(w, http.StatusFailedDependency, errors.New("intake bucket not configured"))
		return
	}

	var req struct {
		Filename string `json:"filename"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	name := path.Base(strings.TrimSpace(req.Filename))
	if _, ok := container.KindFromPath(name); !ok {
		respondError(w, http.StatusBadRequest, errors.New("filename must name a .pb or .h5 artifact"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	key := fmt.Sprintf("uploads/%s/%s", uuid.New(), name)
	url, err := a.deps.Presigner.PresignPut(ctx, a.config.IntakeBucket, key, a.config.PresignTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("presign put: %w", err))
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"upload_url": url,
		"locator":    fmt.Sprintf("s3://%s/%s", a.config.IntakeBucket, key),
		"expires_at": a.now().UTC().Add(a.config.PresignTTL),
	})
}

func repoParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	repo := chi.URLParam(r, "author") + "/" + chi.URLParam(r, "model")
	if err := registry.ValidateRepo(repo); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return "", false
	}
	return repo, true
}
