// Package api serves the bhakti HTTP surface: scan requests, stored analyses,
// synchronous inspection and presigned artifact transfers.
package api

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bhakti/pkg/inspect"
	"bhakti/pkg/results"
)

const (
	defaultPresignTTL     = 15 * time.Minute
	defaultMaxUploadBytes = 64 << 20
)

// ScanQueue records scan requests.
type ScanQueue interface {
	Enqueue(ctx context.Context, id uuid.UUID, repo string, at time.Time) error
	Get(ctx context.Context, id uuid.UUID) (results.Scan, error)
}

// Analyses reads stored analyses.
type Analyses interface {
	Latest(ctx context.Context, repo string) (results.Entry, error)
	History(ctx context.Context, repo string) ([]results.Entry, error)
}

// Publisher sends deduplicated bus messages.
type Publisher interface {
	PublishDedup(ctx context.Context, subj, msgID string, v any) error
}

// Presigner hands out time-limited object URLs.
type Presigner interface {
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	PresignPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Deps holds the API's collaborators. Presigner is optional; the transfer
// routes answer 424 without it.
type Deps struct {
	Scans     ScanQueue
	Analyses  Analyses
	Bus       Publisher
	Presigner Presigner
	Pipeline  *inspect.Pipeline
	Logger    *log.Logger
	// Ready reports dependency health for /readyz. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	IntakeBucket     string
	QuarantineBucket string
	PresignTTL       time.Duration
	MaxUploadBytes   int64
	AllowedOrigins   []string
	// RateLimit is the number of requests per minute per client; 0 disables it.
	RateLimit int
}

// API wires dependencies and configuration for HTTP handlers.
type API struct {
	deps   Deps
	config Config
	logger *log.Logger
	now    func() time.Time
}

// New validates deps and applies defaults to cfg.
func New(deps Deps, cfg Config) (*API, error) {
	if deps.Scans == nil {
		return nil, errors.New("scan queue is required")
	}
	if deps.Analyses == nil {
		return nil, errors.New("analyses store is required")
	}
	if deps.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if deps.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = defaultPresignTTL
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	cfg.IntakeBucket = strings.TrimSpace(cfg.IntakeBucket)
	cfg.QuarantineBucket = strings.TrimSpace(cfg.QuarantineBucket)

	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &API{deps: deps, config: cfg, logger: logger, now: time.Now}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	allowed := a.config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if a.config.RateLimit > 0 {
			r.Use(httprate.LimitByIP(a.config.RateLimit, time.Minute))
		}
		r.Post("/scans", a.handleCreateScan)
		r.Get("/scans/{id}", a.handleGetScan)
		r.Post("/inspect", a.handleInspect)
		r.Post("/uploads", a.handleUpload)
		r.Route("/analyses/{author}/{model}", func(r chi.Router) {
			r.Get("/", a.handleLatest)
			r.Get("/history", a.handleHistory)
			r.Get("/artifact", a.handleArtifact)
		})
	})
	return r
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.deps.Ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}
