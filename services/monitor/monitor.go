// Package monitor polls the hub model listing and requests scans for Keras
// models that are new or changed since their last analysis.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"bhakti/pkg/bus"
	"bhakti/pkg/registry"
)

// DefaultMaxSiblings skips repositories with more files than this.
const DefaultMaxSiblings = 100

// Lister pages through the hub model listing.
type Lister interface {
	ListURL(search string, limit int) string
	ListModels(ctx context.Context, pageURL string) ([]registry.Model, string, error)
}

// History reports when a repository was last analyzed.
type History interface {
	LastModified(ctx context.Context, repo string) (time.Time, bool, error)
}

// Publisher enqueues deduplicated scan requests.
type Publisher interface {
	PublishDedup(ctx context.Context, subj, msgID string, v any) error
}

// Deps wires a Monitor.
type Deps struct {
	Hub     Lister
	History History
	Bus     Publisher
	Logger  *log.Logger
	// Registerer receives the monitor's collectors when set.
	Registerer prometheus.Registerer
}

// Options tune a poll.
type Options struct {
	Search      string
	PageLimit   int
	MaxPages    int
	MaxSiblings int
}

// Stats summarizes one poll.
type Stats struct {
	Pages     int
	Models    int
	Keras     int
	TooLarge  int
	Unchanged int
	Requested int
	Failed    int
}

// Monitor finds Keras models that need a scan.
type Monitor struct {
	deps   Deps
	opts   Options
	logger *log.Logger
	now    func() time.Time

	requested prometheus.Counter
	lastPoll  prometheus.Gauge
}

func New(deps Deps, opts Options) (*Monitor, error) {
	if deps.Hub == nil {
		return nil, errors.New("hub client is required")
	}
	if deps.History == nil {
		return nil, errors.New("history is required")
	}
	if deps.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if opts.MaxSiblings <= 0 {
		opts.MaxSiblings = DefaultMaxSiblings
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	reg := deps.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Monitor{
		deps:   deps,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		requested: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bhakti",
			Subsystem: "monitor",
			Name:      "scan_requests_total",
			Help:      "Scan requests published for new or changed models.",
		}),
		lastPoll: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "bhakti",
			Subsystem: "monitor",
			Name:      "last_poll_timestamp_seconds",
			Help:      "Completion time of the last successful poll.",
		}),
	}, nil
}

// Run polls immediately and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("interval must be positive")
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		stats, err := m.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			m.logger.Printf("ERROR monitor: poll failed after %d pages: %v", stats.Pages, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Poll walks the listing once and publishes a request for every Keras model
// whose hub modification time is newer than the stored analysis.
func (m *Monitor) Poll(ctx context.Context) (Stats, error) {
	var stats Stats
	page := m.deps.Hub.ListURL(m.opts.Search, m.opts.PageLimit)
	for page != "" {
		if m.opts.MaxPages > 0 && stats.Pages >= m.opts.MaxPages {
			m.logger.Printf("INFO monitor: stopping after %d pages", stats.Pages)
			break
		}
		models, next, err := m.deps.Hub.ListModels(ctx, page)
		if err != nil {
			return stats, err
		}
		stats.Pages++
		for i := range models {
			if err := m.consider(ctx, &models[i], &stats); err != nil {
				return stats, err
			}
		}
		page = next
	}

	m.lastPoll.Set(float64(m.now().Unix()))
	m.logger.Printf("INFO monitor: %d pages, %d models, %d keras, %d requested, %d unchanged, %d too large, %d failed",
		stats.Pages, stats.Models, stats.Keras, stats.Requested, stats.Unchanged, stats.TooLarge, stats.Failed)
	return stats, nil
}

func (m *Monitor) consider(ctx context.Context, model *registry.Model, stats *Stats) error {
	stats.Models++
	if _, ok := model.KerasFile(); !ok {
		return nil
	}
	stats.Keras++
	repo := model.ID
	if err := registry.ValidateRepo(repo); err != nil {
		m.logger.Printf("WARN monitor: skipping %v", err)
		return nil
	}

	needed, err := m.updateNeeded(ctx, repo, model.LastModified)
	if err != nil {
		stats.Failed++
		m.logger.Printf("ERROR monitor: history lookup for %s: %v", repo, err)
		return nil
	}
	if !needed {
		stats.Unchanged++
		m.logger.Printf("DEBUG monitor: %s is up to date", repo)
		return nil
	}
	if len(model.Siblings) > m.opts.MaxSiblings {
		stats.TooLarge++
		m.logger.Printf("INFO monitor: skipping %s with %d files", repo, len(model.Siblings))
		return nil
	}

	req := bus.ScanRequested{
		ScanID:      uuid.New(),
		Repo:        repo,
		RequestedAt: m.now().UTC(),
		Source:      "monitor",
	}
	if !model.LastModified.IsZero() {
		lm := model.LastModified.UTC()
		req.LastModified = &lm
	}
	if err := m.deps.Bus.PublishDedup(ctx, bus.SubjectRequested, req.MsgID(), req); err != nil {
		return fmt.Errorf("publish %s: %w", repo, err)
	}
	stats.Requested++
	m.requested.Inc()
	m.logger.Printf("INFO monitor: requested scan of %s (modified %s)", repo, model.LastModified.Format(time.RFC3339))
	return nil
}

func (m *Monitor) updateNeeded(ctx context.Context, repo string, modified time.Time) (bool, error) {
	last, ok, err := m.deps.History.LastModified(ctx, repo)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return modified.After(last), nil
}
