package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bhakti/pkg/bus"
	"bhakti/pkg/db"
	"bhakti/pkg/fetch"
	"bhakti/pkg/inspect"
	"bhakti/pkg/registry"
	"bhakti/pkg/results"
	gos3 "bhakti/pkg/s3"
	"bhakti/pkg/telemetry"
	"bhakti/services/scanner"
	"bhakti/services/scanner/internal/config"
)

func main() {
	if err := run("scanner"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logs := scanner.NewLogBuffer(cfg.LogBufferBytes)
	var telemetryOpts []telemetry.Option
	if cfg.LogBucket != "" {
		telemetryOpts = append(telemetryOpts, telemetry.WithLogOutput(logs))
	}
	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName, telemetryOpts...)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	var s3Client *gos3.Client
	if cfg.QuarantineBucket != "" || cfg.LogBucket != "" {
		if s3Client, err = gos3.NewClientFromEnv(ctx); err != nil {
			return fmt.Errorf("init s3 client: %w", err)
		}
	}
	if cfg.LogBucket != "" {
		defer shipLogs(serviceName, s3Client, cfg.LogBucket, logs)
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	orm, err := db.ORM(pool)
	if err != nil {
		return fmt.Errorf("init orm: %w", err)
	}
	store, err := results.NewStore(orm)
	if err != nil {
		return err
	}
	scans, err := results.NewScans(pool)
	if err != nil {
		return err
	}

	eventBus, err := bus.New(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer eventBus.Close()
	if err := eventBus.EnsureStream(ctx, cfg.DedupWindow); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	hub := registry.New(
		registry.WithBaseURL(cfg.HubBaseURL),
		registry.WithToken(cfg.HubToken),
		registry.WithLogger(logger),
	)
	fetcher, err := fetch.New(cfg.DownloadDir, fetch.WithHub(hub))
	if err != nil {
		return err
	}
	pipeline := inspect.New(
		inspect.WithLogger(logger),
		inspect.WithMinStringLength(cfg.MinStringLength),
		inspect.WithPythonVersion(cfg.PythonVersion),
	)

	deps := scanner.Deps{
		Bus:      eventBus,
		Fetcher:  fetcher,
		Pipeline: pipeline,
		Results:  store,
		Scans:    scans,
		Metrics:  scanner.NewMetrics(prometheus.DefaultRegisterer),
		Logger:   logger,
	}
	if cfg.QuarantineBucket != "" {
		deps.Quarantine = s3Client
		deps.QuarantineBucket = cfg.QuarantineBucket
	}
	worker, err := scanner.NewWorker(deps)
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := worker.Start(ctx); err != nil {
		return err
	}
	defer worker.Close()

	if cfg.IdleTimeout > 0 {
		go func() {
			if worker.WaitIdle(ctx, cfg.IdleTimeout, 15*time.Second) {
				logger.Printf("INFO scanner idle for %s; shutting down", cfg.IdleTimeout)
				cancel()
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !eventBus.Connected() || db.Ping(r.Context(), pool) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO listening on %s", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("ERROR server failed: %v", err)
		return err
	}

	return nil
}

func shipLogs(serviceName string, store *gos3.Client, bucket string, logs *scanner.LogBuffer) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	host, _ := os.Hostname()
	data, dropped := logs.Bytes()
	key := scanner.LogKey(serviceName, host, time.Now())
	if err := scanner.ShipLogs(ctx, store, bucket, key, data); err != nil {
		fmt.Fprintf(os.Stderr, "%s: log shipping failed: %v\n", serviceName, err)
		return
	}
	if dropped {
		fmt.Fprintf(os.Stderr, "%s: shipped truncated logs to s3://%s/%s\n", serviceName, bucket, key)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
