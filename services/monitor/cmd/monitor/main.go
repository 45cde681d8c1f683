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
	"bhakti/pkg/registry"
	"bhakti/pkg/results"
	"bhakti/pkg/telemetry"
	"bhakti/services/monitor"
	"bhakti/services/monitor/internal/config"
)

func main() {
	if err := run("monitor"); err != nil {
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

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
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

	eventBus, err := bus.New(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer eventBus.Close()
	if err := eventBus.EnsureStream(ctx, cfg.DedupWindow); err != nil {
		return err
	}

	hub := registry.New(
		registry.WithBaseURL(cfg.HubBaseURL),
		registry.WithToken(cfg.HubToken),
		registry.WithLogger(logger),
	)
	mon, err := monitor.New(monitor.Deps{
		Hub:        hub,
		History:    store,
		Bus:        eventBus,
		Logger:     logger,
		Registerer: prometheus.DefaultRegisterer,
	}, monitor.Options{
		Search:      cfg.Search,
		PageLimit:   cfg.PageLimit,
		MaxPages:    cfg.MaxPages,
		MaxSiblings: cfg.MaxSiblings,
	})
	if err != nil {
		return fmt.Errorf("init monitor: %w", err)
	}

	if cfg.Once {
		_, err := mon.Poll(ctx)
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !eventBus.Connected() {
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
	go func() {
		if err := mon.Run(ctx, cfg.Interval); err != nil {
			logger.Printf("ERROR monitor stopped: %v", err)
		}
	}()

	logger.Printf("INFO listening on %s", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("ERROR server failed: %v", err)
		return err
	}

	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
