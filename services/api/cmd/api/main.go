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

	"bhakti/pkg/bus"
	"bhakti/pkg/db"
	"bhakti/pkg/inspect"
	"bhakti/pkg/results"
	gos3 "bhakti/pkg/s3"
	"bhakti/pkg/telemetry"
	"bhakti/services/api"
	"bhakti/services/api/internal/config"
)

func main() {
	if err := run("api"); err != nil {
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

	deps := api.Deps{
		Scans:    scans,
		Analyses: store,
		Bus:      eventBus,
		Pipeline: inspect.New(
			inspect.WithLogger(logger),
			inspect.WithMinStringLength(cfg.MinStringLength),
			inspect.WithPythonVersion(cfg.PythonVersion),
		),
		Logger: logger,
		Ready: func(ctx context.Context) error {
			if !eventBus.Connected() {
				return errors.New("nats disconnected")
			}
			return db.Ping(ctx, pool)
		},
	}
	if cfg.NeedsObjectStore() {
		s3Client, err := gos3.NewClientFromEnv(ctx)
		if err != nil {
			return fmt.Errorf("init s3 client: %w", err)
		}
		deps.Presigner = s3Client
	}

	handlers, err := api.New(deps, api.Config{
		IntakeBucket:     cfg.IntakeBucket,
		QuarantineBucket: cfg.QuarantineBucket,
		PresignTTL:       cfg.PresignTTL,
		MaxUploadBytes:   cfg.MaxUploadBytes,
		AllowedOrigins:   cfg.AllowedOrigins,
		RateLimit:        cfg.RateLimit,
	})
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware(handlers.Routes()),
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
