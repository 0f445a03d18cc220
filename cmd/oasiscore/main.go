// Binary oasiscore is the HTTP/SSE reference server for the Agentic
// Chat Core: it wires the store, versioned blob tree, event bus,
// session registry, tool set, and LLM engine together behind the
// §6.1 JSON/SSE surface. Everything this binary does beyond that
// wiring — auth, routing frameworks, user management — is out of
// scope per spec.md §1 and left to whatever front end embeds the
// core in production.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	oasis "github.com/oasisflow/core"
	"github.com/oasisflow/core/bus"
	"github.com/oasisflow/core/internal/config"
	"github.com/oasisflow/core/internal/telemetry"
	"github.com/oasisflow/core/provider/resolve"
	"github.com/oasisflow/core/registry"
	"github.com/oasisflow/core/storage"
	"github.com/oasisflow/core/store"
	"github.com/oasisflow/core/store/postgres"
	"github.com/oasisflow/core/store/sqlite"
)

func main() {
	var configPath string
	var addr string
	flag.StringVar(&configPath, "config", "", "path to oasiscore.toml (default: ./oasiscore.toml, missing file is not an error)")
	flag.StringVar(&addr, "addr", ":8080", "HTTP listen address")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg := config.Load(configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	inst, shutdownTelemetry, err := initTelemetry(ctx, logger)
	if err != nil {
		logger.Error("oasiscore: telemetry init failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("oasiscore: telemetry shutdown failed", "err", err)
		}
	}()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("oasiscore: store init failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	if err := st.Init(ctx); err != nil {
		logger.Error("oasiscore: store schema init failed", "err", err)
		os.Exit(1)
	}

	blobs := storage.New(cfg.Storage.BasePath, storage.WithTelemetry(inst))
	if err := blobs.Init(ctx); err != nil {
		logger.Error("oasiscore: blob store init failed", "err", err)
		os.Exit(1)
	}

	engine, err := buildEngine(cfg)
	if err != nil {
		logger.Error("oasiscore: engine init failed", "err", err)
		os.Exit(1)
	}

	app := &App{
		store:    st,
		blobs:    blobs,
		bus:      bus.New(bus.WithLogger(logger)),
		registry: registry.New(),
		engine:   telemetry.WrapEngine(engine, inst),
		inst:     inst,
		cfg:      cfg,
		logger:   logger,
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           otelWrap(app.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("oasiscore: listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("oasiscore: server exited", "err", err)
		os.Exit(1)
	}
}

func initTelemetry(ctx context.Context, logger *slog.Logger) (*telemetry.Instruments, func(context.Context) error, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		logger.Info("oasiscore: OTEL_EXPORTER_OTLP_ENDPOINT unset, running with no-op telemetry")
		inst, err := telemetry.NewNoop()
		return inst, func(context.Context) error { return nil }, err
	}
	return telemetry.Init(ctx, "oasiscore")
}

// openStore picks postgres when a connection string is configured,
// falling back to the embedded SQLite store for local development,
// mirroring the teacher's cmd/oasis choice of a single concrete
// store.Store at the composition root.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.Database.ConnectionString != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.ConnectionString)
		if err != nil {
			return nil, func() {}, err
		}
		if cfg.Database.PoolSize > 0 {
			poolCfg.MaxConns = int32(cfg.Database.PoolSize)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, func() {}, err
		}
		st := postgres.New(pool, postgres.WithStatementTimeout(30000))
		return st, pool.Close, nil
	}

	dbPath := os.Getenv("OASISCORE_SQLITE_PATH")
	if dbPath == "" {
		dbPath = "oasiscore.db"
	}
	st := sqlite.New(dbPath)
	return st, func() { _ = st.Close() }, nil
}

// buildEngine resolves the configured default AI provider into an
// oasis.LLMEngine via provider/resolve, the same provider-agnostic
// entrypoint the actor's SpawnConfig.Engine expects.
func buildEngine(cfg config.Config) (oasis.LLMEngine, error) {
	name := cfg.AI.DefaultProvider
	pcfg := cfg.AI.Providers[name]
	return resolve.Provider(resolve.Config{
		Provider: name,
		APIKey:   pcfg.APIKey,
		Model:    pcfg.Model,
	})
}
