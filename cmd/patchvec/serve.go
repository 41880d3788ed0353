package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"

	"patchvec/internal/admission"
	"patchvec/internal/archive"
	"patchvec/internal/auth"
	"patchvec/internal/config"
	"patchvec/internal/engine"
	"patchvec/internal/engine/embed"
	"patchvec/internal/engine/memdex"
	"patchvec/internal/engine/qdrantdex"
	"patchvec/internal/ingest"
	"patchvec/internal/metrics"
	"patchvec/internal/opslog"
	"patchvec/internal/server"
	"patchvec/internal/service"
	"patchvec/internal/store"
)

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.GetString("log.level", "info"))

	// The live config pointer: the tenants-file watcher swaps it so tenant
	// concurrency caps take effect without a restart.
	var current atomic.Pointer[config.Config]
	current.Store(cfg)

	dataDir := cfg.GetPath("data_dir", "./data")
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	embedder, err := embed.New(cfg.GetString("embedder.type", ""))
	if err != nil {
		return err
	}
	factory, err := engineFactory(cfg, embedder, logger)
	if err != nil {
		return err
	}

	st, err := store.New(store.Config{
		DataDir:       dataDir,
		NewEngine:     factory,
		MaxQueryChars: cfg.GetInt("vector_store.max_query_chars", 512),
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	pipeline := ingest.NewPipeline(st, ingest.Config{
		TxtChunkSize:    cfg.GetInt("preprocess.txt_chunk_size", 1000),
		TxtChunkOverlap: cfg.GetInt("preprocess.txt_chunk_overlap", 200),
		Logger:          logger,
	})

	gate := admission.New(admission.Config{
		MaxSearches:   cfg.GetInt("search.max_concurrent", 8),
		MaxIngests:    cfg.GetInt("ingest.max_concurrent", 4),
		SearchTimeout: time.Duration(cfg.GetInt("search.timeout_ms", 10000)) * time.Millisecond,
		TenantLimit: func(tenant string) int {
			return current.Load().TenantLimit(tenant)
		},
	})

	reg := metrics.NewRegistry(0)
	if err := reg.Load(filepath.Join(dataDir, metrics.FileName)); err != nil {
		logger.Warn("metrics state unreadable, starting fresh", "error", err)
	}

	ops, err := opslog.New(cfg.GetString("log.ops_log", ""))
	if err != nil {
		return fmt.Errorf("open ops log: %w", err)
	}
	defer ops.Close()

	svc := service.New(st, pipeline, gate, reg, ops, archive.New(st, logger), service.Config{
		CommonEnabled:    cfg.GetBool("common_enabled", false),
		CommonTenant:     cfg.GetString("common_tenant", "common"),
		CommonCollection: cfg.GetString("common_collection", "shared"),
		MaxFileSizeMB:    cfg.GetInt("ingest.max_file_size_mb", 0),
		BuildVersion:     version,
		BuildCommit:      commit,
		Logger:           logger,
	})

	authn, err := auth.New(authConfigFrom(cfg))
	if err != nil {
		return err
	}

	watcher, err := config.WatchTenants(ctx, configPath, cfg, func(fresh *config.Config) {
		current.Store(fresh)
		if err := authn.Update(authConfigFrom(fresh)); err != nil {
			logger.Warn("auth reload rejected, keeping previous keys", "error", err)
		}
	}, logger)
	if err != nil {
		return fmt.Errorf("watch tenants file: %w", err)
	}
	defer watcher.Close()

	logger.Info("warming up", "data_dir", dataDir)
	if err := svc.Warmup(ctx); err != nil {
		return err
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	if interval := cfg.GetInt("metrics.flush_interval_seconds", 30); interval > 0 {
		_, err := sched.NewJob(
			gocron.DurationJob(time.Duration(interval)*time.Second),
			gocron.NewTask(func() {
				if err := svc.FlushMetrics(); err != nil {
					logger.Warn("metrics flush failed", "error", err)
				}
			}),
			gocron.WithName("metrics-flush"),
		)
		if err != nil {
			return fmt.Errorf("schedule metrics flush: %w", err)
		}
	}
	sched.Start()

	srv := server.New(server.Config{
		Host:             cfg.GetString("server.host", "127.0.0.1"),
		Port:             cfg.GetInt("server.port", 8086),
		KeepAliveTimeout: cfg.GetInt("server.timeout_keep_alive", 5),
		CommonEnabled:    cfg.GetBool("common_enabled", false),
		CommonTenant:     cfg.GetString("common_tenant", "common"),
		CommonCollection: cfg.GetString("common_collection", "shared"),
		Auth:             authn,
		Service:          svc,
		Logger:           logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		_ = sched.Shutdown()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := sched.Shutdown(); err != nil {
		logger.Warn("scheduler shutdown error", "error", err)
	}
	if err := svc.FlushMetrics(); err != nil {
		logger.Warn("final metrics flush failed", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// authConfigFrom maps the config tree onto the authenticator policy.
// auth.api_keys maps bearer key to tenant.
func authConfigFrom(cfg *config.Config) auth.Config {
	return auth.Config{
		Mode:          cfg.GetString("auth.mode", "none"),
		GlobalKey:     cfg.GetString("auth.global_key", ""),
		APIKeys:       cfg.GetStringMap("auth.api_keys"),
		DefaultTenant: cfg.GetString("auth.default_access_tenant", ""),
		// PATCHVEC_DEV=1 or dev_mode: true in the file.
		DevMode: cfg.GetBool("dev", false) || cfg.GetBool("dev_mode", false),
	}
}

// engineFactory selects the per-collection engine backend.
func engineFactory(cfg *config.Config, embedder embed.Embedder, logger *slog.Logger) (store.EngineFactory, error) {
	typ := strings.ToLower(strings.TrimSpace(cfg.GetString("vector_store.type", "default")))
	switch typ {
	case "", "default", "memory":
		return func(tenant, collection string) (engine.Engine, error) {
			return memdex.New(memdex.Config{Embedder: embedder, Logger: logger}), nil
		}, nil
	case "qdrant":
		host := cfg.GetString("vector_store.qdrant.host", "127.0.0.1")
		port := cfg.GetInt("vector_store.qdrant.port", 6334)
		apiKey := cfg.GetString("vector_store.qdrant.api_key", "")
		useTLS := cfg.GetBool("vector_store.qdrant.use_tls", false)
		return func(tenant, collection string) (engine.Engine, error) {
			return qdrantdex.New(qdrantdex.Config{
				Host:       host,
				Port:       port,
				APIKey:     apiKey,
				UseTLS:     useTLS,
				Collection: fmt.Sprintf("pv_%s_%s", tenant, collection),
				Embedder:   embedder,
				Logger:     logger,
			})
		}, nil
	default:
		return nil, fmt.Errorf("unknown vector_store.type: %q", typ)
	}
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn", "warning":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
