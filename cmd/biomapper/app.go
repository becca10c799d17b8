package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/biomapper/biomapper/internal/actions"
	"github.com/biomapper/biomapper/internal/cache"
	"github.com/biomapper/biomapper/internal/capability"
	"github.com/biomapper/biomapper/internal/engine"
	"github.com/biomapper/biomapper/internal/logging"
	"github.com/biomapper/biomapper/internal/metamapping"
	"github.com/biomapper/biomapper/internal/metrics"
	"github.com/biomapper/biomapper/internal/objectstore"
	"github.com/biomapper/biomapper/internal/resources"
	"github.com/biomapper/biomapper/internal/store"
	"github.com/biomapper/biomapper/internal/strategy"
	"github.com/biomapper/biomapper/internal/streaming"
	"github.com/biomapper/biomapper/internal/validation"
)

// app is the wired process: every component built once from Config.
type app struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	store    *store.LibSQLStore
	caps     *capability.Registry
	catalog  *resources.Catalog
	mapper   *metamapping.Engine
	registry *actions.Registry
	library  *strategy.Library
	schema   *validation.JSONSchemaValidator
	engine   *engine.Engine
	events   *streaming.MemoryHub

	closers []func() error
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		metrics: metrics.New(),
		caps:    capability.NewRegistry(),
		catalog: resources.NewCatalog(),
		library: strategy.NewLibrary(),
		events:  streaming.NewMemoryHub(),
	}
	slog.SetDefault(a.logger)

	if err := a.openStore(ctx); err != nil {
		return nil, a.fail(err)
	}
	if err := a.loadResources(); err != nil {
		return nil, a.fail(err)
	}

	c, err := a.openCache(ctx)
	if err != nil {
		return nil, a.fail(err)
	}
	inv := resources.NewInvoker(resources.InvokerConfig{
		Timeout:         cfg.Resources.Timeout,
		Retry:           resources.RetryPolicy{MaxAttempts: cfg.Resources.MaxAttempts, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second},
		RateLimit:       cfg.Resources.RateLimit,
		BreakerFailures: cfg.Resources.BreakerFailures,
		BreakerCooldown: cfg.Resources.BreakerCooldown,
	}, a.caps, a.metrics, a.logger)
	a.mapper = metamapping.New(a.caps, a.catalog, inv, c, metamapping.Config{
		MaxPathLength: cfg.Metamapping.MaxPathLength,
		Concurrency:   cfg.Metamapping.Concurrency,
		Metrics:       a.metrics,
		Logger:        a.logger,
	})

	if a.schema, err = validation.NewJSONSchemaValidator(); err != nil {
		return nil, a.fail(err)
	}
	a.registry = actions.NewRegistry(a.schema)
	deps := actions.Deps{Resolver: a.mapper, OutputDir: cfg.OutputDir}
	if cfg.ObjectStore.Endpoint != "" {
		objects, err := objectstore.New(objectstore.Config(cfg.ObjectStore))
		if err != nil {
			return nil, a.fail(fmt.Errorf("object store: %w", err))
		}
		if err := objects.EnsureBucket(ctx, cfg.ObjectStore.Bucket); err != nil {
			return nil, a.fail(fmt.Errorf("object store: %w", err))
		}
		deps.Objects, deps.Bucket = objects, cfg.ObjectStore.Bucket
	}
	if err := actions.RegisterBuiltins(a.registry, deps); err != nil {
		return nil, a.fail(err)
	}

	if cfg.StrategiesDir != "" {
		if _, statErr := os.Stat(cfg.StrategiesDir); statErr == nil {
			if err := a.library.LoadDir(cfg.StrategiesDir, a.schema); err != nil {
				return nil, a.fail(err)
			}
		}
	}

	a.engine, err = engine.New(engine.Config{
		Registry:           a.registry,
		Library:            a.library,
		Store:              a.store,
		Metrics:            a.metrics,
		Logger:             a.logger,
		Events:             a.events,
		DefaultStepTimeout: cfg.StepTimeout,
	})
	if err != nil {
		return nil, a.fail(err)
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + a.cfg.DBPath)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, st.Close)
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	a.store = st
	return nil
}

func (a *app) loadResources() error {
	if a.cfg.ResourcesFile == "" {
		return nil
	}
	doc, err := resources.LoadFile(a.cfg.ResourcesFile)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: a.cfg.Resources.Timeout}
	return resources.Register(doc, filepath.Dir(a.cfg.ResourcesFile), client, a.catalog, a.caps)
}

func (a *app) openCache(ctx context.Context) (cache.Cache, error) {
	switch a.cfg.Cache.Backend {
	case "libsql":
		c := cache.NewLibSQLCache(a.store.DB())
		if err := c.Migrate(ctx); err != nil {
			return nil, err
		}
		return c, nil
	case "redis":
		c, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     a.cfg.Cache.RedisAddr,
			Password: a.cfg.Cache.RedisPassword,
			DB:       a.cfg.Cache.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, c.Close)
		return c, nil
	case "postgres":
		c, err := cache.NewPostgresCache(ctx, a.cfg.Cache.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, c.Close)
		return c, nil
	default:
		return cache.NewMemory(), nil
	}
}

// serveMetrics exposes /metrics on cfg.MetricsAddr until ctx is done. It is a
// no-op when no address is configured.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.logger.Info("metrics listening", "addr", a.cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func (a *app) fail(err error) error {
	_ = a.Close()
	return err
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
