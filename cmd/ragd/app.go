package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/events"
	"github.com/fyrsmithlabs/ragd/internal/ingest"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/retrieval"
	"github.com/fyrsmithlabs/ragd/internal/retry"
	"github.com/fyrsmithlabs/ragd/internal/services"
	"github.com/fyrsmithlabs/ragd/internal/status"
	"github.com/fyrsmithlabs/ragd/internal/telemetry"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// app holds every long-lived component of a running daemon.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	store     status.Store
	index     *vectorstore.Guarded
	client    *embeddings.Client
	publisher events.Publisher
	coord     *ingest.Coordinator
	svc       services.Service
}

// initObservability starts telemetry and builds the root logger on top of
// it. stderr routes console logs away from stdout.
func initObservability(ctx context.Context, cfg *config.Config, stderr bool) (*telemetry.Telemetry, *logging.Logger, error) {
	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	lcfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, nil, fmt.Errorf("invalid logging config: %w", err)
	}
	lcfg.Stderr = stderr
	logger, err := logging.NewLogger(lcfg, tel.LoggerProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if degraded, derr := tel.Degraded(); degraded && cfg.Telemetry.Enabled {
		logger.Warn(ctx, "telemetry running degraded", zap.Error(derr))
	}
	return tel, logger, nil
}

// newApp connects storage, the embedding provider and event publishing,
// then builds the ingestion coordinator, retrieval engine and service
// facade. Documents interrupted by a previous shutdown are resumed before
// it returns.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	guard := tenant.NewGuard(logger)
	policy := retry.FromConfig(cfg.Ingestion.Retry)

	provider, err := embeddings.NewProvider(cfg.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}
	a.client = embeddings.NewClient(provider, embeddings.ClientOptions{
		MaxBatchSize: cfg.Embeddings.BatchSize,
		RateLimit:    cfg.Embeddings.RateLimit,
		Burst:        cfg.Embeddings.Burst,
		Logger:       logger,
	})
	logger.Info(ctx, "embedding provider initialized",
		zap.String("provider", a.client.Provider()),
		zap.String("model", cfg.Embeddings.Model),
		zap.Int("dimension", a.client.Dimension()))

	a.index, err = vectorstore.Open(ctx, cfg.VectorStore, a.client.Dimension(), policy, guard)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	logger.Info(ctx, "vector store initialized", zap.String("provider", a.index.Name()))

	a.store, err = status.Open(cfg.StatusStore, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open status store: %w", err)
	}

	a.publisher, err = events.Open(cfg.Events, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open event publisher: %w", err)
	}

	opts, err := ingest.OptionsFromConfig(cfg.Ingestion)
	if err != nil {
		return nil, fmt.Errorf("invalid ingestion options: %w", err)
	}
	opts.Events = a.publisher
	opts.Logger = logger
	a.coord, err = ingest.New(a.store, a.client, a.index, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestion coordinator: %w", err)
	}

	resumed, err := a.coord.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover interrupted documents: %w", err)
	}
	if resumed > 0 {
		logger.Info(ctx, "resumed interrupted documents", zap.Int("count", resumed))
	}

	engine := retrieval.NewEngine(a.client, a.index, a.store, retrieval.Options{
		Defaults: cfg.Retrieval,
		Retry:    policy,
		Guard:    guard,
		Logger:   logger,
	})

	a.svc, err = services.New(services.Options{
		Coordinator: a.coord,
		Engine:      engine,
		Store:       a.store,
		Index:       a.index,
		Guard:       guard,
		Defaults:    cfg.Retrieval,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return a, nil
}

// close drains the pipeline first so in-flight documents reach a durable
// state, then releases storage and connections.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.coord != nil {
		if err := a.coord.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("coordinator close: %w", err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event publisher close: %w", err))
		}
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("vector store close: %w", err))
		}
	}
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("embedding provider close: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("status store close: %w", err))
		}
	}
	return errors.Join(errs...)
}
