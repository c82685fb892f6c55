package services

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/chunker"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/ingest"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/retrieval"
	"github.com/fyrsmithlabs/ragd/internal/retry"
	"github.com/fyrsmithlabs/ragd/internal/status"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// TestService is a Service on in-memory backends and the hash embedder.
type TestService struct {
	Service
	Coordinator *ingest.Coordinator
	Store       *status.Badger
	Index       *vectorstore.Guarded
	Logger      *logging.TestLogger
}

// NewTestService builds a TestService and closes it when tb ends.
func NewTestService(tb testing.TB) *TestService {
	tb.Helper()
	logger := logging.NewTestLogger()
	guard := tenant.NewGuard(logger.Logger)

	store, err := status.OpenBadger("", true, logger.Logger)
	if err != nil {
		tb.Fatalf("opening status store: %v", err)
	}
	inner, err := vectorstore.NewChromem(config.ChromemConfig{})
	if err != nil {
		tb.Fatalf("opening index: %v", err)
	}
	index := vectorstore.NewGuarded(inner, guard)
	client := embeddings.NewClient(embeddings.NewHashProvider(32), embeddings.ClientOptions{
		MaxBatchSize: 16,
		Logger:       logger.Logger,
	})
	policy := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond}

	coord, err := ingest.New(store, client, index, ingest.Options{
		Chunking:        chunker.Config{MaxSize: 200, Overlap: 20, Tolerance: chunker.DefaultTolerance},
		Workers:         2,
		QueueSize:       16,
		CallTimeout:     5 * time.Second,
		UpsertBatchSize: 10,
		MaxFileBytes:    1 << 20,
		Retry:           policy,
		Logger:          logger.Logger,
	})
	if err != nil {
		tb.Fatalf("creating coordinator: %v", err)
	}
	defaults := config.RetrievalConfig{TopK: 5, Threshold: -1, TokenBudget: 2000}
	engine := retrieval.NewEngine(client, index, store, retrieval.Options{
		Defaults: defaults,
		Retry:    policy,
		Guard:    guard,
		Logger:   logger.Logger,
	})

	svc, err := New(Options{
		Coordinator: coord,
		Engine:      engine,
		Store:       store,
		Index:       index,
		Guard:       guard,
		Defaults:    defaults,
		Logger:      logger.Logger,
	})
	if err != nil {
		tb.Fatalf("creating service: %v", err)
	}

	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Close(ctx)
		_ = store.Close()
	})
	return &TestService{Service: svc, Coordinator: coord, Store: store, Index: index, Logger: logger}
}

// WaitTerminal blocks until the document's pipeline has finished.
func (s *TestService) WaitTerminal(tb testing.TB, documentID string) *DocumentStatus {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	doc, err := s.Coordinator.Wait(ctx, documentID)
	if err != nil {
		tb.Fatalf("waiting for %s: %v", documentID, err)
	}
	return StatusOf(doc)
}
