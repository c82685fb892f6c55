// Package ingest drives documents through parse, chunk, embed and index.
//
// Every document is one task on a bounded worker pool. Stages run strictly
// in order, and each stage's status is committed before its work starts,
// so a crash leaves a record that Recover can resume. Cancel and Delete
// against a running document only raise a flag; the worker checks it at
// stage boundaries, removes whatever it wrote to the index and ends the
// document Cancelled.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/chunker"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/events"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/parser"
	"github.com/fyrsmithlabs/ragd/internal/retry"
	"github.com/fyrsmithlabs/ragd/internal/secrets"
	"github.com/fyrsmithlabs/ragd/internal/status"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/ragd/internal/ingest"

// MimeExtractedText marks payloads that are already plain text. Parsing
// passes them through unchanged.
const MimeExtractedText = "text/x-ragd-extracted"

var (
	// ErrEmptyInput is returned for empty files or blank text.
	ErrEmptyInput = errors.New("document is empty")

	// ErrTooLarge is returned for uploads above Options.MaxFileBytes.
	ErrTooLarge = errors.New("document exceeds size limit")

	// ErrQueueFull is returned when no pipeline slot is free.
	ErrQueueFull = errors.New("ingestion queue is full")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coordinator is closed")
)

// Embedder is the embedding adapter used by the Embedding stage.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	MaxBatchSize() int
}

// Options configures a Coordinator.
type Options struct {
	Chunking        chunker.Config
	Workers         int
	QueueSize       int
	CallTimeout     time.Duration
	UpsertBatchSize int
	MaxFileBytes    int64
	Retry           retry.Policy

	// Scrubber redacts secrets from extracted text when set.
	Scrubber secrets.Redactor
	Events   events.Publisher
	Logger   *logging.Logger
}

// OptionsFromConfig maps the ingestion config section onto Options.
func OptionsFromConfig(c config.IngestionConfig) (Options, error) {
	opts := Options{
		Chunking: chunker.Config{
			MaxSize:   c.ChunkSize,
			Overlap:   c.ChunkOverlap,
			Tolerance: c.Tolerance,
		},
		Workers:         c.Workers,
		QueueSize:       c.QueueSize,
		CallTimeout:     c.CallTimeout,
		UpsertBatchSize: c.UpsertBatchSize,
		MaxFileBytes:    c.MaxFileBytes,
		Retry:           retry.FromConfig(c.Retry),
	}
	if c.ScrubSecrets {
		r, err := secrets.Open(c.SecretDetector)
		if err != nil {
			return Options{}, err
		}
		opts.Scrubber = r
	}
	return opts, nil
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.UpsertBatchSize <= 0 {
		o.UpsertBatchSize = 100
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = retry.DefaultPolicy()
	}
	if o.Events == nil {
		o.Events = events.Nop{}
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
}

// run tracks one queued or running document.
type run struct {
	id       string
	tenantID string

	done      chan struct{}
	cancelled atomic.Bool

	// deleteRequested purges the document if it finishes Indexed anyway.
	deleteRequested atomic.Bool
}

// Coordinator owns document pipelines.
type Coordinator struct {
	store    status.Store
	embedder Embedder
	index    vectorstore.Index
	chunker  *chunker.Chunker
	opts     Options
	logger   *logging.Logger
	tracer   trace.Tracer

	pool  *ants.Pool
	queue chan *run

	// baseCtx outlives requests; it ends only when Close gives up waiting.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup

	dispatcherDone chan struct{}
}

// New validates opts and starts the worker pool. An invalid chunking
// configuration fails here, before any document is accepted.
func New(store status.Store, embedder Embedder, index vectorstore.Index, opts Options) (*Coordinator, error) {
	opts.applyDefaults()
	ch, err := chunker.New(opts.Chunking)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger.Named("ingest")
	pool, err := ants.NewPool(opts.Workers,
		ants.WithLogger(logger),
		ants.WithPanicHandler(func(p any) {
			logger.Error(context.Background(), "pipeline worker panicked", zap.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:          store,
		embedder:       embedder,
		index:          index,
		chunker:        ch,
		opts:           opts,
		logger:         logger,
		tracer:         otel.Tracer(instrumentationName),
		pool:           pool,
		queue:          make(chan *run, opts.QueueSize),
		baseCtx:        baseCtx,
		cancelBase:     cancel,
		runs:           make(map[string]*run),
		dispatcherDone: make(chan struct{}),
	}
	go c.dispatch()
	return c, nil
}

// dispatch hands queued runs to the pool, blocking while every worker is busy.
func (c *Coordinator) dispatch() {
	defer close(c.dispatcherDone)
	for r := range c.queue {
		queueDepth.Set(float64(len(c.queue)))
		if err := c.pool.Submit(func() { c.process(r) }); err != nil {
			c.logger.Error(context.Background(), "submitting pipeline task", logging.DocumentID(r.id), zap.Error(err))
			c.finish(r)
		}
	}
}

// Submit records a new Pending document and queues it. The record is
// durable before Submit returns.
func (c *Coordinator) Submit(ctx context.Context, tenantID string, data []byte, fileName, mimeType string) (*status.Document, error) {
	if _, err := tenant.NamespaceFor(tenantID); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}
	if c.opts.MaxFileBytes > 0 && int64(len(data)) > c.opts.MaxFileBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), c.opts.MaxFileBytes)
	}
	if mimeType != MimeExtractedText {
		if f, err := parser.Resolve(mimeType, fileName); err == nil {
			mimeType = f.MimeType()
		}
	}

	doc := &status.Document{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		SourceName: fileName,
		MimeType:   mimeType,
		State:      status.Pending,
		SizeBytes:  int64(len(data)),
	}
	if err := c.store.Create(ctx, doc, data); err != nil {
		return nil, fmt.Errorf("creating document record: %w", err)
	}
	c.publish(ctx, doc)

	if err := c.enqueue(doc.ID, tenantID); err != nil {
		// The record never reached a worker; drop it so the rejected
		// request leaves nothing behind.
		if derr := c.store.Delete(context.WithoutCancel(ctx), doc.ID); derr != nil {
			c.logger.Error(ctx, "removing rejected document", logging.DocumentID(doc.ID), zap.Error(derr))
		}
		return nil, err
	}

	c.logger.Info(ctx, "document submitted",
		logging.DocumentID(doc.ID), logging.TenantID(tenantID),
		zap.String("source_name", fileName), zap.Int64("size_bytes", doc.SizeBytes))
	return doc, nil
}

// IngestText submits already extracted text. Parsing is a pass-through.
func (c *Coordinator) IngestText(ctx context.Context, tenantID, text, sourceName string) (*status.Document, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	return c.Submit(ctx, tenantID, []byte(text), sourceName, MimeExtractedText)
}

func (c *Coordinator) enqueue(id, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.runs[id]; ok {
		return nil
	}
	r := &run{id: id, tenantID: tenantID, done: make(chan struct{})}
	select {
	case c.queue <- r:
	default:
		return ErrQueueFull
	}
	c.runs[id] = r
	c.wg.Add(1)
	inFlight.Inc()
	queueDepth.Set(float64(len(c.queue)))
	return nil
}

func (c *Coordinator) finish(r *run) {
	c.retire(r)
	close(r.done)
	inFlight.Dec()
	c.wg.Done()
}

// retire removes r from the run table and reports whether a delete was
// requested while it was registered. Flags are only set under c.mu, so a
// request that misses r here finds the final record instead.
func (c *Coordinator) retire(r *run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runs, r.id)
	return r.deleteRequested.Load()
}

func (c *Coordinator) lookup(id string) *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[id]
}

// Cancel stops a document. Terminal documents are left as they are.
// A running document is flagged and ends Cancelled at its next stage
// boundary.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	for attempt := 1; ; attempt++ {
		doc, err := c.claim(ctx, id, func(r *run) { r.cancelled.Store(true) })
		if err != nil {
			return err
		}
		if doc == nil {
			c.logger.Info(ctx, "cancellation requested", logging.DocumentID(id))
			return nil
		}
		if doc.State.Terminal() {
			return nil
		}

		// Not running: an interrupted record that Recover has not picked
		// up. The record is settled first so a concurrent writer that
		// finished it keeps its vectors.
		err = c.commitTerminal(ctx, doc, status.Cancelled, "")
		if errors.Is(err, status.ErrVersionConflict) && attempt < maxRedecide {
			continue
		}
		if err != nil {
			return err
		}
		return c.rollback(ctx, doc, doc.ChunkCount)
	}
}

// Delete removes a document, its chunks and its vectors. A running
// document is cancelled instead: its worker removes the vectors and the
// record stays Cancelled.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	doc, err := c.claim(ctx, id, func(r *run) {
		r.deleteRequested.Store(true)
		r.cancelled.Store(true)
	})
	if err != nil {
		return err
	}
	if doc == nil {
		c.logger.Info(ctx, "delete requested for running document", logging.DocumentID(id))
		return nil
	}
	return c.purge(ctx, doc)
}

// maxRedecide bounds how often Cancel and purge re-read a record that
// another writer changed underneath them.
const maxRedecide = 5

// claim applies flag to the registered run of id and returns nil, or
// returns the current record when id has no run. The run table is read
// before the record: a run leaves the table only after its last commit,
// so a record read after an empty lookup is never older than that run's
// outcome. The table is checked again in case Recover queued id meanwhile.
func (c *Coordinator) claim(ctx context.Context, id string, flag func(*run)) (*status.Document, error) {
	if c.flagRun(id, flag) {
		return nil, nil
	}
	doc, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.flagRun(id, flag) {
		return nil, nil
	}
	return doc, nil
}

func (c *Coordinator) flagRun(id string, flag func(*run)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[id]
	if ok {
		flag(r)
	}
	return ok
}

// purge removes an idle document's vectors and then its record. When the
// record changed while its vectors were removed, the removal is repeated
// with the fresh chunk count.
func (c *Coordinator) purge(ctx context.Context, doc *status.Document) error {
	for attempt := 1; ; attempt++ {
		if err := c.rollback(ctx, doc, doc.ChunkCount); err != nil {
			return err
		}
		fresh, err := c.store.Get(ctx, doc.ID)
		if errors.Is(err, status.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if fresh.Version == doc.Version {
			break
		}
		if attempt >= maxRedecide {
			return fmt.Errorf("%w: %s kept changing during delete", status.ErrVersionConflict, doc.ID)
		}
		doc = fresh
	}
	if err := c.store.Delete(ctx, doc.ID); err != nil {
		return fmt.Errorf("deleting document record: %w", err)
	}
	c.logger.Info(ctx, "document deleted", logging.DocumentID(doc.ID), logging.TenantID(doc.TenantID))
	return nil
}

// DeleteTenant cancels the tenant's running documents, waits for them,
// drops the tenant namespace and removes every record. It returns the
// number of records removed.
func (c *Coordinator) DeleteTenant(ctx context.Context, tenantID string) (int, error) {
	ns, err := tenant.NamespaceFor(tenantID)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	var running []*run
	for _, r := range c.runs {
		if r.tenantID == tenantID {
			r.deleteRequested.Store(true)
			r.cancelled.Store(true)
			running = append(running, r)
		}
	}
	c.mu.Unlock()

	for _, r := range running {
		select {
		case <-r.done:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	if err := c.index.DeleteNamespace(ctx, ns); err != nil {
		return 0, fmt.Errorf("dropping namespace: %w", err)
	}
	docs, err := c.store.List(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	for _, d := range docs {
		if err := c.store.Delete(ctx, d.ID); err != nil {
			return 0, fmt.Errorf("deleting document %s: %w", d.ID, err)
		}
	}
	c.logger.Info(ctx, "tenant data deleted", logging.TenantID(tenantID), zap.Int("documents", len(docs)))
	return len(docs), nil
}

// Recover resumes documents left non-terminal by a previous process.
// Documents whose payload is gone are marked Failed. It returns the
// number of documents re-queued.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	docs, err := c.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active documents: %w", err)
	}

	resumed := 0
	for _, doc := range docs {
		if c.lookup(doc.ID) != nil {
			continue
		}
		if _, err := c.store.Payload(ctx, doc.ID); err != nil {
			if !errors.Is(err, status.ErrNotFound) {
				return resumed, err
			}
			if err := c.rollback(ctx, doc, doc.ChunkCount); err != nil {
				c.logger.Error(ctx, "rolling back interrupted document", logging.DocumentID(doc.ID), zap.Error(err))
			}
			if err := c.commitTerminal(ctx, doc, status.Failed, "interrupted before completion"); err != nil {
				return resumed, err
			}
			continue
		}
		if err := c.enqueue(doc.ID, doc.TenantID); err != nil {
			return resumed, err
		}
		resumed++
	}
	if resumed > 0 {
		c.logger.Info(ctx, "resumed interrupted documents", zap.Int("count", resumed))
	}
	return resumed, nil
}

// Wait blocks until id has no queued or running pipeline and returns
// its stored record.
func (c *Coordinator) Wait(ctx context.Context, id string) (*status.Document, error) {
	if r := c.lookup(id); r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.store.Get(ctx, id)
}

// InFlight reports whether id is queued or running.
func (c *Coordinator) InFlight(id string) bool {
	return c.lookup(id) != nil
}

// Close stops accepting documents and waits for running pipelines until
// ctx ends. Pipelines still running then are interrupted and left in
// their last committed stage for Recover.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		c.cancelBase()
		<-done
		err = ctx.Err()
	}
	c.cancelBase()
	<-c.dispatcherDone
	c.pool.Release()
	return err
}

// rollback deletes the vector IDs a run of n chunks would have written.
func (c *Coordinator) rollback(ctx context.Context, doc *status.Document, n int) error {
	if n <= 0 {
		return nil
	}
	ns, err := tenant.NamespaceFor(doc.TenantID)
	if err != nil {
		return err
	}
	ids := VectorIDs(doc.ID, n)
	_, err = retry.Do(ctx, c.opts.Retry, isTransientIndexErr, nil, func(ctx context.Context) (struct{}, error) {
		cctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
		return struct{}{}, c.index.Delete(cctx, ns, ids)
	})
	if err != nil {
		return fmt.Errorf("removing vectors of %s: %w", doc.ID, err)
	}
	return nil
}

// commitTerminal moves an idle document to Failed or Cancelled.
func (c *Coordinator) commitTerminal(ctx context.Context, doc *status.Document, next status.State, reason string) error {
	d := doc.Clone()
	if err := d.Transition(next, reason); err != nil {
		return err
	}
	d.ChunkCount = 0
	if err := c.store.Update(ctx, d); err != nil {
		return err
	}
	documentsTotal.WithLabelValues(string(next)).Inc()
	c.publish(ctx, d)
	return nil
}

func (c *Coordinator) publish(ctx context.Context, doc *status.Document) {
	if err := c.opts.Events.Publish(ctx, events.FromDocument(doc)); err != nil {
		c.logger.Warn(ctx, "publishing lifecycle event", logging.DocumentID(doc.ID), zap.Error(err))
	}
}

// VectorID is the index ID of chunk i of a document.
func VectorID(documentID string, i int) string {
	return documentID + "_" + strconv.Itoa(i)
}

// VectorIDs returns the IDs of chunks 0..n-1.
func VectorIDs(documentID string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = VectorID(documentID, i)
	}
	return ids
}

func isTransientIndexErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
