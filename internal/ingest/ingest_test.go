package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/chunker"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/events"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/retry"
	"github.com/fyrsmithlabs/ragd/internal/secrets"
	"github.com/fyrsmithlabs/ragd/internal/status"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// testProvider wraps the hash embedder with scripted failures and an
// optional gate that holds every call until it is opened.
type testProvider struct {
	*embeddings.HashProvider

	mu    sync.Mutex
	errs  []error
	calls atomic.Int32

	gate    chan struct{}
	entered chan struct{}
}

func newTestProvider() *testProvider {
	return &testProvider{HashProvider: embeddings.NewHashProvider(16)}
}

func (p *testProvider) Name() string { return "test" }

func (p *testProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.calls.Add(1)
	if p.entered != nil {
		select {
		case p.entered <- struct{}{}:
		default:
		}
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()
	return p.HashProvider.Embed(ctx, texts)
}

// gated makes every call wait until the returned release func runs.
func (p *testProvider) gated(t *testing.T) (release func()) {
	p.gate = make(chan struct{})
	p.entered = make(chan struct{}, 1)
	var once sync.Once
	release = func() { once.Do(func() { close(p.gate) }) }
	t.Cleanup(release)
	return release
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) states(docID string) []status.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []status.State
	for _, e := range r.events {
		if e.DocumentID == docID {
			out = append(out, e.State)
		}
	}
	return out
}

// racingStore runs a one-shot hook between reading a record and handing
// it back, so a caller works from a snapshot that is already stale.
type racingStore struct {
	status.Store
	afterGet atomic.Pointer[func(doc *status.Document)]
}

func (s *racingStore) Get(ctx context.Context, id string) (*status.Document, error) {
	doc, err := s.Store.Get(ctx, id)
	if err == nil {
		if hook := s.afterGet.Swap(nil); hook != nil {
			(*hook)(doc.Clone())
		}
	}
	return doc, err
}

func (s *racingStore) onNextGet(hook func(doc *status.Document)) {
	s.afterGet.Store(&hook)
}

type fixture struct {
	coord    *Coordinator
	store    *status.Badger
	racing   *racingStore
	index    *vectorstore.Guarded
	provider *testProvider
	events   *recordingPublisher
	logger   *logging.TestLogger
}

func testOptions() Options {
	return Options{
		Chunking:        chunker.Config{MaxSize: 500, Overlap: 50, Tolerance: chunker.DefaultTolerance},
		Workers:         2,
		QueueSize:       16,
		CallTimeout:     5 * time.Second,
		UpsertBatchSize: 3,
		MaxFileBytes:    1 << 20,
		Retry: retry.Policy{
			MaxAttempts: 4,
			BaseDelay:   time.Millisecond,
			Multiplier:  2,
			MaxDelay:    5 * time.Millisecond,
		},
	}
}

func newFixture(t *testing.T, configure ...func(*Options, *[]vectorstore.GuardOption)) *fixture {
	t.Helper()
	logger := logging.NewTestLogger()

	store, err := status.OpenBadger("", true, logger.Logger)
	require.NoError(t, err)

	opts := testOptions()
	var guardOpts []vectorstore.GuardOption
	for _, fn := range configure {
		fn(&opts, &guardOpts)
	}

	inner, err := vectorstore.NewChromem(config.ChromemConfig{})
	require.NoError(t, err)
	index := vectorstore.NewGuarded(inner, tenant.NewGuard(logger.Logger), guardOpts...)

	provider := newTestProvider()
	client := embeddings.NewClient(provider, embeddings.ClientOptions{MaxBatchSize: 8, Logger: logger.Logger})

	pub := &recordingPublisher{}
	opts.Events = pub
	opts.Logger = logger.Logger

	racing := &racingStore{Store: store}
	coord, err := New(racing, client, index, opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Close(ctx)
		_ = store.Close()
	})
	return &fixture{coord: coord, store: store, racing: racing, index: index, provider: provider, events: pub, logger: logger}
}

func (f *fixture) wait(t *testing.T, id string) *status.Document {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	doc, err := f.coord.Wait(ctx, id)
	require.NoError(t, err)
	return doc
}

func (f *fixture) vectorCount(t *testing.T, tenantID string) int {
	t.Helper()
	n, err := f.index.Count(context.Background(), tenant.MustNamespace(tenantID))
	require.NoError(t, err)
	return n
}

// assertMonotonic checks that the published states form a valid path.
func (f *fixture) assertMonotonic(t *testing.T, id string) []status.State {
	t.Helper()
	states := f.events.states(id)
	for i := 1; i < len(states); i++ {
		assert.True(t, states[i-1].CanTransition(states[i]),
			"invalid transition %s -> %s in %v", states[i-1], states[i], states)
	}
	return states
}

func threePages() []byte {
	page := strings.Repeat("a", 998)
	return []byte(strings.Join([]string{page, page, page}, "\n\n"))
}

func transient(msg string) error {
	return &embeddings.TransientError{Provider: "test", Err: errors.New(msg)}
}

func TestThreePageDocumentIsIndexed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.coord.Submit(ctx, "acme", threePages(), "report.txt", "text/plain")
	require.NoError(t, err)
	assert.Equal(t, status.Pending, doc.State)

	got := f.wait(t, doc.ID)
	assert.Equal(t, status.Indexed, got.State)
	assert.Equal(t, 7, got.ChunkCount)
	assert.Empty(t, got.ErrorReason)

	chunks, err := f.store.Chunks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 7)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, VectorID(doc.ID, i), c.VectorID)
		assert.Positive(t, c.TokenEstimate)
	}
	assert.Equal(t, 7, f.vectorCount(t, "acme"))

	_, err = f.store.Payload(ctx, doc.ID)
	assert.ErrorIs(t, err, status.ErrNotFound)

	assert.Equal(t, []status.State{
		status.Pending, status.Parsing, status.Chunking, status.Embedding, status.Indexing, status.Indexed,
	}, f.assertMonotonic(t, doc.ID))
}

func TestDeleteBeforeEmbeddingCompletes(t *testing.T) {
	f := newFixture(t)
	release := f.provider.gated(t)
	ctx := context.Background()

	doc, err := f.coord.Submit(ctx, "acme", threePages(), "report.txt", "text/plain")
	require.NoError(t, err)

	select {
	case <-f.provider.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("embedding never started")
	}
	require.NoError(t, f.coord.Delete(ctx, doc.ID))
	release()

	got := f.wait(t, doc.ID)
	assert.Equal(t, status.Cancelled, got.State)
	assert.Zero(t, got.ChunkCount)
	assert.Zero(t, f.vectorCount(t, "acme"))

	states := f.assertMonotonic(t, doc.ID)
	assert.Equal(t, status.Cancelled, states[len(states)-1])
	assert.NotContains(t, states, status.Indexing)
}

func TestTransientFailuresWithinBoundAreRetried(t *testing.T) {
	f := newFixture(t)
	f.provider.errs = []error{transient("attempt 1: rate limited"), transient("attempt 2: rate limited")}

	doc, err := f.coord.IngestText(context.Background(), "acme", "short note about retries", "note")
	require.NoError(t, err)

	got := f.wait(t, doc.ID)
	assert.Equal(t, status.Indexed, got.State)
	assert.Equal(t, int32(3), f.provider.calls.Load())
	f.logger.AssertField(t, "retrying after transient failure", "stage", string(status.Embedding))
}

func TestTransientFailuresBeyondBoundFail(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 4; i++ {
		f.provider.errs = append(f.provider.errs, transient(fmt.Sprintf("attempt %d: rate limited", i)))
	}

	doc, err := f.coord.IngestText(context.Background(), "acme", "short note about retries", "note")
	require.NoError(t, err)

	got := f.wait(t, doc.ID)
	assert.Equal(t, status.Failed, got.State)
	assert.Contains(t, got.ErrorReason, "attempt 4: rate limited")
	assert.Equal(t, int32(4), f.provider.calls.Load())
	assert.Zero(t, f.vectorCount(t, "acme"))
	f.assertMonotonic(t, doc.ID)
}

func TestPermanentEmbeddingErrorIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.provider.errs = []error{&embeddings.PermanentError{Provider: "test", Err: errors.New("invalid input")}}

	doc, err := f.coord.IngestText(context.Background(), "acme", "some text", "note")
	require.NoError(t, err)

	got := f.wait(t, doc.ID)
	assert.Equal(t, status.Failed, got.State)
	assert.Contains(t, got.ErrorReason, "invalid input")
	assert.Equal(t, int32(1), f.provider.calls.Load())
}

func TestPartialUpsertIsRolledBack(t *testing.T) {
	f := newFixture(t, func(_ *Options, g *[]vectorstore.GuardOption) {
		*g = append(*g, vectorstore.WithCapacity(5))
	})

	doc, err := f.coord.Submit(context.Background(), "acme", threePages(), "report.txt", "text/plain")
	require.NoError(t, err)

	got := f.wait(t, doc.ID)
	assert.Equal(t, status.Failed, got.State)
	assert.Contains(t, got.ErrorReason, vectorstore.ErrCapacityExceeded.Error())
	assert.Zero(t, f.vectorCount(t, "acme"))

	chunks, err := f.store.Chunks(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestParseErrorFailsWithoutEmbedding(t *testing.T) {
	f := newFixture(t)

	doc, err := f.coord.Submit(context.Background(), "acme", []byte{0x89, 'P', 'N', 'G'}, "image.png", "image/png")
	require.NoError(t, err)

	got := f.wait(t, doc.ID)
	assert.Equal(t, status.Failed, got.State)
	assert.Contains(t, got.ErrorReason, "parsing")
	assert.Zero(t, f.provider.calls.Load())
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.Submit(ctx, "", []byte("x"), "a.txt", "text/plain")
	assert.ErrorIs(t, err, tenant.ErrMissingNamespace)

	_, err = f.coord.Submit(ctx, "acme/../beta", []byte("x"), "a.txt", "text/plain")
	assert.ErrorIs(t, err, tenant.ErrInvalidNamespace)

	_, err = f.coord.Submit(ctx, "acme", nil, "a.txt", "text/plain")
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = f.coord.Submit(ctx, "acme", make([]byte, 2<<20), "a.txt", "text/plain")
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = f.coord.IngestText(ctx, "acme", "   ", "blank")
	assert.ErrorIs(t, err, ErrEmptyInput)

	docs, err := f.store.List(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestNewRejectsInvalidChunking(t *testing.T) {
	store, err := status.OpenBadger("", true, nil)
	require.NoError(t, err)
	defer store.Close()

	opts := testOptions()
	opts.Chunking.Overlap = opts.Chunking.MaxSize
	_, err = New(store, nil, nil, opts)
	assert.ErrorIs(t, err, chunker.ErrInvalidConfig)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.coord.IngestText(ctx, "acme", "finished document", "done")
	require.NoError(t, err)
	require.Equal(t, status.Indexed, f.wait(t, doc.ID).State)

	require.NoError(t, f.coord.Cancel(ctx, doc.ID))
	require.NoError(t, f.coord.Cancel(ctx, doc.ID))

	got, err := f.store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Indexed, got.State)

	assert.ErrorIs(t, f.coord.Cancel(ctx, "missing"), status.ErrNotFound)
}

func TestCancelRunningDocument(t *testing.T) {
	f := newFixture(t)
	release := f.provider.gated(t)
	ctx := context.Background()

	doc, err := f.coord.IngestText(ctx, "acme", "document to cancel", "c")
	require.NoError(t, err)
	<-f.provider.entered
	require.NoError(t, f.coord.Cancel(ctx, doc.ID))
	release()

	got := f.wait(t, doc.ID)
	assert.Equal(t, status.Cancelled, got.State)
	assert.Zero(t, f.vectorCount(t, "acme"))
}

func TestDeleteIndexedDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.coord.Submit(ctx, "acme", threePages(), "report.txt", "text/plain")
	require.NoError(t, err)
	require.Equal(t, status.Indexed, f.wait(t, doc.ID).State)
	require.Equal(t, 7, f.vectorCount(t, "acme"))

	require.NoError(t, f.coord.Delete(ctx, doc.ID))

	_, err = f.store.Get(ctx, doc.ID)
	assert.ErrorIs(t, err, status.ErrNotFound)
	assert.Zero(t, f.vectorCount(t, "acme"))

	assert.ErrorIs(t, f.coord.Delete(ctx, doc.ID), status.ErrNotFound)
}

// idleRecord stores a document that no worker owns, advanced to st.
func (f *fixture) idleRecord(t *testing.T, id string, st status.State, chunks int) *status.Document {
	t.Helper()
	ctx := context.Background()
	doc := &status.Document{ID: id, TenantID: "acme", SourceName: id, MimeType: MimeExtractedText, State: status.Pending}
	require.NoError(t, f.store.Create(ctx, doc, []byte("interrupted text")))
	for _, next := range status.States() {
		if next.Rank() < 1 || next.Rank() > st.Rank() {
			continue
		}
		require.NoError(t, doc.Transition(next, ""))
		if next == status.Embedding {
			doc.ChunkCount = chunks
		}
		require.NoError(t, f.store.Update(ctx, doc))
	}
	return doc
}

// upsertChunks writes the vectors of n chunks of id.
func (f *fixture) upsertChunks(t *testing.T, id string, n int) {
	t.Helper()
	texts := make([]string, n)
	for i := range texts {
		texts[i] = fmt.Sprintf("chunk %d of %s", i, id)
	}
	vectors, err := f.provider.HashProvider.Embed(context.Background(), texts)
	require.NoError(t, err)
	records := make([]vectorstore.Record, n)
	for i := range records {
		records[i] = vectorstore.Record{
			ID:       VectorID(id, i),
			Vector:   vectors[i],
			Metadata: map[string]string{vectorstore.MetaDocumentID: id},
		}
	}
	require.NoError(t, f.index.Upsert(context.Background(), tenant.MustNamespace("acme"), records))
}

func TestCancelIdleRecordFinishedByAnotherWriter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.idleRecord(t, "finished-elsewhere", status.Indexing, 2)
	f.upsertChunks(t, "finished-elsewhere", 2)

	f.racing.onNextGet(func(doc *status.Document) {
		require.NoError(t, doc.Transition(status.Indexed, ""))
		require.NoError(t, f.store.Finalize(ctx, doc, []status.Chunk{
			{DocumentID: doc.ID, Index: 0, Text: "a", VectorID: VectorID(doc.ID, 0), TokenEstimate: 1},
			{DocumentID: doc.ID, Index: 1, Text: "b", VectorID: VectorID(doc.ID, 1), TokenEstimate: 1},
		}))
	})
	require.NoError(t, f.coord.Cancel(ctx, "finished-elsewhere"))

	got, err := f.store.Get(ctx, "finished-elsewhere")
	require.NoError(t, err)
	assert.Equal(t, status.Indexed, got.State)
	assert.Equal(t, 2, got.ChunkCount)
	assert.Equal(t, 2, f.vectorCount(t, "acme"))
}

func TestCancelIdleRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.idleRecord(t, "interrupted", status.Indexing, 3)
	f.upsertChunks(t, "interrupted", 3)

	require.NoError(t, f.coord.Cancel(ctx, "interrupted"))

	got, err := f.store.Get(ctx, "interrupted")
	require.NoError(t, err)
	assert.Equal(t, status.Cancelled, got.State)
	assert.Zero(t, f.vectorCount(t, "acme"))
}

func TestDeleteIdleRecordAdvancedByAnotherWriter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.idleRecord(t, "advancing", status.Parsing, 0)

	f.racing.onNextGet(func(doc *status.Document) {
		require.NoError(t, doc.Transition(status.Chunking, ""))
		require.NoError(t, f.store.Update(ctx, doc))
		require.NoError(t, doc.Transition(status.Embedding, ""))
		doc.ChunkCount = 4
		require.NoError(t, f.store.Update(ctx, doc))
		require.NoError(t, doc.Transition(status.Indexing, ""))
		require.NoError(t, f.store.Update(ctx, doc))
		f.upsertChunks(t, doc.ID, 4)
	})
	require.NoError(t, f.coord.Delete(ctx, "advancing"))

	_, err := f.store.Get(ctx, "advancing")
	assert.ErrorIs(t, err, status.ErrNotFound)
	assert.Zero(t, f.vectorCount(t, "acme"))
}

// finishOnNextGet lets the gated pipeline of id run to completion before
// the next record read returns.
func (f *fixture) finishOnNextGet(t *testing.T, release func(), id string) {
	f.racing.onNextGet(func(*status.Document) {
		release()
		require.Eventually(t, func() bool {
			doc, err := f.store.Get(context.Background(), id)
			return err == nil && doc.State.Terminal() && !f.coord.InFlight(id)
		}, 5*time.Second, 5*time.Millisecond)
	})
}

func TestDeleteWhilePipelineFinishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	kept, err := f.coord.Submit(ctx, "acme", threePages(), "kept.txt", "text/plain")
	require.NoError(t, err)
	require.Equal(t, status.Indexed, f.wait(t, kept.ID).State)
	require.Equal(t, 7, f.vectorCount(t, "acme"))

	release := f.provider.gated(t)
	doc, err := f.coord.Submit(ctx, "acme", threePages(), "raced.txt", "text/plain")
	require.NoError(t, err)
	<-f.provider.entered

	f.finishOnNextGet(t, release, doc.ID)
	require.NoError(t, f.coord.Delete(ctx, doc.ID))
	release()
	f.wait(t, doc.ID)

	got, err := f.store.Get(ctx, doc.ID)
	if err == nil {
		assert.Equal(t, status.Cancelled, got.State)
	} else {
		assert.ErrorIs(t, err, status.ErrNotFound)
	}
	assert.Equal(t, 7, f.vectorCount(t, "acme"))
}

func TestCancelWhilePipelineFinishes(t *testing.T) {
	f := newFixture(t)
	release := f.provider.gated(t)
	ctx := context.Background()

	doc, err := f.coord.Submit(ctx, "acme", threePages(), "raced.txt", "text/plain")
	require.NoError(t, err)
	<-f.provider.entered

	f.finishOnNextGet(t, release, doc.ID)
	require.NoError(t, f.coord.Cancel(ctx, doc.ID))
	release()

	got := f.wait(t, doc.ID)
	switch got.State {
	case status.Indexed:
		assert.Equal(t, got.ChunkCount, f.vectorCount(t, "acme"))
	case status.Cancelled:
		assert.Zero(t, f.vectorCount(t, "acme"))
	default:
		t.Fatalf("unexpected state %s", got.State)
	}
}

func TestDeleteTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for _, tc := range []struct{ tenant, text string }{
		{"acme", "first acme document"},
		{"acme", "second acme document"},
		{"beta", "beta document"},
	} {
		doc, err := f.coord.IngestText(ctx, tc.tenant, tc.text, "t")
		require.NoError(t, err)
		ids = append(ids, doc.ID)
	}
	for _, id := range ids {
		require.Equal(t, status.Indexed, f.wait(t, id).State)
	}

	n, err := f.coord.DeleteTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Zero(t, f.vectorCount(t, "acme"))
	assert.Equal(t, 1, f.vectorCount(t, "beta"))
	docs, err := f.store.List(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestRecoverResumesForwardOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	interrupted := &status.Document{ID: "resume-me", TenantID: "acme", SourceName: "n", MimeType: MimeExtractedText, State: status.Pending}
	require.NoError(t, f.store.Create(ctx, interrupted, []byte("text that was being embedded")))
	for _, st := range []status.State{status.Parsing, status.Chunking, status.Embedding} {
		require.NoError(t, interrupted.Transition(st, ""))
		if st == status.Embedding {
			interrupted.ChunkCount = 1
		}
		require.NoError(t, f.store.Update(ctx, interrupted))
	}

	orphan := &status.Document{ID: "orphan", TenantID: "acme", SourceName: "o", State: status.Pending}
	require.NoError(t, f.store.Create(ctx, orphan, nil))
	require.NoError(t, orphan.Transition(status.Parsing, ""))
	require.NoError(t, f.store.Update(ctx, orphan))

	n, err := f.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.wait(t, "resume-me")
	assert.Equal(t, status.Indexed, got.State)
	assert.Equal(t, []status.State{status.Indexing, status.Indexed}, f.assertMonotonic(t, "resume-me"))

	got, err = f.store.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, status.Failed, got.State)
	assert.Equal(t, "interrupted before completion", got.ErrorReason)
}

func TestConcurrentWriterFinishingRecordWins(t *testing.T) {
	f := newFixture(t)
	release := f.provider.gated(t)
	ctx := context.Background()

	doc, err := f.coord.IngestText(ctx, "acme", "raced document", "r")
	require.NoError(t, err)
	<-f.provider.entered

	// Another writer moves the record to a terminal state behind the
	// worker's back.
	other, err := f.store.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.NoError(t, other.Transition(status.Failed, "operator abort"))
	require.NoError(t, f.store.Update(ctx, other))
	release()

	got := f.wait(t, doc.ID)
	assert.Equal(t, status.Failed, got.State)
	assert.Equal(t, "operator abort", got.ErrorReason)
	assert.Zero(t, f.vectorCount(t, "acme"))
	f.logger.AssertLogged(t, zapcore.WarnLevel, "document version conflict")
}

func TestQueueFullRejectsWithoutRecord(t *testing.T) {
	f := newFixture(t, func(o *Options, _ *[]vectorstore.GuardOption) {
		o.Workers = 1
		o.QueueSize = 1
	})
	f.provider.gated(t)
	ctx := context.Background()

	accepted := 0
	var rejected error
	for i := 0; i < 6 && rejected == nil; i++ {
		_, err := f.coord.IngestText(ctx, "acme", fmt.Sprintf("document %d", i), "q")
		if err != nil {
			rejected = err
			break
		}
		accepted++
		if i == 0 {
			<-f.provider.entered
		}
	}
	require.ErrorIs(t, rejected, ErrQueueFull)

	docs, err := f.store.List(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, docs, accepted)
}

func TestSubmitAfterClose(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Close(context.Background()))

	_, err := f.coord.IngestText(context.Background(), "acme", "late", "l")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSecretsAreScrubbedBeforeEmbedding(t *testing.T) {
	f := newFixture(t, func(o *Options, _ *[]vectorstore.GuardOption) {
		o.Scrubber = secrets.Default()
	})
	ctx := context.Background()

	doc, err := f.coord.IngestText(ctx, "acme", "deploy notes: password = hunter2hunter2 keep safe", "notes")
	require.NoError(t, err)
	require.Equal(t, status.Indexed, f.wait(t, doc.ID).State)

	chunks, err := f.store.Chunks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.NotContains(t, chunks[0].Text, "hunter2")
	assert.Contains(t, chunks[0].Text, secrets.DefaultRedaction)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default().Ingestion
	cfg.ScrubSecrets = true
	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.ChunkSize, opts.Chunking.MaxSize)
	assert.Equal(t, cfg.ChunkOverlap, opts.Chunking.Overlap)
	assert.Equal(t, cfg.Retry.MaxAttempts, opts.Retry.MaxAttempts)
	assert.IsType(t, &secrets.Scrubber{}, opts.Scrubber)

	cfg.SecretDetector = "unknown"
	_, err = OptionsFromConfig(cfg)
	assert.Error(t, err)

	cfg.ScrubSecrets = false
	opts, err = OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Nil(t, opts.Scrubber)
}
