package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/chunker"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/parser"
	"github.com/fyrsmithlabs/ragd/internal/retry"
	"github.com/fyrsmithlabs/ragd/internal/status"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// maxMetaTextRunes bounds the chunk text copied into vector metadata.
// Longer chunks are marked and read back from the status store.
const maxMetaTextRunes = 1000

var (
	errCancelled  = errors.New("document cancelled")
	errSuperseded = errors.New("document record finished by another writer")
)

// pipeline is one worker's walk of one document through the stages.
type pipeline struct {
	c   *Coordinator
	run *run
	doc *status.Document
	ns  tenant.Namespace

	// chunks is how many vector IDs this walk may have written.
	chunks int
}

func (c *Coordinator) process(r *run) {
	defer c.finish(r)
	if c.baseCtx.Err() != nil {
		return
	}

	ctx := logging.WithTenantID(c.baseCtx, r.tenantID)
	ctx, span := c.tracer.Start(ctx, "Ingest.Run", trace.WithAttributes(
		attribute.String("document_id", r.id),
	))
	defer span.End()

	doc, err := c.store.Get(ctx, r.id)
	if err != nil {
		c.logger.Error(ctx, "loading document for processing", logging.DocumentID(r.id), zap.Error(err))
		return
	}
	if doc.State.Terminal() {
		return
	}
	ns, err := tenant.NamespaceFor(doc.TenantID)
	if err != nil {
		c.logger.Error(ctx, "document has invalid tenant", logging.DocumentID(r.id), zap.Error(err))
		return
	}

	start := time.Now()
	p := &pipeline{c: c, run: r, doc: doc, ns: ns}
	if err := p.execute(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.abort(ctx, err)
		return
	}

	documentsTotal.WithLabelValues(string(status.Indexed)).Inc()
	c.logger.Info(ctx, "document indexed",
		logging.DocumentID(doc.ID),
		zap.Int("chunk_count", p.doc.ChunkCount),
		zap.Duration("duration", time.Since(start)))

	if c.retire(r) {
		if err := c.purge(context.WithoutCancel(ctx), p.doc); err != nil {
			c.logger.Error(ctx, "deleting document after late delete request", logging.DocumentID(doc.ID), zap.Error(err))
		}
	}
}

func (p *pipeline) execute(ctx context.Context) error {
	payload, err := p.c.store.Payload(ctx, p.doc.ID)
	if err != nil {
		return fmt.Errorf("loading payload: %w", err)
	}

	var text string
	err = p.stage(ctx, status.Parsing, nil, func(ctx context.Context) (err error) {
		text, err = p.parse(ctx, payload)
		return err
	})
	if err != nil {
		return err
	}

	var cands []chunker.Candidate
	err = p.stage(ctx, status.Chunking, nil, func(ctx context.Context) (err error) {
		cands, err = p.split(ctx, text)
		return err
	})
	if err != nil {
		return err
	}
	p.chunks = len(cands)

	var vectors [][]float32
	setCount := func(d *status.Document) { d.ChunkCount = len(cands) }
	err = p.stage(ctx, status.Embedding, setCount, func(ctx context.Context) (err error) {
		vectors, err = p.embed(ctx, cands)
		return err
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, status.Indexing, nil, func(ctx context.Context) error {
		return p.upsert(ctx, cands, vectors)
	})
	if err != nil {
		return err
	}
	return p.finalize(ctx, cands)
}

// stage commits st and then runs work. A raised cancel flag stops the
// walk before anything is committed.
func (p *pipeline) stage(ctx context.Context, st status.State, mutate func(*status.Document), work func(context.Context) error) error {
	if p.run.cancelled.Load() {
		return errCancelled
	}
	if err := p.advance(ctx, st, mutate); err != nil {
		return err
	}

	ctx, span := p.c.tracer.Start(ctx, "Ingest."+cases.Title(language.English).String(string(st)))
	defer span.End()

	start := time.Now()
	err := work(ctx)
	elapsed := time.Since(start)
	stageDuration.WithLabelValues(string(st)).Observe(elapsed.Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", st, err)
	}
	p.c.logger.Debug(ctx, "stage complete",
		logging.DocumentID(p.doc.ID), logging.Stage(string(st)), zap.Duration("duration", elapsed))
	return nil
}

// advance commits next unless the record is already at or past it, which
// happens when a recovered document replays earlier stages.
func (p *pipeline) advance(ctx context.Context, next status.State, mutate func(*status.Document)) error {
	if next.Rank() <= p.doc.State.Rank() {
		return nil
	}
	return p.commit(ctx, next, "", mutate, p.c.store.Update)
}

// commit writes a transition to next. On a version conflict the record is
// reloaded once: a terminal record ends the walk, a record already at
// next is adopted, anything else is retried on the fresh version.
func (p *pipeline) commit(ctx context.Context, next status.State, reason string, mutate func(*status.Document), write func(context.Context, *status.Document) error) error {
	for attempt := 0; ; attempt++ {
		d := p.doc.Clone()
		if mutate != nil {
			mutate(d)
		}
		if err := d.Transition(next, reason); err != nil {
			return err
		}
		err := write(ctx, d)
		if err == nil {
			p.doc = d
			p.c.publish(ctx, d)
			return nil
		}
		if !errors.Is(err, status.ErrVersionConflict) || attempt > 0 {
			return err
		}

		fresh, gerr := p.c.store.Get(ctx, p.doc.ID)
		if gerr != nil {
			return gerr
		}
		p.c.logger.Warn(ctx, "document version conflict, reloaded",
			logging.DocumentID(p.doc.ID), zap.Int64("version", fresh.Version), zap.String("state", string(fresh.State)))
		p.doc = fresh
		if fresh.State.Terminal() {
			return errSuperseded
		}
		if next.Rank() >= 0 && fresh.State.Rank() >= next.Rank() {
			return nil
		}
	}
}

func (p *pipeline) parse(ctx context.Context, payload []byte) (string, error) {
	if p.doc.MimeType == MimeExtractedText {
		text := strings.TrimSpace(string(payload))
		if text == "" {
			return "", ErrEmptyInput
		}
		return text, nil
	}
	f, err := parser.Resolve(p.doc.MimeType, p.doc.SourceName)
	if err != nil {
		return "", err
	}
	return f.Extract(ctx, payload)
}

func (p *pipeline) split(ctx context.Context, text string) ([]chunker.Candidate, error) {
	if sc := p.c.opts.Scrubber; sc != nil {
		scrubbed, findings := sc.Scrub(text)
		if len(findings) > 0 {
			p.c.logger.Info(ctx, "redacted secrets from document",
				logging.DocumentID(p.doc.ID), zap.Int("findings", len(findings)))
		}
		text = scrubbed
	}
	cands := p.c.chunker.Split(text)
	if len(cands) == 0 {
		return nil, ErrEmptyInput
	}
	return cands, nil
}

// embed calls the embedder one bounded batch at a time. Results of a call
// that finishes after cancellation are discarded.
func (p *pipeline) embed(ctx context.Context, cands []chunker.Candidate) ([][]float32, error) {
	size := max(1, p.c.embedder.MaxBatchSize())
	vectors := make([][]float32, 0, len(cands))
	for start := 0; start < len(cands); start += size {
		end := min(start+size, len(cands))
		texts := make([]string, 0, end-start)
		for _, cand := range cands[start:end] {
			texts = append(texts, cand.Text)
		}

		vecs, err := retry.Do(ctx, p.c.opts.Retry, embeddings.IsTransient, p.notify(ctx, status.Embedding),
			func(ctx context.Context) ([][]float32, error) {
				cctx, cancel := context.WithTimeout(ctx, p.c.opts.CallTimeout)
				defer cancel()
				return p.c.embedder.EmbedBatch(cctx, texts)
			})
		if err != nil {
			return nil, err
		}
		if p.run.cancelled.Load() {
			return nil, errCancelled
		}
		vectors = append(vectors, vecs...)
	}
	return vectors, nil
}

func (p *pipeline) upsert(ctx context.Context, cands []chunker.Candidate, vectors [][]float32) error {
	records := make([]vectorstore.Record, len(cands))
	for i, cand := range cands {
		meta := map[string]string{
			vectorstore.MetaDocumentID:    p.doc.ID,
			vectorstore.MetaChunkIndex:    strconv.Itoa(cand.Index),
			vectorstore.MetaSourceName:    p.doc.SourceName,
			vectorstore.MetaTokenEstimate: strconv.Itoa(cand.TokenEstimate),
			vectorstore.MetaText:          truncateRunes(cand.Text, maxMetaTextRunes),
		}
		if len(meta[vectorstore.MetaText]) < len(cand.Text) {
			meta[vectorstore.MetaTextTruncated] = "true"
		}
		records[i] = vectorstore.Record{
			ID:       VectorID(p.doc.ID, cand.Index),
			Vector:   vectors[i],
			Metadata: meta,
		}
	}

	size := p.c.opts.UpsertBatchSize
	for start := 0; start < len(records); start += size {
		if start > 0 && p.run.cancelled.Load() {
			return errCancelled
		}
		batch := records[start:min(start+size, len(records))]
		_, err := retry.Do(ctx, p.c.opts.Retry, isTransientIndexErr, p.notify(ctx, status.Indexing),
			func(ctx context.Context) (struct{}, error) {
				cctx, cancel := context.WithTimeout(ctx, p.c.opts.CallTimeout)
				defer cancel()
				return struct{}{}, p.c.index.Upsert(cctx, p.ns, batch)
			})
		if err != nil {
			return err
		}
	}
	return nil
}

// finalize records the chunk set and Indexed in one write. It is the last
// stage boundary, so a cancel raised during Indexing still wins.
func (p *pipeline) finalize(ctx context.Context, cands []chunker.Candidate) error {
	if p.run.cancelled.Load() {
		return errCancelled
	}
	chunks := make([]status.Chunk, len(cands))
	for i, cand := range cands {
		chunks[i] = status.Chunk{
			DocumentID:    p.doc.ID,
			Index:         cand.Index,
			Text:          cand.Text,
			VectorID:      VectorID(p.doc.ID, cand.Index),
			TokenEstimate: cand.TokenEstimate,
		}
	}
	err := p.commit(ctx, status.Indexed, "",
		func(d *status.Document) { d.ChunkCount = len(chunks) },
		func(ctx context.Context, d *status.Document) error { return p.c.store.Finalize(ctx, d, chunks) })
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	return nil
}

// abort removes every vector the walk may have written, then records
// Cancelled or Failed. A walk interrupted by shutdown is left at its last
// committed stage for Recover.
func (p *pipeline) abort(ctx context.Context, cause error) {
	c := p.c
	if errors.Is(cause, errSuperseded) {
		c.logger.Warn(ctx, "document finished elsewhere, abandoning run", logging.DocumentID(p.doc.ID))
		return
	}
	cancelled := errors.Is(cause, errCancelled)
	if !cancelled && c.baseCtx.Err() != nil {
		c.logger.Info(ctx, "pipeline interrupted by shutdown",
			logging.DocumentID(p.doc.ID), logging.Stage(string(p.doc.State)))
		return
	}

	cleanup := context.WithoutCancel(ctx)
	if err := c.rollback(cleanup, p.doc, max(p.chunks, p.doc.ChunkCount)); err != nil {
		c.logger.Error(ctx, "rollback failed", logging.DocumentID(p.doc.ID), zap.Error(err))
	}

	next, reason := status.Failed, cause.Error()
	if cancelled {
		next, reason = status.Cancelled, ""
	}
	err := p.commit(cleanup, next, reason, func(d *status.Document) { d.ChunkCount = 0 }, c.store.Update)
	if err != nil {
		c.logger.Error(ctx, "recording terminal state", logging.DocumentID(p.doc.ID), zap.Error(err))
		return
	}
	documentsTotal.WithLabelValues(string(next)).Inc()

	if cancelled {
		c.logger.Info(ctx, "document cancelled", logging.DocumentID(p.doc.ID))
		return
	}
	c.logger.Warn(ctx, "document failed", logging.DocumentID(p.doc.ID), zap.String("reason", reason))
}

func (p *pipeline) notify(ctx context.Context, st status.State) retry.Notify {
	return func(attempt int, err error, next time.Duration) {
		retriesTotal.WithLabelValues(string(st)).Inc()
		p.c.logger.Warn(ctx, "retrying after transient failure",
			logging.DocumentID(p.doc.ID), logging.Stage(string(st)),
			zap.Int("attempt", attempt), zap.Duration("backoff", next), zap.Error(err))
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
