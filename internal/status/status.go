// Package status persists document lifecycle records.
//
// A Document moves along Pending → Parsing → Chunking → Embedding →
// Indexing → Indexed, and may leave any non-terminal state for Failed or
// Cancelled. Stores reject any other transition and any write whose
// Version is stale, so a record has one logical writer at a time.
package status

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for unknown document IDs.
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyExists is returned when creating a duplicate document ID.
	ErrAlreadyExists = errors.New("document already exists")

	// ErrVersionConflict means the stored record advanced since it was read.
	ErrVersionConflict = errors.New("document version conflict")

	// ErrInvalidTransition is returned for moves the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// State is a document lifecycle state.
type State string

const (
	Pending   State = "pending"
	Parsing   State = "parsing"
	Chunking  State = "chunking"
	Embedding State = "embedding"
	Indexing  State = "indexing"
	Indexed   State = "indexed"
	Failed    State = "failed"
	Cancelled State = "cancelled"
)

var pipeline = []State{Pending, Parsing, Chunking, Embedding, Indexing, Indexed}

// States lists every state, pipeline order first.
func States() []State {
	return append(slices.Clone(pipeline), Failed, Cancelled)
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return slices.Contains(States(), s)
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == Indexed || s == Failed || s == Cancelled
}

// Rank returns the pipeline position of s, or -1 for Failed and Cancelled.
func (s State) Rank() int {
	return slices.Index(pipeline, s)
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	if s.Terminal() || !s.Valid() {
		return false
	}
	if next == Failed || next == Cancelled {
		return true
	}
	r := s.Rank()
	return r >= 0 && next.Rank() == r+1
}

// Document is the lifecycle record of one submitted file.
type Document struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	SourceName  string    `json:"source_name"`
	MimeType    string    `json:"mime_type,omitempty"`
	State       State     `json:"state"`
	ErrorReason string    `json:"error_reason,omitempty"`
	ChunkCount  int       `json:"chunk_count"`
	SizeBytes   int64     `json:"size_bytes"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a copy of d.
func (d *Document) Clone() *Document {
	c := *d
	return &c
}

// Transition moves d to next in memory. The move is persisted by
// Store.Update, which checks it again against the stored state.
func (d *Document) Transition(next State, reason string) error {
	if !d.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.State, next)
	}
	d.State = next
	if next == Failed {
		d.ErrorReason = reason
	}
	return nil
}

// Chunk is one indexed segment of a document.
type Chunk struct {
	DocumentID    string `json:"document_id"`
	Index         int    `json:"chunk_index"`
	Text          string `json:"text"`
	VectorID      string `json:"vector_id"`
	TokenEstimate int    `json:"token_estimate"`
}

// Store persists documents, their chunks and their raw payloads.
type Store interface {
	// Create stores a new document at Version 1 together with its payload.
	Create(ctx context.Context, doc *Document, payload []byte) error
	// Get returns the stored document or ErrNotFound.
	Get(ctx context.Context, id string) (*Document, error)
	// Update writes doc if doc.Version matches the stored version and the
	// state change is allowed. On success doc.Version is advanced. Moving
	// to a terminal state drops the stored payload.
	Update(ctx context.Context, doc *Document) error
	// Finalize is Update to Indexed plus the chunk set, in one write.
	Finalize(ctx context.Context, doc *Document, chunks []Chunk) error
	// Chunks returns a document's chunks ordered by index.
	Chunks(ctx context.Context, id string) ([]Chunk, error)
	// Payload returns the raw upload kept until the document is terminal.
	Payload(ctx context.Context, id string) ([]byte, error)
	// Delete removes the document, chunks and payload. Unknown IDs are ignored.
	Delete(ctx context.Context, id string) error
	// List returns a tenant's documents, newest first.
	List(ctx context.Context, tenantID string) ([]*Document, error)
	// ListActive returns every non-terminal document across tenants.
	ListActive(ctx context.Context) ([]*Document, error)
	Close() error
}

// checkUpdate validates a write of next over stored and returns the
// document to persist.
func checkUpdate(stored, next *Document, now time.Time) (*Document, error) {
	if stored.Version != next.Version {
		return nil, fmt.Errorf("%w: %s at version %d, write based on %d",
			ErrVersionConflict, stored.ID, stored.Version, next.Version)
	}
	if stored.TenantID != next.TenantID {
		return nil, fmt.Errorf("%w: tenant of %s cannot change", ErrInvalidTransition, stored.ID)
	}
	if stored.State != next.State && !stored.State.CanTransition(next.State) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, stored.State, next.State)
	}
	out := next.Clone()
	out.CreatedAt = stored.CreatedAt
	out.Version = stored.Version + 1
	out.UpdatedAt = now
	return out, nil
}

func sortNewestFirst(docs []*Document) {
	slices.SortFunc(docs, func(a, b *Document) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
