package status

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clock hands out strictly increasing timestamps.
type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"badger": func(t *testing.T) Store {
			b, err := OpenBadger("", true, logging.NewNop())
			require.NoError(t, err)
			b.now = (&clock{t: time.Unix(1_700_000_000, 0).UTC()}).now
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "status.db"))
			require.NoError(t, err)
			s.now = (&clock{t: time.Unix(1_700_000_000, 0).UTC()}).now
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func newDoc(id, tenant string) *Document {
	return &Document{ID: id, TenantID: tenant, SourceName: id + ".txt", MimeType: "text/plain", State: Pending}
}

func advance(t *testing.T, s Store, doc *Document, states ...State) {
	t.Helper()
	for _, st := range states {
		require.NoError(t, doc.Transition(st, ""))
		require.NoError(t, s.Update(context.Background(), doc))
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		doc := newDoc("d1", "acme")
		doc.SizeBytes = 42
		require.NoError(t, s.Create(ctx, doc, []byte("hello")))
		assert.Equal(t, int64(1), doc.Version)
		assert.False(t, doc.CreatedAt.IsZero())

		got, err := s.Get(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, "acme", got.TenantID)
		assert.Equal(t, Pending, got.State)
		assert.Equal(t, int64(42), got.SizeBytes)
		assert.True(t, doc.CreatedAt.Equal(got.CreatedAt))

		payload, err := s.Payload(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), payload)

		err = s.Create(ctx, newDoc("d1", "acme"), nil)
		assert.ErrorIs(t, err, ErrAlreadyExists)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_VersionConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		doc := newDoc("d1", "acme")
		require.NoError(t, s.Create(ctx, doc, nil))

		stale := doc.Clone()
		advance(t, s, doc, Parsing)
		assert.Equal(t, int64(2), doc.Version)

		require.NoError(t, stale.Transition(Cancelled, ""))
		err := s.Update(ctx, stale)
		assert.ErrorIs(t, err, ErrVersionConflict)

		got, err := s.Get(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, Parsing, got.State)
	})
}

func TestStore_RejectsInvalidTransitions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		doc := newDoc("d1", "acme")
		require.NoError(t, s.Create(ctx, doc, nil))

		skip := doc.Clone()
		skip.State = Embedding
		assert.ErrorIs(t, s.Update(ctx, skip), ErrInvalidTransition)

		moved := doc.Clone()
		moved.TenantID = "other"
		assert.ErrorIs(t, s.Update(ctx, moved), ErrInvalidTransition)

		require.NoError(t, doc.Transition(Failed, "parse error"))
		require.NoError(t, s.Update(ctx, doc))

		back := doc.Clone()
		back.State = Parsing
		assert.ErrorIs(t, s.Update(ctx, back), ErrInvalidTransition)

		got, err := s.Get(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, Failed, got.State)
		assert.Equal(t, "parse error", got.ErrorReason)
	})
}

func TestStore_FinalizeWritesChunksAndDropsPayload(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		doc := newDoc("d1", "acme")
		require.NoError(t, s.Create(ctx, doc, []byte("raw")))
		advance(t, s, doc, Parsing, Chunking, Embedding, Indexing)

		chunks, err := s.Chunks(ctx, "d1")
		require.NoError(t, err)
		assert.Empty(t, chunks)

		assert.ErrorIs(t, s.Finalize(ctx, doc, nil), ErrInvalidTransition)

		require.NoError(t, doc.Transition(Indexed, ""))
		doc.ChunkCount = 2
		err = s.Finalize(ctx, doc, []Chunk{
			{DocumentID: "d1", Index: 1, Text: "second", VectorID: "d1_1", TokenEstimate: 2},
			{DocumentID: "d1", Index: 0, Text: "first", VectorID: "d1_0", TokenEstimate: 1},
		})
		require.NoError(t, err)

		chunks, err = s.Chunks(ctx, "d1")
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Equal(t, "first", chunks[0].Text)
		assert.Equal(t, "d1_1", chunks[1].VectorID)

		got, err := s.Get(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, Indexed, got.State)
		assert.Equal(t, 2, got.ChunkCount)

		_, err = s.Payload(ctx, "d1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_FailedDropsPayload(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		doc := newDoc("d1", "acme")
		require.NoError(t, s.Create(ctx, doc, []byte("raw")))
		require.NoError(t, doc.Transition(Failed, "boom"))
		require.NoError(t, s.Update(ctx, doc))

		_, err := s.Payload(ctx, "d1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		doc := newDoc("d1", "acme")
		require.NoError(t, s.Create(ctx, doc, []byte("raw")))

		require.NoError(t, s.Delete(ctx, "d1"))
		require.NoError(t, s.Delete(ctx, "d1"))

		_, err := s.Get(ctx, "d1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Payload(ctx, "d1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Chunks(ctx, "d1")
		assert.ErrorIs(t, err, ErrNotFound)

		docs, err := s.List(ctx, "acme")
		require.NoError(t, err)
		assert.Empty(t, docs)

		// The ID can be reused after deletion.
		require.NoError(t, s.Create(ctx, newDoc("d1", "acme"), nil))
	})
}

func TestStore_ListScopesByTenant(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, d := range []*Document{newDoc("a1", "acme"), newDoc("b1", "beta"), newDoc("a2", "acme")} {
			require.NoError(t, s.Create(ctx, d, nil))
		}

		docs, err := s.List(ctx, "acme")
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "a2", docs[0].ID)
		assert.Equal(t, "a1", docs[1].ID)

		docs, err = s.List(ctx, "beta")
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "b1", docs[0].ID)

		docs, err = s.List(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, docs)
	})
}

func TestStore_ListActive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		running := newDoc("run", "acme")
		done := newDoc("done", "beta")
		require.NoError(t, s.Create(ctx, running, []byte("x")))
		require.NoError(t, s.Create(ctx, done, nil))
		advance(t, s, running, Parsing, Chunking)
		advance(t, s, done, Cancelled)

		docs, err := s.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "run", docs[0].ID)
		assert.Equal(t, Chunking, docs[0].State)
	})
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), newDoc("d1", "acme"), []byte("raw")))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.TenantID)

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestOpen(t *testing.T) {
	s, err := Open(config.StatusStoreConfig{Provider: "badger", Badger: config.BadgerConfig{InMemory: true}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Badger{}, s)
	require.NoError(t, s.Close())

	s, err = Open(config.StatusStoreConfig{Provider: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "s.db")}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	require.NoError(t, s.Close())

	_, err = Open(config.StatusStoreConfig{Provider: "etcd"}, nil)
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Pending, Parsing, true},
		{Parsing, Chunking, true},
		{Chunking, Embedding, true},
		{Embedding, Indexing, true},
		{Indexing, Indexed, true},
		{Pending, Chunking, false},
		{Chunking, Parsing, false},
		{Embedding, Failed, true},
		{Pending, Cancelled, true},
		{Indexed, Failed, false},
		{Failed, Pending, false},
		{Cancelled, Cancelled, false},
		{State("bogus"), Failed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTransition_SetsReasonOnFailure(t *testing.T) {
	doc := newDoc("d1", "acme")
	require.NoError(t, doc.Transition(Failed, "embedding provider unavailable"))
	assert.Equal(t, "embedding provider unavailable", doc.ErrorReason)

	assert.ErrorIs(t, doc.Transition(Parsing, ""), ErrInvalidTransition)
}
