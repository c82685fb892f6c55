package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/fyrsmithlabs/ragd/internal/logging"
)

// Key layout:
//
//	doc/{id}                 JSON Document
//	chunk/{id}/{index:08d}   JSON Chunk
//	payload/{id}             raw upload bytes
//	tenant/{tenant}/{id}     empty, lists a tenant's documents
const (
	prefixDoc     = "doc/"
	prefixChunk   = "chunk/"
	prefixPayload = "payload/"
	prefixTenant  = "tenant/"
)

func docKey(id string) []byte      { return []byte(prefixDoc + id) }
func payloadKey(id string) []byte  { return []byte(prefixPayload + id) }
func chunkPrefix(id string) []byte { return []byte(prefixChunk + id + "/") }
func chunkKey(id string, i int) []byte {
	return fmt.Appendf(nil, "%s%s/%08d", prefixChunk, id, i)
}
func tenantKey(tenantID, id string) []byte { return []byte(prefixTenant + tenantID + "/" + id) }

// Badger is the default embedded Store.
type Badger struct {
	db  *badger.DB
	now func() time.Time
}

type badgerLogger struct {
	logger *logging.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, items ...any) {
	l.logger.Error(context.Background(), fmt.Sprintf(msg, items...))
}

func (l *badgerLogger) Warningf(msg string, items ...any) {
	l.logger.Warn(context.Background(), fmt.Sprintf(msg, items...))
}

func (l *badgerLogger) Infof(msg string, items ...any) {
	l.logger.Debug(context.Background(), fmt.Sprintf(msg, items...))
}

func (l *badgerLogger) Debugf(msg string, items ...any) {
	l.logger.Trace(context.Background(), fmt.Sprintf(msg, items...))
}

// OpenBadger opens a Badger store at path, creating the directory if
// needed. An in-memory store ignores path.
func OpenBadger(path string, inMemory bool, logger *logging.Logger) (*Badger, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("creating status directory: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = &badgerLogger{logger: logger.Named("badger")}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}
	return &Badger{db: db, now: time.Now}, nil
}

func (b *Badger) Close() error { return b.db.Close() }

// update runs fn in a read-write transaction, reporting Badger's own
// commit conflicts as version conflicts.
func (b *Badger) update(fn func(txn *badger.Txn) error) error {
	err := b.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	}
	return err
}

func readDoc(txn *badger.Txn, id string) (*Document, error) {
	item, err := txn.Get(docKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &doc)
	})
	if err != nil {
		return nil, fmt.Errorf("decoding document %s: %w", id, err)
	}
	return &doc, nil
}

func writeDoc(txn *badger.Txn, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document %s: %w", doc.ID, err)
	}
	return txn.Set(docKey(doc.ID), data)
}

func deletePrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (b *Badger) Create(_ context.Context, doc *Document, payload []byte) error {
	now := b.now()
	stored := doc.Clone()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now

	err := b.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(docKey(doc.ID)); err == nil {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, doc.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := writeDoc(txn, stored); err != nil {
			return err
		}
		if err := txn.Set(tenantKey(doc.TenantID, doc.ID), nil); err != nil {
			return err
		}
		if payload != nil {
			return txn.Set(payloadKey(doc.ID), payload)
		}
		return nil
	})
	if err != nil {
		return err
	}
	*doc = *stored
	return nil
}

func (b *Badger) Get(_ context.Context, id string) (*Document, error) {
	var doc *Document
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = readDoc(txn, id)
		return err
	})
	return doc, err
}

func (b *Badger) Update(_ context.Context, doc *Document) error {
	return b.write(doc, nil, false)
}

func (b *Badger) Finalize(_ context.Context, doc *Document, chunks []Chunk) error {
	if doc.State != Indexed {
		return fmt.Errorf("%w: finalize requires %s, got %s", ErrInvalidTransition, Indexed, doc.State)
	}
	return b.write(doc, chunks, true)
}

func (b *Badger) write(doc *Document, chunks []Chunk, withChunks bool) error {
	var out *Document
	err := b.update(func(txn *badger.Txn) error {
		stored, err := readDoc(txn, doc.ID)
		if err != nil {
			return err
		}
		out, err = checkUpdate(stored, doc, b.now())
		if err != nil {
			return err
		}
		if err := writeDoc(txn, out); err != nil {
			return err
		}
		if withChunks {
			if err := deletePrefix(txn, chunkPrefix(doc.ID)); err != nil {
				return err
			}
			for _, c := range chunks {
				data, err := json.Marshal(c)
				if err != nil {
					return fmt.Errorf("encoding chunk %d: %w", c.Index, err)
				}
				if err := txn.Set(chunkKey(doc.ID, c.Index), data); err != nil {
					return err
				}
			}
		}
		if out.State.Terminal() {
			return txn.Delete(payloadKey(doc.ID))
		}
		return nil
	})
	if err != nil {
		return err
	}
	*doc = *out
	return nil
}

func (b *Badger) Chunks(_ context.Context, id string) ([]Chunk, error) {
	var chunks []Chunk
	err := b.db.View(func(txn *badger.Txn) error {
		if _, err := readDoc(txn, id); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = chunkPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var c Chunk
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			})
			if err != nil {
				return fmt.Errorf("decoding chunk: %w", err)
			}
			chunks = append(chunks, c)
		}
		return nil
	})
	return chunks, err
}

func (b *Badger) Payload(_ context.Context, id string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(payloadKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: payload of %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	return data, err
}

func (b *Badger) Delete(_ context.Context, id string) error {
	return b.update(func(txn *badger.Txn) error {
		doc, err := readDoc(txn, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := deletePrefix(txn, chunkPrefix(id)); err != nil {
			return err
		}
		for _, k := range [][]byte{payloadKey(id), tenantKey(doc.TenantID, id), docKey(id)} {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) List(_ context.Context, tenantID string) ([]*Document, error) {
	var docs []*Document
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixTenant + tenantID + "/")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			doc, err := readDoc(txn, id)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return nil
	})
	sortNewestFirst(docs)
	return docs, err
}

func (b *Badger) ListActive(_ context.Context) ([]*Document, error) {
	var docs []*Document
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixDoc)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var doc Document
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			})
			if err != nil {
				return fmt.Errorf("decoding document: %w", err)
			}
			if !doc.State.Terminal() {
				docs = append(docs, &doc)
			}
		}
		return nil
	})
	sortNewestFirst(docs)
	return docs, err
}

var _ Store = (*Badger)(nil)
