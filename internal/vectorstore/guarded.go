package vectorstore

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/tenant"
)

// Guarded enforces namespace isolation in front of an Index.
//
// Security guarantees:
//   - Zero or malformed namespaces are rejected before the backend is called.
//   - Writes carrying a namespace or tenant_id of another tenant are rejected.
//   - A query returning any match from another namespace fails as a whole.
type Guarded struct {
	inner    Index
	guard    *tenant.Guard
	capacity int
}

// GuardOption configures a Guarded index.
type GuardOption func(*Guarded)

// WithCapacity limits the vectors stored per namespace. Zero means no limit.
func WithCapacity(n int) GuardOption {
	return func(g *Guarded) { g.capacity = n }
}

// NewGuarded wraps inner.
func NewGuarded(inner Index, guard *tenant.Guard, opts ...GuardOption) *Guarded {
	g := &Guarded{inner: inner, guard: guard}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guarded) Name() string { return g.inner.Name() }
func (g *Guarded) Close() error { return g.inner.Close() }

// Upsert stamps namespace provenance on every record and writes them.
func (g *Guarded) Upsert(ctx context.Context, ns tenant.Namespace, records []Record) (err error) {
	defer observe(g.inner.Name(), "upsert", time.Now(), &err)

	if err := ns.Validate(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	stamped := make([]Record, len(records))
	for i, r := range records {
		if r.ID == "" || len(r.Vector) == 0 {
			return fmt.Errorf("%w: record %d has no id or vector", ErrIndex, i)
		}
		if got, ok := r.Metadata[MetaNamespace]; ok {
			if err := g.guard.Check(ctx, "upsert", ns, got, r.ID); err != nil {
				return err
			}
		}
		if got, ok := r.Metadata[MetaTenantID]; ok && got != ns.TenantID() {
			return g.guard.Report(ctx, &tenant.IsolationViolation{
				Op: "upsert", Expected: ns.String(), Actual: "tenant:" + got, ID: r.ID,
			})
		}
		meta := make(map[string]string, len(r.Metadata)+2)
		maps.Copy(meta, r.Metadata)
		meta[MetaNamespace] = ns.String()
		meta[MetaTenantID] = ns.TenantID()
		stamped[i] = Record{ID: r.ID, Vector: r.Vector, Metadata: meta}
	}

	if g.capacity > 0 {
		if err := g.checkCapacity(ctx, ns, stamped); err != nil {
			return err
		}
	}
	return g.inner.Upsert(ctx, ns, stamped)
}

// checkCapacity counts only ids not yet stored in ns, so overwriting
// existing vectors never trips the limit.
func (g *Guarded) checkCapacity(ctx context.Context, ns tenant.Namespace, records []Record) error {
	seen := make(map[string]struct{}, len(records))
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if _, dup := seen[r.ID]; !dup {
			seen[r.ID] = struct{}{}
			ids = append(ids, r.ID)
		}
	}
	n, err := g.inner.Count(ctx, ns)
	if err != nil {
		return err
	}
	existing, err := g.inner.CountIDs(ctx, ns, ids)
	if err != nil {
		return err
	}
	added := len(ids) - existing
	if n+added > g.capacity {
		return fmt.Errorf("%w: namespace %s holds %d of %d vectors, upsert adds %d",
			ErrCapacityExceeded, ns, n, g.capacity, added)
	}
	return nil
}

// Query returns matches from ns only. A foreign match aborts the query
// without returning any of the results.
func (g *Guarded) Query(ctx context.Context, ns tenant.Namespace, vector []float32, topK int) (_ []Match, err error) {
	defer observe(g.inner.Name(), "query", time.Now(), &err)

	if err := ns.Validate(); err != nil {
		return nil, err
	}
	if topK <= 0 || len(vector) == 0 {
		return nil, fmt.Errorf("%w: query needs a vector and positive topK", ErrIndex)
	}

	matches, err := g.inner.Query(ctx, ns, vector, topK)
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		if err := g.guard.Check(ctx, "query", ns, m.Metadata[MetaNamespace], m.ID); err != nil {
			return nil, err
		}
	}
	return matches, nil
}

// Delete removes ids from ns.
func (g *Guarded) Delete(ctx context.Context, ns tenant.Namespace, ids []string) (err error) {
	defer observe(g.inner.Name(), "delete", time.Now(), &err)

	if err := ns.Validate(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return g.inner.Delete(ctx, ns, ids)
}

// DeleteNamespace drops every vector in ns.
func (g *Guarded) DeleteNamespace(ctx context.Context, ns tenant.Namespace) (err error) {
	defer observe(g.inner.Name(), "delete_namespace", time.Now(), &err)

	if err := ns.Validate(); err != nil {
		return err
	}
	return g.inner.DeleteNamespace(ctx, ns)
}

// Count returns the number of vectors in ns.
func (g *Guarded) Count(ctx context.Context, ns tenant.Namespace) (int, error) {
	if err := ns.Validate(); err != nil {
		return 0, err
	}
	return g.inner.Count(ctx, ns)
}

// CountIDs returns how many of ids are stored in ns.
func (g *Guarded) CountIDs(ctx context.Context, ns tenant.Namespace, ids []string) (int, error) {
	if err := ns.Validate(); err != nil {
		return 0, err
	}
	return g.inner.CountIDs(ctx, ns, ids)
}

var _ Index = (*Guarded)(nil)
