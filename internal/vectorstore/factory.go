package vectorstore

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/retry"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
)

// Open builds the configured backend wrapped in a Guarded index. dim is
// the embedding width used when the backend config leaves it unset.
func Open(ctx context.Context, cfg config.VectorStoreConfig, dim int, policy retry.Policy, guard *tenant.Guard) (*Guarded, error) {
	var (
		idx Index
		err error
	)
	switch cfg.Provider {
	case "chromem", "":
		idx, err = NewChromem(cfg.Chromem)
	case "qdrant":
		qc := cfg.Qdrant
		if qc.VectorSize == 0 {
			qc.VectorSize = uint64(dim)
		}
		idx, err = NewQdrant(qc, policy)
	case "pgvector":
		pc := cfg.Pgvector
		if pc.Dimension == 0 {
			pc.Dimension = dim
		}
		idx, err = NewPgvector(ctx, pc)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrIndex, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewGuarded(idx, guard, WithCapacity(cfg.MaxVectorsPerNamespace)), nil
}
