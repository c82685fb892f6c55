package status

import (
	"fmt"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/logging"
)

// Open returns the Store selected by cfg.Provider.
func Open(cfg config.StatusStoreConfig, logger *logging.Logger) (Store, error) {
	switch cfg.Provider {
	case "", "badger":
		return OpenBadger(cfg.Badger.Path, cfg.Badger.InMemory, logger)
	case "sqlite":
		return OpenSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown status store provider %q", cfg.Provider)
	}
}
