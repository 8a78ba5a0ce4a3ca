package pg

import (
	"fmt"

	"github.com/nextlevelbuilder/goant/internal/store"
)

// NewPGStores creates the Postgres-backed stores (managed mode).
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return &store.Stores{
		Sessions: NewPGSessionStore(db),
		Tasks:    NewPGTaskArchive(db),
		Tracing:  NewPGTraceStore(db),
	}, nil
}
