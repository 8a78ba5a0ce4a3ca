package store

import "github.com/nextlevelbuilder/goant/internal/tracing"

// StoreConfig carries backend settings for managed mode.
type StoreConfig struct {
	PostgresDSN string
	Mode        string
}

// Stores is the top-level container for storage backends.
// Standalone mode fills Sessions only (file-backed); managed mode adds
// the Postgres task archive and trace store. The trace store's lifecycle
// belongs to the tracing collector, which closes it on shutdown.
type Stores struct {
	Sessions SessionStore
	Tasks    TaskArchive   // nil in standalone mode
	Tracing  tracing.Store // nil in standalone mode (collector uses sqlite instead)
}
