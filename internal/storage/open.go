package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Backend names accepted by Open
const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open creates the store for backend inside dir
// The directory is created if needed; the memory backend ignores it
func Open(backend, dir string) (Store, error) {
	if backend == BackendMemory {
		return NewMemoryStore(), nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	switch backend {
	case BackendBolt, "":
		return NewBoltStore(filepath.Join(dir, "ledger.db"))
	case BackendSQLite:
		return NewSQLiteStore(filepath.Join(dir, "ledger.sqlite"))
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", backend)
	}
}
