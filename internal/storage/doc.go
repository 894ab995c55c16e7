// Package storage provides the key-value persistence behind the checkpoint
// ledger, with pluggable backends that share one contract: every write to a
// single key is atomic and durable before the call returns.
//
// # Overview
//
// A build records every finished unit of work so that a rerun after a crash
// skips it. The record has to survive the process and must never be seen
// half-written, but it is small (one key per input file and per destination
// cell) and written from many goroutines. A plain key-value interface is
// all the ledger needs.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│          Checkpoint Ledger          │
//	│   (MarkDone, IsDone, Pending, ...)  │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│          Store Interface            │
//	│  Get, Put, Delete, List, Stats      │
//	└─────────────────────────────────────┘
//	                 │
//	    ┌────────────┼────────────┐
//	    ▼            ▼            ▼
//	┌────────┐  ┌────────┐  ┌────────┐
//	│  Bolt  │  │ SQLite │  │ Memory │
//	│ Store  │  │ Store  │  │ Store  │
//	└────────┘  └────────┘  └────────┘
//
// # Implementations
//
// BoltStore: go.etcd.io/bbolt, one bucket, the default backend
//   - One read-write transaction per Put, fsynced on commit
//   - Keys kept in byte order, so prefix listing is a cursor seek
//   - File lock prevents two builds sharing one ledger
//
// SQLiteStore: modernc.org/sqlite (pure Go), one kv table
//   - Upsert per key in autocommit mode
//   - WAL journal and a busy timeout for concurrent writers
//   - Handy when the ledger should be inspected with sqlite3
//
// MemoryStore: map guarded by sync.RWMutex
//   - No persistence (data lost on restart)
//   - Used by dry runs and tests
//
// # Concurrency and Thread Safety
//
// All implementations are safe for concurrent use. Values passed to Put and
// returned by Get are copied, so callers may reuse their buffers.
//
// # Error Handling
//
// ErrKeyNotFound: Key doesn't exist in store
//   - Returned by Get only
//   - Delete of a missing key succeeds
//
// # Usage Examples
//
//	store, err := storage.Open(storage.BackendBolt, tmpDir)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	if err := store.Put("reducing/Norder=3/Npix=17", []byte{1}); err != nil {
//	    return err
//	}
//	keys, _ := store.List("reducing/")
package storage
