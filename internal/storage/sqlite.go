package storage

import (
	"database/sql"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const createKVTable = `CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`

// SQLiteStore implements Store on a single SQLite table
// Statements run in autocommit mode, so every Put is its own transaction
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database file at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite store %s", path)
	}
	db.SetMaxOpenConns(1) // single writer

	if _, err := db.Exec(createKVTable); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create kv table")
	}
	return &SQLiteStore{db: db}, nil
}

// Get retrieves a value by key
func (s *SQLiteStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	return value, nil
}

// Put stores a value with the given key
func (s *SQLiteStore) Put(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return errors.Wrapf(err, "put %s", key)
}

// Delete removes a key-value pair
func (s *SQLiteStore) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return errors.Wrapf(err, "delete %s", key)
}

// List returns the keys with the given prefix, sorted
func (s *SQLiteStore) List(prefix string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv WHERE substr(key, 1, length(?)) = ? ORDER BY key`, prefix, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "list keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, "scan key")
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Stats returns storage statistics
func (s *SQLiteStore) Stats() (StoreStats, error) {
	var stats StoreStats
	err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(length(value)), 0) FROM kv`).Scan(&stats.Keys, &stats.Bytes)
	return stats, errors.Wrap(err, "stats")
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
