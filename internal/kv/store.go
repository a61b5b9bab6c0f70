// Package kv provides the durable global key-value store shared by all
// automations. It is backed by a single SQLite file; a mutation returns
// only after SQLite has committed it with synchronous=FULL, so a
// crash-and-restart observes every acknowledged write.
package kv

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/mattn/go-sqlite3"
)

// FileName is the fixed store file name inside the data directory.
const FileName = "global_state.dat"

// Store is the global key-value store. All methods are safe for
// concurrent use; SQLite serializes the writes.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates the data directory if needed and opens (or creates) the
// store file inside it.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dataDir, FileName)
	dsn := "file:" + path + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS global_state (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the on-disk location of the store file.
func (s *Store) Path() string {
	return s.path
}

// Close flushes and closes the store file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the stored value for key, or def if the key is absent.
// Values come back as their JSON-decoded forms (bool, float64, string,
// []interface{}, map[string]interface{}).
func (s *Store) Get(key string, def interface{}) (interface{}, error) {
	var encoded string
	err := s.db.QueryRow(
		`SELECT value FROM global_state WHERE key = ?`, key,
	).Scan(&encoded)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}

	var value interface{}
	if err := json.Unmarshal([]byte(encoded), &value); err != nil {
		return nil, fmt.Errorf("decode %q: %w", key, err)
	}
	return value, nil
}

// Set upserts a key. The write is durable once Set returns; a disk
// failure surfaces as the returned error.
func (s *Store) Set(key string, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO global_state (key, value, updated_at)
		 VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(encoded),
	)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM global_state WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// All returns every key/value pair.
func (s *Store) All() (map[string]interface{}, error) {
	rows, err := s.db.Query(`SELECT key, value FROM global_state`)
	if err != nil {
		return nil, fmt.Errorf("list store: %w", err)
	}
	defer rows.Close()

	result := make(map[string]interface{})
	for rows.Next() {
		var k, encoded string
		if err := rows.Scan(&k, &encoded); err != nil {
			return nil, fmt.Errorf("scan store: %w", err)
		}
		var value interface{}
		if err := json.Unmarshal([]byte(encoded), &value); err != nil {
			return nil, fmt.Errorf("decode %q: %w", k, err)
		}
		result[k] = value
	}
	return result, rows.Err()
}

// Keys returns all keys, sorted.
func (s *Store) Keys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM global_state`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan keys: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear removes every key.
func (s *Store) Clear() error {
	_, err := s.db.Exec(`DELETE FROM global_state`)
	if err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	return nil
}
