// Package opstate persists the node's operational state across restarts:
// how many times it has booted and when and why it last restarted on
// purpose. The store lives in data_dir next to the instance id, so it
// survives both the scheduled re-exec and a watchdog reset.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

const nsLifecycle = "lifecycle"

const (
	keyBoots         = "boots"
	keyLastBoot      = "last_boot"
	keyRestartAt     = "last_restart"
	keyRestartReason = "last_restart_reason"
)

// Lifecycle summarizes the node's boot history.
type Lifecycle struct {
	Boots             int       `json:"boots"`
	LastBoot          time.Time `json:"last_boot"`
	LastRestart       time.Time `json:"last_restart,omitzero"`
	LastRestartReason string    `json:"last_restart_reason,omitempty"`
}

// Store is a namespaced key-value store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens the state database at dbPath, creating the schema on
// first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the stored value for a namespace/key pair. Returns empty
// string and nil error if the key does not exist.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts a namespace/key/value triple.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO operational_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// RecordBoot increments the boot counter, stamps the boot time and
// returns the new count.
func (s *Store) RecordBoot(at time.Time) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("record boot: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRow(
		`SELECT value FROM operational_state WHERE namespace = ? AND key = ?`,
		nsLifecycle, keyBoots,
	).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("record boot: %w", err)
	}
	boots, _ := strconv.Atoi(raw)
	boots++

	now := time.Now().UTC().Format(time.RFC3339)
	for key, value := range map[string]string{
		keyBoots:    strconv.Itoa(boots),
		keyLastBoot: at.UTC().Format(time.RFC3339),
	} {
		if _, err := tx.Exec(
			`INSERT INTO operational_state (namespace, key, value, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (namespace, key) DO UPDATE
			 SET value = excluded.value, updated_at = excluded.updated_at`,
			nsLifecycle, key, value, now,
		); err != nil {
			return 0, fmt.Errorf("record boot: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("record boot: %w", err)
	}
	return boots, nil
}

// RecordRestart notes a deliberate restart and its reason.
func (s *Store) RecordRestart(at time.Time, reason string) error {
	if err := s.Set(nsLifecycle, keyRestartAt, at.UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return s.Set(nsLifecycle, keyRestartReason, reason)
}

// Lifecycle returns the recorded boot history.
func (s *Store) Lifecycle() (Lifecycle, error) {
	vals, err := s.List(nsLifecycle)
	if err != nil {
		return Lifecycle{}, err
	}
	var lc Lifecycle
	lc.Boots, _ = strconv.Atoi(vals[keyBoots])
	lc.LastBoot, _ = time.Parse(time.RFC3339, vals[keyLastBoot])
	lc.LastRestart, _ = time.Parse(time.RFC3339, vals[keyRestartAt])
	lc.LastRestartReason = vals[keyRestartReason]
	return lc, nil
}

// List returns all key/value pairs for a namespace. Returns an empty
// (non-nil) map if the namespace has no entries.
func (s *Store) List(namespace string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM operational_state WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		result[k] = v
	}
	return result, rows.Err()
}
