// Package syncjournal keeps a local SQLite history of registry refresh
// attempts so operators can see when a catalog last changed and why a
// refresh failed.
package syncjournal

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

type Journal struct {
	db *sql.DB
}

// Entry is one recorded refresh attempt. Status is "success" or "error".
type Entry struct {
	ID               int64  `json:"id"`
	RegistryID       string `json:"registry_id"`
	StartedAtUnixMs  int64  `json:"started_at_unix_ms"`
	FinishedAtUnixMs int64  `json:"finished_at_unix_ms"`
	Status           string `json:"status"`
	ItemCount        int    `json:"item_count"`
	Error            string `json:"error,omitempty"`
}

func Open(path string) (*Journal, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing journal db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &Journal{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS sync_history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  registry_id TEXT NOT NULL,
  started_at_ms INTEGER NOT NULL,
  finished_at_ms INTEGER NOT NULL,
  status TEXT NOT NULL,
  item_count INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sync_history_registry ON sync_history(registry_id, id DESC);
`)
	return err
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record appends one refresh attempt.
func (j *Journal) Record(e Entry) error {
	if j == nil || j.db == nil {
		return errors.New("journal not open")
	}
	registryID := strings.TrimSpace(e.RegistryID)
	if registryID == "" {
		return errors.New("missing registry id")
	}
	_, err := j.db.Exec(
		`INSERT INTO sync_history (registry_id, started_at_ms, finished_at_ms, status, item_count, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		registryID, e.StartedAtUnixMs, e.FinishedAtUnixMs, strings.TrimSpace(e.Status), e.ItemCount, strings.TrimSpace(e.Error),
	)
	if err != nil {
		return fmt.Errorf("recording sync entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries for one registry, newest first.
func (j *Journal) Recent(registryID string, limit int) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, errors.New("journal not open")
	}
	registryID = strings.TrimSpace(registryID)
	if registryID == "" {
		return nil, errors.New("missing registry id")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := j.db.Query(
		`SELECT id, registry_id, started_at_ms, finished_at_ms, status, item_count, error
		 FROM sync_history WHERE registry_id = ? ORDER BY id DESC LIMIT ?`,
		registryID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RegistryID, &e.StartedAtUnixMs, &e.FinishedAtUnixMs, &e.Status, &e.ItemCount, &e.Error); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
