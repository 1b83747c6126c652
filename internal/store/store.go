// Package store persists the row workspace so a restart can reattach to
// jobs still in flight on the server.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vieneulabs/vieneu-console/internal/config"
	_ "modernc.org/sqlite"
)

// RowSnapshot is the persisted form of one row.
type RowSnapshot struct {
	ID   int64
	Text string
}

// Settings are the last-used synthesis selections.
type Settings struct {
	Backbone    string  `json:"backbone"`
	Codec       string  `json:"codec"`
	Voice       string  `json:"voice"`
	Temperature float64 `json:"temperature"`
	ActiveTab   string  `json:"active_tab"`
}

// Store wraps the SQLite-backed workspace snapshot.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store, creating the database file and schema as
// needed.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS rows (
    id INTEGER PRIMARY KEY,
    position INTEGER NOT NULL,
    text TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS jobs (
    row_id INTEGER PRIMARY KEY,
    job_id TEXT NOT NULL,
    assigned_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rows_position ON rows(position);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveRows atomically replaces the persisted row list.
func (s *Store) SaveRows(ctx context.Context, rows []RowSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rows`); err != nil {
		return err
	}
	for i, row := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rows(id, position, text) VALUES(?, ?, ?)`,
			row.ID, i, row.Text); err != nil {
			return err
		}
	}
	// Reconcile: job mappings must never reference a vanished row.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM jobs WHERE row_id NOT IN (SELECT id FROM rows)`); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadRows returns the persisted rows in order.
func (s *Store) LoadRows(ctx context.Context) ([]RowSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text FROM rows ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RowSnapshot
	for rows.Next() {
		var r RowSnapshot
		if err := rows.Scan(&r.ID, &r.Text); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AssignJob records a rowId -> jobId mapping, replacing any prior one.
func (s *Store) AssignJob(ctx context.Context, rowID int64, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(row_id, job_id, assigned_at) VALUES(?, ?, ?)
		 ON CONFLICT(row_id) DO UPDATE SET job_id=excluded.job_id, assigned_at=excluded.assigned_at`,
		rowID, jobID, s.clock().UTC())
	return err
}

// ClearJob removes the mapping for a row. No-op if absent.
func (s *Store) ClearJob(ctx context.Context, rowID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE row_id = ?`, rowID)
	return err
}

// Jobs returns all persisted rowId -> jobId mappings.
func (s *Store) Jobs(ctx context.Context) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT row_id, job_id FROM jobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var rowID int64
		var jobID string
		if err := rows.Scan(&rowID, &jobID); err != nil {
			return nil, err
		}
		out[rowID] = jobID
	}
	return out, rows.Err()
}

const (
	keyBackbone    = "backbone"
	keyCodec       = "codec"
	keyVoice       = "voice"
	keyTemperature = "temperature"
	keyActiveTab   = "active_tab"
)

// SaveSettings persists the last-used selections.
func (s *Store) SaveSettings(ctx context.Context, set Settings) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	pairs := map[string]string{
		keyBackbone:    set.Backbone,
		keyCodec:       set.Codec,
		keyVoice:       set.Voice,
		keyTemperature: fmt.Sprintf("%g", set.Temperature),
		keyActiveTab:   set.ActiveTab,
	}
	for k, v := range pairs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settings(key, value) VALUES(?, ?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadSettings returns the persisted selections merged over the given
// defaults.
func (s *Store) LoadSettings(ctx context.Context, defaults Settings) (Settings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return defaults, err
	}
	defer rows.Close()

	out := defaults
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return defaults, err
		}
		switch k {
		case keyBackbone:
			out.Backbone = v
		case keyCodec:
			out.Codec = v
		case keyVoice:
			out.Voice = v
		case keyTemperature:
			var temp float64
			if _, err := fmt.Sscanf(v, "%g", &temp); err == nil && temp > 0 {
				out.Temperature = temp
			}
		case keyActiveTab:
			out.ActiveTab = v
		}
	}
	return out, rows.Err()
}
