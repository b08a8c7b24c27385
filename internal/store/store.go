// Package store is the durable state layer for missions, items, and media
// records. It is the only component with I/O to the database; every other
// component serializes through it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/genmedia/broker/internal/bus"
)

// MissionStatus is the state of a mission row.
type MissionStatus string

const (
	MissionScheduled MissionStatus = "scheduled"
	MissionQueued    MissionStatus = "queued"
	MissionRunning   MissionStatus = "running"
	MissionCompleted MissionStatus = "completed"
	MissionFailed    MissionStatus = "failed"
	MissionCancelled MissionStatus = "cancelled"
)

// ItemStatus is the state of a mission_item row.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemCancelled  ItemStatus = "cancelled"
)

// allowedMissionTransitions encodes the mission state diagram.
var allowedMissionTransitions = map[MissionStatus]map[MissionStatus]struct{}{
	MissionScheduled: {MissionQueued: {}, MissionCancelled: {}, MissionFailed: {}},
	MissionQueued:    {MissionRunning: {}, MissionCancelled: {}},
	MissionRunning:   {MissionCompleted: {}, MissionFailed: {}, MissionCancelled: {}},
}

// allowedItemTransitions encodes the item state diagram.
var allowedItemTransitions = map[ItemStatus]map[ItemStatus]struct{}{
	ItemPending:    {ItemProcessing: {}, ItemCancelled: {}},
	ItemProcessing: {ItemCompleted: {}, ItemFailed: {}, ItemPending: {}, ItemCancelled: {}},
}

func canTransitionMission(from, to MissionStatus) bool {
	next, ok := allowedMissionTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func canTransitionItem(from, to ItemStatus) bool {
	next, ok := allowedItemTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

const (
	schemaVersionV1 = 1
)

// Store owns the single SQLite connection and the event bus used to
// publish mission/item lifecycle events.
type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

// DefaultDBPath returns ~/.mediabroker/broker.db, creating the parent
// directory's ancestors lazily at Open time, not here.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".mediabroker", "broker.db")
}

// Open opens (and migrates) the SQLite database at path.
func Open(path string, b *bus.Bus) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: b}
	if err := s.configurePragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for components (e.g. retention jobs)
// that need raw access without growing the Store's public surface.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas() error {
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=FULL;`,
	} {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS missions (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			name             TEXT NOT NULL,
			description      TEXT NOT NULL DEFAULT '',
			task_type        TEXT NOT NULL,
			model_id         TEXT,
			platform_strategy TEXT NOT NULL DEFAULT 'specified',
			config_json      TEXT NOT NULL DEFAULT '{}',
			total            INTEGER NOT NULL DEFAULT 0,
			completed        INTEGER NOT NULL DEFAULT 0,
			failed           INTEGER NOT NULL DEFAULT 0,
			status           TEXT NOT NULL,
			scheduled_time   TEXT,
			started_at       TEXT,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status);`,
		`CREATE INDEX IF NOT EXISTS idx_missions_scheduled ON missions(status, scheduled_time);`,

		`CREATE TABLE IF NOT EXISTS mission_items (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			mission_id       INTEGER NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
			item_index       INTEGER NOT NULL,
			input_params_json TEXT NOT NULL DEFAULT '{}',
			status           TEXT NOT NULL,
			retry_count      INTEGER NOT NULL DEFAULT 0,
			next_retry_at    TEXT,
			platform_id      TEXT,
			platform_task_id TEXT,
			result_url       TEXT,
			error_message    TEXT,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,
			UNIQUE(mission_id, item_index)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_items_mission ON mission_items(mission_id);`,
		`CREATE INDEX IF NOT EXISTS idx_items_status ON mission_items(status);`,
		`CREATE INDEX IF NOT EXISTS idx_items_retry ON mission_items(status, next_retry_at);`,

		`CREATE TABLE IF NOT EXISTS mission_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			mission_id  INTEGER NOT NULL,
			event_type  TEXT NOT NULL,
			state_from  TEXT,
			state_to    TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at  TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_mission_events_mission ON mission_events(mission_id);`,

		`CREATE TABLE IF NOT EXISTS item_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			item_id     INTEGER NOT NULL,
			mission_id  INTEGER NOT NULL,
			event_type  TEXT NOT NULL,
			state_from  TEXT,
			state_to    TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at  TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_item_events_item ON item_events(item_id);`,

		`CREATE TABLE IF NOT EXISTS media_files (
			hash            TEXT PRIMARY KEY,
			original_name   TEXT NOT NULL,
			local_path      TEXT NOT NULL,
			provider_handle TEXT NOT NULL DEFAULT '',
			usage_count     INTEGER NOT NULL DEFAULT 1,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS templates (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			name        TEXT NOT NULL,
			task_type   TEXT NOT NULL,
			config_json TEXT NOT NULL DEFAULT '{}',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w\n%s", err, stmt)
		}
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if maxVersion < schemaVersionV1 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?);`,
			schemaVersionV1, nowString()); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}

	return tx.Commit()
}

// nowString formats the current instant in the canonical +08:00 offset form
// used for every stored and emitted timestamp.
func nowString() string {
	return formatTime(time.Now())
}

func formatTime(t time.Time) string {
	loc := time.FixedZone("+08:00", 8*60*60)
	return t.In(loc).Format("2006-01-02T15:04:05-07:00")
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	return time.Parse("2006-01-02T15:04:05-07:00", s)
}

// isSQLiteBusy reports whether err is a retryable SQLITE_BUSY/LOCKED error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// retryOnBusy retries f with exponential backoff + jitter while the store
// reports SQLITE_BUSY/LOCKED. A single slow writer must never wedge a
// worker loop.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	base := 50 * time.Millisecond
	cap := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = f()
		if lastErr == nil || !isSQLiteBusy(lastErr) {
			return lastErr
		}
		delay := base * time.Duration(1<<uint(attempt))
		if delay > cap {
			delay = cap
		}
		jitter := time.Duration(rand.Int63n(int64(delay) / 4 + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay - delay/4 + jitter):
		}
	}
	return lastErr
}
