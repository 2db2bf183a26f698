// Package db provides the replica's on-disk snapshot cache.
//
// The cache is an embedded SQLite database (ncruces/go-sqlite3, WAL mode)
// holding the last published JSON of every run. It is written by a
// notifier subscription while the replica follows the server, read back to
// warm-start the engine, and queried directly by the CLI read commands.
//
// Architecture:
//   - Database file: cache.path (default .runsync/cache.db)
//   - WAL mode: the CLI can read while follow is writing
//   - Schema: one runs table, the full run kept as JSON in data
//   - Indexes: channel, status and owner for filtered listings
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/runsync/runsync/internal/replica/notify"
	"github.com/runsync/runsync/internal/replica/schema"
	"github.com/runsync/runsync/internal/replica/store"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the cache at path, enables WAL and creates the
// schema.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	cache, err := db.Open(".runsync/cache.db")
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		current_status TEXT NOT NULL DEFAULT '',
		channel_id TEXT NOT NULL DEFAULT '',
		owner_user_id TEXT NOT NULL DEFAULT '',
		update_at INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL,  -- full run JSON
		cached_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_channel ON runs(channel_id);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(current_status);
	CREATE INDEX IF NOT EXISTS idx_runs_owner ON runs(owner_user_id);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// UpsertRun stores run, replacing any cached copy.
func (db *DB) UpsertRun(run *schema.Run) error {
	return db.UpsertRunContext(context.Background(), run)
}

// UpsertRunContext stores run with context support.
func (db *DB) UpsertRunContext(ctx context.Context, run *schema.Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", run.ID, err)
	}

	query := `
	INSERT INTO runs (
		id, name, current_status, channel_id, owner_user_id,
		update_at, data, cached_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		current_status = excluded.current_status,
		channel_id = excluded.channel_id,
		owner_user_id = excluded.owner_user_id,
		update_at = excluded.update_at,
		data = excluded.data,
		cached_at = excluded.cached_at
	`
	_, err = db.conn.ExecContext(ctx, query,
		run.ID,
		run.Name(),
		run.Status(),
		run.ChannelID(),
		run.OwnerUserID(),
		run.UpdateAt,
		string(data),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", run.ID, err)
	}
	return nil
}

// DeleteRun removes a run. Returns nil if it doesn't exist.
func (db *DB) DeleteRun(id string) error {
	return db.DeleteRunContext(context.Background(), id)
}

// DeleteRunContext removes a run with context support.
func (db *DB) DeleteRunContext(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	return nil
}

// GetRunByID retrieves a single run.
// Returns sql.ErrNoRows if the run is not cached.
func (db *DB) GetRunByID(id string) (*schema.Run, error) {
	return db.GetRunByIDContext(context.Background(), id)
}

// GetRunByIDContext retrieves a single run with context support.
func (db *DB) GetRunByIDContext(ctx context.Context, id string) (*schema.Run, error) {
	var data string
	if err := db.conn.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = ?`, id).Scan(&data); err != nil {
		return nil, err
	}
	run, err := schema.DecodeRun([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode cached run %s: %w", id, err)
	}
	return run, nil
}

// GetRunCount returns the number of cached runs.
func (db *DB) GetRunCount() (int, error) {
	return db.GetRunCountContext(context.Background())
}

// GetRunCountContext returns the number of cached runs with context support.
func (db *DB) GetRunCountContext(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return count, nil
}

// ListRunsFilter configures the ListRuns query.
type ListRunsFilter struct {
	// Status filters by current_status (empty = all)
	Status string
	// ChannelID filters by channel (empty = all)
	ChannelID string
	// OwnerUserID filters by owner (empty = all)
	OwnerUserID string
	// Limit restricts the number of results (0 = no limit)
	Limit int
	// Offset skips the first N results
	Offset int
}

// ListRuns retrieves runs matching filter, most recently updated first.
func (db *DB) ListRuns(filter ListRunsFilter) ([]*schema.Run, error) {
	return db.ListRunsContext(context.Background(), filter)
}

// ListRunsContext retrieves runs with context support.
func (db *DB) ListRunsContext(ctx context.Context, filter ListRunsFilter) ([]*schema.Run, error) {
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, "current_status = ?")
		args = append(args, filter.Status)
	}
	if filter.ChannelID != "" {
		conditions = append(conditions, "channel_id = ?")
		args = append(args, filter.ChannelID)
	}
	if filter.OwnerUserID != "" {
		conditions = append(conditions, "owner_user_id = ?")
		args = append(args, filter.OwnerUserID)
	}

	query := `SELECT id, data FROM runs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY update_at DESC, id ASC"

	// SQLite requires a LIMIT before OFFSET.
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows)
}

// LoadAll returns every cached run, used to seed the engine.
func (db *DB) LoadAll(ctx context.Context) ([]*schema.Run, error) {
	return db.ListRunsContext(ctx, ListRunsFilter{})
}

func scanRuns(rows *sql.Rows) ([]*schema.Run, error) {
	var runs []*schema.Run
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run, err := schema.DecodeRun([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode cached run %s: %w", id, err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// Apply writes one notifier change: an upsert, or a delete for a removal.
func (db *DB) Apply(ctx context.Context, c notify.Change) error {
	if c.Removed() {
		return db.DeleteRunContext(ctx, c.RunID)
	}
	return db.UpsertRunContext(ctx, c.Run)
}

// SyncStore writes the difference between two stores: runs in after that
// are not pointer-identical to their counterpart in before are upserted,
// runs only in before are deleted. Unchanged runs are never rewritten.
func (db *DB) SyncStore(ctx context.Context, before, after *store.Store) (written, deleted int, err error) {
	for _, run := range after.Runs() {
		if prev, ok := before.Get(run.ID); ok && prev == run {
			continue
		}
		if err := db.UpsertRunContext(ctx, run); err != nil {
			return written, deleted, err
		}
		written++
	}
	for _, id := range before.IDs() {
		if _, ok := after.Get(id); ok {
			continue
		}
		if err := db.DeleteRunContext(ctx, id); err != nil {
			return written, deleted, err
		}
		deleted++
	}
	return written, deleted, nil
}

// Subscriber returns a notify.Func that applies every change to the cache.
// Failures are logged; the replica keeps running with a stale cache.
func (db *DB) Subscriber(logger *log.Logger) notify.Func {
	if logger == nil {
		logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	return func(c notify.Change) {
		if err := db.Apply(context.Background(), c); err != nil {
			logger.Printf("Warning: %v", err)
		}
	}
}
