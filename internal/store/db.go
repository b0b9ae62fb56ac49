// Package store provides the local persistent store for field records.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, WAL mode)
// with one table per collection. Each table keeps the encoded record plus the
// columns needed for lookups: last-modified time, sync status, the last sync
// error and one column per secondary index. The operation queue lives in the
// same file (table sync_queue) but is owned by package queue.
//
// Layout:
//   - Database file: <data-dir>/fieldsync.db
//   - Collections: company, user, project, location, anchor_point,
//     anchor_test, file_blob
//   - Indexes: anchor_point(project_id), anchor_test(point_id),
//     location(project_id), file_blob(uploaded), sync_queue(status),
//     sync_queue(timestamp)
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/schema"
)

// DB wraps the SQLite connection.
type DB struct {
	conn   *sql.DB
	path   string
	logger *slog.Logger
}

// Open creates or opens the database at path.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
//
//	db, err := store.Open(filepath.Join(dataDir, "fieldsync.db"))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A single writer keeps SQLite from returning SQLITE_BUSY under the
	// interleaving of user edits and sync runs.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{
		conn:   conn,
		path:   path,
		logger: slog.Default().With("component", "store"),
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return db, nil
}

// RawDB returns the underlying connection. The operation queue shares it.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Warn("failed to checkpoint WAL", "error", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates every collection table, the operation queue table and
// their indexes. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	for _, c := range schema.Collections() {
		if _, err := db.conn.ExecContext(ctx, tableDDL(c)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", c, err)
		}
		for _, idx := range schema.Indexes(c) {
			stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)",
				c, indexColumn(idx), c, indexColumn(idx))
			if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create index %s.%s: %w", c, idx, err)
			}
		}
	}

	if err := queue.InitSchema(ctx, db.conn); err != nil {
		return err
	}
	return nil
}

// Reset deletes every entity record. The operation queue and auxiliary
// state are untouched.
func (db *DB) Reset(ctx context.Context) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range schema.Collections() {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+string(c)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", c, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of records in c.
func (db *DB) Count(ctx context.Context, c schema.Collection) (int, error) {
	if !schema.Known(c) {
		return 0, fmt.Errorf("%w: %q", schema.ErrUnknownCollection, c)
	}
	var n int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+string(c)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", c, err)
	}
	return n, nil
}

func tableDDL(c schema.Collection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", c)
	b.WriteString("\tid TEXT PRIMARY KEY,\n")
	b.WriteString("\tpayload TEXT NOT NULL,\n")
	b.WriteString("\tlast_modified TEXT NOT NULL,\n")
	b.WriteString("\tsync_status TEXT NOT NULL DEFAULT '',\n")
	b.WriteString("\tsync_error TEXT")
	for _, idx := range schema.Indexes(c) {
		fmt.Fprintf(&b, ",\n\t%s TEXT", indexColumn(idx))
	}
	b.WriteString("\n)")
	return b.String()
}

// indexColumn maps a wire index name to its column: projectId -> project_id.
func indexColumn(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders t in a fixed-width UTC layout so text ordering
// matches time ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
