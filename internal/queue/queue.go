// Package queue implements the durable operation queue: an insertion-ordered
// log of mutations waiting to be pushed to the remote system.
//
// Entries are not deduplicated. Two edits of the same entity produce two
// rows sharing the same deterministic id; they are pushed in insertion order
// and the remote applies the later one last.
//
// Only allow-listed (Syncable) collections may appear in the queue. Rows
// outside the allow-list are schema drift and are removed by PurgeInvalid.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/syncerr"
)

// Kind is the mutation an operation carries.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	return k == KindCreate || k == KindUpdate || k == KindDelete
}

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

var (
	// ErrNotAllowed is returned by Enqueue for collections outside the
	// allow-list. No row is written.
	ErrNotAllowed = errors.New("collection is not allow-listed for sync")

	// ErrNotFound is returned when an operation row does not exist.
	ErrNotFound = errors.New("operation not found")
)

// Operation is one pending mutation.
type Operation struct {
	// Seq is the row key and the insertion order.
	Seq int64 `json:"-"`

	// ID is derived from collection, kind and entity id. Not unique.
	ID         string            `json:"id"`
	Kind       Kind              `json:"type"`
	Collection schema.Collection `json:"collection"`
	EntityID   string            `json:"entityId"`

	// Payload is the full entity snapshot at enqueue time.
	Payload json.RawMessage `json:"data"`

	CreatedAt  time.Time `json:"timestamp"`
	RetryCount int       `json:"retryCount"`
	Status     Status    `json:"status"`
	LastError  string    `json:"lastError,omitempty"`
	UpdatedAt  time.Time `json:"-"`
}

// Entity decodes the payload into its typed record.
func (o *Operation) Entity() (schema.Syncable, error) {
	return schema.DecodeSyncable(o.Collection, o.Payload)
}

// OperationID returns the deterministic id of a mutation:
// <collection>_<kind>_<entityId>.
func OperationID(c schema.Collection, kind Kind, entityID string) string {
	return fmt.Sprintf("%s_%s_%s", c, kind, entityID)
}

// InitSchema creates the sync_queue table and its indexes.
func InitSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_queue (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			kind TEXT NOT NULL,
			collection TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			last_error TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_timestamp ON sync_queue(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(collection, entity_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sync_queue schema: %w", err)
		}
	}
	return nil
}

// Queue is the operation queue backed by the sync_queue table.
type Queue struct {
	db      *sql.DB
	logger  *slog.Logger
	now     func() time.Time
	allowed func(schema.Collection) bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithClock sets the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithAllowList overrides the allow-list predicate. Defaults to
// schema.IsSyncable.
func WithAllowList(fn func(schema.Collection) bool) Option {
	return func(q *Queue) {
		if fn != nil {
			q.allowed = fn
		}
	}
}

// New creates a queue on db. The table must exist (see InitSchema).
func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:      db,
		logger:  slog.Default().With("component", "queue"),
		now:     time.Now,
		allowed: schema.IsSyncable,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Allowed reports whether c may be queued.
func (q *Queue) Allowed(c schema.Collection) bool {
	return q.allowed(c)
}

// Enqueue appends a pending operation carrying a snapshot of e.
//
// Collections outside the allow-list are rejected: nothing is written, a
// warning is logged and ErrNotAllowed is returned.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, e schema.Entity) (*Operation, error) {
	return q.insert(ctx, kind, e, StatusPending, "")
}

// RecordFailed appends an operation that starts in the failed state. Used
// for writes the remote rejected outright: they stay visible to the
// operator without being retried.
func (q *Queue) RecordFailed(ctx context.Context, kind Kind, e schema.Entity, lastErr string) (*Operation, error) {
	return q.insert(ctx, kind, e, StatusFailed, lastErr)
}

func (q *Queue) insert(ctx context.Context, kind Kind, e schema.Entity, status Status, lastErr string) (*Operation, error) {
	if e == nil {
		return nil, fmt.Errorf("cannot enqueue nil record")
	}
	if !kind.IsValid() {
		return nil, fmt.Errorf("invalid operation kind %q", kind)
	}
	c := e.Collection()
	if !q.allowed(c) {
		q.logger.Warn("rejected operation for collection outside allow-list",
			"collection", c, "kind", kind, "entity_id", e.Base().ID)
		return nil, fmt.Errorf("%w: %q", ErrNotAllowed, c)
	}

	payload, err := schema.Encode(e)
	if err != nil {
		return nil, err
	}

	now := q.now()
	op := &Operation{
		ID:         OperationID(c, kind, e.Base().ID),
		Kind:       kind,
		Collection: c,
		EntityID:   e.Base().ID,
		Payload:    payload,
		CreatedAt:  now,
		Status:     status,
		LastError:  lastErr,
		UpdatedAt:  now,
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, kind, collection, entity_id, payload, timestamp, retry_count, status, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, op.ID, string(kind), string(c), op.EntityID, string(payload), formatTime(now), string(status), nullString(lastErr), formatTime(now))
	if err != nil {
		return nil, syncerr.StorageFailure("queue.enqueue", err)
	}
	if op.Seq, err = res.LastInsertId(); err != nil {
		return nil, syncerr.StorageFailure("queue.enqueue", err)
	}

	q.logger.Debug("enqueued operation", "seq", op.Seq, "id", op.ID, "status", status)
	return op, nil
}

const selectColumns = `seq, id, kind, collection, entity_id, payload, timestamp, retry_count, status, last_error, updated_at`

// Pending returns the operations with status pending in insertion order.
func (q *Queue) Pending(ctx context.Context) ([]*Operation, error) {
	return q.query(ctx, "queue.pending",
		`SELECT `+selectColumns+` FROM sync_queue WHERE status = ? ORDER BY seq`, string(StatusPending))
}

// Failed returns the operations awaiting operator attention.
func (q *Queue) Failed(ctx context.Context) ([]*Operation, error) {
	return q.query(ctx, "queue.failed",
		`SELECT `+selectColumns+` FROM sync_queue WHERE status = ? ORDER BY seq`, string(StatusFailed))
}

// List returns every operation in insertion order, optionally filtered by
// status.
func (q *Queue) List(ctx context.Context, statuses ...Status) ([]*Operation, error) {
	if len(statuses) == 0 {
		return q.query(ctx, "queue.list", `SELECT `+selectColumns+` FROM sync_queue ORDER BY seq`)
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	return q.query(ctx, "queue.list",
		`SELECT `+selectColumns+` FROM sync_queue WHERE status IN (`+strings.Join(placeholders, ",")+`) ORDER BY seq`, args...)
}

// Since returns operations created at or after t.
func (q *Queue) Since(ctx context.Context, t time.Time) ([]*Operation, error) {
	return q.query(ctx, "queue.since",
		`SELECT `+selectColumns+` FROM sync_queue WHERE timestamp >= ? ORDER BY seq`, formatTime(t))
}

// ForEntity returns every operation that targets the given entity.
func (q *Queue) ForEntity(ctx context.Context, c schema.Collection, entityID string) ([]*Operation, error) {
	return q.query(ctx, "queue.for_entity",
		`SELECT `+selectColumns+` FROM sync_queue WHERE collection = ? AND entity_id = ? ORDER BY seq`,
		string(c), entityID)
}

// Get returns one operation by row key.
func (q *Queue) Get(ctx context.Context, seq int64) (*Operation, error) {
	ops, err := q.query(ctx, "queue.get", `SELECT `+selectColumns+` FROM sync_queue WHERE seq = ?`, seq)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, ErrNotFound
	}
	return ops[0], nil
}

// UpdateStatus sets the status of one operation. lastErr replaces the
// retained error when non-empty.
func (q *Queue) UpdateStatus(ctx context.Context, seq int64, status Status, lastErr string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, last_error = COALESCE(?, last_error), updated_at = ?
		WHERE seq = ?
	`, string(status), nullString(lastErr), formatTime(q.now()), seq)
	if err != nil {
		return syncerr.StorageFailure("queue.update_status", err)
	}
	return requireRow(res)
}

// UpdateStatusByID sets the status of every in-flight (pending or syncing)
// operation sharing the deterministic id. Returns the number of rows
// changed.
func (q *Queue) UpdateStatusByID(ctx context.Context, id string, status Status) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(status), formatTime(q.now()), id, string(StatusPending), string(StatusSyncing))
	if err != nil {
		return 0, syncerr.StorageFailure("queue.update_status", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MarkSyncing moves a batch of operations to syncing in one transaction.
func (q *Queue) MarkSyncing(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.StorageFailure("queue.mark_syncing", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(q.now())
	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET status = ?, updated_at = ? WHERE seq = ?`,
			string(StatusSyncing), now, seq); err != nil {
			return syncerr.StorageFailure("queue.mark_syncing", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return syncerr.StorageFailure("queue.mark_syncing", err)
	}
	return nil
}

// IncrementRetry returns an operation to pending after a network-class
// failure, bumping its retry counter. Returns the new count.
func (q *Queue) IncrementRetry(ctx context.Context, seq int64, lastErr string) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `
		UPDATE sync_queue
		SET retry_count = retry_count + 1, status = ?, last_error = ?, updated_at = ?
		WHERE seq = ?
		RETURNING retry_count
	`, string(StatusPending), nullString(lastErr), formatTime(q.now()), seq).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, syncerr.StorageFailure("queue.increment_retry", err)
	}
	return count, nil
}

// Retry re-arms a failed operation: back to pending with the retry counter
// reset. The last error is kept until the next attempt replaces it.
func (q *Queue) Retry(ctx context.Context, seq int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, retry_count = 0, updated_at = ?
		WHERE seq = ? AND status = ?
	`, string(StatusPending), formatTime(q.now()), seq, string(StatusFailed))
	if err != nil {
		return syncerr.StorageFailure("queue.retry", err)
	}
	return requireRow(res)
}

// RecoverInFlight returns operations left in syncing by an interrupted run
// to pending. The remote may or may not have applied them; resending is
// safe because payloads are full snapshots.
func (q *Queue) RecoverInFlight(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, updated_at = ? WHERE status = ?`,
		string(StatusPending), formatTime(q.now()), string(StatusSyncing))
	if err != nil {
		return 0, syncerr.StorageFailure("queue.recover", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeInvalid removes every operation whose collection is outside the
// current allow-list and returns how many were removed.
func (q *Queue) PurgeInvalid(ctx context.Context) (int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT DISTINCT collection FROM sync_queue`)
	if err != nil {
		return 0, syncerr.StorageFailure("queue.purge_invalid", err)
	}
	var invalid []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			_ = rows.Close()
			return 0, syncerr.StorageFailure("queue.purge_invalid", err)
		}
		if !q.allowed(schema.Collection(c)) {
			invalid = append(invalid, c)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, syncerr.StorageFailure("queue.purge_invalid", err)
	}
	if err := rows.Err(); err != nil {
		return 0, syncerr.StorageFailure("queue.purge_invalid", err)
	}

	total := 0
	for _, c := range invalid {
		res, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE collection = ?`, c)
		if err != nil {
			return total, syncerr.StorageFailure("queue.purge_invalid", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
		q.logger.Warn("purged queue entries outside allow-list",
			"error", syncerr.Drift("queue.purge_invalid", fmt.Errorf("collection %q", c)),
			"count", n)
	}
	return total, nil
}

// Sweep deletes operations that reached synced. Failed operations are kept.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE status = ?`, string(StatusSynced))
	if err != nil {
		return 0, syncerr.StorageFailure("queue.sweep", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Counts returns the number of operations per status.
func (q *Queue) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, syncerr.StorageFailure("queue.counts", err)
	}
	defer rows.Close()

	counts := map[Status]int{
		StatusPending: 0,
		StatusSyncing: 0,
		StatusSynced:  0,
		StatusFailed:  0,
	}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, syncerr.StorageFailure("queue.counts", err)
		}
		counts[Status(s)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.StorageFailure("queue.counts", err)
	}
	return counts, nil
}

func (q *Queue) query(ctx context.Context, op, query string, args ...any) ([]*Operation, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncerr.StorageFailure(op, err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		o, err := scanOperation(rows)
		if err != nil {
			return nil, syncerr.StorageFailure(op, err)
		}
		ops = append(ops, o)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.StorageFailure(op, err)
	}
	return ops, nil
}

func scanOperation(rows *sql.Rows) (*Operation, error) {
	var (
		o                  Operation
		kind, coll, status string
		payload            string
		created, updated   string
		lastErr            sql.NullString
	)
	if err := rows.Scan(&o.Seq, &o.ID, &kind, &coll, &o.EntityID, &payload,
		&created, &o.RetryCount, &status, &lastErr, &updated); err != nil {
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}
	o.Kind = Kind(kind)
	o.Collection = schema.Collection(coll)
	o.Payload = json.RawMessage(payload)
	o.Status = Status(status)
	o.LastError = lastErr.String
	o.CreatedAt = parseTime(created)
	o.UpdatedAt = parseTime(updated)
	return &o, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return syncerr.StorageFailure("queue.update", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
