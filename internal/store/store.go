package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/syncerr"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the local keyed, indexed store.
//
// Put and Delete implement the queueing side effects: on allow-listed
// collections they may append to the operation queue. Write and MarkStatus
// are the raw primitives used by the access layer and the sync coordinator
// when they decide the status themselves.
type Store interface {
	Get(ctx context.Context, c schema.Collection, id string) (schema.Entity, error)
	GetAll(ctx context.Context, c schema.Collection) ([]schema.Entity, error)
	GetByIndex(ctx context.Context, c schema.Collection, index, value string) ([]schema.Entity, error)

	// Put upserts e. Status is pending when the monitor reports offline and
	// enqueueIfOffline is set (a create operation is then queued), synced
	// otherwise. LastModified is stamped when zero.
	Put(ctx context.Context, e schema.Entity, enqueueIfOffline bool) error

	// Delete removes the record and optionally queues a delete operation.
	Delete(ctx context.Context, c schema.Collection, id string, enqueue bool) error

	// Write upserts e with an explicit status. No queueing.
	Write(ctx context.Context, e schema.Entity, status schema.SyncStatus) error

	// MarkStatus changes the status and retained error of a record.
	MarkStatus(ctx context.Context, c schema.Collection, id string, status schema.SyncStatus, syncErr string) error
}

// Enqueuer appends operations to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind queue.Kind, e schema.Entity) (*queue.Operation, error)
}

// OnlineChecker reports connectivity.
type OnlineChecker interface {
	IsOnline() bool
}

// Options carries the collaborators shared by Store implementations.
type Options struct {
	Enqueuer Enqueuer
	Online   OnlineChecker
	Clock    func() time.Time
	Logger   *slog.Logger

	// OnEvictPending is called when a bounded store drops a record that
	// has not been synced. It runs with the store locked.
	OnEvictPending func(c schema.Collection, id string)
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default().With("component", "store")
	}
	return o
}

// putStatus decides the status Put stamps and whether it must enqueue.
func (o Options) putStatus(c schema.Collection, enqueueIfOffline bool) (schema.SyncStatus, bool) {
	offline := o.Online != nil && !o.Online.IsOnline()
	if enqueueIfOffline && offline && schema.IsSyncable(c) && o.Enqueuer != nil {
		return schema.StatusPending, true
	}
	return schema.StatusSynced, false
}

func (o Options) enqueue(ctx context.Context, kind queue.Kind, e schema.Entity) error {
	if o.Enqueuer == nil || !schema.IsSyncable(e.Collection()) {
		return nil
	}
	_, err := o.Enqueuer.Enqueue(ctx, kind, e)
	return err
}

// SQLStore is the SQLite-backed Store.
type SQLStore struct {
	db   *DB
	opts Options
}

// NewSQLStore creates a Store on an initialised database.
func NewSQLStore(db *DB, opts Options) *SQLStore {
	return &SQLStore{db: db, opts: opts.withDefaults()}
}

var _ Store = (*SQLStore)(nil)

func checkCollection(c schema.Collection) error {
	if !schema.Known(c) {
		return fmt.Errorf("%w: %q", schema.ErrUnknownCollection, c)
	}
	return nil
}

// Get returns the record with the given id or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, c schema.Collection, id string) (schema.Entity, error) {
	if err := checkCollection(c); err != nil {
		return nil, err
	}
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT payload, sync_status, sync_error FROM `+string(c)+` WHERE id = ?`, id)

	var payload, status string
	var syncErr sql.NullString
	if err := row.Scan(&payload, &status, &syncErr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, syncerr.StorageFailure("store.get", err)
	}
	return decodeRow(c, payload, status, syncErr.String)
}

// GetAll returns every record of c. Order is unspecified.
func (s *SQLStore) GetAll(ctx context.Context, c schema.Collection) ([]schema.Entity, error) {
	if err := checkCollection(c); err != nil {
		return nil, err
	}
	return s.queryRecords(ctx, "store.get_all", c,
		`SELECT payload, sync_status, sync_error FROM `+string(c))
}

// GetByIndex returns the records of c whose index equals value.
func (s *SQLStore) GetByIndex(ctx context.Context, c schema.Collection, index, value string) ([]schema.Entity, error) {
	if err := checkCollection(c); err != nil {
		return nil, err
	}
	if !schema.HasIndex(c, index) {
		return nil, fmt.Errorf("collection %s has no index %q", c, index)
	}
	return s.queryRecords(ctx, "store.get_by_index", c,
		`SELECT payload, sync_status, sync_error FROM `+string(c)+` WHERE `+indexColumn(index)+` = ?`, value)
}

// Put upserts e following the offline queueing rule.
func (s *SQLStore) Put(ctx context.Context, e schema.Entity, enqueueIfOffline bool) error {
	if e.Base().LastModified.IsZero() {
		e.Base().LastModified = s.opts.Clock()
	}
	status, enqueue := s.opts.putStatus(e.Collection(), enqueueIfOffline)
	if err := s.Write(ctx, e, status); err != nil {
		return err
	}
	if enqueue {
		return s.opts.enqueue(ctx, queue.KindCreate, e)
	}
	return nil
}

// Write upserts e with the given status.
func (s *SQLStore) Write(ctx context.Context, e schema.Entity, status schema.SyncStatus) error {
	c := e.Collection()
	meta := e.Base()
	if meta.ID == "" {
		return fmt.Errorf("cannot store %s record without id", c)
	}
	meta.SyncStatus = status
	if status == schema.StatusSynced {
		meta.SyncError = ""
	}

	payload, err := schema.Encode(e)
	if err != nil {
		return err
	}

	cols := []string{"id", "payload", "last_modified", "sync_status", "sync_error"}
	args := []any{meta.ID, string(payload), formatTime(meta.LastModified), string(status), nullString(meta.SyncError)}
	for _, idx := range schema.Indexes(c) {
		v, _ := schema.IndexValue(e, idx)
		cols = append(cols, indexColumn(idx))
		args = append(args, v)
	}

	updates := make([]string, 0, len(cols)-1)
	for _, col := range cols[1:] {
		updates = append(updates, col+" = excluded."+col)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s`,
		c, strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(updates, ", "))

	if _, err := s.db.conn.ExecContext(ctx, query, args...); err != nil {
		return syncerr.StorageFailure("store.write", err)
	}
	return nil
}

// MarkStatus updates the status columns of an existing record.
func (s *SQLStore) MarkStatus(ctx context.Context, c schema.Collection, id string, status schema.SyncStatus, syncErr string) error {
	if err := checkCollection(c); err != nil {
		return err
	}
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE `+string(c)+` SET sync_status = ?, sync_error = ? WHERE id = ?`,
		string(status), nullString(syncErr), id)
	if err != nil {
		return syncerr.StorageFailure("store.mark_status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a record. With enqueue set on an allow-listed collection a
// delete operation carrying the last known snapshot is queued.
func (s *SQLStore) Delete(ctx context.Context, c schema.Collection, id string, enqueue bool) error {
	if err := checkCollection(c); err != nil {
		return err
	}

	var snapshot schema.Entity
	if enqueue && schema.IsSyncable(c) {
		var err error
		snapshot, err = s.Get(ctx, c, id)
		if errors.Is(err, ErrNotFound) {
			snapshot, _ = schema.New(c)
			snapshot.Base().ID = id
		} else if err != nil {
			return err
		}
		snapshot.Base().LastModified = s.opts.Clock()
	}

	if _, err := s.db.conn.ExecContext(ctx, `DELETE FROM `+string(c)+` WHERE id = ?`, id); err != nil {
		return syncerr.StorageFailure("store.delete", err)
	}

	if snapshot != nil {
		return s.opts.enqueue(ctx, queue.KindDelete, snapshot)
	}
	return nil
}

func (s *SQLStore) queryRecords(ctx context.Context, op string, c schema.Collection, query string, args ...any) ([]schema.Entity, error) {
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncerr.StorageFailure(op, err)
	}
	defer rows.Close()

	var out []schema.Entity
	for rows.Next() {
		var payload, status string
		var syncErr sql.NullString
		if err := rows.Scan(&payload, &status, &syncErr); err != nil {
			return nil, syncerr.StorageFailure(op, err)
		}
		e, err := decodeRow(c, payload, status, syncErr.String)
		if err != nil {
			s.opts.Logger.Warn("skipping undecodable record", "collection", c, "error", err)
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.StorageFailure(op, err)
	}
	return out, nil
}

// decodeRow rebuilds a record. The status columns are authoritative over
// the copy embedded in the payload.
func decodeRow(c schema.Collection, payload, status, syncErr string) (schema.Entity, error) {
	e, err := schema.Decode(c, []byte(payload))
	if err != nil {
		return nil, err
	}
	e.Base().SyncStatus = schema.SyncStatus(status)
	e.Base().SyncError = syncErr
	return e, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
