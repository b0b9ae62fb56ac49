package hybrid

import (
	"context"

	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/schema"
)

// Display is the user-facing sync state of a record.
type Display int

const (
	Synced Display = iota
	SavedLocally
	NeedsAttention
	Conflict
)

func (d Display) String() string {
	switch d {
	case Synced:
		return "saved and synced"
	case SavedLocally:
		return "saved locally, will sync"
	case NeedsAttention:
		return "failed, needs attention"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// StatusOf derives the display state of a record from its sync status and
// the most recent queue entry targeting it.
func (l *Layer) StatusOf(ctx context.Context, c schema.Collection, id string) (Display, error) {
	e, err := l.store.Get(ctx, c, id)
	if err != nil {
		return NeedsAttention, err
	}

	switch e.Base().SyncStatus {
	case schema.StatusError:
		return NeedsAttention, nil
	case schema.StatusConflict:
		return Conflict, nil
	}

	if schema.IsSyncable(c) {
		ops, err := l.queue.ForEntity(ctx, c, id)
		if err != nil {
			return NeedsAttention, err
		}
		if n := len(ops); n > 0 && ops[n-1].Status == queue.StatusFailed {
			return NeedsAttention, nil
		}
	}

	if e.Base().SyncStatus == schema.StatusPending {
		return SavedLocally, nil
	}
	return Synced, nil
}
