// Package syncer reconciles the local store with the remote system.
//
// A Coordinator run pushes every pending operation and pulls every server-side
// change since the watermark in one batched request:
//
//  1. Skip when offline or when another run is in progress.
//  2. Purge queue entries outside the allow-list.
//  3. Read the pending operations and mark them syncing.
//  4. Send them, the watermark and the tenant/user scope to POST /sync with a
//     bounded timeout. With nothing pending the request is pull-only.
//  5. Apply the per-operation outcomes: synced or failed. Failed operations
//     keep their error and are never retried automatically.
//  6. Apply serverData to the local store. A local copy that is still
//     unsynced and newer than the incoming copy is not overwritten; it is
//     marked conflict instead. Tombstones delete.
//  7. Advance the watermark to the server's syncTimestamp.
//  8. Sweep synced operations and notify listeners.
//
// A timeout or network failure returns the batch to pending with the retry
// counter bumped. The RetryPolicy decides when an operation gives up and when
// the next periodic run may start.
//
// Runs are triggered manually, when connectivity is regained, periodically
// while online and signed in, and once at boot when work is pending.
//
// Example:
//
//	c, err := syncer.New(syncer.Deps{
//	    Store:   st,
//	    Queue:   q,
//	    Monitor: mon,
//	    Remote:  client,
//	    Session: stateFile,
//	}, syncer.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	if err := c.Start(ctx); err != nil {
//	    return err
//	}
//	defer c.Stop()
//
//	res, err := c.Run(ctx, syncer.TriggerManual)
package syncer
