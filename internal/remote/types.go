// Package remote talks to the remote system of record.
//
// The sync endpoint takes every pending operation in one request and answers
// with a per-operation outcome plus a snapshot of everything that changed
// server-side since the client's watermark:
//
//	POST /sync
//	{ "operations": [...], "lastSync": "...", "tenantScope": "t1", "userScope": "u1" }
//
//	{ "success": true,
//	  "results": [{"id": "anchor_point_create_p1", "success": true}],
//	  "serverData": {"anchor_point": [{...}]},
//	  "syncTimestamp": "...",
//	  "message": "1 operations applied" }
//
// Results have the same length and order as the request operations.
package remote

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/schema"
)

// ErrNotFound is returned by fetches for records the remote does not have.
var ErrNotFound = errors.New("remote record not found")

// Header names carried on every request.
const (
	HeaderTenant = "X-Tenant-ID"
	HeaderUser   = "X-User-ID"
	HeaderDevice = "X-Device-ID"
)

// Scope identifies the tenant and user a request acts for.
type Scope struct {
	Tenant string
	User   string
}

// SyncRequest is the body of POST /sync.
type SyncRequest struct {
	Operations  []*queue.Operation `json:"operations"`
	LastSync    *time.Time         `json:"lastSync"`
	TenantScope string             `json:"tenantScope"`
	UserScope   string             `json:"userScope"`
}

// OperationResult is the outcome of one operation.
type OperationResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SyncResponse is the body returned by POST /sync.
type SyncResponse struct {
	Success       bool                                    `json:"success"`
	Results       []OperationResult                       `json:"results"`
	ServerData    map[schema.Collection][]json.RawMessage `json:"serverData"`
	SyncTimestamp time.Time                               `json:"syncTimestamp"`
	Message       string                                  `json:"message"`
}

// DecodeServerData decodes serverData through the tagged union. Collections
// are returned in allow-list order; unknown collections and undecodable
// records are reported in skipped instead of failing the whole response.
func (r *SyncResponse) DecodeServerData() (entities []schema.Entity, skipped []error) {
	seen := make(map[schema.Collection]bool, len(r.ServerData))
	decode := func(c schema.Collection) {
		seen[c] = true
		for _, raw := range r.ServerData[c] {
			e, err := schema.Decode(c, raw)
			if err != nil {
				skipped = append(skipped, err)
				continue
			}
			entities = append(entities, e)
		}
	}
	for _, c := range schema.AllowList() {
		decode(c)
	}
	for c := range r.ServerData {
		if seen[c] {
			continue
		}
		if !schema.Known(c) {
			skipped = append(skipped, &UnknownCollectionError{Collection: c})
			continue
		}
		decode(c)
	}
	return entities, skipped
}

// UnknownCollectionError reports serverData for a collection this build
// does not know.
type UnknownCollectionError struct {
	Collection schema.Collection
}

func (e *UnknownCollectionError) Error() string {
	return "server data for unknown collection " + string(e.Collection)
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error string `json:"error"`
}
