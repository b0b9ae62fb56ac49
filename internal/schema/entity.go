// Package schema defines the entity records kept in the local store and
// exchanged with the remote system.
//
// Records are a tagged union keyed by Collection. Every variant embeds Meta,
// which carries the fields the sync core relies on (id, last-modified time,
// sync status). The remaining fields are domain payload the core treats as
// opaque.
//
// Only variants implementing Syncable may be pushed upstream. Identity data
// such as companies and users lives in the store but never enters the
// operation queue.
package schema

import (
	"errors"
	"time"
)

// Collection names a store collection (one table per entity type).
type Collection string

const (
	Company     Collection = "company"
	User        Collection = "user"
	Project     Collection = "project"
	Location    Collection = "location"
	AnchorPoint Collection = "anchor_point"
	AnchorTest  Collection = "anchor_test"
	FileBlob    Collection = "file_blob"
)

// ErrUnknownCollection is returned when a collection name has no variant.
var ErrUnknownCollection = errors.New("unknown collection")

// SyncStatus is the per-record sync tag shown to the user.
type SyncStatus string

const (
	StatusPending  SyncStatus = "pending"
	StatusSynced   SyncStatus = "synced"
	StatusConflict SyncStatus = "conflict"
	StatusError    SyncStatus = "error"
)

// IsValid reports whether s is a known status. The empty status is valid
// for records that were never stamped.
func (s SyncStatus) IsValid() bool {
	switch s {
	case "", StatusPending, StatusSynced, StatusConflict, StatusError:
		return true
	}
	return false
}

// Meta holds the fields shared by every record.
type Meta struct {
	ID           string     `json:"id" validate:"required,max=128"`
	LastModified time.Time  `json:"lastModified"`
	SyncStatus   SyncStatus `json:"syncStatus,omitempty"`
	SyncError    string     `json:"syncError,omitempty"`

	// Deleted marks a server tombstone. Domain soft-deletes use the
	// variant's own Archived flag.
	Deleted bool `json:"deleted,omitempty"`
}

// Base returns the shared metadata. Variants get it through embedding.
func (m *Meta) Base() *Meta { return m }

// Entity is any record stored in a collection.
type Entity interface {
	Collection() Collection
	Base() *Meta
}

// Syncable is implemented by the variants whose mutations may be queued and
// pushed to the remote system.
type Syncable interface {
	Entity
	syncable()
}

// Newer reports whether a was modified strictly after b.
func Newer(a, b Entity) bool {
	return a.Base().LastModified.After(b.Base().LastModified)
}

// KeepLocal reports whether a local copy must survive an incoming server
// copy: it has unsynced changes (pending, error or conflict) made after the
// server's version.
func KeepLocal(local, incoming Entity) bool {
	return local.Base().SyncStatus != StatusSynced && Newer(local, incoming)
}
