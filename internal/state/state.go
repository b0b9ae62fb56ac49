// Package state persists the small amount of sync bookkeeping that lives
// outside the entity tables: the server watermark, the signed-in scope and
// the device identity.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// FileName is the name of the state file inside the data directory.
const FileName = "state.toml"

// Snapshot is the persisted state.
type Snapshot struct {
	// LastSync is the syncTimestamp of the last successful run. Nil means
	// never synced; the next pull asks for everything.
	LastSync *time.Time `toml:"last_sync,omitempty"`

	TenantID string `toml:"tenant_id,omitempty"`
	UserID   string `toml:"user_id,omitempty"`
	DeviceID string `toml:"device_id"`
}

// File is a Snapshot backed by a TOML file. Safe for concurrent use.
type File struct {
	mu   sync.Mutex
	path string
	snap Snapshot
}

// Open loads the state file at path, creating it with a fresh device id when
// it does not exist.
func Open(path string) (*File, error) {
	f := &File{path: path}
	_, err := toml.DecodeFile(path, &f.snap)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read state file %s: %w", path, err)
	}

	if f.snap.DeviceID == "" {
		f.snap.DeviceID = uuid.NewString()
		if err := f.save(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Path returns the file location.
func (f *File) Path() string { return f.path }

// Snapshot returns a copy of the current state.
func (f *File) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.snap
	if s.LastSync != nil {
		t := *s.LastSync
		s.LastSync = &t
	}
	return s
}

// LastSync returns the watermark, or nil before the first successful run.
func (f *File) LastSync() *time.Time {
	return f.Snapshot().LastSync
}

// SetLastSync advances the watermark.
func (f *File) SetLastSync(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t = t.UTC()
	f.snap.LastSync = &t
	return f.save()
}

// DeviceID returns the identity of this installation.
func (f *File) DeviceID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap.DeviceID
}

// Scope returns the signed-in tenant and user.
func (f *File) Scope() (tenant, user string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap.TenantID, f.snap.UserID
}

// Authenticated reports whether a user is signed in.
func (f *File) Authenticated() bool {
	tenant, user := f.Scope()
	return tenant != "" && user != ""
}

// SignIn records the scope.
func (f *File) SignIn(tenant, user string) error {
	if tenant == "" || user == "" {
		return errors.New("tenant and user are required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.TenantID = tenant
	f.snap.UserID = user
	return f.save()
}

// SignOut clears the scope and the watermark. The device id is kept.
func (f *File) SignOut() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.TenantID = ""
	f.snap.UserID = ""
	f.snap.LastSync = nil
	return f.save()
}

// save writes the snapshot atomically. Caller holds f.mu.
func (f *File) save() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".state-*.toml")
	if err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(f.snap); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
