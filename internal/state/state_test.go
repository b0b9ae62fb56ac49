package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestOpen_CreatesDeviceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if f.DeviceID() == "" {
		t.Fatal("DeviceID() is empty")
	}
	if f.LastSync() != nil {
		t.Errorf("LastSync() = %v, want nil", f.LastSync())
	}
	if f.Authenticated() {
		t.Error("Authenticated() = true on a fresh file")
	}

	again, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	if again.DeviceID() != f.DeviceID() {
		t.Errorf("device id changed across opens: %q != %q", again.DeviceID(), f.DeviceID())
	}
}

func TestSetLastSync_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	ts := time.Date(2024, 5, 1, 9, 30, 0, 123456789, time.UTC)
	if err := f.SetLastSync(ts); err != nil {
		t.Fatalf("SetLastSync() failed: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	got := reopened.LastSync()
	if got == nil || !got.Equal(ts) {
		t.Errorf("LastSync() = %v, want %v", got, ts)
	}

	// The returned pointer is a copy.
	*got = got.Add(time.Hour)
	if !reopened.LastSync().Equal(ts) {
		t.Error("mutating the returned watermark changed the state")
	}
}

func TestSignInSignOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	device := f.DeviceID()

	if err := f.SignIn("", "u1"); err == nil {
		t.Error("SignIn() with empty tenant should fail")
	}
	if err := f.SignIn("t1", "u1"); err != nil {
		t.Fatalf("SignIn() failed: %v", err)
	}
	if err := f.SetLastSync(time.Now()); err != nil {
		t.Fatalf("SetLastSync() failed: %v", err)
	}
	tenant, user := f.Scope()
	if tenant != "t1" || user != "u1" {
		t.Errorf("Scope() = %q, %q", tenant, user)
	}

	if err := f.SignOut(); err != nil {
		t.Fatalf("SignOut() failed: %v", err)
	}
	if f.Authenticated() {
		t.Error("Authenticated() = true after SignOut()")
	}
	if f.LastSync() != nil {
		t.Error("SignOut() must clear the watermark")
	}
	if f.DeviceID() != device {
		t.Error("SignOut() must keep the device id")
	}
}

func TestOpen_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("device_id = ["), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path)
	if err == nil || !strings.Contains(err.Error(), "failed to read state file") {
		t.Errorf("Open() error = %v, want read failure", err)
	}
}
