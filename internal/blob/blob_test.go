package blob

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/fieldsync/internal/connectivity"
	"github.com/fieldops/fieldsync/internal/remote"
	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/store"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type harness struct {
	store     store.Store
	server    *remote.Server
	monitor   *connectivity.Monitor
	registrar *Registrar
	uploader  *Uploader
	dir       string
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema())

	srv := remote.NewServer()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	client, err := remote.NewHTTPClient(remote.ClientConfig{
		BaseURL: ts.URL,
		Timeout: time.Second,
		Scope:   func() remote.Scope { return remote.Scope{Tenant: "t1", User: "u1"} },
	})
	require.NoError(t, err)

	mon := connectivity.New(connectivity.WithInitialState(online))
	st := store.NewSQLStore(db, store.Options{Online: mon})
	return &harness{
		store:     st,
		server:    srv,
		monitor:   mon,
		registrar: NewRegistrar(st, nil),
		uploader:  NewUploader(st, client, mon, nil),
		dir:       dir,
	}
}

func (h *harness) writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestRegister(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	rec, err := h.registrar.Register(ctx, h.writeFile(t, "photo.png", pngHeader))
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "photo.png", rec.Name)
	assert.Equal(t, "image/png", rec.MimeType)
	assert.Equal(t, int64(len(pngHeader)), rec.Size)
	assert.False(t, rec.Uploaded)

	got, err := h.store.Get(ctx, schema.FileBlob, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Path, got.(*schema.FileBlobRecord).Path)
}

func TestRegister_Errors(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.registrar.Register(ctx, filepath.Join(h.dir, "missing.png"))
	assert.Error(t, err)

	_, err = h.registrar.Register(ctx, h.dir)
	assert.Error(t, err)
}

func TestUploadPending_OfflineSkips(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.registrar.Register(ctx, h.writeFile(t, "a.png", pngHeader))
	require.NoError(t, err)

	report, err := h.uploader.UploadPending(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Zero(t, report.Uploaded)
}

func TestUploadPending_UploadsAndMarks(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	a, err := h.registrar.Register(ctx, h.writeFile(t, "a.png", pngHeader))
	require.NoError(t, err)
	b, err := h.registrar.Register(ctx, h.writeFile(t, "b.txt", []byte("field notes")))
	require.NoError(t, err)

	report, err := h.uploader.UploadPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Uploaded)

	data, ok := h.server.Blob(a.ID)
	require.True(t, ok)
	assert.Equal(t, pngHeader, data)
	data, ok = h.server.Blob(b.ID)
	require.True(t, ok)
	assert.Equal(t, "field notes", string(data))

	left, err := h.store.GetByIndex(ctx, schema.FileBlob, "uploaded", schema.BoolIndex(false))
	require.NoError(t, err)
	assert.Empty(t, left)

	// Nothing left to do on the next pass.
	report, err = h.uploader.UploadPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Uploaded)
}

func TestUploadPending_MissingFile(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	path := h.writeFile(t, "gone.png", pngHeader)
	rec, err := h.registrar.Register(ctx, path)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	report, err := h.uploader.UploadPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got, err := h.store.Get(ctx, schema.FileBlob, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusError, got.Base().SyncStatus)
	assert.Equal(t, "file missing", got.Base().SyncError)
}

func TestUploadPending_ServerDown(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	_, err := h.registrar.Register(ctx, h.writeFile(t, "a.png", pngHeader))
	require.NoError(t, err)
	h.server.SetDown(true)

	report, err := h.uploader.UploadPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.True(t, h.monitor.IsOnline(), "a 503 is not an unreachable failure")
}
