// Package blob tracks locally captured files and uploads them when the
// device is online. File records live in the local-only file_blob
// collection and never enter the operation queue.
package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/fieldops/fieldsync/internal/remote"
	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/store"
	"github.com/fieldops/fieldsync/internal/syncerr"
)

// Monitor is the part of the connectivity monitor the uploader uses.
type Monitor interface {
	IsOnline() bool
	ReportFailure(err error)
	ReportSuccess()
}

// Registrar records captured files in the store.
type Registrar struct {
	store store.Store
	now   func() time.Time
}

// NewRegistrar creates a Registrar. A nil clock uses time.Now.
func NewRegistrar(s store.Store, clock func() time.Time) *Registrar {
	if clock == nil {
		clock = time.Now
	}
	return &Registrar{store: s, now: clock}
}

// Register stats path and stores a not-yet-uploaded record for it.
func (r *Registrar) Register(ctx context.Context, path string) (*schema.FileBlobRecord, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	mime, err := mimetype.DetectFile(abs)
	if err != nil {
		return nil, fmt.Errorf("detect type of %s: %w", path, err)
	}

	rec := &schema.FileBlobRecord{
		Meta:     schema.Meta{ID: uuid.NewString(), LastModified: r.now().UTC()},
		Name:     filepath.Base(abs),
		Path:     abs,
		MimeType: mime.String(),
		Size:     info.Size(),
	}
	if err := schema.Validate(rec); err != nil {
		return nil, err
	}
	if err := r.store.Write(ctx, rec, schema.StatusSynced); err != nil {
		return nil, err
	}
	return rec, nil
}

// UploadReport summarises one UploadPending pass.
type UploadReport struct {
	Uploaded int
	Failed   int
	Skipped  bool
}

// Uploader pushes registered files to the remote system.
type Uploader struct {
	store   store.Store
	remote  remote.Client
	monitor Monitor
	logger  *slog.Logger
	now     func() time.Time
}

// NewUploader creates an Uploader.
func NewUploader(s store.Store, client remote.Client, monitor Monitor, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		store:   s,
		remote:  client,
		monitor: monitor,
		logger:  logger.With("component", "blob"),
		now:     time.Now,
	}
}

// UploadPending uploads every file not yet marked uploaded. It does nothing
// while offline and stops at the first unreachable failure. Files missing
// from disk are logged and counted as failed.
func (u *Uploader) UploadPending(ctx context.Context) (UploadReport, error) {
	var report UploadReport
	if !u.monitor.IsOnline() {
		report.Skipped = true
		return report, nil
	}

	entities, err := u.store.GetByIndex(ctx, schema.FileBlob, "uploaded", schema.BoolIndex(false))
	if err != nil {
		return report, err
	}

	for _, e := range entities {
		rec, ok := e.(*schema.FileBlobRecord)
		if !ok || rec.Uploaded {
			continue
		}
		err := u.upload(ctx, rec)
		switch {
		case err == nil:
			report.Uploaded++
		case syncerr.IsUnreachable(err):
			u.monitor.ReportFailure(err)
			report.Failed++
			return report, err
		default:
			u.logger.Warn("file upload failed", "id", rec.ID, "path", rec.Path, "error", err)
			report.Failed++
		}
	}
	if report.Uploaded > 0 {
		u.logger.Info("uploaded files", "count", report.Uploaded)
	}
	return report, nil
}

func (u *Uploader) upload(ctx context.Context, rec *schema.FileBlobRecord) error {
	f, err := os.Open(rec.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			_ = u.store.MarkStatus(ctx, schema.FileBlob, rec.ID, schema.StatusError, "file missing")
		}
		return err
	}
	defer f.Close()

	if err := u.remote.UploadBlob(ctx, rec, f); err != nil {
		return err
	}
	u.monitor.ReportSuccess()

	rec.Uploaded = true
	rec.LastModified = u.now().UTC()
	rec.SyncError = ""
	return u.store.Write(ctx, rec, schema.StatusSynced)
}
