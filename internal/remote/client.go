package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fieldops/fieldsync/internal/queue"
	"github.com/fieldops/fieldsync/internal/schema"
	"github.com/fieldops/fieldsync/internal/syncerr"
)

// Client is the remote system as seen by the sync core.
type Client interface {
	// Sync pushes operations and pulls changes in one round-trip.
	Sync(ctx context.Context, req *SyncRequest) (*SyncResponse, error)

	// Write applies one mutation directly.
	Write(ctx context.Context, kind queue.Kind, e schema.Entity) error

	Fetch(ctx context.Context, c schema.Collection, id string) (schema.Entity, error)
	List(ctx context.Context, c schema.Collection) ([]schema.Entity, error)
	ListByIndex(ctx context.Context, c schema.Collection, index, value string) ([]schema.Entity, error)

	// UploadBlob sends the content of a locally captured file.
	UploadBlob(ctx context.Context, blob *schema.FileBlobRecord, body io.Reader) error

	// Ping checks reachability.
	Ping(ctx context.Context) error
}

// ClientConfig configures an HTTPClient.
type ClientConfig struct {
	BaseURL string

	// Timeout bounds every request. Defaults to 30s.
	Timeout time.Duration

	// Scope supplies tenant and user for each request.
	Scope func() Scope

	DeviceID string

	// HTTPClient overrides the transport (tests). Its Timeout is replaced
	// by Timeout.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// HTTPClient implements Client over HTTP/JSON.
type HTTPClient struct {
	base     *url.URL
	http     *http.Client
	scope    func() Scope
	deviceID string
	logger   *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the remote at cfg.BaseURL.
func NewHTTPClient(cfg ClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := &http.Client{}
	if cfg.HTTPClient != nil {
		cp := *cfg.HTTPClient
		hc = &cp
	}
	hc.Timeout = cfg.Timeout
	if cfg.Scope == nil {
		cfg.Scope = func() Scope { return Scope{} }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "remote")
	}
	return &HTTPClient{
		base:     base,
		http:     hc,
		scope:    cfg.Scope,
		deviceID: cfg.DeviceID,
		logger:   cfg.Logger,
	}, nil
}

// Sync posts the batch to /sync.
func (c *HTTPClient) Sync(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	if req.Operations == nil {
		req.Operations = []*queue.Operation{}
	}
	var resp SyncResponse
	if err := c.do(ctx, "remote.sync", http.MethodPost, "/sync", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Write applies one mutation through the REST routes.
func (c *HTTPClient) Write(ctx context.Context, kind queue.Kind, e schema.Entity) error {
	coll := url.PathEscape(string(e.Collection()))
	id := url.PathEscape(e.Base().ID)
	switch kind {
	case queue.KindCreate:
		return c.do(ctx, "remote.create", http.MethodPost, "/api/"+coll, e, nil)
	case queue.KindUpdate:
		return c.do(ctx, "remote.update", http.MethodPut, "/api/"+coll+"/"+id, e, nil)
	case queue.KindDelete:
		return c.do(ctx, "remote.delete", http.MethodDelete, "/api/"+coll+"/"+id, nil, nil)
	default:
		return fmt.Errorf("invalid operation kind %q", kind)
	}
}

// Fetch returns one record or ErrNotFound.
func (c *HTTPClient) Fetch(ctx context.Context, coll schema.Collection, id string) (schema.Entity, error) {
	var raw json.RawMessage
	path := "/api/" + url.PathEscape(string(coll)) + "/" + url.PathEscape(id)
	if err := c.do(ctx, "remote.fetch", http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return schema.Decode(coll, raw)
}

// List returns every live record of a collection.
func (c *HTTPClient) List(ctx context.Context, coll schema.Collection) ([]schema.Entity, error) {
	return c.list(ctx, coll, "")
}

// ListByIndex returns the records whose index equals value.
func (c *HTTPClient) ListByIndex(ctx context.Context, coll schema.Collection, index, value string) ([]schema.Entity, error) {
	q := url.Values{"index": {index}, "value": {value}}
	return c.list(ctx, coll, q.Encode())
}

func (c *HTTPClient) list(ctx context.Context, coll schema.Collection, query string) ([]schema.Entity, error) {
	path := "/api/" + url.PathEscape(string(coll))
	if query != "" {
		path += "?" + query
	}
	var raws []json.RawMessage
	if err := c.do(ctx, "remote.list", http.MethodGet, path, nil, &raws); err != nil {
		return nil, err
	}
	out := make([]schema.Entity, 0, len(raws))
	for _, raw := range raws {
		e, err := schema.Decode(coll, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// UploadBlob streams body to /blobs.
func (c *HTTPClient) UploadBlob(ctx context.Context, blob *schema.FileBlobRecord, body io.Reader) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/blobs", body)
	if err != nil {
		return err
	}
	req.Header.Set("X-Blob-ID", blob.ID)
	req.Header.Set("X-Blob-Name", blob.Name)
	if blob.MimeType != "" {
		req.Header.Set("Content-Type", blob.MimeType)
	}
	if blob.Size > 0 {
		req.ContentLength = blob.Size
	}
	return c.send(req, "remote.upload_blob", nil)
}

// Ping calls /health.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, "remote.ping", http.MethodGet, "/health", nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, op, out)
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	scope := c.scope()
	req.Header.Set("Accept", "application/json")
	if scope.Tenant != "" {
		req.Header.Set(HeaderTenant, scope.Tenant)
	}
	if scope.User != "" {
		req.Header.Set(HeaderUser, scope.User)
	}
	if c.deviceID != "" {
		req.Header.Set(HeaderDevice, c.deviceID)
	}
	return req, nil
}

func (c *HTTPClient) send(req *http.Request, op string, out any) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(req.Context().Err(), context.Canceled) {
			// The caller gave up; says nothing about reachability.
			return fmt.Errorf("%s: %w", op, req.Context().Err())
		}
		// Transport errors, DNS failures, refused connections and
		// timeouts: no response arrived.
		return syncerr.NetworkFailure(op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("remote call", "op", op, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			// A truncated body is a transport problem, not a rejection.
			return syncerr.ServerFailure(op, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	msg := readError(resp.Body)
	return classify(op, resp.StatusCode, msg)
}

// classify maps a non-2xx status to the error taxonomy.
func classify(op string, status int, msg string) error {
	err := errors.New(msg)
	switch {
	case status == http.StatusNotFound && (op == "remote.fetch" || op == "remote.list"):
		return ErrNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return syncerr.ServerFailure(op, status, err)
	case status >= 400 && status < 500:
		return syncerr.RemoteRejection(op, status, err)
	default:
		return syncerr.ServerFailure(op, status, err)
	}
}

func readError(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s
	}
	return "empty error response"
}
