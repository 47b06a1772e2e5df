// Package transfer moves blob content over the presigned URLs issued by the
// backend store. It caches download URLs for their short validity window and
// classifies HTTP failures into the structured error taxonomy so the retry
// controller can tell transient failures from terminal ones.
package transfer

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cdffs/cdffs/pkg/errors"
)

// Backend-issued download URLs are valid for ~30 seconds; refresh slightly
// earlier to avoid racing the expiry.
const urlCacheExpiry = 28 * time.Second

type cachedURL struct {
	url      string
	storedAt time.Time
}

// Handler performs blob transfers against presigned URLs.
type Handler struct {
	mu     sync.Mutex
	urls   map[string]cachedURL
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler creates a transfer handler with a shared HTTP client.
func NewHandler(logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		urls: make(map[string]cachedURL),
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
		logger: logger.With("component", "transfer"),
		now:    time.Now,
	}
}

// CachedURL returns the cached download URL for an external ID while it is
// still within its validity window. Expired entries are dropped.
func (h *Handler) CachedURL(externalID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.urls[externalID]
	if !ok {
		return "", false
	}
	if h.now().Sub(entry.storedAt) >= urlCacheExpiry {
		delete(h.urls, externalID)
		return "", false
	}
	return entry.url, true
}

// StoreURL caches a freshly resolved download URL for an external ID.
func (h *Handler) StoreURL(externalID, url string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.urls[externalID] = cachedURL{url: url, storedAt: h.now()}
}

// Download fetches the entire blob behind a presigned URL.
func (h *Handler) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInternalError, "building download request").WithCause(err)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, classifyTransportError("download", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus("download", resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError("download", err)
	}

	h.logger.Debug("downloaded blob",
		"bytes", len(data),
		"elapsed", time.Since(start))
	return data, nil
}

// Upload sends a request body to a presigned URL. Chunked strategies pass
// provider-specific headers; method defaults to PUT when empty.
func (h *Handler) Upload(ctx context.Context, method, url string, body []byte, headers map[string]string) error {
	if method == "" {
		method = http.MethodPut
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "building upload request").WithCause(err)
	}
	req.ContentLength = int64(len(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return classifyTransportError("upload", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if err := classifyStatus("upload", resp.StatusCode); err != nil {
		return err
	}

	h.logger.Debug("uploaded blob part",
		"bytes", len(body),
		"elapsed", time.Since(start))
	return nil
}

// classifyTransportError maps network-level failures onto the error
// taxonomy. Timeouts and connection resets are transient.
func classifyTransportError(op string, err error) error {
	var netErr net.Error
	if stderr.As(err, &netErr) && netErr.Timeout() {
		return errors.Newf(errors.ErrCodeConnectionTimeout, "%s timed out", op).WithCause(err)
	}
	if stderr.Is(err, context.Canceled) || stderr.Is(err, context.DeadlineExceeded) {
		return errors.Newf(errors.ErrCodeOperationCanceled, "%s canceled", op).WithCause(err)
	}
	return errors.Newf(errors.ErrCodeNetworkError, "%s failed: %v", op, err).WithCause(err)
}

// classifyStatus maps HTTP statuses onto the error taxonomy. Auth and
// not-found statuses are terminal; 5xx is transient.
func classifyStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Newf(errors.ErrCodeAuthenticationFailed, "%s rejected with status %d", op, status)
	case status == http.StatusNotFound:
		return errors.Newf(errors.ErrCodeFileNotFound, "%s target not found (status %d)", op, status)
	case status >= 500:
		return errors.Newf(errors.ErrCodeServerError, "%s failed with status %d", op, status)
	default:
		code := errors.ErrCodeStorageRead
		if op == "upload" {
			code = errors.ErrCodeStorageWrite
		}
		return errors.NewError(code, fmt.Sprintf("%s failed with status %d", op, status))
	}
}
