// Package cdffs provides a hierarchical, POSIX-like file interface over a
// remote object store that splits metadata from blob content and whose
// metadata layer is only eventually consistent. The filesystem reconciles
// the two worlds by tracking its own writes, bounding the staleness of
// cached directory listings, caching whole-object content per open handle,
// and retrying transient download failures with backoff.
//
// Read-your-writes holds within one process: a file written through a
// FileSystem surfaces in that FileSystem's listings immediately, even while
// the backend's own listing endpoint still lags behind. No guarantee is
// made across processes.
package cdffs

import (
	"context"
	stderr "errors"
	"log/slog"
	gopath "path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cdffs/cdffs/internal/cache"
	"github.com/cdffs/cdffs/internal/config"
	"github.com/cdffs/cdffs/internal/metrics"
	"github.com/cdffs/cdffs/internal/pathmap"
	"github.com/cdffs/cdffs/internal/transfer"
	"github.com/cdffs/cdffs/pkg/errors"
	"github.com/cdffs/cdffs/pkg/logging"
	"github.com/cdffs/cdffs/pkg/retry"
	"github.com/cdffs/cdffs/pkg/types"
)

// FileSystem is the path-translation, caching, and consistency
// reconciliation layer over a backend store. It owns the write log and the
// listing cache shared by every handle it opens; constructing one per test
// gives full isolation.
type FileSystem struct {
	cfg      *config.Configuration
	backend  types.Backend
	transfer *transfer.Handler
	writeLog *cache.WriteLog
	listings *cache.ListingCache
	shared   *cache.ContentCache
	retryer  *retry.Retryer
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	dirs map[string]bool
}

// Option configures a FileSystem.
type Option func(*FileSystem)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(fs *FileSystem) { fs.logger = logger }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(fs *FileSystem) { fs.metrics = collector }
}

// WithClock overrides the time source, used by tests to exercise TTL expiry
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(fs *FileSystem) { fs.now = now }
}

// New creates a FileSystem over the given backend store. A nil configuration
// uses the defaults.
func New(backend types.Backend, cfg *config.Configuration, opts ...Option) (*FileSystem, error) {
	if backend == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "backend store is required")
	}
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewError(errors.ErrCodeConfigValidation, err.Error()).WithCause(err)
	}

	fs := &FileSystem{
		cfg:     cfg,
		backend: backend,
		logger:  logging.New(cfg.LogLevel),
		now:     time.Now,
		dirs:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(fs)
	}
	fs.logger = fs.logger.With("component", "cdffs")

	fs.transfer = transfer.NewHandler(fs.logger)
	fs.writeLog = cache.NewWriteLog(fs.now)
	fs.listings = cache.NewListingCache(cfg.ListExpiry.Std(), fs.now)
	if cfg.CacheType == config.CacheTypeAll {
		fs.shared = cache.NewContentCache()
	}
	fs.retryer = retry.New(retry.Config{
		Enabled:      cfg.DownloadRetries,
		MaxAttempts:  cfg.MaxDownloadRetries,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       true,
	})

	return fs, nil
}

// templateMetadata derives the write metadata for a key from the configured
// template.
func (fs *FileSystem) templateMetadata(key types.PathKey) types.FileMetadata {
	return types.FileMetadata{
		Directory:  key.Directory,
		ExternalID: key.ExternalID,
		Name:       key.Name,
		Source:     fs.cfg.FileMetadata.Source,
		MimeType:   fs.cfg.FileMetadata.MimeType,
		DatasetID:  fs.cfg.FileMetadata.DatasetID,
	}
}

// Translate derives the backend key for a path. It is a pure function of
// the path string and the configured metadata template.
func (fs *FileSystem) Translate(p string) (types.PathKey, error) {
	return pathmap.Translate(p, fs.cfg.FileMetadata.Directory)
}

// TranslateMany derives the backend keys for a container write whose
// members become physical objects under one directory prefix.
func (fs *FileSystem) TranslateMany(rootPath string, members []string) ([]types.PathKey, error) {
	return pathmap.TranslateMany(rootPath, fs.cfg.FileMetadata.Directory, members)
}

// List lists the files and directories under a path. A limit greater than
// zero caps the backend listing and bypasses the listing cache; caching a
// truncated result would serve an incorrect file list to later calls.
//
// Entries come back in backend order with locally written, not yet
// backend-visible entries appended; callers must not assume lexical order.
func (fs *FileSystem) List(ctx context.Context, p string, limit int) ([]types.DirEntry, error) {
	start := fs.now()
	entries, err := fs.list(ctx, p, limit)
	fs.metrics.RecordOperation("list", time.Since(start), 0, err == nil)
	return entries, err
}

func (fs *FileSystem) list(ctx context.Context, p string, limit int) ([]types.DirEntry, error) {
	root, prefix, _, err := pathmap.Split(p, fs.cfg.FileMetadata.Directory, false)
	if err != nil {
		return nil, err
	}

	cacheKey := strings.TrimLeft(gopath.Join(root, prefix), "/")
	requested := strings.Trim(pathmap.StripProtocol(p), "/")

	var backendFiles []types.FileMetadata
	cached := false
	if limit <= 0 {
		backendFiles, cached = fs.listings.Get(cacheKey)
	} else {
		fs.listings.Invalidate(cacheKey)
	}

	if cached {
		fs.metrics.RecordCacheHit("listing")
	} else {
		fs.metrics.RecordCacheMiss("listing")
		backendFiles, err = fs.backend.ListMetadata(ctx, cacheKey, limit)
		if err != nil {
			// Surface uncached; the next call goes back to the backend.
			return nil, err
		}
		if limit <= 0 {
			fs.listings.Put(cacheKey, backendFiles)
		}
	}

	merged := mergeListings(backendFiles, fs.writeLog.Snapshot(cacheKey))
	entries := fs.entriesFor(requested, merged)

	if len(entries) == 0 {
		// The requested path may name a file rather than a directory.
		for _, meta := range merged {
			if meta.Path() == requested {
				return []types.DirEntry{{
					Type: types.EntryTypeFile,
					Name: meta.Path(),
					Size: meta.Size,
				}}, nil
			}
		}
		fs.mu.Lock()
		known := fs.dirs[requested]
		fs.mu.Unlock()
		if known {
			return []types.DirEntry{}, nil
		}
		return nil, errors.Newf(errors.ErrCodeFileNotFound, "no files found under %q", requested)
	}

	return entries, nil
}

// mergeListings unions a backend snapshot with the local write log. The
// union is keyed by external ID: backend order is preserved, local entries
// win on conflicting size and timestamp, and local-only entries are
// appended.
func mergeListings(backendFiles, local []types.FileMetadata) []types.FileMetadata {
	localByID := make(map[string]types.FileMetadata, len(local))
	for _, meta := range local {
		localByID[meta.ExternalID] = meta
	}

	out := make([]types.FileMetadata, 0, len(backendFiles)+len(local))
	seen := make(map[string]bool, len(backendFiles))
	for _, meta := range backendFiles {
		if rec, ok := localByID[meta.ExternalID]; ok {
			meta.Size = rec.Size
			meta.UploadedAt = rec.UploadedAt
		}
		out = append(out, meta)
		seen[meta.ExternalID] = true
	}
	for _, meta := range local {
		if !seen[meta.ExternalID] {
			out = append(out, meta)
		}
	}
	return out
}

// entriesFor projects merged metadata records onto the directory being
// listed: files directly under it, plus one synthesized directory entry per
// deeper child.
func (fs *FileSystem) entriesFor(requested string, merged []types.FileMetadata) []types.DirEntry {
	var entries []types.DirEntry
	dirSeen := make(map[string]bool)

	for _, meta := range merged {
		full := meta.Path()
		parent := gopath.Dir(full)
		if parent == "." {
			parent = ""
		}

		switch {
		case parent == requested:
			entries = append(entries, types.DirEntry{
				Type: types.EntryTypeFile,
				Name: full,
				Size: meta.Size,
			})
		case requested == "" || strings.HasPrefix(full, requested+"/"):
			rel := full
			if requested != "" {
				rel = strings.TrimPrefix(full, requested+"/")
			}
			child := strings.SplitN(rel, "/", 2)[0]
			childPath := child
			if requested != "" {
				childPath = requested + "/" + child
			}
			if strings.Contains(rel, "/") && !dirSeen[childPath] {
				dirSeen[childPath] = true
				entries = append(entries, types.DirEntry{
					Type: types.EntryTypeDirectory,
					Name: childPath,
				})
			}
		}
	}

	fs.mu.Lock()
	var mkdirs []string
	for dir := range fs.dirs {
		if gopath.Dir(dir) == requested && !dirSeen[dir] {
			mkdirs = append(mkdirs, dir)
		}
	}
	fs.mu.Unlock()
	sort.Strings(mkdirs)
	for _, dir := range mkdirs {
		entries = append(entries, types.DirEntry{Type: types.EntryTypeDirectory, Name: dir})
	}

	return entries
}

// Mkdir registers a directory. The backend has no directory objects, so the
// directory exists only in this process and serves to anchor listings
// before any file is written under it.
func (fs *FileSystem) Mkdir(p string, existOK bool) error {
	dir := strings.Trim(pathmap.StripProtocol(p), "/")
	if dir == "" {
		return errors.NewError(errors.ErrCodePathInvalid, "directory path is empty")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.dirs[dir] && !existOK {
		return errors.Newf(errors.ErrCodePathInvalid, "directory %q already exists", dir)
	}
	fs.dirs[dir] = true
	return nil
}

// Makedirs registers a directory, tolerating ones that already exist.
func (fs *FileSystem) Makedirs(p string) error {
	return fs.Mkdir(p, true)
}

// Exists reports whether a file exists at the path. Locally written files
// count as existing even before the backend's consistency window closes.
func (fs *FileSystem) Exists(ctx context.Context, p string) (bool, error) {
	_, _, externalID, err := pathmap.Split(p, fs.cfg.FileMetadata.Directory, false)
	if err != nil {
		return false, err
	}
	if externalID == "" {
		return false, nil
	}
	if fs.writeLog.Contains(externalID) {
		return true, nil
	}
	return fs.backend.Exists(ctx, externalID)
}

// Remove deletes the file at a path.
func (fs *FileSystem) Remove(ctx context.Context, p string) error {
	start := fs.now()
	err := fs.remove(ctx, p)
	fs.metrics.RecordOperation("remove", time.Since(start), 0, err == nil)
	return err
}

func (fs *FileSystem) remove(ctx context.Context, p string) error {
	_, prefix, _, err := pathmap.Split(p, fs.cfg.FileMetadata.Directory, false)
	if err != nil {
		return err
	}
	if prefix == "" {
		return nil
	}
	if err := fs.backend.DeleteMetadata(ctx, []string{prefix}); err != nil {
		return err
	}
	fs.writeLog.Forget(prefix)
	return nil
}

// RemoveFiles deletes a batch of files in one backend call. Paths that do
// not resolve to an external ID are skipped, matching the semantics of a
// best-effort bulk delete.
func (fs *FileSystem) RemoveFiles(ctx context.Context, paths []string) error {
	var externalIDs []string
	for _, p := range paths {
		_, prefix, _, err := pathmap.Split(p, fs.cfg.FileMetadata.Directory, false)
		if err != nil || prefix == "" {
			continue
		}
		externalIDs = append(externalIDs, prefix)
	}
	if len(externalIDs) == 0 {
		return nil
	}
	if err := fs.backend.DeleteMetadata(ctx, externalIDs); err != nil {
		return err
	}
	for _, id := range externalIDs {
		fs.writeLog.Forget(id)
	}
	return nil
}

// ReadFile reads the entire content of the file at a path.
func (fs *FileSystem) ReadFile(ctx context.Context, p string) ([]byte, error) {
	key, err := fs.Translate(p)
	if err != nil {
		return nil, err
	}
	start := fs.now()
	data, err := fs.readObject(ctx, key.ExternalID)
	fs.metrics.RecordOperation("read", time.Since(start), int64(len(data)), err == nil)
	return data, err
}

// ReadFiles reads several files, keyed by the path given.
func (fs *FileSystem) ReadFiles(ctx context.Context, paths []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(paths))
	for _, p := range paths {
		data, err := fs.ReadFile(ctx, p)
		if err != nil {
			return nil, err
		}
		out[p] = data
	}
	return out, nil
}

// Move is not supported: the backend's metadata records are immutable once
// accepted.
func (fs *FileSystem) Move(ctx context.Context, source, destination string) error {
	return errors.NewError(errors.ErrCodeNotSupported, "move is not supported")
}

// readObject downloads the full blob for an external ID, resolving (and
// caching) the short-lived download URL and retrying transient failures
// with exponential backoff. Exhausting the retry budget yields a terminal
// DOWNLOAD_EXHAUSTED error naming the object and attempt count.
func (fs *FileSystem) readObject(ctx context.Context, externalID string) ([]byte, error) {
	var data []byte
	err := fs.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		url, ok := fs.transfer.CachedURL(externalID)
		if !ok {
			fresh, err := fs.backend.DownloadURL(ctx, externalID)
			if err != nil {
				return err
			}
			fs.transfer.StoreURL(externalID, fresh)
			url = fresh
		}

		d, err := fs.transfer.Download(ctx, url)
		if err != nil {
			fs.metrics.RecordRetry("failure")
			return err
		}
		data = d
		return nil
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if stderr.As(err, &exhausted) {
			fs.metrics.RecordRetry("exhausted")
			return nil, errors.Newf(errors.ErrCodeDownloadExhausted,
				"download of %q failed after %d attempts", externalID, exhausted.Attempts).
				WithCause(exhausted.Err)
		}
		return nil, err
	}
	return data, nil
}

// WriteLogLen reports the number of files written through this filesystem,
// for observability.
func (fs *FileSystem) WriteLogLen() int {
	return fs.writeLog.Len()
}

// ListingStats returns listing cache statistics.
func (fs *FileSystem) ListingStats() types.CacheStats {
	return fs.listings.Stats()
}
