package cdffs

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cdffs/cdffs/internal/buffer"
	"github.com/cdffs/cdffs/internal/cache"
	"github.com/cdffs/cdffs/internal/config"
	"github.com/cdffs/cdffs/internal/upload"
	"github.com/cdffs/cdffs/pkg/errors"
	"github.com/cdffs/cdffs/pkg/retry"
	"github.com/cdffs/cdffs/pkg/types"
)

// File is an open handle on a single path. A handle is either a read handle
// ("rb"), serving random access out of a whole-object content cache, or a
// write handle ("wb"), buffering bytes into fixed-size parts and pushing
// them through the upload strategy resolved at open time.
//
// A File is safe for use by one goroutine; distinct handles on distinct
// paths are independent.
type File struct {
	fs       *FileSystem
	ctx      context.Context
	key      types.PathKey
	meta     types.FileMetadata
	writable bool

	mu     sync.Mutex
	closed bool

	// read state
	content *cache.ContentCache
	data    []byte
	loaded  bool
	offset  int64

	// write state
	strategy  upload.Strategy
	partRetry *retry.Retryer
	parts     *buffer.PartBuffer
}

// partUploadAttempts bounds upload part and finalize calls; they wait a
// constant interval rather than backing off, matching the blob providers'
// session semantics.
const (
	partUploadAttempts = 5
	partUploadWait     = 500 * time.Millisecond
)

// Open opens a handle on a path. Supported modes are "rb" for reading and
// "wb" for writing. An optional metadata override is merged over the
// filesystem's configured template for this file only.
//
// The context is retained for the lifetime of the handle and bounds every
// transfer it performs.
func (fs *FileSystem) Open(ctx context.Context, p, mode string, overrides ...types.FileMetadata) (*File, error) {
	key, err := fs.Translate(p)
	if err != nil {
		return nil, err
	}

	meta := fs.templateMetadata(key)
	for _, override := range overrides {
		meta = meta.Merge(override)
	}

	switch mode {
	case "rb":
		return fs.openRead(ctx, key, meta)
	case "wb":
		return fs.openWrite(ctx, key, meta)
	default:
		return nil, errors.Newf(errors.ErrCodeNotSupported, "open mode %q is not supported", mode)
	}
}

func (fs *FileSystem) openRead(ctx context.Context, key types.PathKey, meta types.FileMetadata) (*File, error) {
	content := fs.shared
	if content == nil {
		content = cache.NewContentCache()
	}
	return &File{
		fs:      fs,
		ctx:     ctx,
		key:     key,
		meta:    meta,
		content: content,
	}, nil
}

func (fs *FileSystem) openWrite(ctx context.Context, key types.PathKey, meta types.FileMetadata) (*File, error) {
	kind, err := upload.ParseKind(fs.cfg.UploadStrategy)
	if err != nil {
		return nil, err
	}

	target, err := fs.backend.UploadSession(ctx, meta)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeUploadSession,
			"starting upload session for %q", key.ExternalID).WithCause(err)
	}

	strategy, err := upload.Select(kind, target, meta, fs.backend, fs.transfer, fs.logger)
	if err != nil {
		return nil, err
	}

	return &File{
		fs:       fs,
		ctx:      ctx,
		key:      key,
		meta:     meta,
		writable: true,
		strategy: strategy,
		partRetry: retry.FixedWait(partUploadAttempts, partUploadWait,
			errors.ErrCodeUploadSession),
		parts: buffer.NewPartBuffer(fs.cfg.BlockSize),
	}, nil
}

// Name returns the full path of the file relative to the store root.
func (f *File) Name() string {
	return f.key.Path()
}

// load fetches the whole object into the content cache on first access.
func (f *File) load() error {
	if f.loaded {
		return nil
	}
	data, err := f.content.Fetch(f.ctx, f.key.ExternalID, func(ctx context.Context) ([]byte, error) {
		return f.fs.readObject(ctx, f.key.ExternalID)
	})
	if err != nil {
		return err
	}
	f.data = data
	f.loaded = true
	return nil
}

// Size returns the object's size in bytes, fetching the content on first
// call for a read handle.
func (f *File) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writable {
		return f.parts.Emitted() + f.parts.Buffered(), nil
	}
	if err := f.load(); err != nil {
		return 0, err
	}
	return int64(len(f.data)), nil
}

// Read reads from the current offset. Returns io.EOF at end of content.
func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writable {
		return 0, errors.NewError(errors.ErrCodeNotSupported, "file is open for writing")
	}
	if f.closed {
		return 0, errors.NewError(errors.ErrCodeInternalError, "file is closed")
	}
	if err := f.load(); err != nil {
		return 0, err
	}
	if f.offset >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.offset:])
	f.offset += int64(n)
	return n, nil
}

// ReadAt reads len(p) bytes starting at off, without moving the handle's
// offset. Implements io.ReaderAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writable {
		return 0, errors.NewError(errors.ErrCodeNotSupported, "file is open for writing")
	}
	if err := f.load(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, errors.NewError(errors.ErrCodePathInvalid, "negative read offset")
	}
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Seek sets the offset for the next Read. Implements io.Seeker.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writable {
		return 0, errors.NewError(errors.ErrCodeNotSupported, "file is open for writing")
	}
	if err := f.load(); err != nil {
		return 0, err
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = f.offset + offset
	case io.SeekEnd:
		abs = int64(len(f.data)) + offset
	default:
		return 0, errors.Newf(errors.ErrCodePathInvalid, "invalid seek whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.NewError(errors.ErrCodePathInvalid, "negative seek offset")
	}
	f.offset = abs
	return abs, nil
}

// Write buffers bytes, flushing a part to the upload strategy each time a
// full block accumulates. Implements io.Writer.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.writable {
		return 0, errors.NewError(errors.ErrCodeNotSupported, "file is open for reading")
	}
	if f.closed {
		return 0, errors.NewError(errors.ErrCodeUploadSession, "file is closed")
	}

	return f.parts.Write(p, f.flushPart)
}

// flushPart pushes one part through the strategy with fixed-interval
// retries. Caller holds f.mu.
func (f *File) flushPart(index int, part []byte) error {
	err := f.partRetry.DoWithContext(f.ctx, func(ctx context.Context) error {
		return f.strategy.UploadPart(ctx, index, part)
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			err = errors.Newf(errors.ErrCodeUploadSession,
				"uploading part %d of %q failed after %d attempts", index, f.key.ExternalID, exhausted.Attempts).
				WithCause(exhausted.Err)
		}
		return err
	}
	return nil
}

// Close flushes any buffered bytes and finalizes the upload session,
// creating the metadata record and making the file visible to this
// filesystem's listings immediately. Closing a read handle releases its
// cached content. Implements io.Closer.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	if !f.writable {
		if f.content != f.fs.shared {
			f.content.Drop(f.key.ExternalID)
		}
		f.data = nil
		return nil
	}

	start := f.fs.now()
	size, err := f.finalize()
	f.fs.metrics.RecordOperation("write", time.Since(start), size, err == nil)
	if err != nil {
		// Drop session state; unfinalized parts are never reachable.
		f.strategy.Abort(f.ctx)
		return err
	}

	f.fs.writeLog.Record(f.key, size)
	f.fs.logger.Debug("file written",
		"path", f.key.Path(),
		"external_id", f.key.ExternalID,
		"bytes", size)
	return nil
}

// finalize flushes the trailing part and commits the session. Caller holds
// f.mu. An empty file flushes no parts; the strategy still commits a
// zero-byte object.
//
// Only part uploads are retried. Finalize runs once: the buffering strategy
// releases its bytes on the final upload call whether it succeeds or not,
// so a second attempt would commit an empty object.
func (f *File) finalize() (int64, error) {
	if err := f.parts.Drain(f.flushPart); err != nil {
		return 0, err
	}
	return f.strategy.Finalize(f.ctx)
}

// Abort cancels a write handle without creating the metadata record. The
// new object never becomes visible; when the write was overwriting an
// existing file, the committed version stays in place. Safe to call on an
// already closed handle.
func (f *File) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || !f.writable {
		return nil
	}
	f.closed = true
	f.parts = nil
	return f.strategy.Abort(f.ctx)
}

// cacheScope reports which content cache backs a read handle, for tests.
func (f *File) cacheScope() string {
	if f.content == f.fs.shared && f.fs.shared != nil {
		return config.CacheTypeAll
	}
	return config.CacheTypeHandle
}
