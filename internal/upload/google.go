package upload

import (
	"context"
	"fmt"
	"sync"

	"github.com/cdffs/cdffs/pkg/errors"
)

// Google streams parts into a resumable upload session. The session only
// accepts bytes in order, so out-of-order parts are staged in memory until
// the run of consecutive indexes catches up to them.
type Google struct {
	session

	mu               sync.Mutex
	staged           map[int][]byte
	lastWrittenIndex int
	lastWrittenByte  int64
}

func newGoogle(base session) *Google {
	return &Google{
		session:          base,
		staged:           make(map[int][]byte),
		lastWrittenIndex: -1,
		lastWrittenByte:  -1,
	}
}

// writeChunk sends one consecutive chunk to the resumable session. Caller
// holds the lock.
func (g *Google) writeChunk(ctx context.Context, index int, data []byte) error {
	start := g.lastWrittenByte + 1
	end := start + int64(len(data)) - 1

	err := g.transfer.Upload(ctx, "", g.target.UploadURL, data, map[string]string{
		"Content-Range": fmt.Sprintf("bytes %d-%d/*", start, end),
	})
	if err != nil {
		return errors.Newf(errors.ErrCodeUploadSession,
			"uploading chunk %d for %q", index, g.meta.ExternalID).WithCause(err)
	}

	g.lastWrittenByte = end
	g.logger.Debug("uploaded chunk", "index", index, "range_start", start, "range_end", end)
	return nil
}

// UploadPart stages a part and flushes every consecutive chunk that is now
// writable.
func (g *Google) UploadPart(ctx context.Context, index int, data []byte) error {
	part := make([]byte, len(data))
	copy(part, data)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.staged == nil {
		return errors.NewError(errors.ErrCodeUploadSession, "session already finalized or aborted")
	}
	g.staged[index] = part

	for {
		next := g.lastWrittenIndex + 1
		chunk, ok := g.staged[next]
		if !ok {
			break
		}
		if err := g.writeChunk(ctx, next, chunk); err != nil {
			return err
		}
		delete(g.staged, next)
		g.lastWrittenIndex = next
	}
	return nil
}

// Finalize verifies every staged part reached the session and registers the
// metadata record. The provider assembles the streamed bytes itself, so no
// separate commit call is needed.
func (g *Google) Finalize(ctx context.Context) (int64, error) {
	g.mu.Lock()
	pending := len(g.staged)
	size := g.lastWrittenByte + 1
	g.staged = nil
	g.mu.Unlock()

	if pending > 0 {
		return 0, errors.Newf(errors.ErrCodeUploadSession,
			"%d parts for %q never became writable: part index gap", pending, g.meta.ExternalID)
	}

	if err := g.register(ctx, size); err != nil {
		return 0, err
	}
	return size, nil
}

// Abort drops staged parts. The provider reclaims unfinished resumable
// sessions on its own; no metadata record exists before Finalize, so
// nothing is removed remotely.
func (g *Google) Abort(ctx context.Context) error {
	g.mu.Lock()
	g.staged = nil
	g.mu.Unlock()
	return nil
}
