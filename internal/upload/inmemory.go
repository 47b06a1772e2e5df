package upload

import (
	"context"
	"sort"
	"sync"

	"github.com/cdffs/cdffs/pkg/errors"
)

// InMemory buffers every part until finalize, then performs one single-shot
// upload. It is the default strategy and works against any provider.
type InMemory struct {
	session

	mu    sync.Mutex
	parts map[int][]byte
}

func newInMemory(base session) *InMemory {
	return &InMemory{
		session: base,
		parts:   make(map[int][]byte),
	}
}

// UploadPart accumulates a part in memory.
func (m *InMemory) UploadPart(ctx context.Context, index int, data []byte) error {
	part := make([]byte, len(data))
	copy(part, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.parts == nil {
		return errors.NewError(errors.ErrCodeUploadSession, "session already finalized or aborted")
	}
	m.parts[index] = part
	return nil
}

// Finalize joins the buffered parts in index order, uploads the content in
// one call, and registers the metadata record. The accumulated bytes are
// released once the upload call returns, whether or not it succeeded, so
// repeated writes in one process cannot pile buffers up.
func (m *InMemory) Finalize(ctx context.Context) (int64, error) {
	m.mu.Lock()
	indexes := make([]int, 0, len(m.parts))
	for idx := range m.parts {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var content []byte
	for _, idx := range indexes {
		content = append(content, m.parts[idx]...)
	}
	m.parts = nil
	m.mu.Unlock()

	size := int64(len(content))
	headers := map[string]string{"Content-Type": "application/octet-stream"}
	if m.meta.MimeType != "" {
		headers["Content-Type"] = m.meta.MimeType
	}
	err := m.transfer.Upload(ctx, "", m.target.UploadURL, content, headers)
	content = nil
	if err != nil {
		return 0, errors.Newf(errors.ErrCodeUploadSession,
			"single-shot upload for %q", m.meta.ExternalID).WithCause(err)
	}

	if err := m.register(ctx, size); err != nil {
		return 0, err
	}
	return size, nil
}

// Abort drops the buffered parts. No metadata record exists before
// Finalize, so nothing is removed remotely.
func (m *InMemory) Abort(ctx context.Context) error {
	m.mu.Lock()
	m.parts = nil
	m.mu.Unlock()
	return nil
}
