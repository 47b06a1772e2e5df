package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/cdffs/cdffs/pkg/types"
)

// WriteLog remembers every write made through this process so readers see
// their own writes before the backend's listing endpoint catches up. Entries
// live for the process lifetime; re-recording an external ID overwrites the
// prior size so a re-uploaded smaller file is never reported at its old size.
type WriteLog struct {
	mu      sync.RWMutex
	records map[string]writeRecord
	now     func() time.Time
}

type writeRecord struct {
	key       types.PathKey
	size      int64
	writtenAt time.Time
}

// NewWriteLog creates an empty write log. A nil clock defaults to time.Now.
func NewWriteLog(now func() time.Time) *WriteLog {
	if now == nil {
		now = time.Now
	}
	return &WriteLog{
		records: make(map[string]writeRecord),
		now:     now,
	}
}

// Record stores or overwrites the entry for a completed write.
func (l *WriteLog) Record(key types.PathKey, size int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records[key.ExternalID] = writeRecord{
		key:       key,
		size:      size,
		writtenAt: l.now(),
	}
}

// Contains reports whether an external ID was written during this process
// lifetime.
func (l *WriteLog) Contains(externalID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.records[externalID]
	return ok
}

// Forget drops the entry for an external ID. Called on explicit delete so a
// removed file does not resurface in merged listings.
func (l *WriteLog) Forget(externalID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.records, externalID)
}

// Snapshot returns metadata records for every write under the given prefix.
// An empty prefix matches everything.
func (l *WriteLog) Snapshot(prefix string) []types.FileMetadata {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prefix = strings.Trim(prefix, "/")
	var out []types.FileMetadata
	for _, rec := range l.records {
		full := rec.key.Path()
		if prefix != "" && full != prefix && !strings.HasPrefix(full, prefix+"/") {
			continue
		}
		out = append(out, types.FileMetadata{
			Directory:  rec.key.Directory,
			ExternalID: rec.key.ExternalID,
			Name:       rec.key.Name,
			Size:       rec.size,
			UploadedAt: rec.writtenAt,
		})
	}
	return out
}

// Len returns the number of recorded writes.
func (l *WriteLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
