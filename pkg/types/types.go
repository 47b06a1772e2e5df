package types

import (
	"path"
	"strings"
	"time"
)

// FileMetadata represents one metadata record in the backend store. The
// external ID is the join key between the metadata layer and the blob layer;
// it is globally unique per backend and immutable once accepted.
type FileMetadata struct {
	Directory  string    `json:"directory"`
	ExternalID string    `json:"external_id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
	MimeType   string    `json:"mime_type,omitempty"`
	Source     string    `json:"source,omitempty"`
	DatasetID  int64     `json:"dataset_id,omitempty"`
}

// Path returns the full hierarchical path for the record, with no leading
// slash. It is the key used when merging backend listings with local writes.
func (m FileMetadata) Path() string {
	return strings.TrimLeft(path.Join(m.Directory, m.ExternalID), "/")
}

// Merge overlays non-zero fields of other onto a copy of m.
func (m FileMetadata) Merge(other FileMetadata) FileMetadata {
	out := m
	if other.Directory != "" {
		out.Directory = other.Directory
	}
	if other.ExternalID != "" {
		out.ExternalID = other.ExternalID
	}
	if other.Name != "" {
		out.Name = other.Name
	}
	if other.Size != 0 {
		out.Size = other.Size
	}
	if other.MimeType != "" {
		out.MimeType = other.MimeType
	}
	if other.Source != "" {
		out.Source = other.Source
	}
	if other.DatasetID != 0 {
		out.DatasetID = other.DatasetID
	}
	return out
}

// PathKey is the deterministic mapping of a hierarchical path onto the
// backend's flat metadata records. The mapping is a pure function of the
// path string.
type PathKey struct {
	Directory  string `json:"directory"`
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
}

// Path returns the full hierarchical path for the key, with no leading slash.
func (k PathKey) Path() string {
	return strings.TrimLeft(path.Join(k.Directory, k.ExternalID), "/")
}

// EntryType distinguishes files from synthesized directory entries in
// listing results.
type EntryType string

const (
	EntryTypeFile      EntryType = "file"
	EntryTypeDirectory EntryType = "directory"
)

// DirEntry is one row of a directory listing.
type DirEntry struct {
	Type EntryType `json:"type"`
	Name string    `json:"name"`
	Size int64     `json:"size,omitempty"`
}

// Provider identifies the blob store a backend deployment actually runs on.
// Chunked upload strategies are provider specific.
type Provider string

const (
	ProviderGeneric Provider = "generic"
	ProviderAzure   Provider = "azure"
	ProviderGoogle  Provider = "google"
)

// UploadTarget is a backend-issued upload session: a presigned URL for the
// blob layer plus the provider the deployment runs on. The metadata record
// itself becomes visible only when the session is finalized.
type UploadTarget struct {
	ID        int64    `json:"id"`
	UploadURL string   `json:"upload_url"`
	Provider  Provider `json:"provider"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Entries   int     `json:"entries"`
	HitRate   float64 `json:"hit_rate"`
	Evictions uint64  `json:"evictions"`
}
