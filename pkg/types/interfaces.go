package types

import "context"

// Backend defines the narrow interface to the external metadata + blob
// service. All calls are plain request/response; the service makes no
// ordering or idempotency guarantees beyond a successful CreateMetadata
// making the object discoverable within its own consistency window, which
// may lag a just-completed write.
type Backend interface {
	// CreateMetadata registers a metadata record and returns its external ID.
	CreateMetadata(ctx context.Context, meta FileMetadata) (string, error)

	// ListMetadata returns the metadata records under a prefix. A limit of
	// zero or less means no limit.
	ListMetadata(ctx context.Context, prefix string, limit int) ([]FileMetadata, error)

	// DownloadURL resolves a short-lived URL for the blob content of an
	// external ID.
	DownloadURL(ctx context.Context, externalID string) (string, error)

	// UploadSession opens an upload session for a new object version and
	// returns the presigned target. No metadata record becomes visible
	// until CreateMetadata is called for the same external ID.
	UploadSession(ctx context.Context, meta FileMetadata) (*UploadTarget, error)

	// DeleteMetadata removes the metadata records for the given external IDs.
	DeleteMetadata(ctx context.Context, externalIDs []string) error

	// Exists reports whether a metadata record exists for the external ID.
	Exists(ctx context.Context, externalID string) (bool, error)
}
