// Package upload drives the transfer of written bytes to the backend's blob
// layer. A strategy is resolved once when a write handle opens: buffering in
// memory with a single final upload, or provider-specific chunked sessions
// for Azure block blobs and Google resumable uploads. In every case the
// metadata record is created only on successful finalize, so an abandoned
// session never leaves a visible object behind.
package upload

import (
	"context"
	"log/slog"
	"time"

	"github.com/cdffs/cdffs/internal/transfer"
	"github.com/cdffs/cdffs/pkg/errors"
	"github.com/cdffs/cdffs/pkg/types"
)

// Kind names a configured upload strategy.
type Kind string

const (
	KindInMemory Kind = "inmemory"
	KindAzure    Kind = "azure"
	KindGoogle   Kind = "google"
)

// ParseKind validates a configured strategy name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindInMemory, KindAzure, KindGoogle:
		return Kind(s), nil
	case "":
		return KindInMemory, nil
	default:
		return "", errors.Newf(errors.ErrCodeConfigValidation, "unknown upload strategy %q", s)
	}
}

// Strategy is the capability set every upload variant implements. Parts are
// identified by a zero-based index and must be finalized in index order.
type Strategy interface {
	// UploadPart submits one part of the object's content.
	UploadPart(ctx context.Context, index int, data []byte) error

	// Finalize commits the session and creates the metadata record, making
	// the object discoverable. Returns the total object size.
	Finalize(ctx context.Context) (int64, error)

	// Abort drops the session's local state. Parts already pushed stay
	// unreachable without a finalize, and the metadata layer is never
	// touched: a previously committed version of the file survives.
	Abort(ctx context.Context) error
}

// session carries the state shared by all strategy variants.
type session struct {
	target   *types.UploadTarget
	meta     types.FileMetadata
	backend  types.Backend
	transfer *transfer.Handler
	logger   *slog.Logger
}

// register creates the metadata record after a successful blob commit. This
// is the only point at which the object becomes visible.
func (s *session) register(ctx context.Context, size int64) error {
	meta := s.meta
	meta.Size = size
	meta.UploadedAt = time.Now()
	if _, err := s.backend.CreateMetadata(ctx, meta); err != nil {
		return errors.Newf(errors.ErrCodeUploadSession,
			"registering metadata for %q", s.meta.ExternalID).WithCause(err)
	}
	return nil
}

// Select resolves the strategy for a write handle. Choosing a chunked
// strategy against a mismatched backend deployment is a configuration error
// reported here, at open time, never mid-transfer.
func Select(kind Kind, target *types.UploadTarget, meta types.FileMetadata, backend types.Backend, tr *transfer.Handler, logger *slog.Logger) (Strategy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base := session{
		target:   target,
		meta:     meta,
		backend:  backend,
		transfer: tr,
		logger:   logger.With("component", "upload", "strategy", string(kind)),
	}

	switch kind {
	case KindInMemory:
		return newInMemory(base), nil
	case KindAzure:
		if target.Provider != types.ProviderAzure {
			return nil, errors.Newf(errors.ErrCodeConfigValidation,
				"azure chunked strategy configured but backend reports provider %q", target.Provider)
		}
		return newAzure(base), nil
	case KindGoogle:
		if target.Provider != types.ProviderGoogle {
			return nil, errors.Newf(errors.ErrCodeConfigValidation,
				"google chunked strategy configured but backend reports provider %q", target.Provider)
		}
		return newGoogle(base), nil
	default:
		return nil, errors.Newf(errors.ErrCodeConfigValidation, "unknown upload strategy %q", kind)
	}
}
