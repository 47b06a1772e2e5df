package upload

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cdffs/cdffs/pkg/errors"
)

const (
	// Azure block IDs must share a common length within a blob; the prefix
	// pads every ID to 19 characters before the 5-digit index.
	azureBlockPrefix = "cdffsblockxxxxxxxxx"
	azureAPIVersion  = "2019-12-12"
)

// Azure uploads parts as block-blob blocks and commits them with a block
// list on finalize.
type Azure struct {
	session

	mu        sync.Mutex
	indexes   []int
	totalSize int64
}

func newAzure(base session) *Azure {
	return &Azure{session: base}
}

// blockID derives the base64 block identifier for a part index.
func blockID(index int) string {
	raw := fmt.Sprintf("%s%05d", azureBlockPrefix, index)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// UploadPart puts one block against the presigned blob URL.
func (a *Azure) UploadPart(ctx context.Context, index int, data []byte) error {
	base, query, found := strings.Cut(a.target.UploadURL, "?")
	if !found {
		return errors.Newf(errors.ErrCodeUploadSession,
			"upload URL for %q carries no signature query", a.meta.ExternalID)
	}
	blockURL := fmt.Sprintf("%s?blockid=%s&comp=block&%s", base, blockID(index), query)

	err := a.transfer.Upload(ctx, "", blockURL, data, map[string]string{
		"Accept":       "application/xml",
		"Content-Type": "application/octet-stream",
		"x-ms-version": azureAPIVersion,
	})
	if err != nil {
		return errors.Newf(errors.ErrCodeUploadSession,
			"uploading block %d for %q", index, a.meta.ExternalID).WithCause(err)
	}

	a.mu.Lock()
	a.indexes = append(a.indexes, index)
	a.totalSize += int64(len(data))
	a.mu.Unlock()

	a.logger.Debug("uploaded block", "index", index, "bytes", len(data))
	return nil
}

// Finalize commits the uploaded blocks in index order and registers the
// metadata record.
func (a *Azure) Finalize(ctx context.Context) (int64, error) {
	a.mu.Lock()
	indexes := make([]int, len(a.indexes))
	copy(indexes, a.indexes)
	size := a.totalSize
	a.mu.Unlock()
	sort.Ints(indexes)

	var blockList strings.Builder
	blockList.WriteString(`<?xml version="1.0" encoding="utf-8"?><BlockList>`)
	for _, index := range indexes {
		fmt.Fprintf(&blockList, "<Latest>%s</Latest>", blockID(index))
	}
	blockList.WriteString("</BlockList>")

	commitURL := a.target.UploadURL + "&comp=blocklist"
	contentType := a.meta.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	err := a.transfer.Upload(ctx, "", commitURL, []byte(blockList.String()), map[string]string{
		"x-ms-blob-content-type": contentType,
		"Content-Type":           "application/xml",
		"x-ms-version":           azureAPIVersion,
	})
	if err != nil {
		return 0, errors.Newf(errors.ErrCodeUploadSession,
			"committing block list for %q", a.meta.ExternalID).WithCause(err)
	}

	if err := a.register(ctx, size); err != nil {
		return 0, err
	}
	return size, nil
}

// Abort has no remote work to do. Uncommitted blocks expire on the
// provider side after a week and are never reachable without a commit, and
// no metadata record exists before Finalize.
func (a *Azure) Abort(ctx context.Context) error {
	return nil
}
