package upload

import (
	"context"
	"encoding/base64"
	stderr "errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cdffs/cdffs/internal/transfer"
	"github.com/cdffs/cdffs/pkg/errors"
	"github.com/cdffs/cdffs/pkg/retry"
	"github.com/cdffs/cdffs/pkg/types"
)

// stubBackend records metadata calls so tests can assert on visibility.
type stubBackend struct {
	mu      sync.Mutex
	created []types.FileMetadata
	deleted []string
}

func (b *stubBackend) CreateMetadata(ctx context.Context, meta types.FileMetadata) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, meta)
	return meta.ExternalID, nil
}

func (b *stubBackend) ListMetadata(ctx context.Context, prefix string, limit int) ([]types.FileMetadata, error) {
	return nil, nil
}

func (b *stubBackend) DownloadURL(ctx context.Context, externalID string) (string, error) {
	return "", errors.NewError(errors.ErrCodeFileNotFound, "not stored")
}

func (b *stubBackend) UploadSession(ctx context.Context, meta types.FileMetadata) (*types.UploadTarget, error) {
	return nil, errors.NewError(errors.ErrCodeInternalError, "not used")
}

func (b *stubBackend) DeleteMetadata(ctx context.Context, externalIDs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, externalIDs...)
	return nil
}

func (b *stubBackend) Exists(ctx context.Context, externalID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	deleted := make(map[string]bool)
	for _, id := range b.deleted {
		deleted[id] = true
	}
	for _, meta := range b.created {
		if meta.ExternalID == externalID && !deleted[externalID] {
			return true, nil
		}
	}
	return false, nil
}

func testMeta() types.FileMetadata {
	return types.FileMetadata{
		Directory:  "/sample",
		ExternalID: "test.csv",
		Name:       "test.csv",
		MimeType:   "text/csv",
	}
}

func TestSelectProviderMismatch(t *testing.T) {
	backend := &stubBackend{}
	tr := transfer.NewHandler(nil)

	cases := []struct {
		kind     Kind
		provider types.Provider
	}{
		{KindAzure, types.ProviderGoogle},
		{KindAzure, types.ProviderGeneric},
		{KindGoogle, types.ProviderAzure},
		{KindGoogle, types.ProviderGeneric},
	}
	for _, tc := range cases {
		target := &types.UploadTarget{UploadURL: "https://x.example/u?sig=1", Provider: tc.provider}
		_, err := Select(tc.kind, target, testMeta(), backend, tr, nil)
		if !errors.IsCode(err, errors.ErrCodeConfigValidation) {
			t.Errorf("%s vs %s: code = %v, want CONFIG_VALIDATION", tc.kind, tc.provider, errors.CodeOf(err))
		}
	}
}

func TestSelectInMemoryWorksAgainstAnyProvider(t *testing.T) {
	backend := &stubBackend{}
	tr := transfer.NewHandler(nil)
	for _, provider := range []types.Provider{types.ProviderGeneric, types.ProviderAzure, types.ProviderGoogle} {
		target := &types.UploadTarget{UploadURL: "https://x.example/u", Provider: provider}
		if _, err := Select(KindInMemory, target, testMeta(), backend, tr, nil); err != nil {
			t.Errorf("provider %s: %v", provider, err)
		}
	}
}

func TestParseKind(t *testing.T) {
	if kind, err := ParseKind(""); err != nil || kind != KindInMemory {
		t.Errorf("ParseKind(\"\") = %v, %v; want inmemory default", kind, err)
	}
	if _, err := ParseKind("ftp"); !errors.IsCode(err, errors.ErrCodeConfigValidation) {
		t.Errorf("ParseKind(ftp) code = %v, want CONFIG_VALIDATION", errors.CodeOf(err))
	}
}

func TestInMemoryUploadsOnceOnFinalize(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		contentType = r.Header.Get("Content-Type")
		mu.Unlock()
	}))
	defer server.Close()

	backend := &stubBackend{}
	target := &types.UploadTarget{UploadURL: server.URL, Provider: types.ProviderGeneric}
	strategy, err := Select(KindInMemory, target, testMeta(), backend, transfer.NewHandler(nil), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	// Out-of-order parts must still join in index order.
	strategy.UploadPart(ctx, 1, []byte("world"))
	strategy.UploadPart(ctx, 0, []byte("hello "))

	size, err := strategy.Finalize(ctx)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if size != 11 {
		t.Errorf("size = %d, want 11", size)
	}
	if len(bodies) != 1 {
		t.Fatalf("got %d uploads, want exactly 1", len(bodies))
	}
	if string(bodies[0]) != "hello world" {
		t.Errorf("body = %q", bodies[0])
	}
	if contentType != "text/csv" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if len(backend.created) != 1 || backend.created[0].Size != 11 {
		t.Errorf("metadata registration = %+v", backend.created)
	}
}

func TestInMemoryRejectsPartsAfterFinalize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	backend := &stubBackend{}
	target := &types.UploadTarget{UploadURL: server.URL, Provider: types.ProviderGeneric}
	strategy, _ := Select(KindInMemory, target, testMeta(), backend, transfer.NewHandler(nil), nil)

	ctx := context.Background()
	strategy.UploadPart(ctx, 0, []byte("x"))
	strategy.Finalize(ctx)

	err := strategy.UploadPart(ctx, 1, []byte("y"))
	if !errors.IsCode(err, errors.ErrCodeUploadSession) {
		t.Errorf("code = %v, want UPLOAD_SESSION", errors.CodeOf(err))
	}
}

func TestInMemoryReleasesBufferOnFailedFinalize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	backend := &stubBackend{}
	target := &types.UploadTarget{UploadURL: server.URL, Provider: types.ProviderGeneric}
	strategy, _ := Select(KindInMemory, target, testMeta(), backend, transfer.NewHandler(nil), nil)

	ctx := context.Background()
	strategy.UploadPart(ctx, 0, []byte("x"))
	if _, err := strategy.Finalize(ctx); err == nil {
		t.Fatal("expected finalize to fail")
	}

	// Buffer is gone either way; further parts are rejected.
	if err := strategy.UploadPart(ctx, 1, []byte("y")); err == nil {
		t.Error("expected rejection after failed finalize")
	}
	if len(backend.created) != 0 {
		t.Error("failed finalize must not register metadata")
	}
}

func TestAzureBlockUpload(t *testing.T) {
	type request struct {
		query string
		body  string
		mime  string
	}
	var mu sync.Mutex
	var requests []request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-ms-version"); got != "2019-12-12" {
			t.Errorf("x-ms-version = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, request{
			query: r.URL.RawQuery,
			body:  string(body),
			mime:  r.Header.Get("x-ms-blob-content-type"),
		})
		mu.Unlock()
	}))
	defer server.Close()

	backend := &stubBackend{}
	target := &types.UploadTarget{
		UploadURL: server.URL + "/container/blob?sig=abc",
		Provider:  types.ProviderAzure,
	}
	strategy, err := Select(KindAzure, target, testMeta(), backend, transfer.NewHandler(nil), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := strategy.UploadPart(ctx, 0, []byte("aaaa")); err != nil {
		t.Fatal(err)
	}
	if err := strategy.UploadPart(ctx, 1, []byte("bb")); err != nil {
		t.Fatal(err)
	}
	size, err := strategy.Finalize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if size != 6 {
		t.Errorf("size = %d, want 6", size)
	}

	if len(requests) != 3 {
		t.Fatalf("got %d requests, want 2 blocks + 1 commit", len(requests))
	}

	id0 := base64.StdEncoding.EncodeToString([]byte("cdffsblockxxxxxxxxx00000"))
	id1 := base64.StdEncoding.EncodeToString([]byte("cdffsblockxxxxxxxxx00001"))

	for i, wantID := range []string{id0, id1} {
		if !strings.Contains(requests[i].query, "comp=block") ||
			!strings.Contains(requests[i].query, "blockid="+wantID) ||
			!strings.Contains(requests[i].query, "sig=abc") {
			t.Errorf("block %d query = %q", i, requests[i].query)
		}
	}

	commit := requests[2]
	if !strings.Contains(commit.query, "comp=blocklist") {
		t.Errorf("commit query = %q", commit.query)
	}
	wantList := fmt.Sprintf(
		`<?xml version="1.0" encoding="utf-8"?><BlockList><Latest>%s</Latest><Latest>%s</Latest></BlockList>`,
		id0, id1)
	if commit.body != wantList {
		t.Errorf("block list = %q, want %q", commit.body, wantList)
	}
	if commit.mime != "text/csv" {
		t.Errorf("x-ms-blob-content-type = %q", commit.mime)
	}
	if len(backend.created) != 1 || backend.created[0].Size != 6 {
		t.Errorf("metadata registration = %+v", backend.created)
	}
}

func TestAzureRejectsUnsignedURL(t *testing.T) {
	backend := &stubBackend{}
	target := &types.UploadTarget{UploadURL: "https://acct.blob.example/c/b", Provider: types.ProviderAzure}
	strategy, _ := Select(KindAzure, target, testMeta(), backend, transfer.NewHandler(nil), nil)

	err := strategy.UploadPart(context.Background(), 0, []byte("x"))
	if !errors.IsCode(err, errors.ErrCodeUploadSession) {
		t.Errorf("code = %v, want UPLOAD_SESSION", errors.CodeOf(err))
	}
}

func TestGoogleOrderedStreaming(t *testing.T) {
	var mu sync.Mutex
	var ranges []string
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Content-Range"))
		bodies = append(bodies, string(body))
		mu.Unlock()
	}))
	defer server.Close()

	backend := &stubBackend{}
	target := &types.UploadTarget{UploadURL: server.URL, Provider: types.ProviderGoogle}
	strategy, err := Select(KindGoogle, target, testMeta(), backend, transfer.NewHandler(nil), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	// Part 2 arrives early and must be staged until 0 and 1 have gone out.
	if err := strategy.UploadPart(ctx, 2, []byte("cc")); err != nil {
		t.Fatal(err)
	}
	if len(ranges) != 0 {
		t.Fatalf("out-of-order part was written immediately: %v", ranges)
	}
	if err := strategy.UploadPart(ctx, 0, []byte("aaaa")); err != nil {
		t.Fatal(err)
	}
	if err := strategy.UploadPart(ctx, 1, []byte("bbb")); err != nil {
		t.Fatal(err)
	}

	size, err := strategy.Finalize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if size != 9 {
		t.Errorf("size = %d, want 9", size)
	}

	wantRanges := []string{"bytes 0-3/*", "bytes 4-6/*", "bytes 7-8/*"}
	wantBodies := []string{"aaaa", "bbb", "cc"}
	if len(ranges) != 3 {
		t.Fatalf("ranges = %v", ranges)
	}
	for i := range wantRanges {
		if ranges[i] != wantRanges[i] {
			t.Errorf("range %d = %q, want %q", i, ranges[i], wantRanges[i])
		}
		if bodies[i] != wantBodies[i] {
			t.Errorf("body %d = %q, want %q", i, bodies[i], wantBodies[i])
		}
	}
}

func TestGoogleFinalizeDetectsIndexGap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	backend := &stubBackend{}
	target := &types.UploadTarget{UploadURL: server.URL, Provider: types.ProviderGoogle}
	strategy, _ := Select(KindGoogle, target, testMeta(), backend, transfer.NewHandler(nil), nil)

	ctx := context.Background()
	strategy.UploadPart(ctx, 0, []byte("aa"))
	strategy.UploadPart(ctx, 2, []byte("cc")) // part 1 never arrives

	_, err := strategy.Finalize(ctx)
	if !errors.IsCode(err, errors.ErrCodeUploadSession) {
		t.Errorf("code = %v, want UPLOAD_SESSION for index gap", errors.CodeOf(err))
	}
	if len(backend.created) != 0 {
		t.Error("gapped session must not register metadata")
	}
}

func TestAbortLeavesNoVisibleObject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	for _, kind := range []Kind{KindInMemory, KindAzure, KindGoogle} {
		backend := &stubBackend{}
		provider := types.ProviderGeneric
		uploadURL := server.URL
		switch kind {
		case KindAzure:
			provider = types.ProviderAzure
			uploadURL = server.URL + "/blob?sig=abc"
		case KindGoogle:
			provider = types.ProviderGoogle
		}
		target := &types.UploadTarget{UploadURL: uploadURL, Provider: provider}
		strategy, err := Select(kind, target, testMeta(), backend, transfer.NewHandler(nil), nil)
		if err != nil {
			t.Fatal(err)
		}

		ctx := context.Background()
		strategy.UploadPart(ctx, 0, []byte("partial"))
		if err := strategy.Abort(ctx); err != nil {
			t.Fatalf("%s: Abort failed: %v", kind, err)
		}

		exists, _ := backend.Exists(ctx, "test.csv")
		if exists {
			t.Errorf("%s: aborted session left a visible object", kind)
		}
		if err := strategy.UploadPart(ctx, 1, []byte("late")); err == nil && kind != KindAzure {
			t.Errorf("%s: expected rejection after abort", kind)
		}
	}
}

func TestAbortKeepsCommittedMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	for _, kind := range []Kind{KindInMemory, KindAzure, KindGoogle} {
		backend := &stubBackend{}
		// A committed version of the same file already exists; aborting a
		// rewrite must leave it alone.
		committed := testMeta()
		committed.Size = 42
		backend.created = append(backend.created, committed)

		provider := types.ProviderGeneric
		uploadURL := server.URL
		switch kind {
		case KindAzure:
			provider = types.ProviderAzure
			uploadURL = server.URL + "/blob?sig=abc"
		case KindGoogle:
			provider = types.ProviderGoogle
		}
		target := &types.UploadTarget{UploadURL: uploadURL, Provider: provider}
		strategy, err := Select(kind, target, testMeta(), backend, transfer.NewHandler(nil), nil)
		if err != nil {
			t.Fatal(err)
		}

		ctx := context.Background()
		strategy.UploadPart(ctx, 0, []byte("rewrite"))
		if err := strategy.Abort(ctx); err != nil {
			t.Fatalf("%s: Abort failed: %v", kind, err)
		}

		if len(backend.deleted) != 0 {
			t.Errorf("%s: abort deleted metadata: %v", kind, backend.deleted)
		}
		exists, _ := backend.Exists(ctx, "test.csv")
		if !exists {
			t.Errorf("%s: abort removed the committed version", kind)
		}
	}
}

func TestAzureEmptyFileCommitsEmptyBlockList(t *testing.T) {
	var mu sync.Mutex
	var queries []string
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		queries = append(queries, r.URL.RawQuery)
		bodies = append(bodies, string(body))
		mu.Unlock()
	}))
	defer server.Close()

	backend := &stubBackend{}
	target := &types.UploadTarget{UploadURL: server.URL + "/blob?sig=abc", Provider: types.ProviderAzure}
	strategy, err := Select(KindAzure, target, testMeta(), backend, transfer.NewHandler(nil), nil)
	if err != nil {
		t.Fatal(err)
	}

	size, err := strategy.Finalize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if size != 0 {
		t.Errorf("size = %d, want 0", size)
	}
	if len(queries) != 1 || !strings.Contains(queries[0], "comp=blocklist") {
		t.Fatalf("requests = %v, want a single block list commit", queries)
	}
	want := `<?xml version="1.0" encoding="utf-8"?><BlockList></BlockList>`
	if bodies[0] != want {
		t.Errorf("block list = %q, want %q", bodies[0], want)
	}
	if len(backend.created) != 1 || backend.created[0].Size != 0 {
		t.Errorf("metadata registration = %+v", backend.created)
	}
}

func TestGoogleEmptyFileUploadsNoChunks(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	backend := &stubBackend{}
	target := &types.UploadTarget{UploadURL: server.URL, Provider: types.ProviderGoogle}
	strategy, err := Select(KindGoogle, target, testMeta(), backend, transfer.NewHandler(nil), nil)
	if err != nil {
		t.Fatal(err)
	}

	size, err := strategy.Finalize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if size != 0 {
		t.Errorf("size = %d, want 0", size)
	}
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("resumable session saw %d chunks, want 0", got)
	}
	if len(backend.created) != 1 || backend.created[0].Size != 0 {
		t.Errorf("metadata registration = %+v", backend.created)
	}
}

func TestPartUploadAuthFailureNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	backend := &stubBackend{}
	target := &types.UploadTarget{UploadURL: server.URL + "/blob?sig=abc", Provider: types.ProviderAzure}
	strategy, err := Select(KindAzure, target, testMeta(), backend, transfer.NewHandler(nil), nil)
	if err != nil {
		t.Fatal(err)
	}

	retryer := retry.FixedWait(5, time.Millisecond, errors.ErrCodeUploadSession)
	err = retryer.DoWithContext(context.Background(), func(ctx context.Context) error {
		return strategy.UploadPart(ctx, 0, []byte("x"))
	})
	if err == nil {
		t.Fatal("expected upload to fail")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("server saw %d attempts, want 1", got)
	}
	if !stderr.Is(err, errors.NewError(errors.ErrCodeAuthenticationFailed, "")) {
		t.Errorf("auth cause lost: %v", err)
	}
}
