package transfer_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"framerelay/internal/remote"
	"framerelay/internal/remote/transfer"
	"framerelay/internal/testsupport"
)

func newEngine(t *testing.T, fake *testsupport.FakeRemote, opts ...transfer.Option) *transfer.Engine {
	t.Helper()
	proto, err := remote.NewJSONProtocol(fake.URL)
	if err != nil {
		t.Fatalf("protocol: %v", err)
	}
	opts = append([]transfer.Option{
		transfer.WithRetrier(&remote.Retrier{Sleep: func(ctx context.Context, time.Duration) error { return ctx.Err() }}),
	}, opts...)
	engine, err := transfer.New(proto, fake.Server.Client(), remote.StaticHeaders{"Authorization": {"Bearer t"}}, opts...)
	if err != nil {
		t.Fatalf("transfer.New: %v", err)
	}
	return engine
}

func testPolicy(attempts int) remote.RetryPolicy {
	return remote.RetryPolicy{MaxAttempts: attempts, AttemptTimeout: 5 * time.Second}
}

func TestUploadReassemblesForAnyChunkSize(t *testing.T) {
	src := filepath.Join(t.TempDir(), "clip.mp4")
	data := testsupport.WriteFile(t, src, 10_007)

	for _, chunkSize := range []int64{3, 7, 1000, 4096, 10_006, 10_007, 1 << 20} {
		fake := testsupport.NewFakeRemote(t)
		engine := newEngine(t, fake)
		ref, err := engine.Upload(context.Background(), src, chunkSize, testPolicy(2))
		if err != nil {
			t.Fatalf("chunk=%d: Upload: %v", chunkSize, err)
		}
		stored, ok := fake.Artifact(ref.ID)
		if !ok {
			t.Fatalf("chunk=%d: artifact %q not stored", chunkSize, ref.ID)
		}
		if !bytes.Equal(stored.Data, data) {
			t.Fatalf("chunk=%d: reassembled %d bytes differ from source", chunkSize, len(stored.Data))
		}
		if ref.Name != "clip.mp4" || ref.Size != int64(len(data)) {
			t.Fatalf("chunk=%d: unexpected ref %+v", chunkSize, ref)
		}
		want := int((int64(len(data)) + chunkSize - 1) / chunkSize)
		if got := len(fake.ChunkOrder()); got != want {
			t.Fatalf("chunk=%d: %d chunks accepted, want %d", chunkSize, got, want)
		}
	}
}

func TestUploadRetriesFailedChunkInOrder(t *testing.T) {
	const mb = 1 << 20
	src := filepath.Join(t.TempDir(), "big.mp4")
	data := testsupport.WriteFile(t, src, 12*mb)

	fake := testsupport.NewFakeRemote(t)
	fake.ChunkFailures[1] = 2
	engine := newEngine(t, fake)

	ref, err := engine.Upload(context.Background(), src, 5*mb, testPolicy(3))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if got := fake.ChunkAttempts(); got != 5 {
		t.Fatalf("expected 1+3+1=5 chunk attempts, got %d", got)
	}
	if order := fake.ChunkOrder(); !slices.Equal(order, []int{0, 1, 2}) {
		t.Fatalf("chunks accepted out of order: %v", order)
	}
	if sizes := fake.ChunkSizes(); !slices.Equal(sizes, []int{5 * mb, 5 * mb, 2 * mb}) {
		t.Fatalf("accepted chunk sizes = %v, want 5MB, 5MB, 2MB", sizes)
	}
	stored, _ := fake.Artifact(ref.ID)
	if !bytes.Equal(stored.Data, data) {
		t.Fatal("reassembled data differs from source")
	}
}

func TestUploadExhaustedChunkAbortsUpload(t *testing.T) {
	src := filepath.Join(t.TempDir(), "clip.mp4")
	testsupport.WriteFile(t, src, 300)

	fake := testsupport.NewFakeRemote(t)
	fake.ChunkFailures[1] = 10
	engine := newEngine(t, fake)

	_, err := engine.Upload(context.Background(), src, 100, testPolicy(3))
	var uploadErr *remote.UploadError
	if !errors.As(err, &uploadErr) {
		t.Fatalf("expected UploadError, got %v", err)
	}
	if uploadErr.Offset != 100 {
		t.Fatalf("failed offset = %d, want 100", uploadErr.Offset)
	}
	var exhausted *remote.RetryExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 3 {
		t.Fatalf("expected exhaustion after 3 attempts, got %v", err)
	}
	if got := fake.ChunkAttempts(); got != 4 {
		t.Fatalf("expected 1+3 attempts and no third chunk, got %d", got)
	}
}

func TestUploadClientErrorAbortsImmediately(t *testing.T) {
	src := filepath.Join(t.TempDir(), "clip.mp4")
	testsupport.WriteFile(t, src, 300)

	fake := testsupport.NewFakeRemote(t)
	fake.ChunkRejects[2] = http.StatusRequestEntityTooLarge
	engine := newEngine(t, fake)

	_, err := engine.Upload(context.Background(), src, 100, testPolicy(5))
	var uploadErr *remote.UploadError
	if !errors.As(err, &uploadErr) || uploadErr.Offset != 200 {
		t.Fatalf("expected UploadError at offset 200, got %v", err)
	}
	if got := fake.ChunkAttempts(); got != 3 {
		t.Fatalf("non-retryable failure must not be retried, got %d attempts", got)
	}
}

func TestUploadStopsAtChunkBoundaryOnCancel(t *testing.T) {
	src := filepath.Join(t.TempDir(), "clip.mp4")
	testsupport.WriteFile(t, src, 500)

	fake := testsupport.NewFakeRemote(t)
	ctx, cancel := context.WithCancel(context.Background())
	engine := newEngine(t, fake, transfer.WithProgress(func(p transfer.Progress) {
		if p.Direction == transfer.DirectionUpload && p.Bytes == 200 {
			cancel()
		}
	}))

	_, err := engine.Upload(ctx, src, 100, testPolicy(2))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	var uploadErr *remote.UploadError
	if !errors.As(err, &uploadErr) || uploadErr.Offset != 200 {
		t.Fatalf("expected stop at offset 200, got %v", err)
	}
	if order := fake.ChunkOrder(); !slices.Equal(order, []int{0, 1}) {
		t.Fatalf("expected only the first two chunks, got %v", order)
	}
}

func TestDownloadRestartsAfterTruncatedBody(t *testing.T) {
	fake := testsupport.NewFakeRemote(t)
	src := filepath.Join(t.TempDir(), "clip.mp4")
	data := testsupport.WriteFile(t, src, 64<<10)
	engine := newEngine(t, fake)
	ref, err := engine.Upload(context.Background(), src, 16<<10, testPolicy(1))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	fake.TruncateDownloads = 1
	dest := filepath.Join(t.TempDir(), "out", "clip.mp4")
	n, err := engine.Download(context.Background(), ref, dest, testPolicy(3))
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if n != int64(len(data)) {
		t.Fatalf("wrote %d bytes, want %d", n, len(data))
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("downloaded content differs")
	}
	if calls := fake.DownloadCalls(); calls != 2 {
		t.Fatalf("expected a restarted download, got %d calls", calls)
	}
	entries, _ := os.ReadDir(filepath.Dir(dest))
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestDownloadMissingArtifactIsFatal(t *testing.T) {
	fake := testsupport.NewFakeRemote(t)
	engine := newEngine(t, fake)
	dest := filepath.Join(t.TempDir(), "missing.bin")

	_, err := engine.Download(context.Background(), remote.ArtifactRef{ID: "nope"}, dest, testPolicy(4))
	var downloadErr *remote.DownloadError
	if !errors.As(err, &downloadErr) || downloadErr.Retryable {
		t.Fatalf("expected fatal DownloadError, got %v", err)
	}
	if fake.DownloadCalls() != 1 {
		t.Fatalf("404 must not be retried, got %d calls", fake.DownloadCalls())
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Fatal("destination must not exist after a failed download")
	}
}
