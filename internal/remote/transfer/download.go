package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"framerelay/internal/logging"
	"framerelay/internal/remote"
)

const progressEvery = 4 << 20

// Download streams ref into localPath and returns the bytes written. Every
// retry restarts the download from the beginning; localPath is only replaced
// once a complete body has been received.
func (e *Engine) Download(ctx context.Context, ref remote.ArtifactRef, localPath string, policy remote.RetryPolicy) (int64, error) {
	if strings.TrimSpace(ref.ID) == "" {
		return 0, &remote.DownloadError{Err: errors.New("artifact id is empty")}
	}
	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, &remote.DownloadError{ArtifactID: ref.ID, Err: fmt.Errorf("create destination directory: %w", err)}
	}

	var written int64
	err := e.retrier.Do(ctx, policy, "download "+ref.ID, func(attemptCtx context.Context) error {
		n, err := e.downloadOnce(attemptCtx, ref, localPath)
		written = n
		return err
	})
	if err != nil {
		var downloadErr *remote.DownloadError
		if errors.As(err, &downloadErr) {
			return 0, err
		}
		return 0, &remote.DownloadError{ArtifactID: ref.ID, Err: err}
	}
	e.metrics.AddDownloadBytes(written)
	logging.WithContext(ctx, e.logger).Debug("download complete",
		logging.String("artifact_id", ref.ID),
		logging.String("path", localPath),
		logging.Bytes("size", written),
	)
	return written, nil
}

func (e *Engine) downloadOnce(ctx context.Context, ref remote.ArtifactRef, localPath string) (int64, error) {
	req, err := e.proto.DownloadRequest(ctx, ref)
	if err != nil {
		return 0, err
	}
	resp, err := remote.Send(ctx, e.client, e.headers, req)
	if err != nil {
		return 0, err
	}
	defer remote.Drain(resp.Body)

	expected := resp.ContentLength
	if expected < 0 && ref.Size > 0 {
		expected = ref.Size
	}

	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".part-*")
	if err != nil {
		return 0, &remote.DownloadError{ArtifactID: ref.ID, Err: fmt.Errorf("create temp file: %w", err)}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	reader := &progressReader{
		r: resp.Body,
		onProgress: func(n int64) {
			e.report(Progress{Direction: DirectionDownload, Name: ref.FileName(), Bytes: n, Total: expected})
		},
	}
	written, err := io.Copy(tmp, reader)
	if err != nil {
		if reader.err != nil {
			return written, &remote.DownloadError{ArtifactID: ref.ID, Expected: expected, Received: written, Retryable: retryableStream(reader.err), Err: reader.err}
		}
		return written, &remote.DownloadError{ArtifactID: ref.ID, Expected: expected, Received: written, Err: fmt.Errorf("write %s: %w", tmpName, err)}
	}
	if expected >= 0 && written != expected {
		return written, &remote.DownloadError{ArtifactID: ref.ID, Expected: expected, Received: written, Retryable: true}
	}
	if err := tmp.Sync(); err != nil {
		return written, &remote.DownloadError{ArtifactID: ref.ID, Err: fmt.Errorf("sync %s: %w", tmpName, err)}
	}
	if err := tmp.Close(); err != nil {
		return written, &remote.DownloadError{ArtifactID: ref.ID, Err: fmt.Errorf("close %s: %w", tmpName, err)}
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		return written, &remote.DownloadError{ArtifactID: ref.ID, Err: fmt.Errorf("rename into place: %w", err)}
	}
	committed = true
	e.report(Progress{Direction: DirectionDownload, Name: ref.FileName(), Bytes: written, Total: written})
	return written, nil
}

// retryableStream treats body read failures as transient unless the caller
// cancelled.
func retryableStream(err error) bool {
	return !errors.Is(err, context.Canceled)
}

type progressReader struct {
	r          io.Reader
	n          int64
	last       int64
	err        error
	onProgress func(int64)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.n += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		p.err = err
	}
	if p.onProgress != nil && p.n-p.last >= progressEvery {
		p.last = p.n
		p.onProgress(p.n)
	}
	return n, err
}
