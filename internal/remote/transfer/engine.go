package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"framerelay/internal/logging"
	"framerelay/internal/metrics"
	"framerelay/internal/remote"
)

// Direction labels a transfer in progress reports.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Progress is a snapshot of one transfer.
type Progress struct {
	Direction Direction
	Name      string
	Bytes     int64
	Total     int64
}

// Percent returns completion in [0,100], or -1 when the total is unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return -1
	}
	return float64(p.Bytes) / float64(p.Total) * 100
}

// Option customises an Engine.
type Option func(*Engine)

// WithRetrier overrides how attempts are retried and spaced.
func WithRetrier(r *remote.Retrier) Option {
	return func(e *Engine) {
		e.retrier = r
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = rec
	}
}

// WithProgress registers a callback invoked after every acknowledged chunk
// and periodically during downloads.
func WithProgress(fn func(Progress)) Option {
	return func(e *Engine) {
		e.progress = fn
	}
}

// Engine performs chunked uploads and streamed downloads.
type Engine struct {
	proto    remote.Protocol
	client   remote.HTTPDoer
	headers  remote.HeaderSource
	retrier  *remote.Retrier
	logger   *slog.Logger
	metrics  metrics.Recorder
	progress func(Progress)
}

// New builds an Engine. headers supplies authentication for every request.
func New(proto remote.Protocol, client remote.HTTPDoer, headers remote.HeaderSource, opts ...Option) (*Engine, error) {
	if proto == nil {
		return nil, errors.New("transfer: protocol is nil")
	}
	if client == nil {
		return nil, errors.New("transfer: http client is nil")
	}
	e := &Engine{proto: proto, client: client, headers: headers}
	for _, opt := range opts {
		opt(e)
	}
	if e.retrier == nil {
		e.retrier = &remote.Retrier{}
	}
	if e.logger == nil {
		e.logger = logging.NewNop()
	}
	e.logger = logging.NewComponentLogger(e.logger, "transfer")
	if e.metrics == nil {
		e.metrics = metrics.Noop{}
	}
	return e, nil
}

func (e *Engine) report(p Progress) {
	if e.progress != nil {
		e.progress(p)
	}
}

// Upload sends localPath in chunks of chunkSize bytes and returns the
// artifact the remote assembled from them.
func (e *Engine) Upload(ctx context.Context, localPath string, chunkSize int64, policy remote.RetryPolicy) (remote.ArtifactRef, error) {
	if chunkSize <= 0 {
		return remote.ArtifactRef{}, &remote.UploadError{Path: localPath, Err: fmt.Errorf("chunk size must be positive, got %d", chunkSize)}
	}
	file, err := os.Open(localPath)
	if err != nil {
		return remote.ArtifactRef{}, &remote.UploadError{Path: localPath, Err: err}
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return remote.ArtifactRef{}, &remote.UploadError{Path: localPath, Err: err}
	}
	if !info.Mode().IsRegular() {
		return remote.ArtifactRef{}, &remote.UploadError{Path: localPath, Err: errors.New("not a regular file")}
	}

	session := &remote.UploadSession{
		Path:      localPath,
		FileName:  filepath.Base(localPath),
		TotalSize: info.Size(),
		ChunkSize: chunkSize,
	}
	logger := logging.WithContext(ctx, e.logger).With(
		logging.String("file", session.FileName),
		logging.Bytes("size", session.TotalSize),
	)
	logger.Debug("upload started", logging.Int("chunks", session.ChunkCount()))

	bufSize := chunkSize
	if session.TotalSize < bufSize {
		bufSize = session.TotalSize
	}
	buf := make([]byte, bufSize)
	count := session.ChunkCount()

	var artifact *remote.ArtifactRef
	for index := 0; index < count; index++ {
		if err := ctx.Err(); err != nil {
			return remote.ArtifactRef{}, &remote.UploadError{Path: localPath, Offset: session.NextOffset, Err: err}
		}

		offset := session.NextOffset
		size := min(chunkSize, session.TotalSize-offset)
		data := buf[:size]
		if size > 0 {
			if n, err := file.ReadAt(data, offset); err != nil && !(errors.Is(err, io.EOF) && int64(n) == size) {
				return remote.ArtifactRef{}, &remote.UploadError{Path: localPath, Offset: offset, Err: fmt.Errorf("read chunk: %w", err)}
			}
		}
		chunk := remote.Chunk{
			UploadID: session.UploadID,
			FileName: session.FileName,
			Index:    index,
			Count:    count,
			Offset:   offset,
			Total:    session.TotalSize,
			Data:     data,
		}

		op := "upload " + session.FileName + " chunk " + strconv.Itoa(index+1) + "/" + strconv.Itoa(count)
		var ack remote.ChunkAck
		err := e.retrier.DoShielded(ctx, policy, op, func(attemptCtx context.Context) error {
			var sendErr error
			ack, sendErr = e.sendChunk(attemptCtx, chunk)
			if sendErr != nil {
				e.metrics.ObserveChunk("error", size)
				return sendErr
			}
			e.metrics.ObserveChunk("ok", size)
			return nil
		})
		if err != nil {
			logging.WarnWithContext(logger, "upload aborted", "upload_failed",
				logging.Int64("offset", offset),
				logging.Error(err),
				logging.String(logging.FieldImpact, "no partial artifact is usable; the whole upload must be repeated"),
			)
			return remote.ArtifactRef{}, &remote.UploadError{Path: localPath, Offset: offset, Err: err}
		}

		if ack.UploadID != "" {
			if session.UploadID != "" && ack.UploadID != session.UploadID {
				return remote.ArtifactRef{}, &remote.UploadError{Path: localPath, Offset: offset,
					Err: fmt.Errorf("remote switched upload id from %q to %q", session.UploadID, ack.UploadID)}
			}
			session.UploadID = ack.UploadID
		}
		end := offset + size
		if ack.Received > 0 && ack.Received != end {
			return remote.ArtifactRef{}, &remote.UploadError{Path: localPath, Offset: offset,
				Err: fmt.Errorf("remote acknowledged %d bytes, expected %d", ack.Received, end)}
		}
		session.NextOffset = end
		if ack.Artifact != nil {
			artifact = ack.Artifact
		}
		e.report(Progress{Direction: DirectionUpload, Name: session.FileName, Bytes: session.NextOffset, Total: session.TotalSize})
	}

	if artifact == nil {
		ref, err := e.complete(ctx, session, policy)
		if err != nil {
			return remote.ArtifactRef{}, &remote.UploadError{Path: localPath, Offset: session.NextOffset, Err: err}
		}
		artifact = &ref
	}
	result := *artifact
	if result.Name == "" {
		result.Name = session.FileName
	}
	if result.Size == 0 {
		result.Size = session.TotalSize
	}
	logger.Info("upload complete", logging.String("artifact_id", result.ID))
	return result, nil
}

func (e *Engine) sendChunk(ctx context.Context, chunk remote.Chunk) (remote.ChunkAck, error) {
	req, err := e.proto.ChunkRequest(ctx, chunk)
	if err != nil {
		return remote.ChunkAck{}, err
	}
	resp, err := remote.Send(ctx, e.client, e.headers, req)
	if err != nil {
		return remote.ChunkAck{}, err
	}
	return e.proto.DecodeChunkAck(resp)
}

func (e *Engine) complete(ctx context.Context, session *remote.UploadSession, policy remote.RetryPolicy) (remote.ArtifactRef, error) {
	if session.UploadID == "" {
		return remote.ArtifactRef{}, errors.New("remote assigned no upload id and returned no artifact")
	}
	var ref remote.ArtifactRef
	err := e.retrier.DoShielded(ctx, policy, "complete upload "+session.FileName, func(attemptCtx context.Context) error {
		req, err := e.proto.CompleteUploadRequest(attemptCtx, session.UploadID, session.FileName)
		if err != nil {
			return err
		}
		resp, err := remote.Send(attemptCtx, e.client, e.headers, req)
		if err != nil {
			return err
		}
		ref, err = e.proto.DecodeArtifact(resp)
		return err
	})
	return ref, err
}
