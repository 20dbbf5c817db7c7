// Package upload pushes a byte stream into object storage as a multipart
// session. Parts are buffered one at a time, so memory per in-flight
// archive stays at a single part regardless of archive size.
package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/mediapack/internal/telemetry"
)

// Stage names the phase of a multipart session that failed.
type Stage string

const (
	StageInit     Stage = "session_init"
	StagePart     Stage = "part_upload"
	StageFinalize Stage = "finalize"
)

// Error reports a failed multipart session. The session is aborted before
// the error is returned, so storage never retains orphaned parts.
type Error struct {
	Stage Stage
	Key   string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upload %s: %s: %v", e.Key, e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Store is the slice of object storage the sink needs. Parts are numbered
// contiguously from 1 in upload order; CompleteMultipart receives their
// etags in that same order.
type Store interface {
	StartMultipart(ctx context.Context, key, contentType string) (uploadID string, err error)
	UploadPart(ctx context.Context, key, uploadID string, number int, r io.Reader, size int64) (etag string, err error)
	CompleteMultipart(ctx context.Context, key, uploadID string, etags []string) (objectETag string, err error)
	AbortMultipart(ctx context.Context, key, uploadID string) error
}

// Config tunes the sink.
type Config struct {
	// PartSizeBytes sizes each uploaded part. Values below the storage
	// minimum of 5 MiB are raised to it.
	PartSizeBytes int64
	// ContentType is stamped on the stored object.
	ContentType string
}

// Result describes the stored object after a completed session.
type Result struct {
	Key    string
	ETag   string
	Size   int64
	SHA256 string
	Parts  int
}

// Sink streams archives into object storage.
type Sink struct {
	store   Store
	cfg     Config
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

// New constructs a Sink. A nil metrics sink disables instrumentation.
func New(store Store, cfg Config, metrics *telemetry.Metrics, logger *zap.Logger) *Sink {
	if cfg.PartSizeBytes < 5<<20 {
		cfg.PartSizeBytes = 16 << 20
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/zip"
	}
	return &Sink{store: store, cfg: cfg, metrics: metrics, logger: logger}
}

// Upload streams r into object storage under key. Parts are uploaded in
// order as they fill; the whole stream is hashed on the way through. Any
// failure aborts the session. A read failure from r is returned as-is so
// the caller can attribute it to the producing side of the stream.
func (s *Sink) Upload(ctx context.Context, key string, r io.Reader) (Result, error) {
	uploadID, err := s.store.StartMultipart(ctx, key, s.cfg.ContentType)
	if err != nil {
		return Result{}, &Error{Stage: StageInit, Key: key, Err: err}
	}

	hash := sha256.New()
	buf := make([]byte, s.cfg.PartSizeBytes)
	var (
		etags []string
		total int64
	)

	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			hash.Write(buf[:n])
			number := len(etags) + 1
			etag, perr := s.store.UploadPart(ctx, key, uploadID, number, bytes.NewReader(buf[:n]), int64(n))
			if perr != nil {
				s.abort(key, uploadID)
				return Result{}, &Error{Stage: StagePart, Key: key, Err: fmt.Errorf("part %d: %w", number, perr)}
			}
			etags = append(etags, etag)
			total += int64(n)
			if s.metrics != nil {
				s.metrics.UploadParts.Inc()
			}
			s.logger.Debug("uploaded part",
				zap.String("key", key),
				zap.Int("part", number),
				zap.Int64("bytes", int64(n)),
			)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			s.abort(key, uploadID)
			return Result{}, fmt.Errorf("read archive stream: %w", rerr)
		}
	}

	if len(etags) == 0 {
		s.abort(key, uploadID)
		return Result{}, &Error{Stage: StageFinalize, Key: key, Err: errors.New("empty archive stream")}
	}

	objectETag, err := s.store.CompleteMultipart(ctx, key, uploadID, etags)
	if err != nil {
		s.abort(key, uploadID)
		return Result{}, &Error{Stage: StageFinalize, Key: key, Err: err}
	}

	return Result{
		Key:    key,
		ETag:   objectETag,
		Size:   total,
		SHA256: hex.EncodeToString(hash.Sum(nil)),
		Parts:  len(etags),
	}, nil
}

// abort tears down the session with a fresh context; the caller's context
// is often already cancelled when we get here.
func (s *Sink) abort(key, uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.metrics != nil {
		s.metrics.UploadAborts.Inc()
	}
	if err := s.store.AbortMultipart(ctx, key, uploadID); err != nil {
		s.logger.Warn("abort multipart session",
			zap.String("key", key),
			zap.String("upload_id", uploadID),
			zap.Error(err),
		)
	}
}
