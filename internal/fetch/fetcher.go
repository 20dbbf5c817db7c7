// Package fetch streams remote media files chunk by chunk. A file is never
// accumulated in memory: each chunk is handed to the sink as it arrives, and
// transient failures are retried with capped exponential backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/your-org/mediapack/internal/media"
	"github.com/your-org/mediapack/internal/telemetry"
)

// Reason classifies a fetch failure for the completion summary.
type Reason string

const (
	ReasonTimeout   Reason = "timeout"
	ReasonNetwork   Reason = "network"
	ReasonBadStatus Reason = "bad_status"
	ReasonWrite     Reason = "write_failure"
)

// Error is returned once a file's retry budget is exhausted.
type Error struct {
	FileName string
	Reason   Reason
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %s after %d attempt(s): %v", e.FileName, e.Reason, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ChunkSink receives one file's chunks in strict arrival order. Reset
// discards everything received so far; a retried fetch restarts the file
// from byte zero.
type ChunkSink interface {
	io.Writer
	Reset() error
}

// Config bounds a single file transfer.
type Config struct {
	// ChunkSizeBytes is the fixed read size pushed to the sink.
	ChunkSizeBytes int64
	// BaseTimeout bounds one fetch attempt.
	BaseTimeout time.Duration
	// LargeVideoExtension is added for videos above LargeVideoBytes.
	LargeVideoExtension time.Duration
	// RetryExtension is added per retry attempt.
	RetryExtension time.Duration
	// LargeVideoBytes marks a video as large for timeout purposes.
	LargeVideoBytes int64
	// MaxAttempts bounds retries per file; the collection continues after
	// exhaustion.
	MaxAttempts int
	// BackoffBase, BackoffMultiplier and BackoffCap shape the retry delays
	// (defaults produce 2s, 5s, 10s).
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffCap        time.Duration
	// ProgressEveryBytes throttles transfer progress logging.
	ProgressEveryBytes int64
	// RequestsPerSecond throttles outbound requests across all workers;
	// zero disables the limiter.
	RequestsPerSecond int
}

// Fetcher retrieves remote files for the archive pipeline.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

// New constructs a Fetcher, filling unset config fields with defaults.
// A nil metrics sink disables instrumentation.
func New(cfg Config, metrics *telemetry.Metrics, logger *zap.Logger) *Fetcher {
	if cfg.ChunkSizeBytes <= 0 {
		cfg.ChunkSizeBytes = 8 << 20
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = time.Minute
	}
	if cfg.LargeVideoExtension <= 0 {
		cfg.LargeVideoExtension = 2 * time.Minute
	}
	if cfg.RetryExtension <= 0 {
		cfg.RetryExtension = 30 * time.Second
	}
	if cfg.LargeVideoBytes <= 0 {
		cfg.LargeVideoBytes = 80 << 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2.5
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 10 * time.Second
	}
	if cfg.ProgressEveryBytes <= 0 {
		cfg.ProgressEveryBytes = 25 << 20
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestsPerSecond)
	}

	return &Fetcher{
		cfg:     cfg,
		client:  &http.Client{},
		limiter: limiter,
		metrics: metrics,
		logger:  logger,
	}
}

// Fetch streams one file into the sink. It retries transient failures up to
// the configured bound, resetting the sink before every attempt so the entry
// always restarts from byte zero. The returned error, if any, is an *Error.
func (f *Fetcher) Fetch(ctx context.Context, file media.FileRef, sink ChunkSink) (int64, error) {
	buf := make([]byte, f.cfg.ChunkSizeBytes)

	var (
		lastErr    error
		lastReason Reason
	)
	delay := f.cfg.BackoffBase

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, &Error{FileName: file.FileName, Reason: ReasonNetwork, Attempts: attempt - 1, Err: err}
		}

		n, reason, err := f.attempt(ctx, file, sink, buf, attempt)
		if err == nil {
			return n, nil
		}
		lastErr, lastReason = err, reason

		if !retryableErr(reason, err) || attempt == f.cfg.MaxAttempts {
			return 0, &Error{FileName: file.FileName, Reason: reason, Attempts: attempt, Err: err}
		}

		if f.metrics != nil {
			f.metrics.FetchRetries.Inc()
		}
		f.logger.Warn("fetch attempt failed, backing off",
			zap.String("file", file.FileName),
			zap.Int("attempt", attempt),
			zap.String("reason", string(reason)),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return 0, &Error{FileName: file.FileName, Reason: lastReason, Attempts: attempt, Err: lastErr}
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * f.cfg.BackoffMultiplier)
		if delay > f.cfg.BackoffCap {
			delay = f.cfg.BackoffCap
		}
	}

	return 0, &Error{FileName: file.FileName, Reason: lastReason, Attempts: f.cfg.MaxAttempts, Err: lastErr}
}

func (f *Fetcher) attempt(ctx context.Context, file media.FileRef, sink ChunkSink, buf []byte, attempt int) (int64, Reason, error) {
	if err := sink.Reset(); err != nil {
		return 0, ReasonWrite, fmt.Errorf("reset sink: %w", err)
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return 0, reasonFor(err), fmt.Errorf("await rate limit: %w", err)
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, f.attemptTimeout(file, attempt))
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, file.SourceURL, nil)
	if err != nil {
		return 0, ReasonBadStatus, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, reasonFor(err), fmt.Errorf("request %s: %w", file.SourceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if !retryableStatus(resp.StatusCode) {
			// Permanent statuses skip the remaining retry budget.
			return 0, ReasonBadStatus, &permanentStatusError{status: resp.Status}
		}
		return 0, ReasonBadStatus, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var total, sinceProgress int64
	for {
		n, rerr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return 0, ReasonWrite, fmt.Errorf("write chunk: %w", werr)
			}
			total += int64(n)
			sinceProgress += int64(n)
			if f.metrics != nil {
				f.metrics.FetchBytes.Add(float64(n))
			}
			if sinceProgress >= f.cfg.ProgressEveryBytes {
				sinceProgress = 0
				f.logger.Info("fetch progress",
					zap.String("file", file.FileName),
					zap.Int64("bytes", total),
					zap.Int64("declared_bytes", file.SizeBytes),
				)
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return 0, reasonFor(rerr), fmt.Errorf("read body after %d bytes: %w", total, rerr)
		}
	}

	if resp.ContentLength >= 0 && total < resp.ContentLength {
		return 0, ReasonNetwork, fmt.Errorf("truncated body: got %d of %d bytes", total, resp.ContentLength)
	}
	if total != file.SizeBytes {
		f.logger.Warn("transfer size differs from declared size",
			zap.String("file", file.FileName),
			zap.Int64("declared_bytes", file.SizeBytes),
			zap.Int64("actual_bytes", total),
		)
	}

	return total, "", nil
}

func (f *Fetcher) attemptTimeout(file media.FileRef, attempt int) time.Duration {
	d := f.cfg.BaseTimeout
	if file.IsVideo() && file.SizeBytes > f.cfg.LargeVideoBytes {
		d += f.cfg.LargeVideoExtension
	}
	return d + time.Duration(attempt-1)*f.cfg.RetryExtension
}

type permanentStatusError struct {
	status string
}

func (e *permanentStatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.status)
}

func retryableErr(reason Reason, err error) bool {
	if reason == ReasonWrite {
		return false
	}
	var perm *permanentStatusError
	return !errors.As(err, &perm)
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

func reasonFor(err error) Reason {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ReasonTimeout
	}
	return ReasonNetwork
}
