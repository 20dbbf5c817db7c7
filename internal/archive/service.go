package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/your-org/mediapack/internal/admission"
	"github.com/your-org/mediapack/internal/fetch"
	"github.com/your-org/mediapack/internal/media"
	"github.com/your-org/mediapack/internal/telemetry"
	"github.com/your-org/mediapack/internal/upload"
	"github.com/your-org/mediapack/internal/zipstream"
	"github.com/your-org/mediapack/pkg/storage/objectstore"
)

var (
	// ErrTooManyFiles rejects collections over the per-request cap.
	ErrTooManyFiles = errors.New("too many files in request")
	// ErrNothingToArchive rejects collections with no eligible files.
	ErrNothingToArchive = errors.New("no files eligible for archiving")
	// ErrDuplicateRequest rejects a request id that is already being
	// processed. One request never runs two pipelines at once.
	ErrDuplicateRequest = errors.New("request is already in flight")
	// ErrShuttingDown rejects submissions during shutdown.
	ErrShuttingDown = errors.New("service is shutting down")
)

// RejectedError is returned when admission refuses a request.
type RejectedError struct {
	Decision admission.Decision
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("admission refused: %s (retry after %s)", e.Decision.Reason, e.Decision.RetryAfter)
}

// BusyError is returned when a tier's backlog is full.
type BusyError struct {
	Tier Tier
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s queue is full", e.Tier)
}

// ServiceConfig bounds the processing pipelines.
type ServiceConfig struct {
	// ImmediateWorkers and ExtendedWorkers size the per-tier pipeline
	// pools; each worker runs one archive at a time.
	ImmediateWorkers int
	ExtendedWorkers  int
	// QueueCapacity bounds each tier's backlog; overflow is refused.
	QueueCapacity int
	// FetchWorkers is the parallel download width within one archive.
	FetchWorkers int
	// MaxFiles caps files per request.
	MaxFiles int
	// SpoolDir holds in-flight download spools; empty means the system
	// temp dir.
	SpoolDir string
	// ArchiveTimeout is the hard wall for one archive end to end.
	ArchiveTimeout time.Duration
	// KeyPrefix scopes stored objects; keys are
	// <KeyPrefix>/<eventID>/<timestamp>_<ArchiveName>.zip.
	KeyPrefix string
	// ArchiveName is the base file name of stored archives.
	ArchiveName string
	// DownloadTTL is the presigned link lifetime.
	DownloadTTL time.Duration
	// StatusRetention keeps finished request statuses queryable.
	StatusRetention time.Duration
	// PartSizeBytes sizes multipart upload parts.
	PartSizeBytes int64
}

// Params carries the service dependencies.
type Params struct {
	Admission *admission.Controller
	Planner   Planner
	Fetcher   *fetch.Fetcher
	Store     objectstore.Client
	Notifier  Notifier
	Metrics   *telemetry.Metrics
	Logger    *zap.Logger
	Config    ServiceConfig
}

// Ticket acknowledges an accepted request.
type Ticket struct {
	RequestID        string
	Tier             Tier
	EstimatedSeconds int
}

// Service turns admitted requests into stored archives. Requests are
// planned synchronously and processed on per-tier worker pools, detached
// from the submitting HTTP request.
type Service struct {
	admission *admission.Controller
	planner   Planner
	fetcher   *fetch.Fetcher
	store     objectstore.Client
	sink      *upload.Sink
	notifier  Notifier
	metrics   *telemetry.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	cfg       ServiceConfig

	registry *registry

	mu       sync.Mutex
	closed   bool
	queues   map[Tier]chan job
	workerWG sync.WaitGroup
}

type job struct {
	req  Request
	plan CollectionPlan
}

type uploadOutcome struct {
	res upload.Result
	err error
}

// NewService constructs the archive Service and starts its worker pools.
func NewService(p Params) *Service {
	cfg := p.Config
	if cfg.ImmediateWorkers <= 0 {
		cfg.ImmediateWorkers = 4
	}
	if cfg.ExtendedWorkers <= 0 {
		cfg.ExtendedWorkers = 2
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	if cfg.FetchWorkers <= 0 {
		cfg.FetchWorkers = 4
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 500
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 2 * time.Hour
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "events"
	}
	if cfg.ArchiveName == "" {
		cfg.ArchiveName = "gallery"
	}
	if cfg.DownloadTTL <= 0 {
		cfg.DownloadTTL = 72 * time.Hour
	}
	if cfg.StatusRetention <= 0 {
		cfg.StatusRetention = 6 * time.Hour
	}

	s := &Service{
		admission: p.Admission,
		planner:   p.Planner,
		fetcher:   p.Fetcher,
		store:     p.Store,
		sink:      upload.New(p.Store, upload.Config{PartSizeBytes: cfg.PartSizeBytes}, p.Metrics, p.Logger),
		notifier:  p.Notifier,
		metrics:   p.Metrics,
		logger:    p.Logger,
		tracer:    otel.Tracer("archive-service"),
		cfg:       cfg,
		registry:  newRegistry(cfg.StatusRetention),
		queues: map[Tier]chan job{
			TierImmediate: make(chan job, cfg.QueueCapacity),
			TierExtended:  make(chan job, cfg.QueueCapacity),
		},
	}

	for i := 0; i < cfg.ImmediateWorkers; i++ {
		s.workerWG.Add(1)
		go s.worker(s.queues[TierImmediate])
	}
	for i := 0; i < cfg.ExtendedWorkers; i++ {
		s.workerWG.Add(1)
		go s.worker(s.queues[TierExtended])
	}

	return s
}

// Submit admits, plans and enqueues one request. The Ticket acknowledges
// acceptance only; the outcome arrives through the notifier and the status
// endpoint.
func (s *Service) Submit(req Request) (Ticket, error) {
	decision := s.admission.Admit(req.Email, req.Identity, req.ID)
	if !decision.Allowed {
		if s.metrics != nil {
			s.metrics.AdmissionRejected.WithLabelValues(string(decision.Reason)).Inc()
		}
		s.logger.Info("request refused",
			zap.String("request_id", req.ID),
			zap.String("reason", string(decision.Reason)),
			zap.Duration("retry_after", decision.RetryAfter),
		)
		return Ticket{}, &RejectedError{Decision: decision}
	}

	if len(req.Files) > s.cfg.MaxFiles {
		return Ticket{}, fmt.Errorf("%w: %d files, limit %d", ErrTooManyFiles, len(req.Files), s.cfg.MaxFiles)
	}

	plan := s.planner.Plan(req.Files)
	if plan.Tier == TierRejected {
		return Ticket{}, fmt.Errorf("%w: %s", ErrNothingToArchive, plan.Reason)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Ticket{}, ErrShuttingDown
	}

	ok := s.registry.add(Status{
		RequestID:        req.ID,
		EventID:          req.EventID,
		Tier:             plan.Tier,
		EstimatedSeconds: plan.EstimatedSeconds,
		FileCount:        len(req.Files),
	})
	if !ok {
		return Ticket{}, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}

	select {
	case s.queues[plan.Tier] <- job{req: req, plan: plan}:
	default:
		s.registry.remove(req.ID)
		return Ticket{}, &BusyError{Tier: plan.Tier}
	}

	s.logger.Info("request accepted",
		zap.String("request_id", req.ID),
		zap.String("tier", string(plan.Tier)),
		zap.Int("files", len(plan.Include)),
		zap.Int("deferred", len(plan.Deferred)),
		zap.Int("estimated_seconds", plan.EstimatedSeconds),
	)

	return Ticket{RequestID: req.ID, Tier: plan.Tier, EstimatedSeconds: plan.EstimatedSeconds}, nil
}

// Status reports the tracked state of a request.
func (s *Service) Status(id string) (Status, bool) {
	return s.registry.get(id)
}

// Wait blocks until the request reaches a terminal state or the context
// expires, then reports the latest snapshot.
func (s *Service) Wait(ctx context.Context, id string) (Status, bool) {
	done, ok := s.registry.wait(id)
	if !ok {
		return Status{}, false
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	return s.registry.get(id)
}

// Close stops accepting work and waits for in-flight archives to finish,
// up to the context deadline.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, q := range s.queues {
		close(q)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) worker(jobs <-chan job) {
	defer s.workerWG.Done()
	for j := range jobs {
		s.run(j)
	}
}

func (s *Service) run(j job) {
	start := time.Now()
	tier := string(j.plan.Tier)
	if s.metrics != nil {
		s.metrics.ArchivesStarted.WithLabelValues(tier).Inc()
		s.metrics.ActiveArchives.Inc()
		defer s.metrics.ActiveArchives.Dec()
	}
	s.registry.advance(j.req.ID, StateFetching)
	s.logger.Info("archive pipeline started",
		zap.String("request_id", j.req.ID),
		zap.String("event_id", j.req.EventID),
		zap.String("tier", tier),
		zap.Int("files", len(j.plan.Include)),
		zap.Int("deferred", len(j.plan.Deferred)),
		zap.Int64("estimated_bytes", j.plan.TotalEstimatedBytes),
	)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ArchiveTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "archive.pipeline",
		trace.WithAttributes(
			attribute.String("request_id", j.req.ID),
			attribute.String("event_id", j.req.EventID),
			attribute.String("tier", tier),
			attribute.Int("files", len(j.plan.Include)),
		))
	defer span.End()

	summary := NewSummary()
	for _, d := range j.plan.Deferred {
		summary.Deferred(d.FileName, d.Reason)
	}

	phase := func(state State) { s.registry.advance(j.req.ID, state) }
	key := s.objectKey(j.req.EventID)
	result, err := s.buildArchive(ctx, j.plan.Include, key, summary, cancel, phase)
	if err != nil {
		span.RecordError(err)
		s.fail(j, summary, err, start)
		return
	}
	s.complete(j, summary, result, start)
}

// buildArchive runs the fetch pool, the zip writer and the upload for one
// request, connected by an in-process pipe. cancelAll tears the stream down
// when nothing survived fetching, so an empty archive is never stored.
// phase reports the stage currently gating progress.
func (s *Service) buildArchive(ctx context.Context, files []media.FileRef, key string, summary *Summary, cancelAll context.CancelFunc, phase func(State)) (upload.Result, error) {
	pr, pw := io.Pipe()
	builder := zipstream.New(pw, zipstream.Config{QueueDepth: s.cfg.FetchWorkers})

	uploadC := make(chan uploadOutcome, 1)
	go func() {
		uctx, span := s.tracer.Start(ctx, "archive.upload",
			trace.WithAttributes(attribute.String("object_key", key)))
		res, err := s.sink.Upload(uctx, key, pr)
		if err != nil {
			span.RecordError(err)
			// Unblock the zip writer if it is still pushing bytes.
			pr.CloseWithError(err)
		} else {
			_ = pr.Close()
		}
		span.End()
		uploadC <- uploadOutcome{res: res, err: err}
	}()

	builderC := make(chan error, 1)
	go func() {
		err := builder.Run()
		if err != nil {
			pw.CloseWithError(err)
		} else {
			_ = pw.Close()
		}
		builderC <- err
	}()

	var wg sync.WaitGroup
	slots := make(chan struct{}, s.cfg.FetchWorkers)
	for _, f := range files {
		wg.Add(1)
		go func(f media.FileRef) {
			defer wg.Done()
			slots <- struct{}{}
			defer func() { <-slots }()
			s.fetchOne(ctx, f, builder, summary)
		}(f)
	}
	wg.Wait()
	phase(StateArchiving)

	included, failed, _ := summary.Counts()
	if included == 0 {
		// Nothing made it in; abandon the stream instead of storing an
		// empty archive.
		cancelAll()
	}
	builder.CloseEntries()
	berr := <-builderC
	phase(StateUploading)
	uo := <-uploadC

	if included == 0 && failed > 0 {
		return upload.Result{}, fmt.Errorf("all %d files failed", failed)
	}
	if uo.err != nil {
		return upload.Result{}, uo.err
	}
	if berr != nil {
		return upload.Result{}, berr
	}
	return uo.res, nil
}

// fetchOne downloads a single file into a spool and hands it to the zip
// writer. A failure here is recorded and isolated; the rest of the archive
// carries on.
func (s *Service) fetchOne(ctx context.Context, f media.FileRef, builder *zipstream.Builder, summary *Summary) {
	if ctx.Err() != nil {
		summary.Failed(f.FileName, "cancelled")
		return
	}

	ctx, span := s.tracer.Start(ctx, "archive.fetch",
		trace.WithAttributes(
			attribute.String("file", f.FileName),
			attribute.Int64("declared_bytes", f.SizeBytes),
		))
	defer span.End()

	spool, err := zipstream.NewSpool(s.cfg.SpoolDir)
	if err != nil {
		summary.Failed(f.FileName, string(fetch.ReasonWrite))
		s.logger.Error("create spool", zap.String("file", f.FileName), zap.Error(err))
		return
	}

	n, err := s.fetcher.Fetch(ctx, f, spool)
	if err != nil {
		span.RecordError(err)
		_ = spool.Discard()
		reason := failureReason(err)
		summary.Failed(f.FileName, reason)
		if s.metrics != nil {
			s.metrics.FilesFetched.WithLabelValues("failed").Inc()
		}
		s.logger.Warn("file abandoned",
			zap.String("file", f.FileName),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}

	entry := zipstream.Entry{Name: f.FileName, Kind: f.Kind, Modified: time.Now().UTC(), Spool: spool}
	if err := builder.Submit(entry); err != nil {
		_ = spool.Discard()
		summary.Failed(f.FileName, string(fetch.ReasonWrite))
		return
	}

	summary.Included(f.FileName, n)
	if s.metrics != nil {
		s.metrics.FilesFetched.WithLabelValues("ok").Inc()
	}
}

// complete presigns the download link, notifies and only then marks the
// request terminal, so a terminal status always means the notification went
// out.
func (s *Service) complete(j job, summary *Summary, res upload.Result, start time.Time) {
	s.registry.advance(j.req.ID, StateNotifying)
	included, failed, deferred := summary.Counts()

	state := StateCompleted
	if failed > 0 {
		state = StateCompletedWithErrors
	}

	nctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expiresAt := time.Now().UTC().Add(s.cfg.DownloadTTL)
	downloadName := fmt.Sprintf("%s-%s.zip", s.cfg.ArchiveName, j.req.EventID)
	url, err := s.store.PresignedGet(nctx, res.Key, downloadName, s.cfg.DownloadTTL)
	if err != nil {
		s.fail(j, summary, fmt.Errorf("presign download link: %w", err), start)
		return
	}

	ev := ReadyEvent{
		EventID:               j.req.EventID,
		RequestID:             j.req.ID,
		Email:                 j.req.Email,
		Tier:                  string(j.plan.Tier),
		ObjectKey:             res.Key,
		ObjectURL:             url,
		ExpiresAt:             expiresAt,
		FinalSizeBytes:        res.Size,
		Checksum:              res.SHA256,
		SucceededFiles:        included,
		FailedFiles:           summary.FailedOutcomes(),
		DeferredFiles:         j.plan.Deferred,
		ProcessingTimeSeconds: time.Since(start).Seconds(),
		CompletedAt:           time.Now().UTC(),
	}
	if err := s.notifier.ArchiveReady(nctx, ev); err != nil {
		s.logger.Error("notify archive ready", zap.String("request_id", j.req.ID), zap.Error(err))
	}

	s.registry.finish(j.req.ID, func(st *Status) {
		st.State = state
		st.Files = summary.Outcomes()
		st.DownloadURL = url
		st.ExpiresAt = expiresAt
		st.SizeBytes = res.Size
		st.Checksum = res.SHA256
	})

	if s.metrics != nil {
		s.metrics.ArchivesFinished.WithLabelValues(string(state)).Inc()
		s.metrics.ArchiveDuration.Observe(time.Since(start).Seconds())
		s.metrics.ArchiveBytes.Observe(float64(res.Size))
	}
	s.logger.Info("archive ready",
		zap.String("request_id", j.req.ID),
		zap.String("event_id", j.req.EventID),
		zap.String("state", string(state)),
		zap.Int("included", included),
		zap.Int("failed", failed),
		zap.Int("deferred", deferred),
		zap.Int64("archive_bytes", res.Size),
		zap.Int("parts", res.Parts),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (s *Service) fail(j job, summary *Summary, cause error, start time.Time) {
	s.registry.advance(j.req.ID, StateNotifying)

	nctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ev := FailedEvent{
		EventID:   j.req.EventID,
		RequestID: j.req.ID,
		Email:     j.req.Email,
		Tier:      string(j.plan.Tier),
		Reason:    cause.Error(),
		FailedAt:  time.Now().UTC(),
	}
	if err := s.notifier.ArchiveFailed(nctx, ev); err != nil {
		s.logger.Error("notify archive failed", zap.String("request_id", j.req.ID), zap.Error(err))
	}

	s.registry.finish(j.req.ID, func(st *Status) {
		st.State = StateFailed
		st.Files = summary.Outcomes()
		st.Error = cause.Error()
	})

	if s.metrics != nil {
		s.metrics.ArchivesFinished.WithLabelValues(string(StateFailed)).Inc()
		s.metrics.ArchiveDuration.Observe(time.Since(start).Seconds())
	}
	s.logger.Error("archive failed",
		zap.String("request_id", j.req.ID),
		zap.String("event_id", j.req.EventID),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(cause),
	)
}

// objectKey scopes stored archives by event, one timestamped zip per run.
func (s *Service) objectKey(eventID string) string {
	stamp := time.Now().UTC().Format("20060102T150405Z")
	return fmt.Sprintf("%s/%s/%s_%s.zip", s.cfg.KeyPrefix, eventID, stamp, s.cfg.ArchiveName)
}

func failureReason(err error) string {
	var ferr *fetch.Error
	if errors.As(err, &ferr) {
		return string(ferr.Reason)
	}
	return string(fetch.ReasonWrite)
}
