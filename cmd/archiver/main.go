package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/your-org/mediapack/internal/admission"
	"github.com/your-org/mediapack/internal/archive"
	"github.com/your-org/mediapack/internal/fetch"
	"github.com/your-org/mediapack/internal/telemetry"
	"github.com/your-org/mediapack/pkg/config"
	"github.com/your-org/mediapack/pkg/kafka"
	"github.com/your-org/mediapack/pkg/logger"
	"github.com/your-org/mediapack/pkg/storage/objectstore"
	"github.com/your-org/mediapack/pkg/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr, err := logger.New(cfg.App.LogLevel, cfg.App.Environment)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:           cfg.Tracing.Endpoint,
		Insecure:           cfg.Tracing.Insecure,
		SampleRatio:        cfg.Tracing.SampleRatio,
		ResourceAttributes: cfg.Tracing.ResourceAttr,
		ServiceName:        cfg.App.Name,
	})
	if err != nil {
		logr.Fatal("init tracing", zap.Error(err))
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	metrics := telemetry.New(prometheus.DefaultRegisterer)

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.EventsTopic,
		BatchSize:    cfg.Kafka.BatchSize,
		BatchTimeout: cfg.Kafka.BatchTimeout,
		Compression:  kafka.CompressionFromString(cfg.Kafka.CompressionCodec),
		RequiredAcks: kafka.AcksFromString(cfg.Kafka.RequiredAcks),
		MaxAttempts:  cfg.Kafka.Retries,
		RetryBackoff: cfg.Kafka.RetryBackoff,
	})
	notifier := archive.NewKafkaNotifier(producer)

	store, err := objectstore.New(objectstore.Config{
		Provider:  cfg.Storage.Provider,
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		Bucket:    cfg.Storage.Bucket,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		logr.Fatal("init object store", zap.Error(err))
	}
	if err := store.EnsureBucket(ctx); err != nil {
		logr.Fatal("ensure bucket", zap.Error(err))
	}

	controller := admission.New(admission.Config{
		Window:        cfg.Admission.Window,
		Capacity:      cfg.Admission.Capacity,
		BackoffBase:   cfg.Admission.BackoffBase,
		MaxAttempts:   cfg.Admission.MaxAttempts,
		RecordTTL:     cfg.Admission.RecordTTL,
		SweepInterval: cfg.Admission.SweepInterval,
	}, logr)
	defer controller.Close()

	fetcher := fetch.New(fetch.Config{
		ChunkSizeBytes:      cfg.Fetch.ChunkSizeBytes,
		BaseTimeout:         cfg.Fetch.BaseTimeout,
		LargeVideoExtension: cfg.Fetch.LargeVideoExtension,
		RetryExtension:      cfg.Fetch.RetryExtension,
		LargeVideoBytes:     cfg.Plan.LargeVideoBytes,
		MaxAttempts:         cfg.Fetch.MaxAttempts,
		BackoffBase:         cfg.Fetch.BackoffBase,
		BackoffCap:          cfg.Fetch.BackoffCap,
		ProgressEveryBytes:  cfg.Fetch.ProgressEveryBytes,
		RequestsPerSecond:   cfg.Fetch.RequestsPerSecond,
	}, metrics, logr)

	service := archive.NewService(archive.Params{
		Admission: controller,
		Planner: archive.NewPlanner(archive.PlanLimits{
			PerFileCeilingBytes:   cfg.Plan.PerFileCeilingBytes,
			LargeVideoBytes:       cfg.Plan.LargeVideoBytes,
			AggregateBytes:        cfg.Plan.AggregateBytes,
			VideoCountCeiling:     cfg.Plan.VideoCountCeiling,
			ThroughputBytesPerSec: cfg.Plan.ThroughputBytesPerSec,
		}),
		Fetcher:  fetcher,
		Store:    store,
		Notifier: notifier,
		Metrics:  metrics,
		Logger:   logr,
		Config: archive.ServiceConfig{
			ImmediateWorkers: cfg.Archive.ImmediateWorkers,
			ExtendedWorkers:  cfg.Archive.ExtendedWorkers,
			QueueCapacity:    cfg.Archive.QueueCapacity,
			FetchWorkers:     cfg.Archive.FetchWorkers,
			MaxFiles:         cfg.Archive.MaxFiles,
			SpoolDir:         cfg.Archive.SpoolDir,
			ArchiveTimeout:   cfg.Archive.Timeout,
			KeyPrefix:        cfg.Upload.KeyPrefix,
			ArchiveName:      cfg.Upload.ArchiveName,
			DownloadTTL:      cfg.Upload.DownloadTTL,
			StatusRetention:  cfg.Archive.StatusRetention,
			PartSizeBytes:    cfg.Upload.PartSizeBytes,
		},
	})

	handler := archive.NewHTTPHandler(archive.HTTPParams{
		Service:      service,
		Logger:       logr,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		SyncWait:     cfg.HTTP.SyncWait,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux}

	go func() {
		logr.Info("metrics server starting", zap.String("addr", cfg.Metrics.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Error("metrics server failed", zap.Error(err))
		}
	}()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logr.Error("http server shutdown failed", zap.Error(err))
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logr.Error("metrics server shutdown failed", zap.Error(err))
		}
		if err := service.Close(shutdownCtx); err != nil {
			logr.Error("service shutdown failed", zap.Error(err))
		}
		if err := notifier.Close(shutdownCtx); err != nil {
			logr.Error("notifier shutdown failed", zap.Error(err))
		}
		if err := store.Close(); err != nil {
			logr.Error("object store shutdown failed", zap.Error(err))
		}
	}()

	logr.Info("archive service starting", zap.String("addr", cfg.HTTP.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logr.Fatal("http server failed", zap.Error(err))
	}
	<-shutdownDone
}
