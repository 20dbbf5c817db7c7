// Package telemetry holds the Prometheus instruments shared across the
// archive pipeline.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument the service records. Construct one per
// process with New and hand it to the components that record into it.
type Metrics struct {
	ArchivesStarted   *prometheus.CounterVec
	ArchivesFinished  *prometheus.CounterVec
	ArchiveDuration   prometheus.Histogram
	ArchiveBytes      prometheus.Histogram
	FilesFetched      *prometheus.CounterVec
	FetchBytes        prometheus.Counter
	FetchRetries      prometheus.Counter
	UploadParts       prometheus.Counter
	UploadAborts      prometheus.Counter
	AdmissionRejected *prometheus.CounterVec
	ActiveArchives    prometheus.Gauge
}

// New registers the pipeline instruments against reg. Pass
// prometheus.DefaultRegisterer in main and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ArchivesStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediapack_archives_started_total",
			Help: "Archive requests accepted for processing, by tier.",
		}, []string{"tier"}),
		ArchivesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediapack_archives_finished_total",
			Help: "Archive requests finished, by final status.",
		}, []string{"status"}),
		ArchiveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mediapack_archive_duration_seconds",
			Help:    "Wall time from admission to completion.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ArchiveBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mediapack_archive_bytes",
			Help:    "Size of the finished archive in bytes.",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 10),
		}),
		FilesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediapack_files_fetched_total",
			Help: "Source files fetched, by outcome.",
		}, []string{"outcome"}),
		FetchBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediapack_fetch_bytes_total",
			Help: "Bytes read from source media locations.",
		}),
		FetchRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediapack_fetch_retries_total",
			Help: "Fetch attempts retried after a transient failure.",
		}),
		UploadParts: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediapack_upload_parts_total",
			Help: "Multipart upload parts pushed to object storage.",
		}),
		UploadAborts: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediapack_upload_aborts_total",
			Help: "Multipart upload sessions aborted after a failure.",
		}),
		AdmissionRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediapack_admission_rejected_total",
			Help: "Requests refused before processing, by reason.",
		}, []string{"reason"}),
		ActiveArchives: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mediapack_active_archives",
			Help: "Archive pipelines currently running.",
		}),
	}
}
