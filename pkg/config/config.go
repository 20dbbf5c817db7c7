package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config captures the full runtime configuration for the archive service.
type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	Metrics   MetricsConfig
	Admission AdmissionConfig
	Plan      PlanConfig
	Fetch     FetchConfig
	Archive   ArchiveConfig
	Upload    UploadConfig
	Storage   StorageConfig
	Kafka     KafkaConfig
	Tracing   TracingConfig
}

type AppConfig struct {
	Name        string `env:"APP_NAME" envDefault:"mediapack-archiver"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	Version     string `env:"APP_VERSION" envDefault:"0.1.0"`
	LogLevel    string `env:"APP_LOG_LEVEL" envDefault:"info"`
}

type HTTPConfig struct {
	Addr         string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	MaxBodyBytes int64         `env:"HTTP_MAX_BODY_BYTES" envDefault:"1048576"`
	SyncWait     time.Duration `env:"HTTP_SYNC_WAIT" envDefault:"25s"`
}

type MetricsConfig struct {
	Addr string `env:"METRICS_ADDR" envDefault:":9102"`
}

type AdmissionConfig struct {
	Window        time.Duration `env:"ADMISSION_WINDOW" envDefault:"1m"`
	Capacity      int           `env:"ADMISSION_CAPACITY" envDefault:"5"`
	BackoffBase   time.Duration `env:"ADMISSION_BACKOFF_BASE" envDefault:"2s"`
	MaxAttempts   int           `env:"ADMISSION_MAX_ATTEMPTS" envDefault:"3"`
	RecordTTL     time.Duration `env:"ADMISSION_RECORD_TTL" envDefault:"30m"`
	SweepInterval time.Duration `env:"ADMISSION_SWEEP_INTERVAL" envDefault:"1m"`
}

type PlanConfig struct {
	PerFileCeilingBytes   int64 `env:"PLAN_PER_FILE_CEILING_BYTES" envDefault:"524288000"`
	LargeVideoBytes       int64 `env:"PLAN_LARGE_VIDEO_BYTES" envDefault:"83886080"`
	AggregateBytes        int64 `env:"PLAN_AGGREGATE_BYTES" envDefault:"524288000"`
	VideoCountCeiling     int   `env:"PLAN_VIDEO_COUNT_CEILING" envDefault:"10"`
	ThroughputBytesPerSec int64 `env:"PLAN_THROUGHPUT_BYTES_PER_SEC" envDefault:"10485760"`
}

type FetchConfig struct {
	ChunkSizeBytes      int64         `env:"FETCH_CHUNK_SIZE_BYTES" envDefault:"8388608"`
	BaseTimeout         time.Duration `env:"FETCH_BASE_TIMEOUT" envDefault:"60s"`
	LargeVideoExtension time.Duration `env:"FETCH_LARGE_VIDEO_EXTENSION" envDefault:"120s"`
	RetryExtension      time.Duration `env:"FETCH_RETRY_EXTENSION" envDefault:"30s"`
	MaxAttempts         int           `env:"FETCH_MAX_ATTEMPTS" envDefault:"3"`
	BackoffBase         time.Duration `env:"FETCH_BACKOFF_BASE" envDefault:"2s"`
	BackoffCap          time.Duration `env:"FETCH_BACKOFF_CAP" envDefault:"10s"`
	RequestsPerSecond   int           `env:"FETCH_REQUESTS_PER_SECOND" envDefault:"0"`
	ProgressEveryBytes  int64         `env:"FETCH_PROGRESS_EVERY_BYTES" envDefault:"26214400"`
}

type ArchiveConfig struct {
	ImmediateWorkers int           `env:"ARCHIVE_IMMEDIATE_WORKERS" envDefault:"4"`
	ExtendedWorkers  int           `env:"ARCHIVE_EXTENDED_WORKERS" envDefault:"2"`
	QueueCapacity    int           `env:"ARCHIVE_QUEUE_CAPACITY" envDefault:"64"`
	FetchWorkers     int           `env:"ARCHIVE_FETCH_WORKERS" envDefault:"4"`
	MaxFiles         int           `env:"ARCHIVE_MAX_FILES" envDefault:"500"`
	SpoolDir         string        `env:"ARCHIVE_SPOOL_DIR"`
	Timeout          time.Duration `env:"ARCHIVE_TIMEOUT" envDefault:"2h"`
	StatusRetention  time.Duration `env:"ARCHIVE_STATUS_RETENTION" envDefault:"6h"`
}

type UploadConfig struct {
	PartSizeBytes int64         `env:"UPLOAD_PART_SIZE_BYTES" envDefault:"16777216"`
	KeyPrefix     string        `env:"UPLOAD_KEY_PREFIX" envDefault:"events"`
	ArchiveName   string        `env:"UPLOAD_ARCHIVE_NAME" envDefault:"gallery"`
	DownloadTTL   time.Duration `env:"UPLOAD_DOWNLOAD_TTL" envDefault:"72h"`
}

type StorageConfig struct {
	Provider  string `env:"STORAGE_PROVIDER" envDefault:"minio"`
	Endpoint  string `env:"STORAGE_ENDPOINT" envDefault:"localhost:9000"`
	Region    string `env:"STORAGE_REGION" envDefault:"us-east-1"`
	Bucket    string `env:"STORAGE_BUCKET" envDefault:"mediapack-archives"`
	AccessKey string `env:"STORAGE_ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey string `env:"STORAGE_SECRET_KEY" envDefault:"minioadmin"`
	UseSSL    bool   `env:"STORAGE_USE_SSL" envDefault:"false"`
}

type KafkaConfig struct {
	Brokers          []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	EventsTopic      string        `env:"KAFKA_EVENTS_TOPIC" envDefault:"mediapack.archives"`
	Retries          int           `env:"KAFKA_RETRIES" envDefault:"3"`
	RetryBackoff     time.Duration `env:"KAFKA_RETRY_BACKOFF" envDefault:"500ms"`
	CompressionCodec string        `env:"KAFKA_COMPRESSION_CODEC" envDefault:"snappy"`
	RequiredAcks     string        `env:"KAFKA_REQUIRED_ACKS" envDefault:"all"`
	BatchSize        int           `env:"KAFKA_BATCH_SIZE" envDefault:"100"`
	BatchTimeout     time.Duration `env:"KAFKA_BATCH_TIMEOUT" envDefault:"1s"`
}

type TracingConfig struct {
	Endpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Insecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1.0"`
	ResourceAttr string  `env:"OTEL_RESOURCE_ATTRIBUTES" envDefault:"service.namespace=mediapack"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
