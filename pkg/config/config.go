package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config captures the full runtime configuration for the uploader service.
type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	Database  DatabaseConfig
	Kafka     KafkaConfig
	Storage   StorageConfig
	Tracing   TracingConfig
	Ingest    IngestConfig
	Processor ProcessorConfig
	Retry     RetryConfig
	Sources   SourcesConfig
	Archive   ArchiveConfig
}

type AppConfig struct {
	Name        string `env:"APP_NAME" envDefault:"datalift-uploader"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	Version     string `env:"APP_VERSION" envDefault:"0.1.0"`
	LogLevel    string `env:"APP_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"APP_LOG_FORMAT" envDefault:"json"`
}

type HTTPConfig struct {
	Addr         string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
}

type DatabaseConfig struct {
	Path string `env:"DB_PATH" envDefault:"data/datalift.db"`
}

type KafkaConfig struct {
	Enabled          bool          `env:"KAFKA_ENABLED" envDefault:"true"`
	Brokers          []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	EventsTopic      string        `env:"KAFKA_EVENTS_TOPIC" envDefault:"datalift.upload-events"`
	Retries          int           `env:"KAFKA_RETRIES" envDefault:"3"`
	CompressionCodec string        `env:"KAFKA_COMPRESSION_CODEC" envDefault:"snappy"`
	BatchSize        int           `env:"KAFKA_BATCH_SIZE" envDefault:"100"`
	BatchTimeout     time.Duration `env:"KAFKA_BATCH_TIMEOUT" envDefault:"1s"`
}

type StorageConfig struct {
	Provider  string `env:"STORAGE_PROVIDER" envDefault:"minio"`
	Endpoint  string `env:"STORAGE_ENDPOINT" envDefault:"localhost:9000"`
	Region    string `env:"STORAGE_REGION" envDefault:"us-east-1"`
	Bucket    string `env:"STORAGE_BUCKET" envDefault:"datalift-uploads"`
	AccessKey string `env:"STORAGE_ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey string `env:"STORAGE_SECRET_KEY" envDefault:"minioadmin"`
	UseSSL    bool   `env:"STORAGE_USE_SSL" envDefault:"false"`
}

type TracingConfig struct {
	Endpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Insecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1.0"`
	ResourceAttr string  `env:"OTEL_RESOURCE_ATTRIBUTES" envDefault:"service.namespace=datalift"`
}

type IngestConfig struct {
	MaxFileSizeBytes int64 `env:"INGEST_MAX_FILE_SIZE_BYTES" envDefault:"10737418240"`
}

// ProcessorConfig and the sections below seed the settings table on first
// boot; after that the database values win.
type ProcessorConfig struct {
	Interval      time.Duration `env:"PROCESSOR_INTERVAL" envDefault:"10s"`
	MaxConcurrent int           `env:"PROCESSOR_MAX_CONCURRENT" envDefault:"3"`
	StopWait      time.Duration `env:"PROCESSOR_STOP_WAIT" envDefault:"30s"`
}

type RetryConfig struct {
	BaseDelay   time.Duration `env:"RETRY_BASE_DELAY" envDefault:"30s"`
	MaxDelay    time.Duration `env:"RETRY_MAX_DELAY" envDefault:"15m"`
	MaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"5"`
}

type SourcesConfig struct {
	SeedPath          string        `env:"SOURCES_SEED_PATH" envDefault:"sources.yaml"`
	ReconcileInterval time.Duration `env:"SOURCES_RECONCILE_INTERVAL" envDefault:"30s"`
	SpoolDir          string        `env:"POLLER_SPOOL_DIR" envDefault:"data/spool"`
}

type ArchiveConfig struct {
	RetentionDays int           `env:"ARCHIVE_RETENTION_DAYS" envDefault:"30"`
	SweepInterval time.Duration `env:"ARCHIVE_SWEEP_INTERVAL" envDefault:"1h"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
