package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Database   DatabaseConfig
	Server     ServerConfig
	Storage    StorageConfig
	Queue      QueueConfig
	Extraction ExtractionConfig
	Draft      DraftConfig
	Export     ExportConfig
	Ingest     IngestConfig
	Recovery   RecoveryConfig
	LogLevel   string
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string // postgres | sqlite
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
	AutoMigrate      bool
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPCAddr        string
	ShutdownTimeout time.Duration
	MaxMessageBytes int // bounds uploads and export downloads
}

// StorageConfig selects and configures the blob backend.
type StorageConfig struct {
	Backend        string // badger | minio
	BadgerDir      string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

// QueueConfig configures the background worker queue.
type QueueConfig struct {
	Backend        string // memory | redis
	Workers        int
	Size           int
	ProcessTimeout time.Duration
	RedisAddr      string
	RedisKey       string
}

// ExtractionConfig points at the document extraction service.
type ExtractionConfig struct {
	GRPCAddr string
	Timeout  time.Duration
}

// DraftConfig holds LLM-related configuration for table drafts
type DraftConfig struct {
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float32
	Timeout     time.Duration
	TTL         time.Duration
	SampleRows  int
}

// ExportConfig tunes the packager.
type ExportConfig struct {
	ArtifactPrefix string
}

// IngestConfig enables the watch folder. Empty WatchDir disables it.
type IngestConfig struct {
	WatchDir       string
	WatchProjectID int64
	Debounce       time.Duration
	Extract        bool
}

// RecoveryConfig controls the sweep that fails work whose task was lost.
// StaleAfter must exceed the queue's process timeout so a live task is
// never reclaimed.
type RecoveryConfig struct {
	StaleAfter time.Duration
	Interval   time.Duration
}

// LoadConfig loads configuration from environment variables and, when
// DOCFLOW_CONFIG names a file, from that file. Environment wins.
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path := v.GetString("DOCFLOW_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, NewAppError("CONFIG_ERROR", fmt.Sprintf("read config file %s", path), err)
		}
	}

	return &Config{
		Database: DatabaseConfig{
			Driver:           v.GetString("DB_DRIVER"),
			DSN:              v.GetString("DB_URL"),
			MaxConns:         v.GetInt32("DB_MAX_CONNS"),
			MinConns:         v.GetInt32("DB_MIN_CONNS"),
			MaxConnLifetime:  v.GetDuration("DB_MAX_CONN_LIFETIME"),
			MaxConnIdleTime:  v.GetDuration("DB_MAX_CONN_IDLE_TIME"),
			DialTimeout:      v.GetDuration("DB_DIAL_TIMEOUT"),
			StatementTimeout: v.GetDuration("DB_STATEMENT_TIMEOUT"),
			AutoMigrate:      v.GetBool("DB_AUTO_MIGRATE"),
		},
		Server: ServerConfig{
			GRPCAddr:        v.GetString("GRPC_ADDR"),
			ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
			MaxMessageBytes: v.GetInt("GRPC_MAX_MESSAGE_BYTES"),
		},
		Storage: StorageConfig{
			Backend:        v.GetString("STORAGE_BACKEND"),
			BadgerDir:      v.GetString("BADGER_DIR"),
			MinioEndpoint:  v.GetString("MINIO_ENDPOINT"),
			MinioAccessKey: v.GetString("MINIO_ACCESS_KEY"),
			MinioSecretKey: v.GetString("MINIO_SECRET_KEY"),
			MinioBucket:    v.GetString("MINIO_BUCKET"),
			MinioUseSSL:    v.GetBool("MINIO_USE_SSL"),
		},
		Queue: QueueConfig{
			Backend:        v.GetString("QUEUE_BACKEND"),
			Workers:        v.GetInt("QUEUE_WORKERS"),
			Size:           v.GetInt("QUEUE_SIZE"),
			ProcessTimeout: v.GetDuration("QUEUE_PROCESS_TIMEOUT"),
			RedisAddr:      v.GetString("REDIS_ADDR"),
			RedisKey:       v.GetString("REDIS_QUEUE_KEY"),
		},
		Extraction: ExtractionConfig{
			GRPCAddr: v.GetString("EXTRACTION_GRPC_ADDR"),
			Timeout:  v.GetDuration("EXTRACTION_TIMEOUT"),
		},
		Draft: DraftConfig{
			Model:       v.GetString("OPENAI_MODEL"),
			APIKey:      v.GetString("OPENAI_API_KEY"),
			BaseURL:     v.GetString("OPENAI_BASE_URL"),
			Temperature: float32(v.GetFloat64("OPENAI_TEMPERATURE")),
			Timeout:     v.GetDuration("OPENAI_TIMEOUT"),
			TTL:         v.GetDuration("DRAFT_TTL"),
			SampleRows:  v.GetInt("DRAFT_SAMPLE_ROWS"),
		},
		Export: ExportConfig{
			ArtifactPrefix: v.GetString("EXPORT_ARTIFACT_PREFIX"),
		},
		Ingest: IngestConfig{
			WatchDir:       v.GetString("INGEST_WATCH_DIR"),
			WatchProjectID: v.GetInt64("INGEST_PROJECT_ID"),
			Debounce:       v.GetDuration("INGEST_DEBOUNCE"),
			Extract:        v.GetBool("INGEST_EXTRACT"),
		},
		Recovery: RecoveryConfig{
			StaleAfter: v.GetDuration("RECOVERY_STALE_AFTER"),
			Interval:   v.GetDuration("RECOVERY_INTERVAL"),
		},
		LogLevel: v.GetString("LOG_LEVEL"),
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_URL", "")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_MAX_CONN_LIFETIME", 30*time.Minute)
	v.SetDefault("DB_MAX_CONN_IDLE_TIME", 5*time.Minute)
	v.SetDefault("DB_DIAL_TIMEOUT", 3*time.Second)
	v.SetDefault("DB_STATEMENT_TIMEOUT", time.Duration(0))
	v.SetDefault("DB_AUTO_MIGRATE", true)

	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("GRPC_MAX_MESSAGE_BYTES", 64<<20)

	v.SetDefault("STORAGE_BACKEND", "badger")
	v.SetDefault("BADGER_DIR", "./tmp/blobs")
	v.SetDefault("MINIO_ENDPOINT", "")
	v.SetDefault("MINIO_ACCESS_KEY", "")
	v.SetDefault("MINIO_SECRET_KEY", "")
	v.SetDefault("MINIO_BUCKET", "docflow")
	v.SetDefault("MINIO_USE_SSL", false)

	v.SetDefault("QUEUE_BACKEND", "memory")
	v.SetDefault("QUEUE_WORKERS", 2)
	v.SetDefault("QUEUE_SIZE", 64)
	v.SetDefault("QUEUE_PROCESS_TIMEOUT", 5*time.Minute)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_QUEUE_KEY", "docflow:tasks")

	v.SetDefault("EXTRACTION_GRPC_ADDR", "localhost:9090")
	v.SetDefault("EXTRACTION_TIMEOUT", 2*time.Minute)

	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("OPENAI_TEMPERATURE", 0.0)
	v.SetDefault("OPENAI_TIMEOUT", 45*time.Second)
	v.SetDefault("DRAFT_TTL", 24*time.Hour)
	v.SetDefault("DRAFT_SAMPLE_ROWS", 10)

	v.SetDefault("EXPORT_ARTIFACT_PREFIX", "exports/")
	v.SetDefault("INGEST_WATCH_DIR", "")
	v.SetDefault("INGEST_PROJECT_ID", 0)
	v.SetDefault("INGEST_DEBOUNCE", time.Second)
	v.SetDefault("INGEST_EXTRACT", true)
	v.SetDefault("RECOVERY_STALE_AFTER", 15*time.Minute)
	v.SetDefault("RECOVERY_INTERVAL", time.Minute)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DOCFLOW_CONFIG", "")
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return NewAppError("CONFIG_ERROR", "DB_DRIVER must be postgres or sqlite", ErrInvalidInput)
	}
	if c.Server.GRPCAddr == "" {
		return NewAppError("CONFIG_ERROR", "GRPC_ADDR is required", ErrInvalidInput)
	}
	if c.Server.MaxMessageBytes <= 0 {
		return NewAppError("CONFIG_ERROR", "GRPC_MAX_MESSAGE_BYTES must be positive", ErrInvalidInput)
	}
	switch c.Storage.Backend {
	case "badger":
		if c.Storage.BadgerDir == "" {
			return NewAppError("CONFIG_ERROR", "BADGER_DIR is required for the badger backend", ErrInvalidInput)
		}
	case "minio":
		if c.Storage.MinioEndpoint == "" || c.Storage.MinioBucket == "" {
			return NewAppError("CONFIG_ERROR", "MINIO_ENDPOINT and MINIO_BUCKET are required for the minio backend", ErrInvalidInput)
		}
	default:
		return NewAppError("CONFIG_ERROR", "STORAGE_BACKEND must be badger or minio", ErrInvalidInput)
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			return NewAppError("CONFIG_ERROR", "REDIS_ADDR is required for the redis queue", ErrInvalidInput)
		}
	default:
		return NewAppError("CONFIG_ERROR", "QUEUE_BACKEND must be memory or redis", ErrInvalidInput)
	}
	if c.Queue.Workers <= 0 {
		return NewAppError("CONFIG_ERROR", "QUEUE_WORKERS must be positive", ErrInvalidInput)
	}
	if c.Draft.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required", ErrInvalidInput)
	}
	if c.Draft.TTL <= 0 {
		return NewAppError("CONFIG_ERROR", "DRAFT_TTL must be positive", ErrInvalidInput)
	}
	if c.Recovery.Interval <= 0 {
		return NewAppError("CONFIG_ERROR", "RECOVERY_INTERVAL must be positive", ErrInvalidInput)
	}
	if c.Recovery.StaleAfter <= c.Queue.ProcessTimeout {
		return NewAppError("CONFIG_ERROR", "RECOVERY_STALE_AFTER must exceed QUEUE_PROCESS_TIMEOUT", ErrInvalidInput)
	}
	if c.Ingest.WatchDir != "" && c.Ingest.WatchProjectID <= 0 {
		return NewAppError("CONFIG_ERROR", "INGEST_PROJECT_ID is required with INGEST_WATCH_DIR", ErrInvalidInput)
	}
	return nil
}
