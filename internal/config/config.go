// Package config provides unified configuration for all covar services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll      Mode = "all"
	ModeAPI      Mode = "api"
	ModeMaintain Mode = "maintain"
)

// Config holds the unified configuration for all covar services.
type Config struct {
	// Mode specifies which services to run: all, api, maintain
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir" split_words:"true"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// DB is the participant store database configuration
	DB DBConfig `json:"db" yaml:"db"`

	// Identity resolution configuration
	Identity IdentityConfig `json:"identity" yaml:"identity"`

	// Ingest pipeline configuration
	Ingest IngestConfig `json:"ingest" yaml:"ingest"`

	// Query engine configuration
	Query QueryConfig `json:"query" yaml:"query"`

	// Maintain holds background maintenance configuration
	Maintain MaintainConfig `json:"maintain" yaml:"maintain"`

	// Archive holds raw upload archive configuration
	Archive ArchiveConfig `json:"archive" yaml:"archive"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the listen address for the API server
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout" split_words:"true"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" split_words:"true"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout" split_words:"true"`

	// MaxUploadBytes caps the size of a multipart batch upload
	MaxUploadBytes int64 `json:"max_upload_bytes" yaml:"max_upload_bytes" split_words:"true"`
}

// DBConfig holds participant store database configuration.
type DBConfig struct {
	// Dialect selects the backing database: sqlite, postgres
	Dialect string `json:"dialect" yaml:"dialect"`

	// Path is the SQLite database file (for sqlite dialect)
	Path string `json:"path" yaml:"path"`

	// DSN is the connection string (for postgres dialect)
	DSN string `json:"dsn" yaml:"dsn"`

	// MaxReadConns is the maximum number of read connections
	MaxReadConns int `json:"max_read_conns" yaml:"max_read_conns" split_words:"true"`
}

// IdentityConfig holds identity resolution configuration.
type IdentityConfig struct {
	// Threshold is the minimum similarity score for an automatic match (0..1]
	Threshold float64 `json:"threshold" yaml:"threshold"`

	// BlockingAttrs are the canonical attributes hashed into the blocking key
	BlockingAttrs []string `json:"blocking_attrs" yaml:"blocking_attrs" split_words:"true"`

	// CompareAttrs are the canonical attributes scored for similarity
	CompareAttrs []string `json:"compare_attrs" yaml:"compare_attrs" split_words:"true"`

	// Aliases maps canonical attribute names to accepted source column headers.
	// File-only: not representable as an environment variable.
	Aliases map[string][]string `json:"aliases" yaml:"aliases" ignored:"true"`
}

// IngestConfig holds ingest pipeline configuration.
type IngestConfig struct {
	// LockWait is how long a row merge waits for its participant lock
	LockWait time.Duration `json:"lock_wait" yaml:"lock_wait" split_words:"true"`

	// LockRetries is how many times a timed-out merge is retried
	LockRetries int `json:"lock_retries" yaml:"lock_retries" split_words:"true"`

	// RetryBackoff is the base backoff between lock retries
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff" split_words:"true"`

	// ArchiveUploads controls whether raw upload files are archived
	ArchiveUploads bool `json:"archive_uploads" yaml:"archive_uploads" split_words:"true"`
}

// QueryConfig holds query engine configuration.
type QueryConfig struct {
	// MaxPredicates caps the number of predicates in a single query
	MaxPredicates int `json:"max_predicates" yaml:"max_predicates" split_words:"true"`

	// Timeout bounds the evaluation of a single query
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// MaintainConfig holds background maintenance configuration.
type MaintainConfig struct {
	// StatsSchedule is the cron schedule for selectivity stats refresh
	StatsSchedule string `json:"stats_schedule" yaml:"stats_schedule" split_words:"true"`

	// RetentionSchedule is the cron schedule for archive retention sweeps
	RetentionSchedule string `json:"retention_schedule" yaml:"retention_schedule" split_words:"true"`

	// RetentionDays is how long archived uploads are kept; 0 keeps them forever
	RetentionDays int `json:"retention_days" yaml:"retention_days" split_words:"true"`
}

// ArchiveConfig holds raw upload archive configuration.
type ArchiveConfig struct {
	// Type is the archive backend: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local archive directory (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 archive configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is the minimum log level: debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format selects the encoder: json, console
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/covar",
		HTTP: HTTPConfig{
			Addr:           ":8080",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   60 * time.Second,
			IdleTimeout:    120 * time.Second,
			MaxUploadBytes: 64 * 1024 * 1024,
		},
		DB: DBConfig{
			Dialect:      "sqlite",
			Path:         "",
			MaxReadConns: 8,
		},
		Identity: IdentityConfig{
			Threshold:     0.92,
			BlockingAttrs: []string{"family_name", "birth_date"},
			CompareAttrs:  []string{"given_name", "family_name", "birth_date", "sex"},
			Aliases: map[string][]string{
				"family_name": {"family_name", "last_name", "surname"},
				"given_name":  {"given_name", "first_name"},
				"birth_date":  {"birth_date", "dob", "date_of_birth"},
				"sex":         {"sex", "gender"},
			},
		},
		Ingest: IngestConfig{
			LockWait:       2 * time.Second,
			LockRetries:    3,
			RetryBackoff:   50 * time.Millisecond,
			ArchiveUploads: true,
		},
		Query: QueryConfig{
			MaxPredicates: 64,
			Timeout:       30 * time.Second,
		},
		Maintain: MaintainConfig{
			StatsSchedule:     "@every 15m",
			RetentionSchedule: "@daily",
			RetentionDays:     0,
		},
		Archive: ArchiveConfig{
			Type: "local",
			Path: "",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/covar"
	}

	// Resolve the SQLite database file
	if c.DB.Dialect == "sqlite" && c.DB.Path == "" {
		c.DB.Path = filepath.Join(c.DataDir, "covar.db")
	}

	// Resolve the local archive directory
	if c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "batches")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeAPI, ModeMaintain:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, api, or maintain)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.DB.Dialect {
	case "sqlite":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.dialect is postgres")
		}
	default:
		return fmt.Errorf("invalid db dialect: %s (must be sqlite or postgres)", c.DB.Dialect)
	}

	if c.Identity.Threshold <= 0 || c.Identity.Threshold > 1 {
		return fmt.Errorf("identity.threshold must be in (0, 1], got %g", c.Identity.Threshold)
	}
	if len(c.Identity.BlockingAttrs) == 0 {
		return fmt.Errorf("identity.blocking_attrs must not be empty")
	}
	if len(c.Identity.CompareAttrs) == 0 {
		return fmt.Errorf("identity.compare_attrs must not be empty")
	}

	if c.Ingest.LockWait <= 0 {
		return fmt.Errorf("ingest.lock_wait must be positive, got %v", c.Ingest.LockWait)
	}
	if c.Ingest.LockRetries < 0 {
		return fmt.Errorf("ingest.lock_retries must not be negative, got %d", c.Ingest.LockRetries)
	}

	if c.Query.MaxPredicates < 1 {
		return fmt.Errorf("query.max_predicates must be at least 1, got %d", c.Query.MaxPredicates)
	}

	if c.Archive.Type != "local" && c.Archive.Type != "s3" {
		return fmt.Errorf("invalid archive type: %s (must be local or s3)", c.Archive.Type)
	}
	if c.Archive.Type == "s3" && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when archive type is s3")
	}

	if c.Maintain.RetentionDays < 0 {
		return fmt.Errorf("maintain.retention_days must not be negative, got %d", c.Maintain.RetentionDays)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	return nil
}

// ShouldRunAPI returns true if the HTTP API should run.
func (c *Config) ShouldRunAPI() bool {
	return c.Mode == ModeAll || c.Mode == ModeAPI
}

// ShouldRunMaintain returns true if background maintenance jobs should run.
func (c *Config) ShouldRunMaintain() bool {
	return c.Mode == ModeAll || c.Mode == ModeMaintain
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overlays environment variables onto cfg. Variables use the
// COVAR_ prefix and follow the section structure, e.g. COVAR_MODE,
// COVAR_DB_DIALECT, COVAR_HTTP_ADDR, COVAR_IDENTITY_THRESHOLD.
func LoadFromEnv(cfg *Config) error {
	if err := envconfig.Process("covar", cfg); err != nil {
		return fmt.Errorf("failed to process environment: %w", err)
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.DB.Dialect == "sqlite" && c.DB.Path != "" {
		dirs = append(dirs, filepath.Dir(c.DB.Path))
	}
	if c.Archive.Type == "local" && c.Archive.Path != "" {
		dirs = append(dirs, c.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
