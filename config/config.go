// Package config loads the YAML configuration of an embedb node and maps
// it onto embedb options.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/embedb"
	"github.com/hupe1980/embedb/blobstore"
	"github.com/hupe1980/embedb/blobstore/minio"
	"github.com/hupe1980/embedb/blobstore/s3"
	"github.com/hupe1980/embedb/codec"
)

// StorageConfig holds persistence settings.
type StorageConfig struct {
	PersistDir       string `yaml:"persist_dir"`
	SyncWrites       *bool  `yaml:"sync_writes"`
	LogCompression   string `yaml:"log_compression"`
	Codec            string `yaml:"codec"`
	HistoryRetention int64  `yaml:"history_retention"`
}

// ResourceConfig bounds memory, file handles and I/O.
type ResourceConfig struct {
	MemoryLimitBytes   int64 `yaml:"memory_limit_bytes"`
	FileHandleLimit    int64 `yaml:"file_handle_limit"`
	MaxConstructions   int64 `yaml:"max_constructions"`
	IOLimitBytesPerSec int64 `yaml:"io_limit_bytes_per_sec"`
}

// RetryConfig holds the read retry policy.
type RetryConfig struct {
	Wait        time.Duration `yaml:"wait"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// ArchiveConfig selects where persisted vector segments are archived.
// Type is one of "", "local", "minio" or "s3".
type ArchiveConfig struct {
	Type      string `yaml:"type"`
	Path      string `yaml:"path"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration of a node.
type Config struct {
	Storage   StorageConfig  `yaml:"storage"`
	Resources ResourceConfig `yaml:"resources"`
	Retry     RetryConfig    `yaml:"retry"`
	Archive   ArchiveConfig  `yaml:"archive"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Logging   LoggingConfig  `yaml:"logging"`
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Storage.SyncWrites == nil {
		sync := true
		cfg.Storage.SyncWrites = &sync
	}
	if cfg.Storage.Codec == "" {
		cfg.Storage.Codec = codec.Default.Name()
	}
	if cfg.Storage.HistoryRetention == 0 {
		cfg.Storage.HistoryRetention = embedb.DefaultHistoryRetention
	}

	if cfg.Retry.Wait == 0 {
		cfg.Retry.Wait = embedb.DefaultRetryPolicy.Wait
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = embedb.DefaultRetryPolicy.MaxAttempts
	}

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := codec.ParseCompression(c.Storage.LogCompression); err != nil {
		return fmt.Errorf("storage.log_compression: %w", err)
	}
	if _, ok := codec.ByName(c.Storage.Codec); !ok {
		return fmt.Errorf("storage.codec: unknown codec %q", c.Storage.Codec)
	}
	if c.Storage.HistoryRetention < 0 {
		return fmt.Errorf("storage.history_retention must not be negative")
	}
	if c.Resources.MemoryLimitBytes < 0 || c.Resources.FileHandleLimit < 0 ||
		c.Resources.MaxConstructions < 0 || c.Resources.IOLimitBytesPerSec < 0 {
		return fmt.Errorf("resources must not be negative")
	}
	if c.Retry.Wait < 0 {
		return fmt.Errorf("retry.wait must not be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}

	switch c.Archive.Type {
	case "":
	case "local":
		if c.Archive.Path == "" {
			return fmt.Errorf("archive.path is required for local archives")
		}
	case "minio":
		if c.Archive.Endpoint == "" || c.Archive.Bucket == "" {
			return fmt.Errorf("archive.endpoint and archive.bucket are required for minio archives")
		}
	case "s3":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for s3 archives")
		}
	default:
		return fmt.Errorf("archive.type %q is not one of local, minio, s3", c.Archive.Type)
	}
	if c.Archive.Type != "" && c.Storage.PersistDir == "" {
		return fmt.Errorf("archive requires storage.persist_dir")
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}

// Logger builds the logger described by the logging section.
func (c *Config) Logger() *embedb.Logger {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if c.Logging.Format == "console" {
		return embedb.NewDevelopmentLogger(level)
	}
	return embedb.NewJSONLogger(level)
}

// OpenArchive connects the configured archive store. It returns nil when
// no archive is configured.
func (c *Config) OpenArchive(ctx context.Context) (blobstore.Store, error) {
	a := c.Archive
	switch a.Type {
	case "local":
		return blobstore.NewLocalStore(a.Path), nil
	case "minio":
		return minio.Dial(ctx, minio.Config{
			Endpoint:  a.Endpoint,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
			Secure:    a.Secure,
			Region:    a.Region,
			Bucket:    a.Bucket,
			Prefix:    a.Prefix,
		})
	case "s3":
		opts := []s3.Option{s3.WithPrefix(a.Prefix)}
		if a.Region != "" {
			opts = append(opts, s3.WithRegion(a.Region))
		}
		if a.Endpoint != "" {
			opts = append(opts, s3.WithEndpoint(a.Endpoint))
		}
		return s3.New(ctx, a.Bucket, opts...)
	}
	return nil, nil
}

// Options maps the configuration onto embedb options. The archive store
// is connected here.
func (c *Config) Options(ctx context.Context) ([]embedb.Option, error) {
	compression, err := codec.ParseCompression(c.Storage.LogCompression)
	if err != nil {
		return nil, err
	}
	cd, ok := codec.ByName(c.Storage.Codec)
	if !ok {
		return nil, fmt.Errorf("unknown codec %q", c.Storage.Codec)
	}

	opts := []embedb.Option{
		embedb.WithPersistDirectory(c.Storage.PersistDir),
		embedb.WithSyncWrites(*c.Storage.SyncWrites),
		embedb.WithLogCompression(compression),
		embedb.WithCodec(cd),
		embedb.WithHistoryRetention(c.Storage.HistoryRetention),
		embedb.WithMemoryLimitBytes(c.Resources.MemoryLimitBytes),
		embedb.WithFileHandleLimit(c.Resources.FileHandleLimit),
		embedb.WithMaxConstructions(c.Resources.MaxConstructions),
		embedb.WithIOLimit(c.Resources.IOLimitBytesPerSec),
		embedb.WithRetryPolicy(embedb.RetryPolicy{Wait: c.Retry.Wait, MaxAttempts: c.Retry.MaxAttempts}),
		embedb.WithLogger(c.Logger()),
	}

	archive, err := c.OpenArchive(ctx)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if archive != nil {
		opts = append(opts, embedb.WithArchive(archive))
	}
	return opts, nil
}
