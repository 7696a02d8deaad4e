package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vjranagit/sensorlog/internal/logging"
	"github.com/vjranagit/sensorlog/pkg/archive"
	"github.com/vjranagit/sensorlog/pkg/ingest"
	"github.com/vjranagit/sensorlog/pkg/source"
	"github.com/vjranagit/sensorlog/pkg/storage"
	"github.com/vjranagit/sensorlog/pkg/types"
)

// DefaultSensors is the sensor set of the reference hardware
var DefaultSensors = []string{"MQ2", "MQ9", "smoke", "T", "u", "P", "g", "dB", "vibro"}

// DefaultLabels are the human-readable names of DefaultSensors
var DefaultLabels = map[string]string{
	"MQ2":   "Combustible gas (MQ-2)",
	"MQ9":   "Carbon monoxide (MQ-9)",
	"smoke": "Smoke",
	"T":     "Temperature",
	"u":     "Humidity",
	"P":     "Pressure",
	"g":     "Acceleration",
	"dB":    "Noise level",
	"vibro": "Vibration",
}

// Config holds the application configuration
type Config struct {
	Source  SourceConfig  `yaml:"source"`
	Storage StorageConfig `yaml:"storage"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Archive ArchiveConfig `yaml:"archive"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// SourceConfig holds byte source configuration
type SourceConfig struct {
	Address     string        `yaml:"address"`
	BaudRate    int           `yaml:"baud_rate"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// StorageConfig holds record store configuration
type StorageConfig struct {
	Path          string            `yaml:"path"`
	Schema        []string          `yaml:"schema"`
	Labels        map[string]string `yaml:"labels"`
	AllowWidening bool              `yaml:"allow_widening"`
	Timezone      string            `yaml:"timezone"`
}

// IngestConfig holds ingestion loop configuration
type IngestConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ArchiveConfig holds export archive configuration
type ArchiveConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Path             string        `yaml:"path"`
	CompressionLevel int           `yaml:"compression_level"`
	BatchSize        int           `yaml:"batch_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Enabled    bool          `yaml:"enabled"`
	ListenAddr string        `yaml:"listen_addr"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			Address:     getEnv("SENSORLOG_PORT", "/dev/ttyUSB0"),
			BaudRate:    getEnvInt("SENSORLOG_BAUD", 9600),
			DialTimeout: getEnvDuration("SENSORLOG_DIAL_TIMEOUT", 5*time.Second),
		},
		Storage: StorageConfig{
			Path:          getEnv("SENSORLOG_LOG_PATH", "./log.csv"),
			Schema:        getEnvList("SENSORLOG_SENSORS", DefaultSensors),
			Labels:        copyLabels(DefaultLabels),
			AllowWidening: getEnvBool("SENSORLOG_ALLOW_WIDENING", true),
			Timezone:      getEnv("SENSORLOG_TIMEZONE", "Local"),
		},
		Ingest: IngestConfig{
			PollInterval: getEnvDuration("SENSORLOG_POLL_INTERVAL", ingest.DefaultPollInterval),
		},
		Archive: ArchiveConfig{
			Enabled:          getEnvBool("SENSORLOG_ARCHIVE", false),
			Path:             getEnv("SENSORLOG_ARCHIVE_PATH", "./data/archive"),
			CompressionLevel: getEnvInt("COMPRESSION_LEVEL", 3),
			BatchSize:        getEnvInt("SENSORLOG_ARCHIVE_BATCH", 256),
			FlushInterval:    getEnvDuration("SENSORLOG_ARCHIVE_FLUSH", 10*time.Second),
		},
		Server: ServerConfig{
			Enabled:    getEnvBool("SENSORLOG_SERVER", true),
			ListenAddr: getEnv("SENSORLOG_LISTEN", ":8050"),
			Timeout:    30 * time.Second,
		},
		Log: LogConfig{
			Level:      getEnv("SENSORLOG_LOG_LEVEL", "info"),
			File:       getEnv("SENSORLOG_LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("SENSORLOG_LOG_MAX_SIZE", 100),
			MaxBackups: getEnvInt("SENSORLOG_LOG_MAX_BACKUPS", 3),
		},
	}
}

// LoadFile overlays the YAML file at path onto c. Keys missing from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ToSourceConfig converts to source.Config
func (c *Config) ToSourceConfig() *source.Config {
	cfg := source.DefaultConfig()
	cfg.Address = c.Source.Address
	cfg.BaudRate = c.Source.BaudRate
	if c.Source.DialTimeout > 0 {
		cfg.DialTimeout = c.Source.DialTimeout
	}
	return cfg
}

// ToStorageConfig converts to storage.Config
func (c *Config) ToStorageConfig() *storage.Config {
	cfg := storage.DefaultConfig()
	cfg.Path = c.Storage.Path
	cfg.Schema = types.Schema(c.Storage.Schema)
	cfg.AllowWidening = c.Storage.AllowWidening
	if loc, err := time.LoadLocation(c.Storage.Timezone); err == nil {
		cfg.Location = loc
	}
	return cfg
}

// ToIngestConfig converts to ingest.Config
func (c *Config) ToIngestConfig() *ingest.Config {
	cfg := ingest.DefaultConfig()
	cfg.PollInterval = c.Ingest.PollInterval
	return cfg
}

// ToArchiveConfig converts to archive.Config
func (c *Config) ToArchiveConfig() *archive.Config {
	cfg := archive.DefaultConfig()
	cfg.Path = c.Archive.Path
	cfg.CompressionLevel = c.Archive.CompressionLevel
	cfg.BatchSize = c.Archive.BatchSize
	cfg.FlushInterval = c.Archive.FlushInterval
	return cfg
}

// ToLoggingConfig converts to logging.Config
func (c *Config) ToLoggingConfig() *logging.Config {
	return &logging.Config{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Source.Address == "" {
		return fmt.Errorf("source address is required")
	}

	if c.Source.BaudRate <= 0 {
		return fmt.Errorf("baud rate must be positive")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if _, err := time.LoadLocation(c.Storage.Timezone); err != nil {
		return fmt.Errorf("invalid storage timezone: %w", err)
	}

	if err := types.Schema(c.Storage.Schema).Validate(); err != nil {
		return fmt.Errorf("invalid sensor schema: %w", err)
	}

	if c.Ingest.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	if c.Archive.Enabled {
		if c.Archive.Path == "" {
			return fmt.Errorf("archive path is required")
		}
		if c.Archive.CompressionLevel < 1 || c.Archive.CompressionLevel > 4 {
			return fmt.Errorf("compression level must be between 1 and 4")
		}
		if c.Archive.BatchSize < 1 {
			return fmt.Errorf("archive batch size must be at least 1")
		}
	}

	if c.Server.Enabled && c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}

	return nil
}

func copyLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
