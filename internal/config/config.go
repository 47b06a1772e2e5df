package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration wraps time.Duration so YAML configs can write either a duration
// string ("90s") or a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		if parsed, perr := time.ParseDuration(s); perr == nil {
			*d = Duration(parsed)
			return nil
		}
		if secs, perr := strconv.Atoi(s); perr == nil {
			*d = Duration(time.Duration(secs) * time.Second)
			return nil
		}
		return fmt.Errorf("invalid duration %q", s)
	}

	var secs int64
	if err := unmarshal(&secs); err != nil {
		return err
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Configuration represents the complete filesystem configuration
type Configuration struct {
	// ListExpiry bounds the staleness of cached directory listings.
	ListExpiry Duration `yaml:"list_expiry_time"`

	// MaxDownloadRetries is the attempt bound for transient download
	// failures, including the initial attempt.
	MaxDownloadRetries int `yaml:"max_download_retries"`

	// DownloadRetries enables or disables download retrying entirely.
	DownloadRetries bool `yaml:"download_retries"`

	// UploadStrategy selects how written bytes reach the blob layer:
	// "inmemory" (default), "azure", or "google".
	UploadStrategy string `yaml:"upload_strategy"`

	// CacheType controls content caching: "handle" scopes the byte cache
	// to each open handle, "all" shares one cache across handles.
	CacheType string `yaml:"cache_type"`

	// Limit caps the number of entries returned by a listing call.
	// Zero or less means no limit.
	Limit int `yaml:"limit"`

	// BlockSize is the part size for chunked uploads.
	BlockSize int64 `yaml:"block_size"`

	// FileMetadata is a template merged into every write.
	FileMetadata MetadataTemplate `yaml:"file_metadata"`

	// Logging and metrics
	LogLevel string        `yaml:"log_level"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// MetadataTemplate holds caller-supplied metadata defaults applied to each
// written file.
type MetadataTemplate struct {
	Directory string `yaml:"directory"`
	Source    string `yaml:"source"`
	MimeType  string `yaml:"mime_type"`
	DatasetID int64  `yaml:"dataset_id"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Content cache scopes recognized by CacheType.
const (
	CacheTypeHandle = "handle"
	CacheTypeAll    = "all"
)

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		ListExpiry:         Duration(60 * time.Second),
		MaxDownloadRetries: 5,
		DownloadRetries:    true,
		UploadStrategy:     "inmemory",
		CacheType:          CacheTypeHandle,
		Limit:              0,
		BlockSize:          5 * 1024 * 1024, // 5MB
		LogLevel:           "INFO",
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    8080,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("CDFFS_LIST_EXPIRY_TIME"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil {
			c.ListExpiry = Duration(time.Duration(secs) * time.Second)
		}
	}
	if val := os.Getenv("CDFFS_MAX_DOWNLOAD_RETRIES"); val != "" {
		if retries, err := strconv.Atoi(val); err == nil {
			c.MaxDownloadRetries = retries
		}
	}
	if val := os.Getenv("CDFFS_DOWNLOAD_RETRIES"); val != "" {
		c.DownloadRetries = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("CDFFS_UPLOAD_STRATEGY"); val != "" {
		c.UploadStrategy = val
	}
	if val := os.Getenv("CDFFS_CACHE_TYPE"); val != "" {
		c.CacheType = val
	}
	if val := os.Getenv("CDFFS_LIMIT"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			c.Limit = limit
		}
	}
	if val := os.Getenv("CDFFS_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	if val := os.Getenv("CDFFS_FILE_DIRECTORY"); val != "" {
		c.FileMetadata.Directory = val
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.ListExpiry <= 0 {
		return fmt.Errorf("list_expiry_time must be greater than 0")
	}

	if c.MaxDownloadRetries <= 0 {
		return fmt.Errorf("max_download_retries must be greater than 0")
	}

	if c.BlockSize <= 0 {
		return fmt.Errorf("block_size must be greater than 0")
	}

	switch c.UploadStrategy {
	case "inmemory", "azure", "google":
	default:
		return fmt.Errorf("invalid upload_strategy: %s (must be one of: inmemory, azure, google)", c.UploadStrategy)
	}

	switch c.CacheType {
	case CacheTypeHandle, CacheTypeAll:
	default:
		return fmt.Errorf("invalid cache_type: %s (must be one of: %s, %s)", c.CacheType, CacheTypeHandle, CacheTypeAll)
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
