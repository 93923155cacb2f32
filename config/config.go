package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Optionflow OptionflowConfig `yaml:"optionflow"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Validator  ValidatorConfig  `yaml:"validator"`
	Expiry     ExpiryConfig     `yaml:"expiry"`
	Batcher    BatcherConfig    `yaml:"batcher"`
	Writer     WriterConfig     `yaml:"writer"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Session    SessionConfig    `yaml:"session"`
	Indices    []IndexConfig    `yaml:"indices"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type OptionflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	Prometheus  bool   `yaml:"prometheus"`
	ListenAddr  string `yaml:"listen_addr"`
	ChannelSize bool   `yaml:"channel_size"`
	CloudWatch  bool   `yaml:"cloudwatch"`
	Namespace   string `yaml:"namespace"`
}

type ChannelsConfig struct {
	RawBuffer int `yaml:"raw_buffer"`
}

type IngestConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

// ValidatorConfig carries the data-quality knobs. The suppression window,
// staleness threshold and zero-price policy are deployment-tunable because
// upstream feeds differ in update cadence and liquidity.
type ValidatorConfig struct {
	SuppressionWindow time.Duration `yaml:"suppression_window"`
	EvictionInterval  time.Duration `yaml:"eviction_interval"`
	StaleThreshold    time.Duration `yaml:"stale_threshold"`
	PersistZeroPrice  bool          `yaml:"persist_zero_price"`
}

type ExpiryConfig struct {
	WeeklyHorizonDays   int    `yaml:"weekly_horizon_days"`
	NextWeekHorizonDays int    `yaml:"next_week_horizon_days"`
	CalendarMIC         string `yaml:"calendar_mic"`
}

type BatcherConfig struct {
	MinFlushSize  int           `yaml:"min_flush_size"`
	MaxBufferSize int           `yaml:"max_buffer_size"`
	MaxAge        time.Duration `yaml:"max_age"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type WriterConfig struct {
	BaseDir string `yaml:"base_dir"`
	Fsync   bool   `yaml:"fsync"`
}

type AggregatorConfig struct {
	Interval         time.Duration `yaml:"interval"`
	LookbackSessions int           `yaml:"lookback_sessions"`
	Timezone         string        `yaml:"timezone"`
}

type SessionConfig struct {
	Open  string `yaml:"open"`
	Close string `yaml:"close"`
}

type ArchiveConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Dir              string        `yaml:"dir"`
	Compression      string        `yaml:"compression"`
	ScanInterval     time.Duration `yaml:"scan_interval"`
	UploadRatePerSec float64       `yaml:"upload_rate_per_sec"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Seed tunables with their safe defaults before unmarshalling so an
	// absent key keeps the default rather than the zero value.
	config := Config{
		Metrics: MetricsConfig{
			Prometheus:  true,
			ListenAddr:  ":2112",
			ChannelSize: true,
		},
		Validator: ValidatorConfig{
			SuppressionWindow: 60 * time.Second,
			EvictionInterval:  5 * time.Minute,
			StaleThreshold:    10 * time.Minute,
			PersistZeroPrice:  true,
		},
		Expiry: ExpiryConfig{
			WeeklyHorizonDays:   7,
			NextWeekHorizonDays: 14,
			CalendarMIC:         "XBOM",
		},
		Batcher: BatcherConfig{
			MaxAge:        30 * time.Second,
			FlushInterval: time.Second,
		},
		Writer: WriterConfig{
			Fsync: true,
		},
		Aggregator: AggregatorConfig{
			Interval:         30 * time.Second,
			LookbackSessions: 5,
			Timezone:         "Asia/Kolkata",
		},
		Session: SessionConfig{
			Open:  "09:15",
			Close: "15:30",
		},
		Archive: ArchiveConfig{
			Compression:  "snappy",
			ScanInterval: 10 * time.Minute,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Optionflow.Name == "" {
		return fmt.Errorf("optionflow.name is required")
	}

	if cfg.Optionflow.Version == "" {
		return fmt.Errorf("optionflow.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}

	if cfg.Ingest.MaxWorkers <= 0 {
		return fmt.Errorf("ingest.max_workers must be greater than 0")
	}

	if cfg.Validator.SuppressionWindow <= 0 {
		return fmt.Errorf("validator.suppression_window must be greater than 0")
	}
	if cfg.Validator.EvictionInterval <= 0 {
		return fmt.Errorf("validator.eviction_interval must be greater than 0")
	}

	if cfg.Expiry.WeeklyHorizonDays <= 0 {
		return fmt.Errorf("expiry.weekly_horizon_days must be greater than 0")
	}
	if cfg.Expiry.NextWeekHorizonDays <= cfg.Expiry.WeeklyHorizonDays {
		return fmt.Errorf("expiry.next_week_horizon_days must be greater than expiry.weekly_horizon_days")
	}

	if cfg.Batcher.MinFlushSize <= 0 {
		return fmt.Errorf("batcher.min_flush_size must be greater than 0")
	}
	if cfg.Batcher.MaxBufferSize < cfg.Batcher.MinFlushSize {
		return fmt.Errorf("batcher.max_buffer_size must be at least batcher.min_flush_size")
	}
	if cfg.Batcher.FlushInterval <= 0 {
		return fmt.Errorf("batcher.flush_interval must be greater than 0")
	}

	if cfg.Writer.BaseDir == "" {
		return fmt.Errorf("writer.base_dir is required")
	}

	if cfg.Aggregator.Interval <= 0 {
		return fmt.Errorf("aggregator.interval must be greater than 0")
	}
	if cfg.Aggregator.LookbackSessions < 0 {
		return fmt.Errorf("aggregator.lookback_sessions must not be negative")
	}

	if _, err := time.Parse("15:04", cfg.Session.Open); err != nil {
		return fmt.Errorf("session.open '%s' is not HH:MM", cfg.Session.Open)
	}
	if _, err := time.Parse("15:04", cfg.Session.Close); err != nil {
		return fmt.Errorf("session.close '%s' is not HH:MM", cfg.Session.Close)
	}

	if len(cfg.Indices) == 0 {
		return fmt.Errorf("at least one index must be configured")
	}
	for i, idx := range cfg.Indices {
		if err := idx.validate(); err != nil {
			return fmt.Errorf("indices[%d]: %w", i, err)
		}
	}

	if cfg.Archive.Enabled {
		switch cfg.Archive.Compression {
		case "snappy", "gzip", "zstd", "none":
		default:
			return fmt.Errorf("archive.compression '%s' is not supported", cfg.Archive.Compression)
		}
		if !cfg.Storage.S3.Enabled && cfg.Archive.Dir == "" {
			return fmt.Errorf("archive.dir is required when archiving locally")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
