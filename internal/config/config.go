// Package config loads the engine's configuration surface from a YAML
// file with an environment-variable overlay, grounded on the teacher's
// configs package (plain struct + yaml.v3 unmarshal), generalized to the
// streaming engine's ingestion/hot-path/cold-path/archive/log surface
// and extended with an env-var pass so deployments can override a fixed
// set of fields without editing the file: ENGINE_LOG_BOOTSTRAP,
// ENGINE_TRADES_TOPIC, ENGINE_DLQ_TOPIC, ENGINE_MAX_POLL_RECORDS,
// ENGINE_COLD_PATH_BULK_BATCH_SIZE and ENGINE_ENABLE_AUTO_COMMIT. Other
// fields have no environment override.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BreakerConfig mirrors the four tunables every circuit breaker instance
// accepts.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Open      time.Duration `yaml:"open"`
	Success   int           `yaml:"success"`
	Window    time.Duration `yaml:"window"`
}

// IngestionConfig configures the ingestion engine and its archive sink.
type IngestionConfig struct {
	BufferSize        int    `yaml:"buffer_size"`
	ChecksumAlgorithm string `yaml:"checksum_algorithm"`
	ArchiveBuffer     int    `yaml:"archive_buffer"`
	ArchiveFlushMS    int    `yaml:"archive_flush_ms"`
}

// HotPathConfig configures the hot-path engine.
type HotPathConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	PublishThrottleMS int           `yaml:"publish_throttle_ms"`
	PublishBreaker    BreakerConfig `yaml:"publish_cb"`
	QueryBreaker      BreakerConfig `yaml:"query_cb"`
}

// ColdPathConfig configures the cold-path engine.
type ColdPathConfig struct {
	BulkBatchSize int           `yaml:"bulk_batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
}

// ArchiveConfig configures the archival sink's storage breaker.
type ArchiveConfig struct {
	StorageBreaker BreakerConfig `yaml:"storage_cb"`
}

// SchemaCodecConfig configures the schema registry integration.
type SchemaCodecConfig struct {
	Enabled                bool   `yaml:"enabled"`
	AutoRegister            bool   `yaml:"auto_register"`
	CompatibilityLevel      string `yaml:"compatibility_level"`
	SubjectNamingStrategy   string `yaml:"subject_naming_strategy"`
}

// LogConfig configures the durable log client.
type LogConfig struct {
	Bootstrap         string `yaml:"bootstrap"`
	TradesTopic       string `yaml:"trades_topic"`
	DLQTopic          string `yaml:"dlq_topic"`
	AutoOffsetReset   string `yaml:"auto_offset_reset"`
	EnableAutoCommit  bool   `yaml:"enable_auto_commit"`
	EnableIdempotence bool   `yaml:"enable_idempotence"`
	Acks              string `yaml:"acks"`
	LingerMS          int    `yaml:"linger_ms"`
	MaxPollRecords    int    `yaml:"max_poll_records"`
}

// RefDataConfig configures the reference-data lookup cache.
type RefDataConfig struct {
	CacheSize        int           `yaml:"cache_size"`
	NegativeCacheTTL time.Duration `yaml:"negative_cache_ttl"`
}

// Config is the full engine configuration surface.
type Config struct {
	Ingestion IngestionConfig   `yaml:"ingestion"`
	HotPath   HotPathConfig     `yaml:"hot_path"`
	ColdPath  ColdPathConfig    `yaml:"cold_path"`
	Archive   ArchiveConfig     `yaml:"archive"`
	Schema    SchemaCodecConfig `yaml:"schema"`
	Log       LogConfig         `yaml:"log"`
	RefData   RefDataConfig     `yaml:"reference_data"`
}

// Default returns every option at its documented default.
func Default() *Config {
	return &Config{
		Ingestion: IngestionConfig{
			BufferSize:        50000,
			ChecksumAlgorithm: "crc32",
			ArchiveBuffer:     1000,
			ArchiveFlushMS:    5000,
		},
		HotPath: HotPathConfig{
			MaxRetries:        3,
			PublishThrottleMS: 100,
			PublishBreaker:    BreakerConfig{Threshold: 5, Open: 15 * time.Second, Success: 2, Window: 30 * time.Second},
			QueryBreaker:      BreakerConfig{Threshold: 10, Open: 10 * time.Second, Success: 1, Window: 60 * time.Second},
		},
		ColdPath: ColdPathConfig{
			BulkBatchSize: 5000,
			FlushInterval: 5 * time.Second,
			MaxRetries:    3,
		},
		Archive: ArchiveConfig{
			StorageBreaker: BreakerConfig{Threshold: 5, Open: 30 * time.Second, Success: 2, Window: 60 * time.Second},
		},
		Schema: SchemaCodecConfig{
			Enabled:               true,
			AutoRegister:          true,
			CompatibilityLevel:    "BACKWARD",
			SubjectNamingStrategy: "TopicName",
		},
		Log: LogConfig{
			TradesTopic:       "trades.raw",
			DLQTopic:          "trades.dlq",
			AutoOffsetReset:   "earliest",
			EnableAutoCommit:  false,
			EnableIdempotence: true,
			Acks:              "all",
			LingerMS:          5,
			MaxPollRecords:    500,
		},
		RefData: RefDataConfig{
			CacheSize:        10000,
			NegativeCacheTTL: 60 * time.Second,
		},
	}
}

// Load reads path (if it exists; a missing file is not an error, since
// every field already has a documented default) and overlays it onto
// Default(), then applies the environment-variable overlay.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverlay(cfg)
	return cfg, nil
}

// applyEnvOverlay overrides a handful of operationally common fields from
// the environment, the pattern a deployment reaches for most often
// (broker address and topic names vary per environment; everything else
// is usually fine at its file-configured or default value).
func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("ENGINE_LOG_BOOTSTRAP"); v != "" {
		cfg.Log.Bootstrap = v
	}
	if v := os.Getenv("ENGINE_TRADES_TOPIC"); v != "" {
		cfg.Log.TradesTopic = v
	}
	if v := os.Getenv("ENGINE_DLQ_TOPIC"); v != "" {
		cfg.Log.DLQTopic = v
	}
	if v := os.Getenv("ENGINE_MAX_POLL_RECORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Log.MaxPollRecords = n
		}
	}
	if v := os.Getenv("ENGINE_COLD_PATH_BULK_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ColdPath.BulkBatchSize = n
		}
	}
	if v := os.Getenv("ENGINE_ENABLE_AUTO_COMMIT"); v != "" {
		cfg.Log.EnableAutoCommit = strings.EqualFold(v, "true")
	}
}
