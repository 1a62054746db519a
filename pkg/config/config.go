// Package config holds the tunable knobs for a SpruceDB instance and the
// YAML loader used by the entry-point driver.
package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

const (
	defaultMemtableFlushBytes = 4 * 1024 * 1024
	defaultBlockSizeBytes     = 4 * 1024
	defaultBloomFPRate        = 0.01
	defaultCompression        = "none"
	defaultFlushMaxRetries    = 3
	defaultFanout             = 4
	defaultMaxConcurrent      = 2
	defaultMaxRetries         = 3
	defaultDataDir            = "./spruce_data"
)

// Config is the root configuration for the engine and the driver.
type Config struct {
	Logger     LoggerConfig     `yaml:"logger"`
	Storage    StorageConfig    `yaml:"storage"`
	Compaction CompactionConfig `yaml:"compaction"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig covers on-disk layout, WAL and memtable sizing.
type StorageConfig struct {
	// DataDir is the root directory; the engine creates wal/ and
	// sstables/ subdirectories plus a MANIFEST file beneath it.
	DataDir string `yaml:"data_dir"`

	// MemtableFlushBytes is the approximate memtable footprint that
	// triggers a freeze-and-flush.
	MemtableFlushBytes int64 `yaml:"memtable_flush_bytes"`

	// BlockSizeBytes is the uncompressed target size of a segment data
	// block. The sparse index holds one entry per block.
	BlockSizeBytes int `yaml:"block_size_bytes"`

	// BloomFPRate is the target false-positive rate of per-segment
	// bloom filters.
	BloomFPRate float64 `yaml:"bloom_fp_rate"`

	// Compression selects the segment block codec: none, zstd or lz4.
	Compression string `yaml:"compression"`

	// FlushMaxRetries is how many times a failed memtable flush is
	// re-attempted (with jittered backoff) before it is abandoned. An
	// abandoned flush loses nothing: the data stays in the WAL and in
	// the frozen memtable until the next open.
	FlushMaxRetries int `yaml:"flush_max_retries"`
}

// CompactionConfig controls the background size-tiered compactor.
type CompactionConfig struct {
	// Fanout is the number of segments a tier may hold before its
	// segments are merged into the next tier.
	Fanout int `yaml:"fanout"`

	// MaxConcurrent bounds how many tier merges run at once.
	MaxConcurrent int `yaml:"max_concurrent"`

	// RateLimitBytes paces compaction writes, bytes per second.
	// Zero disables pacing.
	RateLimitBytes int `yaml:"rate_limit_bytes"`

	// MaxRetries is how many times a failed compaction is re-attempted
	// (with jittered backoff) before the task is skipped.
	MaxRetries int `yaml:"max_retries"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{Level: "INFO"},
		Storage: StorageConfig{
			DataDir:            defaultDataDir,
			MemtableFlushBytes: defaultMemtableFlushBytes,
			BlockSizeBytes:     defaultBlockSizeBytes,
			BloomFPRate:        defaultBloomFPRate,
			Compression:        defaultCompression,
			FlushMaxRetries:    defaultFlushMaxRetries,
		},
		Compaction: CompactionConfig{
			Fanout:        defaultFanout,
			MaxConcurrent: defaultMaxConcurrent,
			MaxRetries:    defaultMaxRetries,
		},
	}
}

// FillDefaults sets any zero-value fields to their defaults, so partial
// YAML files and hand-built configs behave the same.
func (c *Config) FillDefaults() {
	def := Default()
	if c.Logger.Level == "" {
		c.Logger.Level = def.Logger.Level
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = def.Storage.DataDir
	}
	if c.Storage.MemtableFlushBytes == 0 {
		c.Storage.MemtableFlushBytes = def.Storage.MemtableFlushBytes
	}
	if c.Storage.BlockSizeBytes == 0 {
		c.Storage.BlockSizeBytes = def.Storage.BlockSizeBytes
	}
	if c.Storage.BloomFPRate == 0 {
		c.Storage.BloomFPRate = def.Storage.BloomFPRate
	}
	if c.Storage.Compression == "" {
		c.Storage.Compression = def.Storage.Compression
	}
	if c.Storage.FlushMaxRetries == 0 {
		c.Storage.FlushMaxRetries = def.Storage.FlushMaxRetries
	}
	if c.Compaction.Fanout == 0 {
		c.Compaction.Fanout = def.Compaction.Fanout
	}
	if c.Compaction.MaxConcurrent == 0 {
		c.Compaction.MaxConcurrent = def.Compaction.MaxConcurrent
	}
	if c.Compaction.MaxRetries == 0 {
		c.Compaction.MaxRetries = def.Compaction.MaxRetries
	}
}

// Load reads a YAML config file, falling back to Default when the file
// does not exist. Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// keep defaults
	case err != nil:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.FillDefaults()
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overlays SPRUCE_* environment variables over the config.
func applyEnv(cfg *Config) {
	if dir := os.Getenv("SPRUCE_DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if lvl := os.Getenv("SPRUCE_LOG_LEVEL"); lvl != "" {
		cfg.Logger.Level = lvl
	}
}
