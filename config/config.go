package config

import (
	"os"
	"time"

	"guardian/storage"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxSegmentSize = 256 * 1024 * 1024
	DefaultSchemaVersion  = 1
	DefaultInterval       = time.Hour
	DefaultThreshold      = 0.3
)

type Config struct {
	Segment    SegmentOptions    `yaml:"segment"`
	Index      IndexOptions      `yaml:"index"`
	Compaction CompactionOptions `yaml:"compaction"`
}

type SegmentOptions struct {
	// MaxSegmentSize is the file size at which the active segment is rotated.
	MaxSegmentSize uint64 `yaml:"max_segment_size"`
	SchemaVersion  uint32 `yaml:"schema_version"`
	SyncWrites     bool   `yaml:"sync_writes"`
	// ReadCacheSize is the number of payloads kept in memory, 0 disables the cache.
	ReadCacheSize int `yaml:"read_cache_size"`
	// StartID is the lowest id a new segment may get. Segments always resume
	// after the highest id found on disk.
	StartID uint64 `yaml:"start_id"`
}

type IndexOptions struct {
	SyncWrites bool `yaml:"sync_writes"`
}

type CompactionOptions struct {
	// Interval between scheduled runs, 0 disables the background loop.
	Interval time.Duration `yaml:"interval"`
	// Threshold is the dead record ratio that escalates a run to a major pass.
	Threshold float64 `yaml:"threshold"`
}

func Default() Config {
	return Config{
		Segment: SegmentOptions{
			MaxSegmentSize: DefaultMaxSegmentSize,
			SchemaVersion:  DefaultSchemaVersion,
			SyncWrites:     true,
		},
		Index: IndexOptions{
			SyncWrites: true,
		},
		Compaction: CompactionOptions{
			Interval:  DefaultInterval,
			Threshold: DefaultThreshold,
		},
	}
}

func (c Config) Validate() error {
	const op = "config.validate"

	switch {
	case c.Segment.MaxSegmentSize == 0:
		return storage.Errorf(storage.KindConfig, op, "max segment size must be positive")
	case c.Segment.ReadCacheSize < 0:
		return storage.Errorf(storage.KindConfig, op, "read cache size %d is negative", c.Segment.ReadCacheSize)
	case c.Compaction.Interval < 0:
		return storage.Errorf(storage.KindConfig, op, "compaction interval %s is negative", c.Compaction.Interval)
	case c.Compaction.Threshold <= 0 || c.Compaction.Threshold > 1:
		return storage.Errorf(storage.KindConfig, op, "compaction threshold %v outside (0, 1]", c.Compaction.Threshold)
	}

	return nil
}

// Load reads a YAML file on top of Default.
func Load(path string) (Config, error) {
	const op = "config.load"

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, storage.IOError(op, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, storage.E(storage.KindConfig, op, err)
	}

	return cfg, cfg.Validate()
}
