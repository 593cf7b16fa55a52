package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultShardCount = 4
	DefaultFormat     = "safetensors"

	// Shard sizes outside this window still work but hurt progressive loading.
	MinAdvisedShardSizeMB = 10
	MaxAdvisedShardSizeMB = 500

	// Largest shard_size_mb whose byte count still fits in an int64.
	MaxShardSizeMBLimit = math.MaxInt64 >> 20
)

// Formats lists the shard encodings the writer knows about.
var Formats = []string{"safetensors", "gguf", "arrow"}

type Config struct {
	ModelSource string `yaml:"model"`
	OutputDir   string `yaml:"output"`
	ModelName   string `yaml:"name"`

	ShardCount     int   `yaml:"shards"`
	MaxShardSizeMB int64 `yaml:"shard_size_mb"`

	Format      string `yaml:"format"`
	Parallelism int    `yaml:"parallel"`

	Separator    string   `yaml:"separator"`
	LayerMarkers []string `yaml:"layer_markers"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsAddr string `yaml:"metrics_addr"`
	FlightAddr  string `yaml:"flight_addr"`
}

func Default() Config {
	return Config{
		ShardCount:   DefaultShardCount,
		Format:       DefaultFormat,
		Parallelism:  1,
		Separator:    ".",
		LayerMarkers: []string{"layers", "h", "blocks", "blk", "layer"},
		LogLevel:     "info",
		LogFormat:    "console",
	}
}

// LoadFile overlays the YAML file at path onto c. Fields absent from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// A size target in the file replaces the default shard count unless the
	// file also sets one, which Validate then rejects.
	var keys map[string]interface{}
	if err := yaml.Unmarshal(data, &keys); err == nil {
		_, hasCount := keys["shards"]
		_, hasSize := keys["shard_size_mb"]
		if hasSize && !hasCount {
			c.ShardCount = 0
		}
	}
	return nil
}

// MaxShardBytes converts MaxShardSizeMB to bytes (MiB).
func (c *Config) MaxShardBytes() int64 {
	return c.MaxShardSizeMB * 1024 * 1024
}

func (c *Config) Validate() error {
	if c.ModelSource == "" {
		return fmt.Errorf("model source is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	if c.ShardCount > 0 && c.MaxShardSizeMB > 0 {
		return fmt.Errorf("shard count (%d) and max shard size (%d MB) are mutually exclusive", c.ShardCount, c.MaxShardSizeMB)
	}
	if c.ShardCount <= 0 && c.MaxShardSizeMB <= 0 {
		return fmt.Errorf("invalid shard target: need a positive shard count or max shard size")
	}
	if c.ShardCount < 0 {
		return fmt.Errorf("invalid shards: %d (must be positive)", c.ShardCount)
	}
	if c.MaxShardSizeMB < 0 {
		return fmt.Errorf("invalid shard_size_mb: %d (must be positive)", c.MaxShardSizeMB)
	}
	if c.MaxShardSizeMB > MaxShardSizeMBLimit {
		return fmt.Errorf("invalid shard_size_mb: %d (must be at most %d)", c.MaxShardSizeMB, int64(MaxShardSizeMBLimit))
	}
	if !IsKnownFormat(c.Format) {
		return fmt.Errorf("unknown format %q (want one of %s)", c.Format, strings.Join(Formats, ", "))
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("invalid parallel: %d (must be positive)", c.Parallelism)
	}
	if c.Separator == "" {
		return fmt.Errorf("separator must not be empty")
	}
	if len(c.LayerMarkers) == 0 {
		return fmt.Errorf("at least one layer marker is required")
	}
	return nil
}

// Warnings returns advisories that do not prevent a run.
func (c *Config) Warnings() []string {
	var w []string
	if c.MaxShardSizeMB > 0 && c.MaxShardSizeMB < MinAdvisedShardSizeMB {
		w = append(w, fmt.Sprintf("shard size %d MB is below %d MB: expect many small network requests", c.MaxShardSizeMB, MinAdvisedShardSizeMB))
	}
	if c.MaxShardSizeMB > MaxAdvisedShardSizeMB {
		w = append(w, fmt.Sprintf("shard size %d MB is above %d MB: progressive loading gains shrink", c.MaxShardSizeMB, MaxAdvisedShardSizeMB))
	}
	return w
}

func IsKnownFormat(name string) bool {
	for _, f := range Formats {
		if f == name {
			return true
		}
	}
	return false
}
