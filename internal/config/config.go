package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Staging engines
const (
	EngineMemory   = "memory"
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
)

// Output formats
const (
	FormatNDJSON  = "ndjson"
	FormatGeoJSON = "geojson"
	FormatParquet = "parquet"
)

// EnvPrefix is the prefix for environment overrides (OVERPASS2GEOJSON_BATCH_SIZE, ...)
const EnvPrefix = "OVERPASS2GEOJSON"

// Config holds the global configuration for a conversion run
type Config struct {
	// Input settings
	InputFiles    []string `mapstructure:"-"`
	TotalElements int64    `mapstructure:"total-elements"` // Pre-counted element total (0 = count first)

	// Output settings
	Output     string `mapstructure:"output"` // File or directory; empty means stdout
	Format     string `mapstructure:"format"`
	Projection string `mapstructure:"projection"` // Target projection for sinks (4326, 3857, EPSG:...)
	ScriptFile string `mapstructure:"script"`     // Lua feature hook

	// Classification
	PolygonRules string `mapstructure:"polygon-rules"` // YAML rule table replacing the defaults

	// Staging settings
	StagingEngine string `mapstructure:"staging"`
	StagingDir    string `mapstructure:"staging-dir"`
	StagingDSN    string `mapstructure:"staging-dsn"`
	FlatNodes     bool   `mapstructure:"flat-nodes"` // mmap coordinate index in StagingDir (SQL engines)
	NodeCacheSize int    `mapstructure:"node-cache"` // LRU entries in front of ResolveNode
	BatchSize     int    `mapstructure:"batch-size"` // 0 = derived from the element total

	// Processing settings
	Workers int  `mapstructure:"workers"`
	Verbose bool `mapstructure:"verbose"`

	// Logging and metrics
	LogFile         string        `mapstructure:"log-file"`
	MetricsInterval time.Duration `mapstructure:"metrics-interval"` // System metrics logging (0 = off)
	MetricsAddr     string        `mapstructure:"metrics-addr"`     // Prometheus listen address
	OTLPEndpoint    string        `mapstructure:"otlp-endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Format:          FormatNDJSON,
		Projection:      "4326",
		StagingEngine:   EngineSQLite,
		StagingDir:      os.TempDir(),
		NodeCacheSize:   1 << 16,
		Workers:         runtime.NumCPU(),
		MetricsInterval: 0,
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if len(c.InputFiles) == 0 {
		return fmt.Errorf("input file is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size must not be negative")
	}
	if c.TotalElements < 0 {
		return fmt.Errorf("total elements must not be negative")
	}
	if c.NodeCacheSize < 0 {
		return fmt.Errorf("node cache size must not be negative")
	}

	switch c.StagingEngine {
	case EngineMemory, EngineSQLite:
	case EnginePostgres:
		if c.StagingDSN == "" {
			return fmt.Errorf("staging engine %q requires --staging-dsn", c.StagingEngine)
		}
	default:
		return fmt.Errorf("unknown staging engine %q (supported: memory, sqlite, postgres)", c.StagingEngine)
	}

	switch c.Format {
	case FormatNDJSON, FormatGeoJSON, FormatParquet:
	default:
		return fmt.Errorf("unknown output format %q (supported: ndjson, geojson, parquet)", c.Format)
	}
	if c.Format == FormatParquet && c.Output == "" {
		return fmt.Errorf("parquet output requires --output")
	}
	if len(c.InputFiles) > 1 && c.Output != "" && !IsDir(c.Output) {
		return fmt.Errorf("converting %d files requires --output to be a directory", len(c.InputFiles))
	}
	return nil
}

// OutputPath returns the output path for one input file. Single inputs write
// to Output directly unless it is a directory; empty Output means stdout.
func (c *Config) OutputPath(input string) string {
	if c.Output == "" {
		return ""
	}
	if !IsDir(c.Output) {
		return c.Output
	}
	base := filepath.Base(input)
	for _, ext := range []string{".gz", ".json"} {
		base = strings.TrimSuffix(base, ext)
	}
	ext := ".ndjson"
	switch c.Format {
	case FormatGeoJSON:
		ext = ".geojson"
	case FormatParquet:
		ext = ".parquet"
	}
	return filepath.Join(c.Output, base+ext)
}

// IsDir reports whether path exists and is a directory
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Load overlays an optional YAML config file and OVERPASS2GEOJSON_* environment
// variables onto cfg. Flags bound from fs win when explicitly set; otherwise
// env beats file, and file beats the flag defaults already in cfg.
func Load(cfg *Config, fs *pflag.FlagSet, path string) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// AutoBatchSize derives a staging write batch size from the element total
func AutoBatchSize(total int64) int {
	const minBatch, maxBatch = 1000, 100000
	n := total / 20
	if n < minBatch {
		return minBatch
	}
	if n > maxBatch {
		return maxBatch
	}
	return int(n)
}
