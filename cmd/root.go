package cmd

import (
	"os"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/overpass2geojson/internal/config"
	"github.com/wegman-software/overpass2geojson/internal/logger"
)

var (
	cfg        = config.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "overpass2geojson",
	Short: "Stream Overpass JSON exports into GeoJSON features",
	Long: `overpass2geojson converts OpenStreetMap Overpass API JSON exports into
GeoJSON features without loading the export into memory.

Features:
  - Three streaming passes stage nodes, ways and relations on disk
  - Multipolygon and route relations are assembled from their member ways
  - SQLite, PostgreSQL or in-memory staging
  - NDJSON, GeoJSON FeatureCollection or Parquet output
  - Optional Lua hook to rewrite or drop features`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := config.Load(cfg, cmd.Flags(), configFile); err != nil {
			logger.Init(false)
			exitWithError("invalid configuration", err)
		}

		// Initialize logger with optional file output
		if cfg.LogFile != "" {
			logger.InitWithFile(cfg.Verbose, cfg.LogFile)
		} else {
			logger.Init(cfg.Verbose)
		}
	},
}

func Execute() error {
	defer logger.Sync()
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "YAML config file (flags and "+config.EnvPrefix+"_* variables override it)")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose output")
	flags.IntVarP(&cfg.Workers, "workers", "j", cfg.Workers, "Number of files converted concurrently")

	// Logging and metrics flags
	flags.StringVar(&cfg.LogFile, "log-file", "", "Path to log file for persistent logging (JSON format)")
	flags.DurationVar(&cfg.MetricsInterval, "metrics-interval", 0, "Interval for system metrics logging, 0 disables (e.g. 10s, 1m)")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9090)")
	flags.StringVar(&cfg.OTLPEndpoint, "otlp-endpoint", "", "Export traces to this OTLP gRPC endpoint")
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	logger.Sync()
	os.Exit(1)
}
