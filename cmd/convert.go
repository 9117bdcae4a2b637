package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/paulmach/orb/geojson"
	"github.com/spf13/cobra"
	"github.com/wegman-software/overpass2geojson/internal/convert"
	"github.com/wegman-software/overpass2geojson/internal/logger"
	"github.com/wegman-software/overpass2geojson/internal/metrics"
	"github.com/wegman-software/overpass2geojson/internal/proj"
	"github.com/wegman-software/overpass2geojson/internal/script"
	"github.com/wegman-software/overpass2geojson/internal/sink"
	"github.com/wegman-software/overpass2geojson/internal/tags"
	"github.com/wegman-software/overpass2geojson/internal/tracing"
)

var convertCmd = &cobra.Command{
	Use:   "convert <export.json>...",
	Short: "Convert Overpass JSON files to GeoJSON features",
	Long: `Convert one or more Overpass JSON exports (optionally gzipped).

Each file is read three times: nodes are staged first, then ways are
resolved against them, then relations against the ways. Features are
assembled from the staging store and written as they are built:

  1. Tagged nodes and nodes outside every way become Points
  2. Routes, waterways, multipolygons and boundaries become lines or polygons
  3. Remaining ways become LineStrings or Polygons

Several files are converted concurrently (see --workers), each with its own
staging store, which is removed when the file is done.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)

	flags := convertCmd.Flags()
	flags.StringVarP(&cfg.Output, "output", "o", "", "Output file, or directory for several inputs (default stdout)")
	flags.StringVarP(&cfg.Format, "format", "f", cfg.Format, "Output format: ndjson, geojson or parquet")
	flags.StringVarP(&cfg.Projection, "projection", "E", cfg.Projection, "Output projection (4326 or 3857)")
	flags.StringVar(&cfg.ScriptFile, "script", "", "Lua file defining process(feature)")
	flags.StringVar(&cfg.PolygonRules, "polygon-rules", "", "YAML polygon rule table replacing the defaults")
	flags.Int64Var(&cfg.TotalElements, "total-elements", 0, "Pre-counted element total, skips the counting pass")

	flags.StringVar(&cfg.StagingEngine, "staging", cfg.StagingEngine, "Staging engine: sqlite, postgres or memory")
	flags.StringVar(&cfg.StagingDir, "staging-dir", cfg.StagingDir, "Directory for staging files")
	flags.StringVar(&cfg.StagingDSN, "staging-dsn", "", "PostgreSQL connection string for --staging postgres")
	flags.BoolVar(&cfg.FlatNodes, "flat-nodes", false, "Keep node coordinates in a memory-mapped index (SQL engines)")
	flags.IntVar(&cfg.NodeCacheSize, "node-cache", cfg.NodeCacheSize, "Node coordinates cached in memory, 0 disables (SQL engines)")
	flags.IntVar(&cfg.BatchSize, "batch-size", 0, "Staging writes per transaction (default derived from the element total)")
}

func runConvert(cmd *cobra.Command, args []string) {
	cfg.InputFiles = args
	log := logger.Get()

	if err := cfg.Validate(); err != nil {
		exitWithError("invalid configuration", err)
	}
	srid, err := proj.ParseSRID(cfg.Projection)
	if err != nil {
		exitWithError("invalid projection", err)
	}

	var rules *tags.Rules
	if cfg.PolygonRules != "" {
		if rules, err = tags.LoadRules(cfg.PolygonRules); err != nil {
			exitWithError("invalid polygon rules", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.OTLPEndpoint, Version)
	if err != nil {
		exitWithError("failed to initialize tracing", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	// Background services stop when the conversions are done
	svcCtx, stopServices := context.WithCancel(ctx)
	services, svcCtx := errgroup.WithContext(svcCtx)
	if cfg.MetricsInterval > 0 {
		collector := metrics.NewCollector(cfg.MetricsInterval, log)
		services.Go(func() error {
			collector.Start(svcCtx)
			return nil
		})
		log.Info("System metrics collection started", zap.Duration("interval", cfg.MetricsInterval))
	}
	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, log)
		services.Go(func() error {
			return srv.Serve(svcCtx)
		})
	}

	log.Info("Starting conversion",
		zap.Int("files", len(cfg.InputFiles)),
		zap.String("format", cfg.Format),
		zap.String("staging", cfg.StagingEngine),
		zap.Int("srid", srid),
		zap.Int("workers", cfg.Workers),
	)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	limit := cfg.Workers
	if cfg.Output == "" {
		// one stream on stdout
		limit = 1
	}
	g.SetLimit(limit)

	var features int64
	results := make([]convert.Stats, len(cfg.InputFiles))
	for i, path := range cfg.InputFiles {
		i, path := i, path
		g.Go(func() error {
			st, err := convertFile(gctx, path, srid, rules)
			results[i] = st
			return err
		})
	}
	convErr := g.Wait()

	stopServices()
	if err := services.Wait(); err != nil {
		log.Warn("Metrics service failed", zap.Error(err))
	}

	if convErr != nil {
		exitWithError("conversion failed", convErr)
	}
	for _, st := range results {
		features += st.Features
	}
	log.Info("All conversions complete",
		zap.Int("files", len(cfg.InputFiles)),
		zap.Int64("features", features),
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)),
	)
}

// convertFile runs one session into its own sink
func convertFile(ctx context.Context, path string, srid int, rules *tags.Rules) (convert.Stats, error) {
	log := logger.Get().With(zap.String("file", path))

	out := cfg.OutputPath(path)
	s, err := sink.Open(out, sink.Options{
		Format:    cfg.Format,
		SRID:      srid,
		BatchSize: cfg.BatchSize,
	})
	if err != nil {
		return convert.Stats{}, fmt.Errorf("failed to open output for %s: %w", path, err)
	}

	var hook *script.Hook
	if cfg.ScriptFile != "" {
		if hook, err = script.Load(cfg.ScriptFile); err != nil {
			s.Close()
			return convert.Stats{}, err
		}
		defer hook.Close()
	}

	opts := []convert.Option{convert.WithProgress(progressLogger(log))}
	if rules != nil {
		opts = append(opts, convert.WithRules(rules))
	}
	session := convert.NewSession(cfg, opts...)

	var dropped int64
	runErr := session.Run(ctx, path, func(f *geojson.Feature) error {
		if hook != nil {
			keep, err := hook.Apply(f)
			if err != nil {
				return err
			}
			if !keep {
				dropped++
				return nil
			}
		}
		return s.Write(f)
	})

	if err := s.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to finish output for %s: %w", path, err)
	}
	if runErr != nil {
		if out != "" && !errors.Is(runErr, context.Canceled) {
			log.Warn("Output left incomplete", zap.String("output", out))
		}
		return session.Stats(), runErr
	}

	st := session.Stats()
	fields := []zap.Field{
		zap.Int64("features", st.Features-dropped),
		zap.Duration("duration", st.Duration.Round(time.Millisecond)),
	}
	if hook != nil {
		fields = append(fields, zap.Int64("dropped_by_script", dropped))
	}
	if out != "" {
		fields = append(fields, zap.String("output", out))
	}
	log.Info("File converted", fields...)
	return st, nil
}

// progressLogger logs each further tenth of the run
func progressLogger(log *zap.Logger) convert.ProgressFunc {
	next := 0.1
	return func(v float64) {
		if v < next {
			return
		}
		for next <= v {
			next += 0.1
		}
		log.Info("Progress", zap.String("done", fmt.Sprintf("%.0f%%", v*100)))
	}
}
