// Package convert drives one Overpass JSON file through staging, resolution
// and assembly.
package convert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/osm"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wegman-software/overpass2geojson/internal/assemble"
	"github.com/wegman-software/overpass2geojson/internal/config"
	"github.com/wegman-software/overpass2geojson/internal/logger"
	"github.com/wegman-software/overpass2geojson/internal/metrics"
	"github.com/wegman-software/overpass2geojson/internal/osmjson"
	"github.com/wegman-software/overpass2geojson/internal/resolve"
	"github.com/wegman-software/overpass2geojson/internal/staging"
	"github.com/wegman-software/overpass2geojson/internal/tags"
	"github.com/wegman-software/overpass2geojson/internal/tracing"
)

// ErrConversionFailed is returned for any failed run. The cause is logged.
var ErrConversionFailed = errors.New("failed to convert")

const logEvery = 1_000_000

// Option configures a Session
type Option func(*Session)

// WithTotal supplies the pre-counted element total, skipping the counting pass
func WithTotal(n int64) Option {
	return func(s *Session) { s.total = n }
}

// WithProgress registers a progress callback
func WithProgress(fn ProgressFunc) Option {
	return func(s *Session) { s.onProgress = fn }
}

// WithRules replaces the polygon rule table
func WithRules(r *tags.Rules) Option {
	return func(s *Session) { s.rules = r }
}

// Session converts one file. Sessions share nothing and may run concurrently;
// a single Session is not safe for concurrent use.
type Session struct {
	cfg        *config.Config
	id         string
	total      int64
	onProgress ProgressFunc
	rules      *tags.Rules
	log        *zap.Logger
	stats      Stats
}

// NewSession creates a session with a fresh id. A nil cfg means DefaultConfig.
func NewSession(cfg *config.Config, opts ...Option) *Session {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := &Session{
		cfg:   cfg,
		id:    uuid.NewString(),
		total: cfg.TotalElements,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.Named("convert").With(zap.String("session", s.id))
	return s
}

// ID returns the session id, which also names the staging store
func (s *Session) ID() string {
	return s.id
}

// Stats returns the statistics of the last run
func (s *Session) Stats() Stats {
	return s.stats
}

// Run converts path, handing each feature to onFeature. The feature is only
// valid until onFeature returns. The staging store is removed before Run
// returns, whatever the outcome.
func (s *Session) Run(ctx context.Context, path string, onFeature assemble.EmitFunc) error {
	start := time.Now()
	s.stats = Stats{}

	ctx, span := tracing.Start(ctx, "convert",
		attribute.String("file", path),
		attribute.String("session", s.id),
	)
	err := s.run(ctx, path, onFeature)
	s.stats.Duration = time.Since(start)
	tracing.End(span, err)
	metrics.RecordConversion(s.stats.Duration, err == nil)

	if err != nil {
		s.log.Error("Conversion failed", zap.String("file", path), zap.Error(err))
		return fmt.Errorf("%w %s", ErrConversionFailed, path)
	}
	s.log.Info("Conversion complete", append([]zap.Field{zap.String("file", path)}, s.stats.fields()...)...)
	return nil
}

func (s *Session) run(ctx context.Context, path string, onFeature assemble.EmitFunc) error {
	rules := s.rules
	if rules == nil && s.cfg.PolygonRules != "" {
		r, err := tags.LoadRules(s.cfg.PolygonRules)
		if err != nil {
			return err
		}
		rules = r
	}

	total := s.total
	if total <= 0 {
		counts, err := osmjson.Count(ctx, path)
		if err != nil {
			return fmt.Errorf("failed to count elements: %w", err)
		}
		total = counts.Total()
		s.log.Debug("Counted elements", zap.Int64("total", total))
	}

	opts := staging.OptionsFromConfig(s.cfg, s.id)
	if opts.BatchSize <= 0 {
		opts.BatchSize = config.AutoBatchSize(total)
	}

	store, err := staging.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to open staging store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			s.log.Warn("Failed to tear down staging store", zap.Error(err))
		}
	}()
	s.log.Debug("Staging store opened",
		zap.String("engine", opts.Engine),
		zap.Int("batch_size", opts.BatchSize),
	)

	prog := newProgress(total, s.onProgress)

	ingestStart := time.Now()
	if err := s.ingestNodes(ctx, store, path, opts.BatchSize, prog); err != nil {
		return err
	}
	if err := s.ingestWays(ctx, store, path, rules, prog); err != nil {
		return err
	}
	if err := s.ingestRelations(ctx, store, path, prog); err != nil {
		return err
	}
	s.stats.IngestDuration = time.Since(ingestStart)
	s.stats.Staging = store.Stats()
	metrics.StagingWriteErrors.Add(float64(s.stats.Staging.WriteErrors))

	emittable, err := store.CountEmittable(ctx)
	if err != nil {
		return fmt.Errorf("failed to count emittable features: %w", err)
	}
	s.stats.Emittable = emittable
	prog.startAssembly(emittable)
	s.log.Info("Ingestion complete",
		zap.Int64("elements", s.stats.Elements.Total()),
		zap.Int64("emittable", emittable),
		zap.Duration("elapsed", s.stats.IngestDuration.Round(time.Millisecond)),
	)

	if err := s.assemble(ctx, store, onFeature, prog); err != nil {
		return err
	}
	prog.finish()
	return nil
}

func (s *Session) ingestNodes(ctx context.Context, store staging.Store, path string, batchSize int, prog *progress) (err error) {
	ctx, span := tracing.Start(ctx, "ingest.nodes")
	defer func() { tracing.End(span, err) }()

	batch := make([]staging.Node, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := store.InsertNodeBatch(ctx, batch); err != nil {
			return fmt.Errorf("failed to stage nodes: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	counts, err := osmjson.Stream(ctx, path, osm.TypeNode, func(obj osm.Object) error {
		n := obj.(*osm.Node)
		t := tags.StripProvenance(n.Tags)
		batch = append(batch, staging.Node{
			ID:          n.ID,
			Lat:         n.Lat,
			Lon:         n.Lon,
			Tags:        t,
			Interesting: tags.IsInteresting(t, nil),
		})
		s.advance(prog, "nodes")
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	if err := store.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush nodes: %w", err)
	}

	s.stats.Elements = counts
	metrics.RecordElements(counts.Nodes, 0, 0)
	s.log.Debug("Node pass complete", zap.Int64("nodes", counts.Nodes))
	return nil
}

func (s *Session) ingestWays(ctx context.Context, store staging.Store, path string, rules *tags.Rules, prog *progress) (err error) {
	ctx, span := tracing.Start(ctx, "ingest.ways")
	defer func() { tracing.End(span, err) }()

	resolver := resolve.NewWayResolver(store, rules)
	counts, err := osmjson.Stream(ctx, path, osm.TypeWay, func(obj osm.Object) error {
		res, err := resolver.Resolve(ctx, obj.(*osm.Way))
		if err != nil {
			return err
		}
		s.stats.Ways.Add(res)
		s.advance(prog, "ways")
		return nil
	})
	if err != nil {
		return err
	}
	if err := store.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush ways: %w", err)
	}

	s.stats.Elements.Ways = counts.Ways
	metrics.RecordElements(0, counts.Ways, 0)
	metrics.RecordDropped("way", "missing_dependency", s.stats.Ways.Dropped)
	metrics.RecordDropped("way", "invalid", s.stats.Ways.Invalid)
	s.log.Debug("Way pass complete",
		zap.Int64("ways", counts.Ways),
		zap.Int64("dropped", s.stats.Ways.Dropped),
		zap.Int64("invalid", s.stats.Ways.Invalid),
	)
	return nil
}

func (s *Session) ingestRelations(ctx context.Context, store staging.Store, path string, prog *progress) (err error) {
	ctx, span := tracing.Start(ctx, "ingest.relations")
	defer func() { tracing.End(span, err) }()

	resolver := resolve.NewRelationResolver(store)
	counts, err := osmjson.Stream(ctx, path, osm.TypeRelation, func(obj osm.Object) error {
		res, err := resolver.Resolve(ctx, obj.(*osm.Relation))
		if err != nil {
			return err
		}
		s.stats.Relations.Add(res)
		s.advance(prog, "relations")
		return nil
	})
	if err != nil {
		return err
	}
	if err := store.FlushSkips(ctx); err != nil {
		return fmt.Errorf("failed to apply skip marks: %w", err)
	}
	if err := store.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush relations: %w", err)
	}

	s.stats.Elements.Relations = counts.Relations
	metrics.RecordElements(0, 0, counts.Relations)
	metrics.RecordDropped("relation", "missing_dependency", s.stats.Relations.Dropped)
	metrics.RecordDropped("relation", "unsupported", s.stats.Relations.Unsupported)
	s.log.Debug("Relation pass complete",
		zap.Int64("relations", counts.Relations),
		zap.Int64("dropped", s.stats.Relations.Dropped),
		zap.Int64("unsupported", s.stats.Relations.Unsupported),
	)
	return nil
}

func (s *Session) assemble(ctx context.Context, store staging.Store, onFeature assemble.EmitFunc, prog *progress) (err error) {
	ctx, span := tracing.Start(ctx, "assemble")
	defer func() { tracing.End(span, err) }()

	start := time.Now()
	a := assemble.New(store)
	err = a.Run(ctx, func(f *geojson.Feature) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onFeature(f); err != nil {
			return fmt.Errorf("feature %v rejected: %w", f.ID, err)
		}
		prog.emit()
		return nil
	})

	s.stats.AssembleDuration = time.Since(start)
	s.stats.Features = a.Emitted()
	s.stats.ByGeometry = a.ByGeometry()
	s.stats.Diagnostics = a.Diagnostics()
	metrics.RecordFeatures(s.stats.ByGeometry)
	if err != nil {
		return err
	}

	if s.stats.Features != s.stats.Emittable {
		s.log.Warn("Emitted feature count differs from staged count",
			zap.Int64("emitted", s.stats.Features),
			zap.Int64("emittable", s.stats.Emittable),
		)
	}
	return nil
}

// advance counts one ingested element and logs progress now and then
func (s *Session) advance(prog *progress, pass string) {
	prog.ingest()
	if prog.ingested%logEvery != 0 {
		return
	}
	snap := prog.snapshot()
	s.log.Debug("Progress",
		zap.String("pass", pass),
		zap.Int64("elements", prog.ingested),
		zap.String("done", fmt.Sprintf("%.1f%%", snap.Fraction*100)),
		zap.String("rate", FormatThroughput(snap.Throughput)),
		zap.String("eta", FormatETA(snap.ETA)),
	)
}
