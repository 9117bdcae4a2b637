package convert

import (
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/overpass2geojson/internal/assemble"
	"github.com/wegman-software/overpass2geojson/internal/osmjson"
	"github.com/wegman-software/overpass2geojson/internal/resolve"
	"github.com/wegman-software/overpass2geojson/internal/staging"
)

// Stats summarises one conversion
type Stats struct {
	Elements    osmjson.Counts
	Ways        resolve.Counts
	Relations   resolve.Counts
	Staging     staging.Stats
	Emittable   int64
	Features    int64
	ByGeometry  map[string]int64
	Diagnostics assemble.Diagnostics

	IngestDuration   time.Duration
	AssembleDuration time.Duration
	Duration         time.Duration
}

func (s Stats) fields() []zap.Field {
	return []zap.Field{
		zap.Int64("nodes", s.Elements.Nodes),
		zap.Int64("ways", s.Elements.Ways),
		zap.Int64("relations", s.Elements.Relations),
		zap.Int64("ways_dropped", s.Ways.Dropped+s.Ways.Invalid),
		zap.Int64("relations_dropped", s.Relations.Dropped),
		zap.Int64("write_errors", s.Staging.WriteErrors),
		zap.Int64("features", s.Features),
		zap.Any("geometries", s.ByGeometry),
		zap.Int64("dangling_chains", s.Diagnostics.DanglingChains),
		zap.Int64("unplaced_inners", s.Diagnostics.UnplacedInners),
		zap.Duration("ingest", s.IngestDuration.Round(time.Millisecond)),
		zap.Duration("assemble", s.AssembleDuration.Round(time.Millisecond)),
	}
}
