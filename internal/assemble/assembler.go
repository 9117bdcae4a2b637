// Package assemble builds GeoJSON features from a fully staged store.
//
// Assembly runs three passes: standalone nodes, linked relations, then the
// ways no relation absorbed. Each emitted feature comes from a per-kind
// template and pooled coordinate buffers, so it is only valid until the
// callback returns. Callers that keep features must Clone them.
package assemble

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/osm"

	"github.com/wegman-software/overpass2geojson/internal/staging"
)

// Source is the read side of the staging store
type Source interface {
	IterateNodes(ctx context.Context, f staging.Filter, fn func(staging.Node) error) error
	IterateWays(ctx context.Context, f staging.Filter, fn func(staging.Way) error) error
	IterateRelations(ctx context.Context, f staging.Filter, fn func(staging.Relation) error) error
	RelationWays(ctx context.Context, id osm.RelationID) ([]staging.RelationWay, error)
}

// EmitFunc receives each feature. A non-nil error stops assembly.
type EmitFunc func(f *geojson.Feature) error

// Diagnostics counts topology problems found during assembly
type Diagnostics struct {
	DanglingChains      int64 // ring chains that could not be closed
	UnplacedInners      int64 // inner rings outside every outer ring
	DegenerateRelations int64 // single-outer relations emitted as their way
	DegradedRelations   int64 // area relations without a closed outer ring
	EmptyRelations      int64 // linked relations without member geometry
}

// Assembler turns staged rows into features
type Assembler struct {
	src       Source
	templates *templates
	buf       buffers

	outerJoin, innerJoin   joiner
	outer, inner, open     []Chain
	outerRings, innerRings []orb.Ring

	diag       Diagnostics
	emitted    int64
	byGeometry map[string]int64
}

// New creates an assembler over src
func New(src Source) *Assembler {
	return &Assembler{
		src:        src,
		templates:  newTemplates(),
		byGeometry: make(map[string]int64),
	}
}

// Run executes the node, relation and way passes in order
func (a *Assembler) Run(ctx context.Context, emit EmitFunc) error {
	if err := a.Nodes(ctx, emit); err != nil {
		return err
	}
	if err := a.Relations(ctx, emit); err != nil {
		return err
	}
	return a.Ways(ctx, emit)
}

// Nodes emits a Point for every node that is interesting or in no way
func (a *Assembler) Nodes(ctx context.Context, emit EmitFunc) error {
	return a.src.IterateNodes(ctx, staging.Emittable, func(n staging.Node) error {
		return a.emit(emit, n.ID.FeatureID(), n.Tags, orb.Point{n.Lon, n.Lat})
	})
}

// Relations emits one feature per linked relation
func (a *Assembler) Relations(ctx context.Context, emit EmitFunc) error {
	return a.src.IterateRelations(ctx, staging.Emittable, func(r staging.Relation) error {
		rows, err := a.src.RelationWays(ctx, r.ID)
		if err != nil {
			return err
		}
		if r.IsArea() {
			return a.area(r, rows, emit)
		}
		return a.linear(r, rows, emit)
	})
}

// Ways emits every way not absorbed by a relation
func (a *Assembler) Ways(ctx context.Context, emit EmitFunc) error {
	return a.src.IterateWays(ctx, staging.Emittable, func(w staging.Way) error {
		var g orb.Geometry
		if w.IsPolygon {
			g = orb.Polygon{Rewind(a.buf.ring(w.Nodes), true)}
		} else {
			g = a.buf.line(w.Nodes)
		}
		return a.emit(emit, w.ID.FeatureID(), w.Tags, g)
	})
}

func (a *Assembler) linear(r staging.Relation, rows []staging.RelationWay, emit EmitFunc) error {
	a.outer = a.outer[:0]
	for _, rw := range rows {
		a.outer = append(a.outer, rw.Nodes)
	}
	joined := a.outerJoin.join(a.outer)
	return a.emit(emit, r.ID.FeatureID(), r.Tags, a.lines(joined.Chains))
}

func (a *Assembler) area(r staging.Relation, rows []staging.RelationWay, emit EmitFunc) error {
	id := r.ID.FeatureID()
	t := r.Tags
	if r.Degenerate {
		for _, rw := range rows {
			if rw.IsOuter() {
				id, t = rw.WayID.FeatureID(), rw.Tags
				break
			}
		}
		a.diag.DegenerateRelations++
	}

	a.outer, a.inner = a.outer[:0], a.inner[:0]
	for _, rw := range rows {
		switch {
		case rw.IsOuter():
			a.outer = append(a.outer, rw.Nodes)
		case rw.IsInner():
			a.inner = append(a.inner, rw.Nodes)
		}
	}

	outerJoined := a.outerJoin.join(a.outer)
	innerJoined := a.innerJoin.join(a.inner)
	a.diag.DanglingChains += int64(outerJoined.Dangling + innerJoined.Dangling)

	a.open = a.open[:0]
	a.outerRings = a.outerRings[:0]
	for _, c := range outerJoined.Chains {
		if isRing(c) {
			a.outerRings = append(a.outerRings, Rewind(a.buf.ring(c), true))
		} else {
			a.open = append(a.open, c)
		}
	}

	if len(a.outerRings) == 0 {
		a.diag.DegradedRelations++
		a.open = append(a.open, innerJoined.Chains...)
		return a.emit(emit, id, t, a.lines(a.open))
	}

	a.innerRings = a.innerRings[:0]
	for _, c := range innerJoined.Chains {
		if isRing(c) {
			a.innerRings = append(a.innerRings, Rewind(a.buf.ring(c), false))
		}
	}

	polys, unplaced := Nest(a.outerRings, a.innerRings)
	a.diag.UnplacedInners += int64(unplaced)

	var g orb.Geometry
	if len(polys) == 1 {
		g = polys[0]
	} else {
		g = orb.MultiPolygon(polys)
	}
	return a.emit(emit, id, t, g)
}

// lines builds a LineString, MultiLineString or empty collection
func (a *Assembler) lines(chains []Chain) orb.Geometry {
	switch len(chains) {
	case 0:
		a.diag.EmptyRelations++
		return orb.Collection{}
	case 1:
		return a.buf.line(chains[0])
	}
	mls := make(orb.MultiLineString, len(chains))
	for i, c := range chains {
		mls[i] = a.buf.line(c)
	}
	return mls
}

func (a *Assembler) emit(emit EmitFunc, id osm.FeatureID, t osm.Tags, g orb.Geometry) error {
	f := a.templates.fill(id, t, g)
	err := emit(f)
	a.buf.reset()
	if err != nil {
		return err
	}
	a.emitted++
	a.byGeometry[g.GeoJSONType()]++
	return nil
}

// Diagnostics returns topology counters collected so far
func (a *Assembler) Diagnostics() Diagnostics {
	return a.diag
}

// Emitted returns the number of features handed to the callback
func (a *Assembler) Emitted() int64 {
	return a.emitted
}

// ByGeometry returns emitted feature counts per GeoJSON geometry type
func (a *Assembler) ByGeometry() map[string]int64 {
	out := make(map[string]int64, len(a.byGeometry))
	for k, v := range a.byGeometry {
		out[k] = v
	}
	return out
}
