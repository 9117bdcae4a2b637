package assemble

import (
	"context"
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/osm"

	"github.com/wegman-software/overpass2geojson/internal/resolve"
	"github.com/wegman-software/overpass2geojson/internal/staging"
)

type fixture struct {
	t     *testing.T
	store *staging.Memory
	ways  *resolve.WayResolver
	rels  *resolve.RelationResolver
}

func newFixture(t *testing.T) *fixture {
	s := staging.NewMemory()
	var nodes []staging.Node
	for id, p := range grid {
		nodes = append(nodes, staging.Node{ID: id, Lon: p[0], Lat: p[1]})
	}
	if _, err := s.InsertNodeBatch(context.Background(), nodes); err != nil {
		t.Fatal(err)
	}
	return &fixture{t: t, store: s, ways: resolve.NewWayResolver(s, nil), rels: resolve.NewRelationResolver(s)}
}

func (f *fixture) way(id osm.WayID, t osm.Tags, nodes ...osm.NodeID) {
	f.t.Helper()
	w := &osm.Way{ID: id, Tags: t}
	for _, n := range nodes {
		w.Nodes = append(w.Nodes, osm.WayNode{ID: n})
	}
	if _, err := f.ways.Resolve(context.Background(), w); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) relation(id osm.RelationID, t osm.Tags, members ...osm.Member) {
	f.t.Helper()
	if _, err := f.rels.Resolve(context.Background(), &osm.Relation{ID: id, Tags: t, Members: members}); err != nil {
		f.t.Fatal(err)
	}
}

// run flushes skip marks, assembles and returns cloned features by id
func (f *fixture) run() (map[string]*geojson.Feature, *Assembler) {
	f.t.Helper()
	ctx := context.Background()
	if err := f.store.FlushSkips(ctx); err != nil {
		f.t.Fatal(err)
	}

	want, err := f.store.CountEmittable(ctx)
	if err != nil {
		f.t.Fatal(err)
	}

	out := map[string]*geojson.Feature{}
	a := New(f.store)
	calls := int64(0)
	err = a.Run(ctx, func(feat *geojson.Feature) error {
		calls++
		out[feat.ID.(string)] = Clone(feat)
		return nil
	})
	if err != nil {
		f.t.Fatalf("Run failed: %v", err)
	}
	if calls != want || a.Emitted() != want {
		f.t.Errorf("emitted %d features, CountEmittable() = %d", calls, want)
	}
	return out, a
}

func wm(ref int64, role string) osm.Member {
	return osm.Member{Type: osm.TypeWay, Ref: ref, Role: role}
}

var (
	mp    = osm.Tag{Key: "type", Value: "multipolygon"}
	route = osm.Tag{Key: "type", Value: "route"}
)

func TestBuildingWayEmitsPolygon(t *testing.T) {
	f := newFixture(t)
	f.way(100, osm.Tags{{Key: "building", Value: "yes"}}, 1, 2, 3, 1)

	feats, _ := f.run()
	feat := feats["way/100"]
	if feat == nil {
		t.Fatalf("way/100 not emitted; got %d features", len(feats))
	}
	poly, ok := feat.Geometry.(orb.Polygon)
	if !ok {
		t.Fatalf("expected Polygon, got %T", feat.Geometry)
	}
	if len(poly) != 1 || len(poly[0]) != 4 || poly[0][0] != poly[0][3] {
		t.Errorf("expected one closed ring of 4 positions, got %v", poly)
	}
	if poly[0].Orientation() != orb.CCW {
		t.Error("outer ring must be counter-clockwise")
	}
	if feat.Properties["building"] != "yes" || feat.Properties["type"] != "way" {
		t.Errorf("unexpected properties %v", feat.Properties)
	}
	// vertices of the way are not standalone features
	if _, ok := feats["node/1"]; ok {
		t.Error("plain vertex emitted as a node feature")
	}
}

func TestStandaloneNodes(t *testing.T) {
	f := newFixture(t)
	f.store.InsertNodeBatch(context.Background(), []staging.Node{
		{ID: 50, Lat: 1.5, Lon: 2.5, Tags: osm.Tags{{Key: "amenity", Value: "cafe"}}, Interesting: true},
	})
	f.way(100, nil, 1, 2)

	feats, _ := f.run()
	feat := feats["node/50"]
	if feat == nil {
		t.Fatal("node/50 not emitted")
	}
	if p, ok := feat.Geometry.(orb.Point); !ok || p != (orb.Point{2.5, 1.5}) {
		t.Errorf("expected Point(2.5 1.5), got %v", feat.Geometry)
	}
	if feat.Properties["type"] != "node" || feat.Properties["amenity"] != "cafe" {
		t.Errorf("unexpected properties %v", feat.Properties)
	}
	// untouched nodes are not in any way either
	if feats["node/9"] == nil {
		t.Error("node outside every way should be emitted")
	}
}

func TestRouteJoinsSegments(t *testing.T) {
	f := newFixture(t)
	f.way(100, nil, 1, 2)
	f.way(101, nil, 3, 2) // shares node 2, reversed
	f.relation(500, osm.Tags{route, {Key: "route", Value: "hiking"}}, wm(100, ""), wm(101, ""))

	feats, _ := f.run()
	feat := feats["relation/500"]
	if feat == nil {
		t.Fatal("relation/500 not emitted")
	}
	ls, ok := feat.Geometry.(orb.LineString)
	if !ok {
		t.Fatalf("expected one LineString, got %T", feat.Geometry)
	}
	if len(ls) != 3 {
		t.Errorf("expected 3 positions, got %v", ls)
	}
	if feats["way/100"] != nil || feats["way/101"] != nil {
		t.Error("route members should be absorbed")
	}
	if feat.Properties["route"] != "hiking" || feat.Properties["type"] != "relation" {
		t.Errorf("unexpected properties %v", feat.Properties)
	}
}

func TestRouteWithGapIsMultiLineString(t *testing.T) {
	f := newFixture(t)
	f.way(100, nil, 1, 2)
	f.way(101, nil, 9, 10)
	f.relation(500, osm.Tags{route}, wm(100, ""), wm(101, ""))

	feats, _ := f.run()
	if mls, ok := feats["relation/500"].Geometry.(orb.MultiLineString); !ok || len(mls) != 2 {
		t.Errorf("expected MultiLineString of 2, got %v", feats["relation/500"].Geometry)
	}
}

func TestDegenerateMultipolygonEmitsWay(t *testing.T) {
	f := newFixture(t)
	f.way(100, osm.Tags{{Key: "landuse", Value: "grass"}}, 1, 2, 3, 4, 1)
	f.relation(500, osm.Tags{mp}, wm(100, "outer"))

	feats, a := f.run()
	if len(feats) != 8 { // way/100 plus the seven nodes outside it
		t.Errorf("expected 8 features, got %d", len(feats))
	}
	if feats["relation/500"] != nil {
		t.Error("degenerate relation must not be emitted under its own id")
	}
	feat := feats["way/100"]
	if feat == nil {
		t.Fatal("way/100 not emitted")
	}
	if feat.Properties["landuse"] != "grass" || feat.Properties["type"] != "way" || len(feat.Properties) != 2 {
		t.Errorf("expected the way's properties, got %v", feat.Properties)
	}
	if _, ok := feat.Geometry.(orb.Polygon); !ok {
		t.Errorf("expected Polygon, got %T", feat.Geometry)
	}
	if a.Diagnostics().DegenerateRelations != 1 {
		t.Errorf("unexpected diagnostics %+v", a.Diagnostics())
	}
}

func TestMultipolygonWithHole(t *testing.T) {
	f := newFixture(t)
	// outer ring split over two ways, inner ring drawn counter-clockwise
	f.way(100, nil, 1, 2, 3)
	f.way(101, nil, 3, 4, 1)
	f.way(102, nil, 5, 6, 7, 8, 5)
	f.relation(500, osm.Tags{mp, {Key: "natural", Value: "water"}}, wm(100, "outer"), wm(101, "outer"), wm(102, "inner"))

	feats, a := f.run()
	feat := feats["relation/500"]
	if feat == nil {
		t.Fatal("relation/500 not emitted")
	}
	poly, ok := feat.Geometry.(orb.Polygon)
	if !ok {
		t.Fatalf("expected Polygon, got %T", feat.Geometry)
	}
	if len(poly) != 2 {
		t.Fatalf("expected outer ring plus hole, got %d rings", len(poly))
	}
	if poly[0].Orientation() != orb.CCW || poly[1].Orientation() != orb.CW {
		t.Error("expected ccw outer and cw inner")
	}
	for _, id := range []string{"way/100", "way/101", "way/102"} {
		if feats[id] != nil {
			t.Errorf("%s should be absorbed by the multipolygon", id)
		}
	}
	if d := a.Diagnostics(); d.DanglingChains != 0 || d.UnplacedInners != 0 {
		t.Errorf("unexpected diagnostics %+v", d)
	}
}

func TestTwoOutersMakeMultiPolygon(t *testing.T) {
	f := newFixture(t)
	f.way(100, nil, 1, 2, 3, 4, 1)
	f.way(101, nil, 9, 10, 11, 9)
	f.relation(500, osm.Tags{mp, {Key: "landuse", Value: "forest"}}, wm(100, "outer"), wm(101, "outer"))

	feats, _ := f.run()
	if mp, ok := feats["relation/500"].Geometry.(orb.MultiPolygon); !ok || len(mp) != 2 {
		t.Errorf("expected MultiPolygon of 2, got %v", feats["relation/500"].Geometry)
	}
}

func TestOpenOuterDegradesToLines(t *testing.T) {
	f := newFixture(t)
	f.way(100, nil, 1, 2, 3)
	f.relation(500, osm.Tags{mp, {Key: "natural", Value: "wood"}}, wm(100, "outer"))

	feats, a := f.run()
	if _, ok := feats["relation/500"].Geometry.(orb.LineString); !ok {
		t.Errorf("expected LineString fallback, got %T", feats["relation/500"].Geometry)
	}
	if d := a.Diagnostics(); d.DegradedRelations != 1 || d.DanglingChains == 0 {
		t.Errorf("unexpected diagnostics %+v", d)
	}
}

func TestRouteWithoutWaysEmitsEmptyCollection(t *testing.T) {
	f := newFixture(t)
	f.relation(500, osm.Tags{route}, osm.Member{Type: osm.TypeNode, Ref: 1, Role: "stop"})

	feats, a := f.run()
	if c, ok := feats["relation/500"].Geometry.(orb.Collection); !ok || len(c) != 0 {
		t.Errorf("expected empty GeometryCollection, got %v", feats["relation/500"].Geometry)
	}
	if a.Diagnostics().EmptyRelations != 1 {
		t.Errorf("unexpected diagnostics %+v", a.Diagnostics())
	}
	if a.ByGeometry()["GeometryCollection"] != 1 {
		t.Errorf("unexpected geometry counts %v", a.ByGeometry())
	}
}

func TestTemplatesAreReused(t *testing.T) {
	f := newFixture(t)
	f.way(100, nil, 1, 2)
	f.way(101, nil, 3, 4)
	f.store.FlushSkips(context.Background())

	var seen []*geojson.Feature
	a := New(f.store)
	err := a.Ways(context.Background(), func(feat *geojson.Feature) error {
		seen = append(seen, feat)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[0] != seen[1] {
		t.Error("expected the same template for features of one kind")
	}
}

func TestEmitErrorStops(t *testing.T) {
	f := newFixture(t)
	stop := errors.New("sink full")
	calls := 0
	err := New(f.store).Run(context.Background(), func(*geojson.Feature) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected assembly to stop after the failing callback, got %d calls", calls)
	}
}
