package proj

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-3
}

func TestMercator(t *testing.T) {
	tests := []struct {
		name string
		in   orb.Point
		want orb.Point
	}{
		{"origin", orb.Point{0, 0}, orb.Point{0, 0}},
		{"antimeridian", orb.Point{180, 0}, orb.Point{maxExtent, 0}},
		{"berlin", orb.Point{13.4, 52.52}, orb.Point{1491681.18, 6894699.80}},
		{"pole is clamped", orb.Point{0, 90}, mercator(orb.Point{0, maxLat})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mercator(tt.in)
			if math.Abs(got[0]-tt.want[0]) > 1 || math.Abs(got[1]-tt.want[1]) > 1 {
				t.Errorf("mercator(%v) = %v, want %v", tt.in, got, tt.want)
			}
			if math.IsInf(got[1], 0) || math.IsNaN(got[1]) {
				t.Errorf("mercator(%v) is not finite", tt.in)
			}
		})
	}
}

func TestApplyGeometries(t *testing.T) {
	tr, err := NewTransformer(SRID3857)
	if err != nil {
		t.Fatal(err)
	}

	want := mercator(orb.Point{10, 10})
	check := func(name string, p orb.Point) {
		t.Helper()
		if !near(p[0], want[0]) || !near(p[1], want[1]) {
			t.Errorf("%s: got %v, want %v", name, p, want)
		}
	}

	check("point", tr.Apply(orb.Point{10, 10}).(orb.Point))

	ls := orb.LineString{{10, 10}, {10, 10}}
	tr.Apply(ls)
	check("linestring", ls[1])

	poly := orb.Polygon{{{10, 10}}, {{10, 10}}}
	tr.Apply(poly)
	check("polygon hole", poly[1][0])

	mp := orb.MultiPolygon{{{{10, 10}}}}
	tr.Apply(mp)
	check("multipolygon", mp[0][0][0])

	mls := orb.MultiLineString{{{10, 10}}}
	tr.Apply(mls)
	check("multilinestring", mls[0][0])

	c := orb.Collection{orb.Point{10, 10}}
	tr.Apply(c)
	check("collection", c[0].(orb.Point))
}

func TestIdentityTransform(t *testing.T) {
	tr, err := NewTransformer(SRID4326)
	if err != nil {
		t.Fatal(err)
	}
	if tr.NeedsTransform() {
		t.Error("4326 target should not need a transform")
	}
	ls := orb.LineString{{10, 10}}
	tr.Apply(ls)
	if ls[0] != (orb.Point{10, 10}) {
		t.Errorf("identity transform changed coordinates: %v", ls)
	}
}

func TestNewTransformerRejectsUnknown(t *testing.T) {
	if _, err := NewTransformer(27700); err == nil {
		t.Error("expected an error for an unsupported SRID")
	}
}

func TestParseSRID(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"4326", 4326, false},
		{"EPSG:3857", 3857, false},
		{"epsg:4326", 4326, false},
		{"900913", 0, true},
		{"mercator", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSRID(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSRID(%q) = %d, %v", tt.in, got, err)
		}
	}
}
