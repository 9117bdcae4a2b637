package wkb

import (
	"encoding/binary"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/ewkb"
)

func TestEncodeRoundTripsThroughEWKB(t *testing.T) {
	square := orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}
	hole := orb.Ring{{2, 2}, {2, 4}, {4, 4}, {4, 2}, {2, 2}}

	tests := []struct {
		name string
		geom orb.Geometry
	}{
		{"point", orb.Point{13.4, 52.5}},
		{"linestring", orb.LineString{{0, 0}, {1, 1}, {2, 0}}},
		{"polygon with hole", orb.Polygon{square, hole}},
		{"multilinestring", orb.MultiLineString{{{0, 0}, {1, 1}}, {{5, 5}, {6, 6}}}},
		{"multipolygon", orb.MultiPolygon{{square}, {hole}}},
		{"empty collection", orb.Collection{}},
		{"collection", orb.Collection{orb.Point{1, 2}, orb.LineString{{0, 0}, {1, 1}}}},
	}

	e := NewEncoder(64, 4326)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := e.Encode(tt.geom)
			if err != nil {
				t.Fatal(err)
			}
			got, srid, err := ewkb.Unmarshal(data)
			if err != nil {
				t.Fatalf("encoded bytes do not decode: %v", err)
			}
			if srid != 4326 {
				t.Errorf("srid = %d, want 4326", srid)
			}
			if !orb.Equal(got, tt.geom) {
				t.Errorf("decoded %v, want %v", got, tt.geom)
			}
		})
	}
}

func TestEncodeHeader(t *testing.T) {
	data, err := NewEncoder(0, 3857).Encode(orb.Point{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 25 {
		t.Fatalf("point EWKB should be 25 bytes, got %d", len(data))
	}
	if data[0] != 0x01 {
		t.Error("expected little-endian byte order marker")
	}
	if typ := binary.LittleEndian.Uint32(data[1:5]); typ != wkbPoint|wkbSRIDFlag {
		t.Errorf("type = %#x, want point with SRID flag", typ)
	}
	if srid := binary.LittleEndian.Uint32(data[5:9]); srid != 3857 {
		t.Errorf("srid = %d, want 3857", srid)
	}
}

func TestEncodeReusesBuffer(t *testing.T) {
	e := NewEncoder(128, 4326)
	a, _ := e.Encode(orb.Point{1, 1})
	b, _ := e.Encode(orb.Point{2, 2})
	if &a[0] != &b[0] {
		t.Error("expected the buffer to be reused between calls")
	}
}

func TestEncodeRejectsUnknownGeometry(t *testing.T) {
	if _, err := NewEncoder(0, 4326).Encode(orb.Bound{}); err == nil {
		t.Error("expected an error for orb.Bound")
	}
}
