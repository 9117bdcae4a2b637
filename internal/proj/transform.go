// Package proj reprojects emitted geometries from WGS84 to Web Mercator.
package proj

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// SRID constants for common projections
const (
	SRID4326 = 4326 // WGS84 (lat/lon)
	SRID3857 = 3857 // Web Mercator
)

const (
	earthRadius = 6378137.0
	maxExtent   = 20037508.342789244
	maxLat      = 85.06
)

// Transformer reprojects orb geometries from 4326 to the target SRID
type Transformer struct {
	target int
}

// NewTransformer creates a transformer to target. Only 4326 and 3857 are
// supported.
func NewTransformer(target int) (*Transformer, error) {
	if target != SRID4326 && target != SRID3857 {
		return nil, fmt.Errorf("unsupported target SRID: %d (only 4326 and 3857 supported)", target)
	}
	return &Transformer{target: target}, nil
}

// SRID returns the target SRID
func (t *Transformer) SRID() int {
	return t.target
}

// NeedsTransform returns true if Apply changes coordinates
func (t *Transformer) NeedsTransform() bool {
	return t.target != SRID4326
}

// Apply reprojects g. Slices are rewritten in place; a Point is returned as
// a new value, so callers must use the result.
func (t *Transformer) Apply(g orb.Geometry) orb.Geometry {
	if !t.NeedsTransform() || g == nil {
		return g
	}

	switch g := g.(type) {
	case orb.Point:
		return mercator(g)
	case orb.MultiPoint:
		points(g)
	case orb.LineString:
		points(g)
	case orb.Ring:
		points(g)
	case orb.MultiLineString:
		for _, ls := range g {
			points(ls)
		}
	case orb.Polygon:
		for _, r := range g {
			points(r)
		}
	case orb.MultiPolygon:
		for _, p := range g {
			for _, r := range p {
				points(r)
			}
		}
	case orb.Collection:
		for i := range g {
			g[i] = t.Apply(g[i])
		}
	}
	return g
}

func points(ps []orb.Point) {
	for i := range ps {
		ps[i] = mercator(ps[i])
	}
}

// mercator converts a (lon, lat) point to Web Mercator meters. Latitude is
// clamped to keep y finite at the poles.
func mercator(p orb.Point) orb.Point {
	lat := math.Max(-maxLat, math.Min(maxLat, p[1]))
	return orb.Point{
		p[0] * maxExtent / 180.0,
		math.Log(math.Tan(math.Pi/4.0+lat*math.Pi/360.0)) * earthRadius,
	}
}

// ParseSRID parses "4326", "3857", "EPSG:4326" or "EPSG:3857"
func ParseSRID(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(s), "EPSG:"))
	if err != nil || (n != SRID4326 && n != SRID3857) {
		return 0, fmt.Errorf("unsupported projection: %s (supported: 4326, 3857)", s)
	}
	return n, nil
}
