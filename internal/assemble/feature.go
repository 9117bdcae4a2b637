package assemble

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/osm"
)

// templates holds one reusable feature per geometry kind
type templates struct {
	byKind map[string]*geojson.Feature
}

func newTemplates() *templates {
	return &templates{byKind: make(map[string]*geojson.Feature, 6)}
}

// fill loads the template for g's kind with a new identity and properties
func (t *templates) fill(id osm.FeatureID, tags osm.Tags, g orb.Geometry) *geojson.Feature {
	kind := g.GeoJSONType()
	f, ok := t.byKind[kind]
	if !ok {
		f = geojson.NewFeature(g)
		t.byKind[kind] = f
	}

	f.ID = id.String()
	f.Geometry = g
	clear(f.Properties)
	for _, tag := range tags {
		f.Properties[tag.Key] = tag.Value
	}
	f.Properties["type"] = string(id.Type())
	return f
}

// Clone deep-copies a feature so it can be kept after the callback returns
func Clone(f *geojson.Feature) *geojson.Feature {
	c := geojson.NewFeature(orb.Clone(f.Geometry))
	c.ID = f.ID
	c.Properties = f.Properties.Clone()
	if f.BBox != nil {
		c.BBox = append(geojson.BBox(nil), f.BBox...)
	}
	return c
}

// buffers pools coordinate containers. Everything handed out is reclaimed by
// reset once the feature using it has been consumed.
type buffers struct {
	rings []orb.Ring
	nr    int
	lines []orb.LineString
	nl    int
}

func (b *buffers) ring(c Chain) orb.Ring {
	if b.nr == len(b.rings) {
		b.rings = append(b.rings, make(orb.Ring, 0, len(c)))
	}
	r := b.rings[b.nr][:0]
	for _, p := range c {
		r = append(r, orb.Point{p.Lon, p.Lat})
	}
	b.rings[b.nr] = r
	b.nr++
	return r
}

func (b *buffers) line(c Chain) orb.LineString {
	if b.nl == len(b.lines) {
		b.lines = append(b.lines, make(orb.LineString, 0, len(c)))
	}
	l := b.lines[b.nl][:0]
	for _, p := range c {
		l = append(l, orb.Point{p.Lon, p.Lat})
	}
	b.lines[b.nl] = l
	b.nl++
	return l
}

func (b *buffers) reset() {
	b.nr = 0
	b.nl = 0
}
