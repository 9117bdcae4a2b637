// Package wkb encodes orb geometries as little-endian EWKB.
package wkb

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// WKB type constants (ISO SQL/MM specification)
const (
	wkbPoint              = 1
	wkbLineString         = 2
	wkbPolygon            = 3
	wkbMultiPoint         = 4
	wkbMultiLineString    = 5
	wkbMultiPolygon       = 6
	wkbGeometryCollection = 7

	// SRID flag for EWKB (PostGIS extended WKB)
	wkbSRIDFlag = 0x20000000
)

// Encoder writes EWKB into a reusable buffer. Only the outermost geometry
// carries the SRID.
type Encoder struct {
	buf  []byte
	srid uint32
}

// NewEncoder creates an encoder for srid with a pre-allocated buffer
func NewEncoder(initialSize, srid int) *Encoder {
	return &Encoder{
		buf:  make([]byte, 0, initialSize),
		srid: uint32(srid),
	}
}

// SRID returns the encoder's SRID
func (e *Encoder) SRID() int {
	return int(e.srid)
}

// Encode returns the EWKB of g. The slice is reused by the next call.
func (e *Encoder) Encode(g orb.Geometry) ([]byte, error) {
	e.buf = e.buf[:0]
	if err := e.geometry(g, true); err != nil {
		return nil, err
	}
	return e.buf, nil
}

func (e *Encoder) header(typ uint32, top bool) {
	e.buf = append(e.buf, 0x01) // little-endian
	if top {
		e.appendUint32(typ | wkbSRIDFlag)
		e.appendUint32(e.srid)
		return
	}
	e.appendUint32(typ)
}

func (e *Encoder) geometry(g orb.Geometry, top bool) error {
	switch g := g.(type) {
	case orb.Point:
		e.header(wkbPoint, top)
		e.appendPoint(g)
	case orb.MultiPoint:
		e.header(wkbMultiPoint, top)
		e.appendUint32(uint32(len(g)))
		for _, p := range g {
			e.header(wkbPoint, false)
			e.appendPoint(p)
		}
	case orb.LineString:
		e.header(wkbLineString, top)
		e.appendPoints(g)
	case orb.Ring:
		e.header(wkbPolygon, top)
		e.appendUint32(1)
		e.appendPoints(g)
	case orb.Polygon:
		e.header(wkbPolygon, top)
		e.appendRings(g)
	case orb.MultiLineString:
		e.header(wkbMultiLineString, top)
		e.appendUint32(uint32(len(g)))
		for _, ls := range g {
			e.header(wkbLineString, false)
			e.appendPoints(ls)
		}
	case orb.MultiPolygon:
		e.header(wkbMultiPolygon, top)
		e.appendUint32(uint32(len(g)))
		for _, p := range g {
			e.header(wkbPolygon, false)
			e.appendRings(p)
		}
	case orb.Collection:
		e.header(wkbGeometryCollection, top)
		e.appendUint32(uint32(len(g)))
		for _, c := range g {
			if err := e.geometry(c, false); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported geometry type %T", g)
	}
	return nil
}

func (e *Encoder) appendRings(p orb.Polygon) {
	e.appendUint32(uint32(len(p)))
	for _, r := range p {
		e.appendPoints(r)
	}
}

func (e *Encoder) appendPoints(ps []orb.Point) {
	e.appendUint32(uint32(len(ps)))
	for _, p := range ps {
		e.appendPoint(p)
	}
}

func (e *Encoder) appendPoint(p orb.Point) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(p[0]))
	e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(p[1]))
}

func (e *Encoder) appendUint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}
