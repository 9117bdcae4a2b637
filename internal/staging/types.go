package staging

import (
	"fmt"

	"github.com/paulmach/osm"
)

// Coord is a resolved node position. Ways and relation ways keep their own
// copies, so later node mutation never reaches them.
type Coord struct {
	ID  osm.NodeID
	Lat float64
	Lon float64
}

// Node is a staged OSM node
type Node struct {
	ID          osm.NodeID
	Lat         float64
	Lon         float64
	Tags        osm.Tags
	Interesting bool
	InWay       bool
}

// Coord returns the node position
func (n Node) Coord() Coord {
	return Coord{ID: n.ID, Lat: n.Lat, Lon: n.Lon}
}

// Way is a staged way whose member nodes all resolved at ingest time
type Way struct {
	ID          osm.WayID
	Tags        osm.Tags
	Interesting bool
	IsPolygon   bool
	Skip        bool
	Nodes       []Coord
}

// Closed reports whether the first and last node are the same node
func (w Way) Closed() bool {
	return len(w.Nodes) > 1 && w.Nodes[0].ID == w.Nodes[len(w.Nodes)-1].ID
}

// Relation kinds with structural handling
const (
	KindRoute        = "route"
	KindWaterway     = "waterway"
	KindMultipolygon = "multipolygon"
	KindBoundary     = "boundary"
)

// Relation is a staged relation. Every relation is written; only linked ones
// have RelationWay rows and are emitted.
type Relation struct {
	ID          osm.RelationID
	Tags        osm.Tags
	Kind        string // value of the type tag
	Interesting bool
	Linked      bool
	Degenerate  bool // single outer way emitted under the way's identity
}

// IsLinear reports whether the relation assembles into lines
func (r Relation) IsLinear() bool {
	return r.Kind == KindRoute || r.Kind == KindWaterway
}

// IsArea reports whether the relation assembles into polygons
func (r Relation) IsArea() bool {
	return r.Kind == KindMultipolygon || r.Kind == KindBoundary
}

// RelationWay is an immutable join row between a linked relation and one of
// its member ways, with the way's tags and coordinates at link time.
type RelationWay struct {
	RelationID osm.RelationID
	Seq        int // member order within the relation
	WayID      osm.WayID
	Role       string
	Tags       osm.Tags
	Nodes      []Coord
}

// IsOuter reports whether the member counts as an outer ring
func (rw RelationWay) IsOuter() bool {
	return IsOuterRole(rw.Role)
}

// IsInner reports whether the member is an inner ring
func (rw RelationWay) IsInner() bool {
	return IsInnerRole(rw.Role)
}

// IsOuterRole reports whether an area relation member role is outer. Empty
// roles are treated as outer.
func IsOuterRole(role string) bool {
	return role == "outer" || role == ""
}

// IsInnerRole reports whether an area relation member role is inner
func IsInnerRole(role string) bool {
	return role == "inner"
}

// Filter selects rows during iteration
type Filter int

const (
	// All rows in id order
	All Filter = iota
	// Emittable rows: nodes that are interesting or in no way, linked
	// relations, and ways not skipped.
	Emittable
)

// WriteError is a row-level staging failure. It is recorded and the row is
// skipped; the surrounding batch still commits.
type WriteError struct {
	Table string
	ID    int64
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("staging %s row %d: %v", e.Table, e.ID, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Stats holds staging counters for one session
type Stats struct {
	Nodes        int64
	Ways         int64
	Relations    int64
	RelationWays int64
	WriteErrors  int64
	CacheHits    int64
	CacheMisses  int64
}
