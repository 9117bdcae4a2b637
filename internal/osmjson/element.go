package osmjson

import (
	"github.com/paulmach/osm"

	"github.com/wegman-software/overpass2geojson/internal/tags"
)

// rawElement is one entry of the Overpass "elements" array. Fields the
// conversion does not use (timestamp, version, geometry, bounds, ...) are
// left to the decoder to skip.
type rawElement struct {
	Type    osm.Type          `json:"type"`
	ID      int64             `json:"id"`
	Lat     float64           `json:"lat"`
	Lon     float64           `json:"lon"`
	Nodes   []int64           `json:"nodes"`
	Members []rawMember       `json:"members"`
	Tags    map[string]string `json:"tags"`
}

type rawMember struct {
	Type osm.Type `json:"type"`
	Ref  int64    `json:"ref"`
	Role string   `json:"role"`
}

func (e *rawElement) reset() {
	*e = rawElement{Nodes: e.Nodes[:0], Members: e.Members[:0]}
}

// object converts the decoded element to its paulmach/osm counterpart.
// Slices are copied, so the rawElement buffers can be reused.
func (e *rawElement) object() osm.Object {
	switch e.Type {
	case osm.TypeNode:
		return &osm.Node{
			ID:   osm.NodeID(e.ID),
			Lat:  e.Lat,
			Lon:  e.Lon,
			Tags: tags.FromMap(e.Tags),
		}
	case osm.TypeWay:
		nodes := make(osm.WayNodes, len(e.Nodes))
		for i, id := range e.Nodes {
			nodes[i] = osm.WayNode{ID: osm.NodeID(id)}
		}
		return &osm.Way{
			ID:    osm.WayID(e.ID),
			Nodes: nodes,
			Tags:  tags.FromMap(e.Tags),
		}
	case osm.TypeRelation:
		members := make(osm.Members, len(e.Members))
		for i, m := range e.Members {
			members[i] = osm.Member{Type: m.Type, Ref: m.Ref, Role: m.Role}
		}
		return &osm.Relation{
			ID:      osm.RelationID(e.ID),
			Members: members,
			Tags:    tags.FromMap(e.Tags),
		}
	}
	return nil
}

// Counts holds per-type element counts for one pass over a file
type Counts struct {
	Nodes     int64
	Ways      int64
	Relations int64
	Skipped   int64 // elements of other types (areas, counts, ...)
}

// Total returns the number of node, way and relation elements
func (c Counts) Total() int64 {
	return c.Nodes + c.Ways + c.Relations
}

func (c *Counts) add(t osm.Type) {
	switch t {
	case osm.TypeNode:
		c.Nodes++
	case osm.TypeWay:
		c.Ways++
	case osm.TypeRelation:
		c.Relations++
	default:
		c.Skipped++
	}
}
