package staging

import (
	"context"
	"errors"
	"slices"

	"github.com/paulmach/osm"
)

var errDuplicateID = errors.New("duplicate id")

// Memory is an in-process engine backed by maps. Iteration sorts ids on each
// call, so it suits small inputs and tests.
type Memory struct {
	nodes        map[osm.NodeID]*Node
	ways         map[osm.WayID]*Way
	relations    map[osm.RelationID]*Relation
	relationWays map[osm.RelationID][]RelationWay
	pendingSkips []osm.WayID
	stats        Stats
}

// NewMemory creates an empty memory store
func NewMemory() *Memory {
	return &Memory{
		nodes:        make(map[osm.NodeID]*Node),
		ways:         make(map[osm.WayID]*Way),
		relations:    make(map[osm.RelationID]*Relation),
		relationWays: make(map[osm.RelationID][]RelationWay),
	}
}

func (m *Memory) InsertNodeBatch(ctx context.Context, nodes []Node) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	inserted := 0
	for i := range nodes {
		n := nodes[i]
		if _, ok := m.nodes[n.ID]; ok {
			m.recordError("nodes", int64(n.ID))
			continue
		}
		m.nodes[n.ID] = &n
		inserted++
	}
	m.stats.Nodes += int64(inserted)
	return inserted, nil
}

func (m *Memory) ResolveNode(ctx context.Context, id osm.NodeID) (Coord, bool, error) {
	n, ok := m.nodes[id]
	if !ok {
		return Coord{}, false, nil
	}
	return n.Coord(), true, nil
}

func (m *Memory) MarkInWay(ctx context.Context, id osm.NodeID) error {
	if n, ok := m.nodes[id]; ok {
		n.InWay = true
	}
	return nil
}

func (m *Memory) MarkInteresting(ctx context.Context, id osm.NodeID) error {
	if n, ok := m.nodes[id]; ok {
		n.Interesting = true
	}
	return nil
}

func (m *Memory) IterateNodes(ctx context.Context, f Filter, fn func(Node) error) error {
	for _, id := range sortedKeys(m.nodes) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := m.nodes[id]
		if f == Emittable && !n.Interesting && n.InWay {
			continue
		}
		if err := fn(*n); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) WriteWay(ctx context.Context, w Way) error {
	if _, ok := m.ways[w.ID]; ok {
		m.recordError("ways", int64(w.ID))
		return nil
	}
	w.Nodes = slices.Clone(w.Nodes)
	m.ways[w.ID] = &w
	m.stats.Ways++
	return nil
}

func (m *Memory) GetWay(ctx context.Context, id osm.WayID) (Way, bool, error) {
	w, ok := m.ways[id]
	if !ok {
		return Way{}, false, nil
	}
	return *w, true, nil
}

func (m *Memory) MarkSkip(ctx context.Context, id osm.WayID, batched bool) error {
	if batched {
		m.pendingSkips = append(m.pendingSkips, id)
		return nil
	}
	if w, ok := m.ways[id]; ok {
		w.Skip = true
	}
	return nil
}

func (m *Memory) FlushSkips(ctx context.Context) error {
	for _, id := range m.pendingSkips {
		if w, ok := m.ways[id]; ok {
			w.Skip = true
		}
	}
	m.pendingSkips = m.pendingSkips[:0]
	return nil
}

func (m *Memory) IterateWays(ctx context.Context, f Filter, fn func(Way) error) error {
	for _, id := range sortedKeys(m.ways) {
		if err := ctx.Err(); err != nil {
			return err
		}
		w := m.ways[id]
		if f == Emittable && w.Skip {
			continue
		}
		if err := fn(*w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) WriteRelation(ctx context.Context, r Relation) error {
	if _, ok := m.relations[r.ID]; ok {
		m.recordError("relations", int64(r.ID))
		return nil
	}
	m.relations[r.ID] = &r
	m.stats.Relations++
	return nil
}

func (m *Memory) WriteRelationWay(ctx context.Context, rw RelationWay) error {
	for _, existing := range m.relationWays[rw.RelationID] {
		if existing.Seq == rw.Seq {
			m.recordError("relation_ways", int64(rw.RelationID))
			return nil
		}
	}
	rw.Nodes = slices.Clone(rw.Nodes)
	m.relationWays[rw.RelationID] = append(m.relationWays[rw.RelationID], rw)
	m.stats.RelationWays++
	return nil
}

func (m *Memory) RelationWays(ctx context.Context, id osm.RelationID) ([]RelationWay, error) {
	rows := slices.Clone(m.relationWays[id])
	slices.SortFunc(rows, func(a, b RelationWay) int { return a.Seq - b.Seq })
	return rows, nil
}

func (m *Memory) IterateRelations(ctx context.Context, f Filter, fn func(Relation) error) error {
	for _, id := range sortedKeys(m.relations) {
		if err := ctx.Err(); err != nil {
			return err
		}
		r := m.relations[id]
		if f == Emittable && !r.Linked {
			continue
		}
		if err := fn(*r); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Flush(ctx context.Context) error {
	return nil
}

func (m *Memory) CountEmittable(ctx context.Context) (int64, error) {
	var n int64
	for _, node := range m.nodes {
		if node.Interesting || !node.InWay {
			n++
		}
	}
	for _, r := range m.relations {
		if r.Linked {
			n++
		}
	}
	for _, w := range m.ways {
		if !w.Skip {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Stats() Stats {
	return m.stats
}

func (m *Memory) Close() error {
	m.nodes = nil
	m.ways = nil
	m.relations = nil
	m.relationWays = nil
	m.pendingSkips = nil
	return nil
}

func (m *Memory) recordError(table string, id int64) {
	m.stats.WriteErrors++
	logWriteError(&WriteError{Table: table, ID: id, Err: errDuplicateID})
}

func sortedKeys[K ~int64, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
