package resolve

import (
	"context"
	"fmt"

	"github.com/paulmach/osm"

	"github.com/wegman-software/overpass2geojson/internal/staging"
	"github.com/wegman-software/overpass2geojson/internal/tags"
)

// RelationStore is what the relation resolver needs from staging
type RelationStore interface {
	MarkInteresting(ctx context.Context, id osm.NodeID) error
	GetWay(ctx context.Context, id osm.WayID) (staging.Way, bool, error)
	MarkSkip(ctx context.Context, id osm.WayID, batched bool) error
	WriteRelation(ctx context.Context, r staging.Relation) error
	WriteRelationWay(ctx context.Context, rw staging.RelationWay) error
}

// RelationResolver links route, waterway, multipolygon and boundary
// relations to their member ways and skip-marks ways whose geometry the
// relation absorbs.
type RelationResolver struct {
	store RelationStore

	members []memberWay
}

type memberWay struct {
	seq  int
	role string
	way  staging.Way
}

// NewRelationResolver creates a resolver
func NewRelationResolver(store RelationStore) *RelationResolver {
	return &RelationResolver{store: store}
}

// Resolve stages one relation. Every relation gets a record; only fully
// resolved structural relations are linked and get relation way rows.
func (r *RelationResolver) Resolve(ctx context.Context, rel *osm.Relation) (Result, error) {
	t := tags.StripProvenance(rel.Tags)
	rec := staging.Relation{
		ID:          rel.ID,
		Tags:        t,
		Kind:        t.Find("type"),
		Interesting: tags.IsInteresting(t, tags.TypeOnly),
	}

	if !rec.IsLinear() && !rec.IsArea() {
		if err := r.write(ctx, rec); err != nil {
			return Result{}, err
		}
		return Result{Outcome: Unsupported}, nil
	}

	r.members = r.members[:0]
	var missing []int64
	for i, m := range rel.Members {
		switch m.Type {
		case osm.TypeNode:
			if err := r.store.MarkInteresting(ctx, osm.NodeID(m.Ref)); err != nil {
				return Result{}, fmt.Errorf("failed to mark node %d of relation %d: %w", m.Ref, rel.ID, err)
			}
		case osm.TypeWay:
			w, ok, err := r.store.GetWay(ctx, osm.WayID(m.Ref))
			if err != nil {
				return Result{}, fmt.Errorf("failed to fetch way %d of relation %d: %w", m.Ref, rel.ID, err)
			}
			if !ok {
				missing = append(missing, m.Ref)
				continue
			}
			r.members = append(r.members, memberWay{seq: i, role: m.Role, way: w})
		}
	}

	if len(missing) > 0 {
		// fail open: no rows, no skip marks
		if err := r.write(ctx, rec); err != nil {
			return Result{}, err
		}
		return Result{Outcome: DroppedMissingDependency, Missing: missing}, nil
	}

	if rec.IsLinear() {
		rec.Linked = true
		for _, m := range r.members {
			if !m.way.Interesting {
				if err := r.skip(ctx, m.way.ID); err != nil {
					return Result{}, err
				}
			}
		}
	} else {
		outers := 0
		for _, m := range r.members {
			switch {
			case staging.IsOuterRole(m.role):
				outers++
				if !tags.IsInteresting(m.way.Tags, t.Map()) {
					if err := r.skip(ctx, m.way.ID); err != nil {
						return Result{}, err
					}
				}
			case staging.IsInnerRole(m.role):
				if !m.way.Interesting {
					if err := r.skip(ctx, m.way.ID); err != nil {
						return Result{}, err
					}
				}
			}
		}

		// a lone outer way owns the feature; inners become its holes
		if outers == 1 && !rec.Interesting {
			for _, m := range r.members {
				if staging.IsOuterRole(m.role) {
					if err := r.skip(ctx, m.way.ID); err != nil {
						return Result{}, err
					}
				}
			}
			rec.Degenerate = true
		}
		rec.Linked = outers > 0
	}

	if err := r.write(ctx, rec); err != nil {
		return Result{}, err
	}
	if !rec.Linked {
		return Result{Outcome: Resolved}, nil
	}

	for _, m := range r.members {
		rw := staging.RelationWay{
			RelationID: rel.ID,
			Seq:        m.seq,
			WayID:      m.way.ID,
			Role:       m.role,
			Tags:       m.way.Tags,
			Nodes:      m.way.Nodes,
		}
		if err := r.store.WriteRelationWay(ctx, rw); err != nil {
			return Result{}, fmt.Errorf("failed to stage way %d of relation %d: %w", m.way.ID, rel.ID, err)
		}
	}
	return Result{Outcome: Resolved}, nil
}

func (r *RelationResolver) write(ctx context.Context, rec staging.Relation) error {
	if err := r.store.WriteRelation(ctx, rec); err != nil {
		return fmt.Errorf("failed to stage relation %d: %w", rec.ID, err)
	}
	return nil
}

func (r *RelationResolver) skip(ctx context.Context, id osm.WayID) error {
	if err := r.store.MarkSkip(ctx, id, true); err != nil {
		return fmt.Errorf("failed to skip-mark way %d: %w", id, err)
	}
	return nil
}
