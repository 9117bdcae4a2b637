package resolve

import (
	"context"
	"fmt"

	"github.com/paulmach/osm"

	"github.com/wegman-software/overpass2geojson/internal/staging"
	"github.com/wegman-software/overpass2geojson/internal/tags"
)

// WayStore is what the way resolver needs from staging
type WayStore interface {
	staging.NodeStore
	WriteWay(ctx context.Context, w staging.Way) error
}

// WayResolver stages ways whose nodes all resolve
type WayResolver struct {
	store  WayStore
	rules  *tags.Rules
	coords []staging.Coord
}

// NewWayResolver creates a resolver. A nil rules table uses the defaults.
func NewWayResolver(store WayStore, rules *tags.Rules) *WayResolver {
	if rules == nil {
		rules = tags.DefaultRules()
	}
	return &WayResolver{store: store, rules: rules}
}

// Resolve marks every member node in_way, whether or not the way itself
// survives, then stages the way with a snapshot of its coordinates if all of
// them resolved.
func (r *WayResolver) Resolve(ctx context.Context, w *osm.Way) (Result, error) {
	r.coords = r.coords[:0]
	var missing []int64

	for _, wn := range w.Nodes {
		if err := r.store.MarkInWay(ctx, wn.ID); err != nil {
			return Result{}, fmt.Errorf("failed to mark node %d of way %d: %w", wn.ID, w.ID, err)
		}
		c, ok, err := r.store.ResolveNode(ctx, wn.ID)
		if err != nil {
			return Result{}, fmt.Errorf("failed to resolve node %d of way %d: %w", wn.ID, w.ID, err)
		}
		if !ok {
			missing = append(missing, int64(wn.ID))
			continue
		}
		r.coords = append(r.coords, c)
	}

	if len(missing) > 0 {
		return Result{Outcome: DroppedMissingDependency, Missing: missing}, nil
	}
	if len(r.coords) < 2 {
		return Result{Outcome: Invalid}, nil
	}

	t := tags.StripProvenance(w.Tags)
	way := staging.Way{
		ID:          w.ID,
		Tags:        t,
		Interesting: tags.IsInteresting(t, nil),
		Nodes:       r.coords,
	}
	way.IsPolygon = way.Closed() && len(way.Nodes) >= 4 && r.rules.IsPolygon(t)

	if err := r.store.WriteWay(ctx, way); err != nil {
		return Result{}, fmt.Errorf("failed to stage way %d: %w", w.ID, err)
	}
	return Result{Outcome: Resolved}, nil
}
