// Package staging holds the run-scoped store for nodes, ways, relations and
// relation ways while a file is converted.
//
// A store is created at the start of a conversion and destroyed by Close,
// whatever the outcome. All engines are accessed by one logical caller at a
// time and perform no locking beyond their own per-operation atomicity.
package staging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/paulmach/osm"

	"github.com/wegman-software/overpass2geojson/internal/config"
)

// ErrUnknownEngine is returned by Open for an unsupported engine name
var ErrUnknownEngine = errors.New("unknown staging engine")

// NodeStore stages nodes and their flags
type NodeStore interface {
	// InsertNodeBatch writes nodes in one transaction. A row that fails is
	// recorded as a WriteError and skipped; the rest of the batch commits.
	InsertNodeBatch(ctx context.Context, nodes []Node) (int, error)
	ResolveNode(ctx context.Context, id osm.NodeID) (Coord, bool, error)
	MarkInWay(ctx context.Context, id osm.NodeID) error
	MarkInteresting(ctx context.Context, id osm.NodeID) error
	IterateNodes(ctx context.Context, f Filter, fn func(Node) error) error
}

// WayStore stages resolved ways
type WayStore interface {
	WriteWay(ctx context.Context, w Way) error
	GetWay(ctx context.Context, id osm.WayID) (Way, bool, error)
	// MarkSkip sets skip on a way, either now or at the next FlushSkips
	MarkSkip(ctx context.Context, id osm.WayID, batched bool) error
	FlushSkips(ctx context.Context) error
	IterateWays(ctx context.Context, f Filter, fn func(Way) error) error
}

// RelationStore stages relations and their join rows
type RelationStore interface {
	WriteRelation(ctx context.Context, r Relation) error
	WriteRelationWay(ctx context.Context, rw RelationWay) error
	// RelationWays returns the join rows of one relation in member order
	RelationWays(ctx context.Context, id osm.RelationID) ([]RelationWay, error)
	IterateRelations(ctx context.Context, f Filter, fn func(Relation) error) error
}

// Store is the full staging repository
type Store interface {
	NodeStore
	WayStore
	RelationStore

	// Flush commits any open write transaction
	Flush(ctx context.Context) error
	// CountEmittable returns the number of features assembly will emit
	CountEmittable(ctx context.Context) (int64, error)
	Stats() Stats
	// Close releases the store and removes everything it created on disk
	Close() error
}

// Options configures Open
type Options struct {
	Engine    string
	Dir       string // sqlite file and flat-node index location
	DSN       string // postgres connection string
	FlatNodes bool
	FlatCap   int64 // flat-node id capacity (0 = DefaultFlatNodesCapacity)
	CacheSize int // LRU entries in front of ResolveNode (0 = off)
	BatchSize int // writes per implicit transaction
	SessionID string
}

// OptionsFromConfig copies the staging settings from cfg
func OptionsFromConfig(cfg *config.Config, sessionID string) Options {
	return Options{
		Engine:    cfg.StagingEngine,
		Dir:       cfg.StagingDir,
		DSN:       cfg.StagingDSN,
		FlatNodes: cfg.FlatNodes,
		CacheSize: cfg.NodeCacheSize,
		BatchSize: cfg.BatchSize,
		SessionID: sessionID,
	}
}

// Open creates a fresh store for one session
func Open(ctx context.Context, opts Options) (Store, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = config.AutoBatchSize(0)
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}

	var d dialect
	switch opts.Engine {
	case config.EngineMemory:
		return NewMemory(), nil
	case config.EngineSQLite, "":
		d = sqliteDialect()
	case config.EnginePostgres:
		d = postgresDialect(schemaName(opts.SessionID))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, opts.Engine)
	}

	s, err := openSQL(ctx, d, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// schemaName returns the per-session postgres schema
func schemaName(sessionID string) string {
	return "overpass_stage_" + strings.ReplaceAll(sessionID, "-", "")
}
