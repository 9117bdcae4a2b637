package staging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/paulmach/osm"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/wegman-software/overpass2geojson/internal/logger"
)

// pageSize bounds how many rows an iteration holds at once
const pageSize = 1000

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlStore is the database/sql engine shared by sqlite and postgres. Writes
// go through one implicit transaction that is committed every BatchSize
// writes, at the end of each node batch and at Flush.
type sqlStore struct {
	db   *sql.DB
	d    dialect
	opts Options

	dbPath string // sqlite file, removed at Close

	tx           *sql.Tx
	pending      int
	pendingSkips []osm.WayID

	flat  *FlatNodes
	cache *lru.Cache[osm.NodeID, Coord]

	stats Stats
}

func openSQL(ctx context.Context, d dialect, opts Options) (*sqlStore, error) {
	log := logger.Get()

	dir := opts.Dir
	if dir == "" {
		dir = os.TempDir()
	}

	dsn := opts.DSN
	s := &sqlStore{d: d, opts: opts}
	if d.name == "sqlite" {
		s.dbPath = filepath.Join(dir, "overpass-stage-"+opts.SessionID+".db")
		dsn = s.dbPath
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s staging store: %w", d.name, err)
	}
	// one connection: the implicit transaction and every read share it
	db.SetMaxOpenConns(1)
	s.db = db

	var setup []string
	if d.name == "sqlite" {
		setup = append(setup,
			"PRAGMA journal_mode=MEMORY",
			"PRAGMA synchronous=OFF",
			"PRAGMA temp_store=MEMORY",
		)
	}
	setup = append(setup, d.setup()...)
	for _, stmt := range setup {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to set up %s staging store: %w", d.name, err)
		}
	}

	if opts.FlatNodes {
		path := filepath.Join(dir, "overpass-stage-"+opts.SessionID+".nodes")
		capacity := opts.FlatCap
		if capacity <= 0 {
			capacity = DefaultFlatNodesCapacity
		}
		if s.flat, err = CreateFlatNodes(path, capacity); err != nil {
			s.Close()
			return nil, err
		}
	}
	if opts.CacheSize > 0 {
		if s.cache, err = lru.New[osm.NodeID, Coord](opts.CacheSize); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create node cache: %w", err)
		}
	}

	log.Debug("Opened staging store",
		zap.String("engine", d.name),
		zap.String("session", opts.SessionID),
		zap.Bool("flat_nodes", s.flat != nil),
		zap.Int("node_cache", opts.CacheSize))
	return s, nil
}

// q returns the open transaction, or the database when none is open
func (s *sqlStore) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *sqlStore) begin(ctx context.Context) error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin staging transaction: %w", err)
	}
	s.tx = tx
	return nil
}

func (s *sqlStore) commit() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	s.pending = 0
	if err != nil {
		return fmt.Errorf("failed to commit staging transaction: %w", err)
	}
	return nil
}

func (s *sqlStore) maybeCommit() error {
	if s.pending < s.opts.BatchSize {
		return nil
	}
	return s.commit()
}

// exec runs a statement inside the implicit transaction
func (s *sqlStore) exec(ctx context.Context, query string, args ...any) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	if _, err := s.tx.ExecContext(ctx, s.d.rebind(query), args...); err != nil {
		return err
	}
	s.pending++
	return s.maybeCommit()
}

// insertRow runs one insert whose failure is recorded and swallowed. It
// reports whether the row was written.
func (s *sqlStore) insertRow(ctx context.Context, table string, id int64, query string, args ...any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.begin(ctx); err != nil {
		return false, err
	}

	if s.d.rowSavepoints {
		if _, err := s.tx.ExecContext(ctx, "SAVEPOINT staging_row"); err != nil {
			return false, fmt.Errorf("failed to create savepoint: %w", err)
		}
	}

	_, err := s.tx.ExecContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return false, cerr
		}
		if s.d.rowSavepoints {
			if _, rerr := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT staging_row"); rerr != nil {
				return false, fmt.Errorf("failed to roll back savepoint: %w", rerr)
			}
		}
		s.stats.WriteErrors++
		logWriteError(&WriteError{Table: table, ID: id, Err: err})
		return false, nil
	}

	if s.d.rowSavepoints {
		if _, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT staging_row"); err != nil {
			return false, fmt.Errorf("failed to release savepoint: %w", err)
		}
	}
	s.pending++
	return true, nil
}

func (s *sqlStore) InsertNodeBatch(ctx context.Context, nodes []Node) (int, error) {
	const query = `INSERT INTO {nodes} (id, lat, lon, tags, interesting, in_way) VALUES (?, ?, ?, ?, ?, ?)`

	inserted := 0
	for _, n := range nodes {
		t, err := encodeTags(n.Tags)
		if err != nil {
			return inserted, err
		}
		ok, err := s.insertRow(ctx, "nodes", int64(n.ID), query,
			int64(n.ID), n.Lat, n.Lon, t, b2i(n.Interesting), b2i(n.InWay))
		if err != nil {
			return inserted, err
		}
		if !ok {
			continue
		}
		inserted++
		if s.flat != nil {
			s.flat.Put(n.ID, n.Lat, n.Lon)
		}
	}
	s.stats.Nodes += int64(inserted)
	return inserted, s.commit()
}

func (s *sqlStore) ResolveNode(ctx context.Context, id osm.NodeID) (Coord, bool, error) {
	if s.cache != nil {
		if c, ok := s.cache.Get(id); ok {
			s.stats.CacheHits++
			return c, true, nil
		}
		s.stats.CacheMisses++
	}

	var c Coord
	found := false
	if s.flat != nil && s.flat.Covers(id) {
		c, found = s.flat.Get(id)
	} else {
		c.ID = id
		err := s.q().QueryRowContext(ctx, s.d.rebind(`SELECT lat, lon FROM {nodes} WHERE id = ?`), int64(id)).
			Scan(&c.Lat, &c.Lon)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return Coord{}, false, fmt.Errorf("failed to resolve node %d: %w", id, err)
		default:
			found = true
		}
	}

	if found && s.cache != nil {
		s.cache.Add(id, c)
	}
	return c, found, nil
}

func (s *sqlStore) MarkInWay(ctx context.Context, id osm.NodeID) error {
	return s.exec(ctx, `UPDATE {nodes} SET in_way = 1 WHERE id = ?`, int64(id))
}

func (s *sqlStore) MarkInteresting(ctx context.Context, id osm.NodeID) error {
	return s.exec(ctx, `UPDATE {nodes} SET interesting = 1 WHERE id = ?`, int64(id))
}

func (s *sqlStore) IterateNodes(ctx context.Context, f Filter, fn func(Node) error) error {
	where := ""
	if f == Emittable {
		where = " AND (interesting = 1 OR in_way = 0)"
	}
	query := `SELECT id, lat, lon, tags, interesting, in_way FROM {nodes} WHERE id > ?` + where + ` ORDER BY id LIMIT ?`

	return paginate(ctx, s, query, func(rows *sql.Rows) (Node, int64, error) {
		var n Node
		var t sql.NullString
		if err := rows.Scan(&n.ID, &n.Lat, &n.Lon, &t, &n.Interesting, &n.InWay); err != nil {
			return n, 0, err
		}
		var err error
		n.Tags, err = decodeTags(t)
		return n, int64(n.ID), err
	}, fn)
}

func (s *sqlStore) WriteWay(ctx context.Context, w Way) error {
	t, err := encodeTags(w.Tags)
	if err != nil {
		return err
	}
	ok, err := s.insertRow(ctx, "ways", int64(w.ID),
		`INSERT INTO {ways} (id, tags, interesting, is_polygon, skip, nodes) VALUES (?, ?, ?, ?, ?, ?)`,
		int64(w.ID), t, b2i(w.Interesting), b2i(w.IsPolygon), b2i(w.Skip), encodeCoords(w.Nodes))
	if err != nil {
		return err
	}
	if ok {
		s.stats.Ways++
	}
	return s.maybeCommit()
}

func (s *sqlStore) GetWay(ctx context.Context, id osm.WayID) (Way, bool, error) {
	var w Way
	var t sql.NullString
	var blob []byte
	err := s.q().QueryRowContext(ctx,
		s.d.rebind(`SELECT id, tags, interesting, is_polygon, skip, nodes FROM {ways} WHERE id = ?`), int64(id)).
		Scan(&w.ID, &t, &w.Interesting, &w.IsPolygon, &w.Skip, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return Way{}, false, nil
	}
	if err != nil {
		return Way{}, false, fmt.Errorf("failed to get way %d: %w", id, err)
	}
	if w.Tags, err = decodeTags(t); err != nil {
		return Way{}, false, err
	}
	if w.Nodes, err = decodeCoords(blob); err != nil {
		return Way{}, false, fmt.Errorf("way %d: %w", id, err)
	}
	return w, true, nil
}

func (s *sqlStore) MarkSkip(ctx context.Context, id osm.WayID, batched bool) error {
	if batched {
		s.pendingSkips = append(s.pendingSkips, id)
		return nil
	}
	return s.exec(ctx, `UPDATE {ways} SET skip = 1 WHERE id = ?`, int64(id))
}

func (s *sqlStore) FlushSkips(ctx context.Context) error {
	for _, id := range s.pendingSkips {
		if err := s.exec(ctx, `UPDATE {ways} SET skip = 1 WHERE id = ?`, int64(id)); err != nil {
			return fmt.Errorf("failed to apply skip mark for way %d: %w", id, err)
		}
	}
	logger.Get().Debug("Applied deferred skip marks", zap.Int("ways", len(s.pendingSkips)))
	s.pendingSkips = s.pendingSkips[:0]
	return s.commit()
}

func (s *sqlStore) IterateWays(ctx context.Context, f Filter, fn func(Way) error) error {
	where := ""
	if f == Emittable {
		where = " AND skip = 0"
	}
	query := `SELECT id, tags, interesting, is_polygon, skip, nodes FROM {ways} WHERE id > ?` + where + ` ORDER BY id LIMIT ?`

	return paginate(ctx, s, query, func(rows *sql.Rows) (Way, int64, error) {
		var w Way
		var t sql.NullString
		var blob []byte
		if err := rows.Scan(&w.ID, &t, &w.Interesting, &w.IsPolygon, &w.Skip, &blob); err != nil {
			return w, 0, err
		}
		var err error
		if w.Tags, err = decodeTags(t); err != nil {
			return w, 0, err
		}
		w.Nodes, err = decodeCoords(blob)
		return w, int64(w.ID), err
	}, fn)
}

func (s *sqlStore) WriteRelation(ctx context.Context, r Relation) error {
	t, err := encodeTags(r.Tags)
	if err != nil {
		return err
	}
	ok, err := s.insertRow(ctx, "relations", int64(r.ID),
		`INSERT INTO {relations} (id, tags, kind, interesting, linked, degenerate) VALUES (?, ?, ?, ?, ?, ?)`,
		int64(r.ID), t, r.Kind, b2i(r.Interesting), b2i(r.Linked), b2i(r.Degenerate))
	if err != nil {
		return err
	}
	if ok {
		s.stats.Relations++
	}
	return s.maybeCommit()
}

func (s *sqlStore) WriteRelationWay(ctx context.Context, rw RelationWay) error {
	t, err := encodeTags(rw.Tags)
	if err != nil {
		return err
	}
	ok, err := s.insertRow(ctx, "relation_ways", int64(rw.RelationID),
		`INSERT INTO {relation_ways} (relation_id, seq, way_id, role, tags, nodes) VALUES (?, ?, ?, ?, ?, ?)`,
		int64(rw.RelationID), rw.Seq, int64(rw.WayID), rw.Role, t, encodeCoords(rw.Nodes))
	if err != nil {
		return err
	}
	if ok {
		s.stats.RelationWays++
	}
	return s.maybeCommit()
}

func (s *sqlStore) RelationWays(ctx context.Context, id osm.RelationID) ([]RelationWay, error) {
	rows, err := s.q().QueryContext(ctx,
		s.d.rebind(`SELECT seq, way_id, role, tags, nodes FROM {relation_ways} WHERE relation_id = ? ORDER BY seq`),
		int64(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query relation %d ways: %w", id, err)
	}
	defer rows.Close()

	var out []RelationWay
	for rows.Next() {
		rw := RelationWay{RelationID: id}
		var t sql.NullString
		var blob []byte
		if err := rows.Scan(&rw.Seq, &rw.WayID, &rw.Role, &t, &blob); err != nil {
			return nil, err
		}
		if rw.Tags, err = decodeTags(t); err != nil {
			return nil, err
		}
		if rw.Nodes, err = decodeCoords(blob); err != nil {
			return nil, fmt.Errorf("relation %d way %d: %w", id, rw.WayID, err)
		}
		out = append(out, rw)
	}
	return out, rows.Err()
}

func (s *sqlStore) IterateRelations(ctx context.Context, f Filter, fn func(Relation) error) error {
	where := ""
	if f == Emittable {
		where = " AND linked = 1"
	}
	query := `SELECT id, tags, kind, interesting, linked, degenerate FROM {relations} WHERE id > ?` + where + ` ORDER BY id LIMIT ?`

	return paginate(ctx, s, query, func(rows *sql.Rows) (Relation, int64, error) {
		var r Relation
		var t sql.NullString
		if err := rows.Scan(&r.ID, &t, &r.Kind, &r.Interesting, &r.Linked, &r.Degenerate); err != nil {
			return r, 0, err
		}
		var err error
		r.Tags, err = decodeTags(t)
		return r, int64(r.ID), err
	}, fn)
}

func (s *sqlStore) Flush(ctx context.Context) error {
	return s.commit()
}

func (s *sqlStore) CountEmittable(ctx context.Context) (int64, error) {
	const query = `SELECT
		(SELECT COUNT(*) FROM {nodes} WHERE interesting = 1 OR in_way = 0) +
		(SELECT COUNT(*) FROM {relations} WHERE linked = 1) +
		(SELECT COUNT(*) FROM {ways} WHERE skip = 0)`

	var n int64
	if err := s.q().QueryRowContext(ctx, s.d.rebind(query)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count emittable features: %w", err)
	}
	return n, nil
}

func (s *sqlStore) Stats() Stats {
	return s.stats
}

// Close rolls back any open transaction, drops everything the store created
// and removes its files
func (s *sqlStore) Close() error {
	var errs []error

	if s.tx != nil {
		if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, err)
		}
		s.tx = nil
	}

	if s.db != nil {
		for _, stmt := range s.d.teardown() {
			if _, err := s.db.Exec(stmt); err != nil {
				errs = append(errs, fmt.Errorf("failed to drop staging schema: %w", err))
			}
		}
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
		s.db = nil
	}

	if s.dbPath != "" {
		for _, p := range []string{s.dbPath, s.dbPath + "-journal"} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
		}
	}

	if s.flat != nil {
		if err := s.flat.Close(); err != nil {
			errs = append(errs, err)
		}
		s.flat = nil
	}

	if s.cache != nil {
		s.cache.Purge()
	}
	return errors.Join(errs...)
}

// paginate walks a keyset-paginated query. Each page is read fully and its
// rows closed before fn runs, so fn may query the store again.
func paginate[T any](ctx context.Context, s *sqlStore, query string, scan func(*sql.Rows) (T, int64, error), fn func(T) error) error {
	query = s.d.rebind(query)
	last := int64(math.MinInt64)
	page := make([]T, 0, pageSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page = page[:0]
		rows, err := s.q().QueryContext(ctx, query, last, pageSize)
		if err != nil {
			return fmt.Errorf("failed to iterate staging rows: %w", err)
		}
		for rows.Next() {
			v, id, err := scan(rows)
			if err != nil {
				rows.Close()
				return err
			}
			page = append(page, v)
			last = id
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}

		for _, v := range page {
			if err := fn(v); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
	}
}
