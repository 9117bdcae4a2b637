package staging

import (
	"math"
	"path/filepath"
	"strings"
	"testing"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		name  string
		d     dialect
		query string
		want  string
	}{
		{
			"sqlite keeps placeholders",
			sqliteDialect(),
			"UPDATE {nodes} SET in_way = 1 WHERE id = ?",
			"UPDATE nodes SET in_way = 1 WHERE id = ?",
		},
		{
			"postgres numbers placeholders",
			postgresDialect("overpass_stage_x"),
			"SELECT seq FROM {relation_ways} WHERE relation_id = ? AND seq > ? LIMIT ?",
			"SELECT seq FROM overpass_stage_x.relation_ways WHERE relation_id = $1 AND seq > $2 LIMIT $3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.rebind(tt.query); got != tt.want {
				t.Errorf("rebind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPostgresSetup(t *testing.T) {
	d := postgresDialect(schemaName("5f0c-11aa"))
	stmts := d.setup()
	if len(stmts) != 5 {
		t.Fatalf("expected schema + 4 tables, got %d statements", len(stmts))
	}
	if stmts[0] != "CREATE SCHEMA overpass_stage_5f0c11aa" {
		t.Errorf("unexpected schema statement %q", stmts[0])
	}
	for _, stmt := range stmts[1:] {
		if !strings.HasPrefix(stmt, "CREATE UNLOGGED TABLE overpass_stage_5f0c11aa.") {
			t.Errorf("expected unlogged table in session schema: %q", stmt)
		}
		if strings.Contains(stmt, "BLOB") {
			t.Errorf("postgres tables must use BYTEA: %q", stmt)
		}
	}

	down := d.teardown()
	if len(down) != 1 || down[0] != "DROP SCHEMA IF EXISTS overpass_stage_5f0c11aa CASCADE" {
		t.Errorf("unexpected teardown %v", down)
	}
	if len(sqliteDialect().teardown()) != 0 {
		t.Error("sqlite is torn down by removing its file")
	}
}

func TestCoordCodec(t *testing.T) {
	in := []Coord{{ID: 1, Lat: 43.7384, Lon: 7.4246}, {ID: -5, Lat: -90, Lon: 180}}
	out, err := decodeCoords(encodeCoords(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0] != in[0] || out[1] != in[1] {
		t.Errorf("decodeCoords() = %v, want %v", out, in)
	}
	if _, err := decodeCoords(make([]byte, 5)); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestFlatNodes(t *testing.T) {
	fn, err := CreateFlatNodes(filepath.Join(t.TempDir(), "nodes.flat"), 1000)
	if err != nil {
		t.Fatal(err)
	}
	defer fn.Close()

	fn.Put(0, 0, 0)
	fn.Put(7, -89.9999999, 179.9999999)
	fn.Put(5000, 1, 1) // outside capacity

	if c, ok := fn.Get(0); !ok || c.Lat != 0 || c.Lon != 0 {
		t.Errorf("Get(0) = %v, %v", c, ok)
	}
	c, ok := fn.Get(7)
	if !ok || math.Abs(c.Lat+89.9999999) > 1e-9 || math.Abs(c.Lon-179.9999999) > 1e-9 {
		t.Errorf("Get(7) = %v, %v", c, ok)
	}
	if _, ok := fn.Get(8); ok {
		t.Error("unwritten id should be absent")
	}
	if _, ok := fn.Get(5000); ok || fn.Covers(5000) || fn.Covers(-1) {
		t.Error("ids outside capacity are not covered")
	}
}
