package staging

import (
	"fmt"
	"strconv"
	"strings"
)

// dialect captures what differs between the SQL engines. Queries are written
// once with ? placeholders and unqualified table names.
type dialect struct {
	name   string
	driver string
	schema string // postgres only; tables live in a per-session schema

	blobType string
	unlogged string // table modifier for crash-unsafe staging tables

	// rowSavepoints wraps each row write in a savepoint, since a failed
	// statement aborts the whole transaction on postgres
	rowSavepoints bool
	numbered      bool // $1, $2, ... placeholders
}

func sqliteDialect() dialect {
	return dialect{
		name:     "sqlite",
		driver:   "sqlite",
		blobType: "BLOB",
	}
}

func postgresDialect(schema string) dialect {
	return dialect{
		name:          "postgres",
		driver:        "pgx",
		schema:        schema,
		blobType:      "BYTEA",
		unlogged:      "UNLOGGED ",
		rowSavepoints: true,
		numbered:      true,
	}
}

// table qualifies a table name
func (d dialect) table(name string) string {
	if d.schema == "" {
		return name
	}
	return d.schema + "." + name
}

// rebind rewrites ? placeholders and {table} references for this dialect
func (d dialect) rebind(query string) string {
	for _, t := range []string{"nodes", "ways", "relations", "relation_ways"} {
		query = strings.ReplaceAll(query, "{"+t+"}", d.table(t))
	}
	if !d.numbered {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// setup returns the statements creating the staging schema
func (d dialect) setup() []string {
	var stmts []string
	if d.schema != "" {
		stmts = append(stmts, fmt.Sprintf("CREATE SCHEMA %s", d.schema))
	}

	tables := []struct {
		name   string
		schema string
	}{
		{
			name: "nodes",
			schema: `(
				id BIGINT PRIMARY KEY,
				lat DOUBLE PRECISION NOT NULL,
				lon DOUBLE PRECISION NOT NULL,
				tags TEXT,
				interesting INTEGER NOT NULL DEFAULT 0,
				in_way INTEGER NOT NULL DEFAULT 0
			)`,
		},
		{
			name: "ways",
			schema: `(
				id BIGINT PRIMARY KEY,
				tags TEXT,
				interesting INTEGER NOT NULL DEFAULT 0,
				is_polygon INTEGER NOT NULL DEFAULT 0,
				skip INTEGER NOT NULL DEFAULT 0,
				nodes %s NOT NULL
			)`,
		},
		{
			name: "relations",
			schema: `(
				id BIGINT PRIMARY KEY,
				tags TEXT,
				kind TEXT NOT NULL,
				interesting INTEGER NOT NULL DEFAULT 0,
				linked INTEGER NOT NULL DEFAULT 0,
				degenerate INTEGER NOT NULL DEFAULT 0
			)`,
		},
		{
			name: "relation_ways",
			schema: `(
				relation_id BIGINT NOT NULL,
				seq INTEGER NOT NULL,
				way_id BIGINT NOT NULL,
				role TEXT NOT NULL,
				tags TEXT,
				nodes %s NOT NULL,
				PRIMARY KEY (relation_id, seq)
			)`,
		},
	}

	for _, t := range tables {
		body := t.schema
		if strings.Contains(body, "%s") {
			body = fmt.Sprintf(body, d.blobType)
		}
		stmts = append(stmts, fmt.Sprintf("CREATE %sTABLE %s %s", d.unlogged, d.table(t.name), body))
	}
	return stmts
}

// teardown returns the statements dropping what setup created
func (d dialect) teardown() []string {
	if d.schema != "" {
		return []string{fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", d.schema)}
	}
	return nil
}
