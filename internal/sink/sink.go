// Package sink writes converted features to files or stdout.
package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb/geojson"

	"github.com/wegman-software/overpass2geojson/internal/config"
	"github.com/wegman-software/overpass2geojson/internal/proj"
)

// Sink consumes features. The feature passed to Write is only valid for the
// duration of the call.
type Sink interface {
	Write(f *geojson.Feature) error
	Close() error
}

// Options configures Open
type Options struct {
	Format    string
	SRID      int // 4326 or 3857
	BatchSize int // parquet rows per record batch
}

type goccyMarshaler struct{}

func (goccyMarshaler) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func init() {
	geojson.CustomJSONMarshaler = goccyMarshaler{}
}

// Open creates a sink writing to path in opts.Format. An empty path writes to
// stdout, which parquet does not support.
func Open(path string, opts Options) (Sink, error) {
	if opts.SRID == 0 {
		opts.SRID = proj.SRID4326
	}
	tr, err := proj.NewTransformer(opts.SRID)
	if err != nil {
		return nil, err
	}

	var s Sink
	switch opts.Format {
	case config.FormatParquet:
		if path == "" {
			return nil, fmt.Errorf("parquet output requires a file path")
		}
		s, err = NewParquet(path, opts.SRID, opts.BatchSize)
	case config.FormatNDJSON, config.FormatGeoJSON, "":
		var w io.WriteCloser = nopCloser{os.Stdout}
		if path != "" {
			f, err := os.Create(path)
			if err != nil {
				return nil, err
			}
			w = f
		}
		if opts.Format == config.FormatGeoJSON {
			s = NewCollection(w)
		} else {
			s = NewNDJSON(w)
		}
	default:
		return nil, fmt.Errorf("unknown output format %q", opts.Format)
	}
	if err != nil {
		return nil, err
	}

	if tr.NeedsTransform() {
		return &projected{Sink: s, tr: tr}, nil
	}
	return s, nil
}

// projected reprojects geometries before passing features on
type projected struct {
	Sink
	tr *proj.Transformer
}

func (p *projected) Write(f *geojson.Feature) error {
	f.Geometry = p.tr.Apply(f.Geometry)
	return p.Sink.Write(f)
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// NDJSON writes one GeoJSON feature per line
type NDJSON struct {
	w     io.WriteCloser
	bw    *bufio.Writer
	count int64
}

// NewNDJSON creates a line-delimited writer on w. Close closes w.
func NewNDJSON(w io.WriteCloser) *NDJSON {
	return &NDJSON{w: w, bw: bufio.NewWriterSize(w, 1<<20)}
}

func (s *NDJSON) Write(f *geojson.Feature) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode feature %v: %w", f.ID, err)
	}
	if _, err := s.bw.Write(data); err != nil {
		return err
	}
	s.count++
	return s.bw.WriteByte('\n')
}

// Count returns the number of features written
func (s *NDJSON) Count() int64 {
	return s.count
}

func (s *NDJSON) Close() error {
	if err := s.bw.Flush(); err != nil {
		s.w.Close()
		return err
	}
	return s.w.Close()
}

// Collection streams a single GeoJSON FeatureCollection
type Collection struct {
	w     io.WriteCloser
	bw    *bufio.Writer
	count int64
	err   error
}

const (
	collectionHead = `{"type":"FeatureCollection","features":[`
	collectionTail = "]}\n"
)

// NewCollection creates a FeatureCollection writer on w. Close closes w.
func NewCollection(w io.WriteCloser) *Collection {
	c := &Collection{w: w, bw: bufio.NewWriterSize(w, 1<<20)}
	_, c.err = c.bw.WriteString(collectionHead)
	return c
}

func (c *Collection) Write(f *geojson.Feature) error {
	if c.err != nil {
		return c.err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode feature %v: %w", f.ID, err)
	}
	if c.count > 0 {
		if err := c.bw.WriteByte(','); err != nil {
			return err
		}
	}
	if _, err := c.bw.Write(data); err != nil {
		return err
	}
	c.count++
	return nil
}

// Count returns the number of features written
func (c *Collection) Count() int64 {
	return c.count
}

func (c *Collection) Close() error {
	if c.err == nil {
		_, c.err = c.bw.WriteString(collectionTail)
	}
	if c.err == nil {
		c.err = c.bw.Flush()
	}
	if err := c.w.Close(); c.err == nil {
		c.err = err
	}
	return c.err
}
