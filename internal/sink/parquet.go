package sink

import (
	"fmt"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/goccy/go-json"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/osm"

	"github.com/wegman-software/overpass2geojson/internal/wkb"
)

const defaultParquetBatch = 10000

// ParquetSchema is the column layout of parquet output
var ParquetSchema = arrow.NewSchema([]arrow.Field{
	{Name: "osm_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	{Name: "osm_type", Type: arrow.BinaryTypes.String, Nullable: false},
	{Name: "tags", Type: arrow.BinaryTypes.String, Nullable: false},
	{Name: "geom_wkb", Type: arrow.BinaryTypes.Binary, Nullable: false},
}, nil)

// Parquet writes features as rows of id, type, tag JSON and EWKB geometry
type Parquet struct {
	writer    *pqarrow.FileWriter
	builder   *array.RecordBuilder
	enc       *wkb.Encoder
	tags      map[string]interface{}
	batchSize int
	pending   int
	count     int64
}

// NewParquet creates a zstd-compressed parquet file at path
func NewParquet(path string, srid, batchSize int) (*Parquet, error) {
	if batchSize <= 0 {
		batchSize = defaultParquetBatch
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(false),
	)
	writer, err := pqarrow.NewFileWriter(ParquetSchema, f, props, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Parquet{
		writer:    writer,
		builder:   array.NewRecordBuilder(memory.DefaultAllocator, ParquetSchema),
		enc:       wkb.NewEncoder(1024, srid),
		tags:      make(map[string]interface{}),
		batchSize: batchSize,
	}, nil
}

func (p *Parquet) Write(f *geojson.Feature) error {
	id, ok := f.ID.(string)
	if !ok {
		return fmt.Errorf("feature id %v is not an OSM feature id", f.ID)
	}
	fid, err := osm.ParseFeatureID(id)
	if err != nil {
		return fmt.Errorf("failed to parse feature id %q: %w", id, err)
	}

	geom, err := p.enc.Encode(f.Geometry)
	if err != nil {
		return fmt.Errorf("failed to encode geometry of %s: %w", id, err)
	}

	// the osm_type column carries the element type, so it is left out of the tags
	clear(p.tags)
	for k, v := range f.Properties {
		if k != "type" {
			p.tags[k] = v
		}
	}
	tags, err := json.Marshal(p.tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags of %s: %w", id, err)
	}

	p.builder.Field(0).(*array.Int64Builder).Append(fid.Ref())
	p.builder.Field(1).(*array.StringBuilder).Append(string(fid.Type()))
	p.builder.Field(2).(*array.StringBuilder).Append(string(tags))
	p.builder.Field(3).(*array.BinaryBuilder).Append(geom)

	p.count++
	p.pending++
	if p.pending >= p.batchSize {
		return p.flush()
	}
	return nil
}

// Count returns the number of rows written
func (p *Parquet) Count() int64 {
	return p.count
}

func (p *Parquet) flush() error {
	if p.pending == 0 {
		return nil
	}
	rec := p.builder.NewRecord()
	defer rec.Release()
	p.pending = 0
	return p.writer.Write(rec)
}

func (p *Parquet) Close() error {
	defer p.builder.Release()
	if err := p.flush(); err != nil {
		p.writer.Close()
		return err
	}
	// closes the underlying file as well
	return p.writer.Close()
}
