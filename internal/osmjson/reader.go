// Package osmjson streams Overpass JSON exports element by element.
//
// The document is never loaded as a whole: the decoder walks the top-level
// object token by token, enters only the "elements" array and decodes one
// element at a time, so memory use is bounded by the largest single element.
package osmjson

import (
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/paulmach/osm"
)

// Visitor receives each matching element. The stream does not advance until
// it returns; a non-nil error aborts the pass and is returned unchanged.
type Visitor func(obj osm.Object) error

// ParseError reports a malformed document or an I/O failure while streaming
type ParseError struct {
	Path   string
	Offset int64 // approximate byte offset into the (decompressed) stream
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s near byte %d: %v", e.Path, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var (
	// ErrNoElements is returned when the document has no top-level "elements" array
	ErrNoElements = errors.New(`missing top-level "elements" array`)

	errNotObject = errors.New("document is not a JSON object")
	errNotArray  = errors.New(`"elements" is not an array`)
)

// Stream opens path (plain or gzip-compressed JSON) and calls visit for every
// element whose type equals filter, in file order. An empty filter visits
// every node, way and relation.
func Stream(ctx context.Context, path string, filter osm.Type, visit Visitor) (Counts, error) {
	f, err := os.Open(path)
	if err != nil {
		return Counts{}, &ParseError{Path: path, Err: err}
	}
	defer f.Close()

	return StreamReader(ctx, f, path, filter, visit)
}

// Count makes one pass over path and counts elements per type
func Count(ctx context.Context, path string) (Counts, error) {
	return Stream(ctx, path, "", nil)
}

// StreamReader is Stream over an already opened reader; name labels errors.
func StreamReader(ctx context.Context, r io.Reader, name string, filter osm.Type, visit Visitor) (Counts, error) {
	cr := &countingReader{r: r}
	br := bufio.NewReaderSize(cr, 1<<16)

	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return Counts{}, &ParseError{Path: name, Err: fmt.Errorf("failed to create gzip reader: %w", err)}
		}
		defer gz.Close()
		src = bufio.NewReaderSize(gz, 1<<16)
	}

	s := &streamer{
		ctx:    ctx,
		dec:    json.NewDecoder(src),
		filter: filter,
		visit:  visit,
	}
	err := s.run()
	if err == nil {
		return s.counts, nil
	}

	var perr *ParseError
	if errors.As(err, &perr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return s.counts, err
	}
	if s.visitErr {
		return s.counts, err
	}
	return s.counts, &ParseError{Path: name, Offset: cr.n, Err: err}
}

type streamer struct {
	ctx      context.Context
	dec      *json.Decoder
	filter   osm.Type
	visit    Visitor
	counts   Counts
	visitErr bool
}

func (s *streamer) run() error {
	if err := s.expectDelim('{', errNotObject); err != nil {
		return err
	}

	found := false
	for s.dec.More() {
		tok, err := s.dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v, expected object key", tok)
		}

		if key != "elements" || found {
			// osm3s, generator, version, remark, ...: small, skip whole
			var skip json.RawMessage
			if err := s.dec.Decode(&skip); err != nil {
				return err
			}
			continue
		}

		found = true
		if err := s.elements(); err != nil {
			return err
		}
	}

	if _, err := s.dec.Token(); err != nil { // closing '}'
		return err
	}
	if !found {
		return ErrNoElements
	}
	return nil
}

func (s *streamer) elements() error {
	if err := s.expectDelim('[', errNotArray); err != nil {
		return err
	}

	var el rawElement
	for s.dec.More() {
		if err := s.ctx.Err(); err != nil {
			return err
		}

		el.reset()
		if err := s.dec.Decode(&el); err != nil {
			return err
		}
		s.counts.add(el.Type)

		if s.visit == nil {
			continue
		}
		if s.filter != "" && el.Type != s.filter {
			continue
		}
		obj := el.object()
		if obj == nil {
			continue
		}
		if err := s.visit(obj); err != nil {
			s.visitErr = true
			return err
		}
	}

	_, err := s.dec.Token() // closing ']'
	return err
}

func (s *streamer) expectDelim(want json.Delim, mismatch error) error {
	tok, err := s.dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return mismatch
	}
	return nil
}

// countingReader tracks how many bytes were read from the underlying source
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
