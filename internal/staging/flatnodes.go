package staging

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/paulmach/osm"
)

const (
	// Each entry: lat (uint32) + lon (uint32) = 8 bytes, fixed-point 1e7
	flatEntrySize = 8
	// DefaultFlatNodesCapacity covers current OSM node ids with headroom
	DefaultFlatNodesCapacity = 1 << 34

	// Stored values are biased by 2^31 so an all-zero entry can never be a
	// valid coordinate: |lat|, |lon| * 1e7 stay well below 2^31.
	flatBias = 1 << 31
)

// FlatNodes is a memory-mapped coordinate index addressed by node id.
// Coordinates live at offset id*8 in a sparse file, so lookups are O(1) and
// disk use grows only with the pages actually written.
type FlatNodes struct {
	file     *os.File
	data     mmap.MMap
	capacity int64
	path     string
}

// CreateFlatNodes creates (or truncates) the index file at path for ids in
// [0, capacity)
func CreateFlatNodes(path string, capacity int64) (*FlatNodes, error) {
	if capacity <= 0 {
		return nil, errors.New("flat nodes capacity must be positive")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create flat nodes file: %w", err)
	}

	size := capacity * flatEntrySize
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to size flat nodes file: %w", err)
	}

	data, err := mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to mmap flat nodes file: %w", err)
	}

	return &FlatNodes{file: f, data: data, capacity: capacity, path: path}, nil
}

// Covers reports whether id is addressable by the index
func (fn *FlatNodes) Covers(id osm.NodeID) bool {
	return id >= 0 && int64(id) < fn.capacity
}

// Put stores a node position. Ids outside the index are ignored.
func (fn *FlatNodes) Put(id osm.NodeID, lat, lon float64) {
	if !fn.Covers(id) {
		return
	}
	off := int64(id) * flatEntrySize
	binary.LittleEndian.PutUint32(fn.data[off:], encodeFixed(lat))
	binary.LittleEndian.PutUint32(fn.data[off+4:], encodeFixed(lon))
}

// Get returns a node position, false if it was never stored
func (fn *FlatNodes) Get(id osm.NodeID) (Coord, bool) {
	if !fn.Covers(id) {
		return Coord{}, false
	}
	off := int64(id) * flatEntrySize
	lat := binary.LittleEndian.Uint32(fn.data[off:])
	lon := binary.LittleEndian.Uint32(fn.data[off+4:])
	if lat == 0 && lon == 0 {
		return Coord{}, false
	}
	return Coord{ID: id, Lat: decodeFixed(lat), Lon: decodeFixed(lon)}, true
}

// Close unmaps and removes the index file
func (fn *FlatNodes) Close() error {
	err := fn.data.Unmap()
	if cerr := fn.file.Close(); err == nil {
		err = cerr
	}
	if rerr := os.Remove(fn.path); err == nil && !os.IsNotExist(rerr) {
		err = rerr
	}
	return err
}

func encodeFixed(v float64) uint32 {
	return uint32(int64(math.Round(v*1e7)) + flatBias)
}

func decodeFixed(v uint32) float64 {
	return float64(int64(v)-flatBias) / 1e7
}
