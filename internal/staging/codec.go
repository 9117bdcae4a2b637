package staging

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/goccy/go-json"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/overpass2geojson/internal/logger"
	"github.com/wegman-software/overpass2geojson/internal/tags"
)

// coordSize is the encoded size of one Coord: id, lat bits, lon bits
const coordSize = 24

func encodeCoords(coords []Coord) []byte {
	buf := make([]byte, len(coords)*coordSize)
	for i, c := range coords {
		off := i * coordSize
		binary.LittleEndian.PutUint64(buf[off:], uint64(c.ID))
		binary.LittleEndian.PutUint64(buf[off+8:], math.Float64bits(c.Lat))
		binary.LittleEndian.PutUint64(buf[off+16:], math.Float64bits(c.Lon))
	}
	return buf
}

func decodeCoords(buf []byte) ([]Coord, error) {
	if len(buf)%coordSize != 0 {
		return nil, fmt.Errorf("corrupt coordinate blob of %d bytes", len(buf))
	}
	coords := make([]Coord, len(buf)/coordSize)
	for i := range coords {
		off := i * coordSize
		coords[i] = Coord{
			ID:  osm.NodeID(binary.LittleEndian.Uint64(buf[off:])),
			Lat: math.Float64frombits(binary.LittleEndian.Uint64(buf[off+8:])),
			Lon: math.Float64frombits(binary.LittleEndian.Uint64(buf[off+16:])),
		}
	}
	return coords, nil
}

// encodeTags stores tags as a JSON object; no tags is NULL
func encodeTags(t osm.Tags) (any, error) {
	if len(t) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(t.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}
	return string(data), nil
}

func decodeTags(s sql.NullString) (osm.Tags, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	return tags.FromMap(m), nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func logWriteError(err *WriteError) {
	logger.Get().Debug("Skipped staging row",
		zap.String("table", err.Table),
		zap.Int64("id", err.ID),
		zap.Error(err.Err))
}
