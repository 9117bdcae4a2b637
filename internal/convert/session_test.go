package convert

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wegman-software/overpass2geojson/internal/assemble"
	"github.com/wegman-software/overpass2geojson/internal/config"
	"github.com/wegman-software/overpass2geojson/internal/logger"
)

const sample = `{"version":0.6,"generator":"Overpass API","elements":[
{"type":"node","id":1,"lat":0,"lon":0},
{"type":"node","id":2,"lat":0,"lon":1},
{"type":"node","id":3,"lat":1,"lon":1},
{"type":"node","id":4,"lat":1,"lon":0},
{"type":"node","id":5,"lat":5,"lon":5,"tags":{"amenity":"cafe","source":"survey"}},
{"type":"node","id":6,"lat":2,"lon":2},
{"type":"node","id":7,"lat":2,"lon":3},
{"type":"way","id":10,"nodes":[1,2,3,4,1],"tags":{"building":"yes"}},
{"type":"way","id":11,"nodes":[6,7],"tags":{"highway":"path"}},
{"type":"way","id":12,"nodes":[6,99]},
{"type":"way","id":20,"nodes":[1,2,3,4,1],"tags":{"landuse":"grass"}},
{"type":"relation","id":100,"members":[{"type":"way","ref":20,"role":"outer"}],"tags":{"type":"multipolygon"}},
{"type":"relation","id":101,"members":[{"type":"way","ref":11,"role":""},{"type":"node","ref":5,"role":"stop"}],"tags":{"type":"route","route":"hiking"}},
{"type":"relation","id":102,"members":[{"type":"way","ref":999,"role":""}],"tags":{"type":"route"}},
{"type":"relation","id":103,"members":[],"tags":{"type":"site"}},
{"type":"area","id":3600000001}
]}`

const sampleTotal = 15

func writeSample(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(t *testing.T, engine string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.StagingEngine = engine
	cfg.StagingDir = t.TempDir()
	cfg.BatchSize = 2
	return cfg
}

func assertStagingRemoved(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("staging directory not cleaned up: %d entries left", len(entries))
	}
}

func collect(t *testing.T, s *Session, path string) map[string]*geojson.Feature {
	t.Helper()
	out := map[string]*geojson.Feature{}
	err := s.Run(context.Background(), path, func(f *geojson.Feature) error {
		out[f.ID.(string)] = assemble.Clone(f)
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return out
}

func TestRunConvertsSample(t *testing.T) {
	path := writeSample(t, sample)

	for _, engine := range []string{config.EngineMemory, config.EngineSQLite} {
		t.Run(engine, func(t *testing.T) {
			cfg := testConfig(t, engine)
			s := NewSession(cfg)
			feats := collect(t, s, path)

			want := []string{"node/5", "way/10", "way/11", "way/20", "relation/101"}
			if len(feats) != len(want) {
				t.Errorf("expected %d features, got %d", len(want), len(feats))
			}
			for _, id := range want {
				if feats[id] == nil {
					t.Errorf("%s not emitted", id)
				}
			}
			if feats["relation/100"] != nil {
				t.Error("degenerate multipolygon emitted under its own id")
			}

			if p := feats["node/5"].Properties; p["amenity"] != "cafe" || p["source"] != nil || p["type"] != "node" {
				t.Errorf("unexpected node properties %v", p)
			}
			if p := feats["way/20"].Properties; p["landuse"] != "grass" || p["type"] != "way" {
				t.Errorf("degenerate relation should carry the way's properties, got %v", p)
			}
			if _, ok := feats["way/10"].Geometry.(orb.Polygon); !ok {
				t.Errorf("building should be a Polygon, got %T", feats["way/10"].Geometry)
			}
			if _, ok := feats["relation/101"].Geometry.(orb.LineString); !ok {
				t.Errorf("route should be a LineString, got %T", feats["relation/101"].Geometry)
			}

			st := s.Stats()
			if st.Features != st.Emittable || st.Features != int64(len(want)) {
				t.Errorf("features = %d, emittable = %d", st.Features, st.Emittable)
			}
			if st.Elements.Nodes != 7 || st.Elements.Ways != 4 || st.Elements.Relations != 4 {
				t.Errorf("unexpected element counts %+v", st.Elements)
			}
			if st.Ways.Dropped != 1 || st.Relations.Dropped != 1 || st.Relations.Unsupported != 1 {
				t.Errorf("unexpected resolve counts ways=%+v relations=%+v", st.Ways, st.Relations)
			}
			if st.Diagnostics.DegenerateRelations != 1 {
				t.Errorf("unexpected diagnostics %+v", st.Diagnostics)
			}
			assertStagingRemoved(t, cfg.StagingDir)
		})
	}
}

const holedBuilding = `{"elements":[
{"type":"node","id":1,"lat":0,"lon":0},
{"type":"node","id":2,"lat":0,"lon":4},
{"type":"node","id":3,"lat":4,"lon":4},
{"type":"node","id":4,"lat":4,"lon":0},
{"type":"node","id":5,"lat":1,"lon":1},
{"type":"node","id":6,"lat":1,"lon":2},
{"type":"node","id":7,"lat":2,"lon":2},
{"type":"node","id":8,"lat":2,"lon":1},
{"type":"way","id":10,"nodes":[1,2,3,4,1],"tags":{"building":"yes"}},
{"type":"way","id":11,"nodes":[5,6,7,8,5]},
{"type":"relation","id":100,"members":[{"type":"way","ref":10,"role":"outer"},{"type":"way","ref":11,"role":"inner"}],"tags":{"type":"multipolygon"}}
]}`

func TestSingleOuterWithHoleEmitsOneFeature(t *testing.T) {
	path := writeSample(t, holedBuilding)

	for _, engine := range []string{config.EngineMemory, config.EngineSQLite} {
		t.Run(engine, func(t *testing.T) {
			cfg := testConfig(t, engine)
			feats := collect(t, NewSession(cfg), path)

			if len(feats) != 1 {
				for id, f := range feats {
					t.Logf("%s %T %v", id, f.Geometry, f.Properties)
				}
				t.Fatalf("got %d features, want 1", len(feats))
			}
			f := feats["way/10"]
			if f == nil {
				t.Fatal("way/10 not emitted")
			}
			if f.Properties["building"] != "yes" || f.Properties["type"] != "way" {
				t.Errorf("unexpected properties %v", f.Properties)
			}
			poly, ok := f.Geometry.(orb.Polygon)
			if !ok {
				t.Fatalf("expected a Polygon, got %T", f.Geometry)
			}
			if len(poly) != 2 {
				t.Errorf("expected an outer ring and one hole, got %d rings", len(poly))
			}
			assertStagingRemoved(t, cfg.StagingDir)
		})
	}
}

func TestProgressIsMonotonicAndEndsAtOne(t *testing.T) {
	path := writeSample(t, sample)

	for _, opts := range [][]Option{nil, {WithTotal(sampleTotal)}} {
		var seen []float64
		opts = append(opts, WithProgress(func(v float64) { seen = append(seen, v) }))
		s := NewSession(testConfig(t, config.EngineMemory), opts...)
		collect(t, s, path)

		if len(seen) == 0 {
			t.Fatal("no progress reported")
		}
		for i, v := range seen {
			if v < 0 || v > 1 {
				t.Errorf("progress %v out of range", v)
			}
			if i > 0 && v < seen[i-1] {
				t.Errorf("progress went backwards: %v after %v", v, seen[i-1])
			}
		}
		if seen[len(seen)-1] != 1 {
			t.Errorf("last progress = %v, want 1", seen[len(seen)-1])
		}
		reachedIngest := false
		for _, v := range seen {
			if v == ingestShare {
				reachedIngest = true
			}
		}
		if !reachedIngest {
			t.Errorf("ingestion should end at %v; got %v", ingestShare, seen)
		}
	}
}

func TestCallbackErrorFailsConversion(t *testing.T) {
	path := writeSample(t, sample)
	cfg := testConfig(t, config.EngineSQLite)

	core, logs := observer.New(zapcore.ErrorLevel)
	restore := logger.SetForTest(zap.New(core))
	defer restore()

	sinkErr := errors.New("sink closed")
	calls := 0
	s := NewSession(cfg, WithTotal(sampleTotal))
	err := s.Run(context.Background(), path, func(*geojson.Feature) error {
		calls++
		return sinkErr
	})

	if !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("expected ErrConversionFailed, got %v", err)
	}
	if err.Error() != "failed to convert "+path {
		t.Errorf("unexpected message %q", err.Error())
	}
	if calls != 1 {
		t.Errorf("expected the run to stop after the first rejected feature, got %d calls", calls)
	}
	assertStagingRemoved(t, cfg.StagingDir)

	entries := logs.FilterMessage("Conversion failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one failure log entry, got %d", len(entries))
	}
	if msg, _ := entries[0].ContextMap()["error"].(string); !strings.Contains(msg, sinkErr.Error()) {
		t.Errorf("logged cause does not mention the sink error: %q", msg)
	}
}

func TestMalformedInputFailsAfterStaging(t *testing.T) {
	path := writeSample(t, `{"elements":[{"type":"node","id":1,"lat":0,"lon":0},{"type":`)
	cfg := testConfig(t, config.EngineSQLite)

	// the supplied total skips the counting pass, so the store is opened
	s := NewSession(cfg, WithTotal(1))
	err := s.Run(context.Background(), path, func(*geojson.Feature) error { return nil })
	if !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("expected ErrConversionFailed, got %v", err)
	}
	assertStagingRemoved(t, cfg.StagingDir)
}

func TestMissingFileFails(t *testing.T) {
	s := NewSession(testConfig(t, config.EngineMemory))
	err := s.Run(context.Background(), filepath.Join(t.TempDir(), "absent.json"), func(*geojson.Feature) error { return nil })
	if !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("expected ErrConversionFailed, got %v", err)
	}
}

func TestCancelledRunFails(t *testing.T) {
	path := writeSample(t, sample)
	cfg := testConfig(t, config.EngineSQLite)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewSession(cfg, WithTotal(sampleTotal)).Run(ctx, path, func(*geojson.Feature) error { return nil })
	if !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("expected ErrConversionFailed, got %v", err)
	}
	assertStagingRemoved(t, cfg.StagingDir)
}

func TestSessionsHaveDistinctIDs(t *testing.T) {
	a, b := NewSession(nil), NewSession(nil)
	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("expected distinct session ids, got %q and %q", a.ID(), b.ID())
	}
}
