package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

func TestRecordConversion(t *testing.T) {
	ConversionsTotal.Reset()

	RecordConversion(time.Second, true)
	RecordConversion(time.Second, false)
	RecordConversion(time.Second, false)

	if got := testutil.ToFloat64(ConversionsTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("expected 1 successful conversion, got %v", got)
	}
	if got := testutil.ToFloat64(ConversionsTotal.WithLabelValues("error")); got != 2 {
		t.Errorf("expected 2 failed conversions, got %v", got)
	}
}

func TestRecordDroppedIgnoresZero(t *testing.T) {
	ElementsDropped.Reset()

	RecordDropped("way", "missing_dependency", 0)
	if n := testutil.CollectAndCount(ElementsDropped); n != 0 {
		t.Errorf("expected no series for zero counts, got %d", n)
	}

	RecordDropped("way", "missing_dependency", 3)
	if got := testutil.ToFloat64(ElementsDropped.WithLabelValues("way", "missing_dependency")); got != 3 {
		t.Errorf("expected 3, got %v", got)
	}
}

func TestRecordFeatures(t *testing.T) {
	FeaturesEmitted.Reset()

	RecordFeatures(map[string]int64{"Point": 4, "Polygon": 2})
	RecordFeatures(map[string]int64{"Point": 1})

	if got := testutil.ToFloat64(FeaturesEmitted.WithLabelValues("Point")); got != 5 {
		t.Errorf("expected 5 points, got %v", got)
	}
	if got := testutil.ToFloat64(FeaturesEmitted.WithLabelValues("Polygon")); got != 2 {
		t.Errorf("expected 2 polygons, got %v", got)
	}
}

func TestServerExposesMetrics(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	StagingWriteErrors.Inc()

	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(ln.Addr().String(), zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if !strings.Contains(string(body), "overpass2geojson_staging_write_errors_total") {
		t.Error("metrics output is missing the staging write error counter")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v after cancel", err)
	}
}

func TestCollectorSamples(t *testing.T) {
	c := NewCollector(0, zap.NewNop())
	if c.interval != 30*time.Second {
		t.Errorf("expected short interval to fall back to 30s, got %v", c.interval)
	}
	if c.Last() != nil {
		t.Error("expected no sample before collection")
	}
	c.collect()
	s := c.Last()
	if s == nil || s.Timestamp.IsZero() {
		t.Fatal("expected a sample after collect")
	}
	if s.DiskBusyPercent < 0 || s.DiskBusyPercent > 100 {
		t.Errorf("disk busy out of range: %v", s.DiskBusyPercent)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 << 20, "5.0 MB"},
		{3 << 30, "3.0 GB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
