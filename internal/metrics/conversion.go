package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "overpass2geojson"

var (
	ConversionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Conversions finished, by status",
		},
		[]string{"status"},
	)

	ConversionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "conversion_duration_seconds",
			Help:      "Wall time of one conversion",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
		},
	)

	ElementsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elements_ingested_total",
			Help:      "OSM elements read from input files, by element type",
		},
		[]string{"type"},
	)

	ElementsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elements_dropped_total",
			Help:      "Ways and relations not staged, by element type and reason",
		},
		[]string{"type", "reason"},
	)

	FeaturesEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "features_emitted_total",
			Help:      "Features handed to the consumer, by geometry type",
		},
		[]string{"geometry"},
	)

	StagingWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staging_write_errors_total",
			Help:      "Staging rows skipped because the write failed",
		},
	)

	// System gauges, refreshed by Collector
	CPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "system_cpu_percent", Help: "System-wide CPU usage",
	})
	ProcessCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "process_cpu_percent", Help: "CPU usage of this process",
	})
	MemoryPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "system_memory_percent", Help: "System memory in use",
	})
	DiskBusyPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "disk_busy_percent", Help: "Share of wall time disks spent on I/O",
	})
)

// RecordConversion counts a finished conversion
func RecordConversion(d time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	ConversionsTotal.WithLabelValues(status).Inc()
	ConversionDuration.Observe(d.Seconds())
}

// RecordElements adds per-type ingest counts
func RecordElements(nodes, ways, relations int64) {
	ElementsIngested.WithLabelValues("node").Add(float64(nodes))
	ElementsIngested.WithLabelValues("way").Add(float64(ways))
	ElementsIngested.WithLabelValues("relation").Add(float64(relations))
}

// RecordDropped adds dropped element counts. Zero counts are ignored.
func RecordDropped(elementType, reason string, n int64) {
	if n > 0 {
		ElementsDropped.WithLabelValues(elementType, reason).Add(float64(n))
	}
}

// RecordFeatures adds emitted feature counts keyed by GeoJSON geometry type
func RecordFeatures(byGeometry map[string]int64) {
	for g, n := range byGeometry {
		FeaturesEmitted.WithLabelValues(g).Add(float64(n))
	}
}
