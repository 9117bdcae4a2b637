package convert

import (
	"fmt"
	"time"
)

// ProgressFunc receives overall progress in [0,1]. Values never decrease and
// the last call of a successful run reports exactly 1.
type ProgressFunc func(float64)

const (
	ingestShare = 0.8   // ingestion passes; assembly gets the rest
	reportStep  = 0.001 // minimum change between callbacks
)

// progress weights ingestion by elements visited over the element total and
// assembly by features emitted over the emittable count
type progress struct {
	fn    ProgressFunc
	start time.Time

	total, ingested    int64
	emittable, emitted int64
	assembling         bool

	last     float64
	reported bool
}

func newProgress(total int64, fn ProgressFunc) *progress {
	return &progress{fn: fn, total: total, start: time.Now()}
}

func (p *progress) ingest() {
	p.ingested++
	p.report(p.value(), false)
}

// startAssembly ends the ingestion share and sets the assembly denominator
func (p *progress) startAssembly(emittable int64) {
	p.assembling = true
	p.emittable = emittable
	p.report(p.value(), true)
}

func (p *progress) emit() {
	p.emitted++
	p.report(p.value(), false)
}

func (p *progress) finish() {
	p.report(1, true)
}

func (p *progress) value() float64 {
	if !p.assembling {
		return ingestShare * ratio(p.ingested, p.total)
	}
	return ingestShare + (1-ingestShare)*ratio(p.emitted, p.emittable)
}

func (p *progress) report(v float64, force bool) {
	if v < p.last || (p.reported && v == p.last) {
		return
	}
	if !force && p.reported && v-p.last < reportStep {
		return
	}
	p.last = v
	p.reported = true
	if p.fn != nil {
		p.fn(v)
	}
}

// snapshot estimates timing from the current fraction
func (p *progress) snapshot() Progress {
	elapsed := time.Since(p.start)
	v := p.value()

	var eta time.Duration
	if v > 0 && v < 1 {
		eta = time.Duration(float64(elapsed) * (1 - v) / v)
	}
	var throughput float64
	if elapsed.Seconds() > 0 {
		throughput = float64(p.ingested+p.emitted) / elapsed.Seconds()
	}
	return Progress{
		Fraction:   v,
		Elapsed:    elapsed.Round(time.Second),
		ETA:        eta.Round(time.Second),
		Throughput: throughput,
	}
}

func ratio(n, d int64) float64 {
	if d <= 0 {
		return 0
	}
	if n >= d {
		return 1
	}
	return float64(n) / float64(d)
}

// Progress is a point-in-time view used for log lines
type Progress struct {
	Fraction   float64
	Elapsed    time.Duration
	ETA        time.Duration
	Throughput float64 // elements plus features per second
}

// FormatETA formats the ETA duration in a human-readable format
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "calculating..."
	}

	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// FormatThroughput formats throughput as human-readable items per second
func FormatThroughput(itemsPerSec float64) string {
	if itemsPerSec >= 1_000_000 {
		return fmt.Sprintf("%.1fM/s", itemsPerSec/1_000_000)
	}
	if itemsPerSec >= 1_000 {
		return fmt.Sprintf("%.1fK/s", itemsPerSec/1_000)
	}
	return fmt.Sprintf("%.0f/s", itemsPerSec)
}
