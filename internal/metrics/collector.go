// Package metrics exposes conversion counters and periodic system samples.
package metrics

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Sample is one snapshot of host and process load
type Sample struct {
	CPUPercent        float64
	ProcessCPUPercent float64 // per core, exceeds 100 on multi-core hosts
	ProcessRSSBytes   uint64
	MemoryPercent     float64
	MemoryUsedBytes   uint64
	DiskReadBps       float64
	DiskWriteBps      float64
	DiskBusyPercent   float64
	Timestamp         time.Time
}

// Collector samples system load on an interval, logs it and mirrors it into
// the prometheus gauges
type Collector struct {
	interval time.Duration
	logger   *zap.Logger
	proc     *process.Process

	lastDisk     map[string]disk.IOCountersStat
	lastDiskTime time.Time

	mu   sync.RWMutex
	last *Sample
}

// NewCollector creates a collector. Intervals under one second fall back to 30s.
func NewCollector(interval time.Duration, logger *zap.Logger) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Collector{
		interval: interval,
		logger:   logger,
		proc:     proc,
	}
}

// Start samples until ctx is cancelled
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// first sample sets the disk baseline
	c.collect()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Metrics collection stopped")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Last returns the most recent sample, or nil before the first one
func (c *Collector) Last() *Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *Collector) collect() {
	s := &Sample{Timestamp: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			s.ProcessCPUPercent = pct
		}
		if mi, err := c.proc.MemoryInfo(); err == nil {
			s.ProcessRSSBytes = mi.RSS
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = vm.UsedPercent
		s.MemoryUsedBytes = vm.Used
	}
	s.DiskReadBps, s.DiskWriteBps, s.DiskBusyPercent = c.diskRates(s.Timestamp)

	c.mu.Lock()
	c.last = s
	c.mu.Unlock()

	CPUPercent.Set(s.CPUPercent)
	ProcessCPUPercent.Set(s.ProcessCPUPercent)
	MemoryPercent.Set(s.MemoryPercent)
	DiskBusyPercent.Set(s.DiskBusyPercent)

	c.logger.Info("System metrics",
		zap.Float64("sys_cpu", s.CPUPercent),
		zap.Float64("proc_cpu", s.ProcessCPUPercent),
		zap.String("proc_rss", FormatBytes(int64(s.ProcessRSSBytes))),
		zap.Float64("mem_pct", s.MemoryPercent),
		zap.String("disk_r", FormatBytes(int64(s.DiskReadBps))+"/s"),
		zap.String("disk_w", FormatBytes(int64(s.DiskWriteBps))+"/s"),
		zap.Float64("disk_busy", s.DiskBusyPercent),
	)
}

// diskRates returns read/write bytes per second and the busy share since the
// previous call. The first call only records a baseline.
func (c *Collector) diskRates(now time.Time) (readBps, writeBps, busyPct float64) {
	counters, err := disk.IOCounters()
	if err != nil {
		return 0, 0, 0
	}
	defer func() {
		c.lastDisk = counters
		c.lastDiskTime = now
	}()

	if c.lastDisk == nil {
		return 0, 0, 0
	}
	elapsed := now.Sub(c.lastDiskTime).Seconds()
	if elapsed < 0.1 {
		return 0, 0, 0
	}

	var read, write, ioMillis uint64
	for name, cur := range counters {
		prev, ok := c.lastDisk[name]
		if !ok {
			continue
		}
		// counters can wrap
		if cur.ReadBytes >= prev.ReadBytes {
			read += cur.ReadBytes - prev.ReadBytes
		}
		if cur.WriteBytes >= prev.WriteBytes {
			write += cur.WriteBytes - prev.WriteBytes
		}
		if cur.IoTime >= prev.IoTime {
			ioMillis += cur.IoTime - prev.IoTime
		}
	}

	busyPct = float64(ioMillis) / (elapsed * 1000) * 100
	if busyPct > 100 {
		busyPct = 100
	}
	return float64(read) / elapsed, float64(write) / elapsed, busyPct
}

// FormatBytes formats bytes in a human-readable format
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
