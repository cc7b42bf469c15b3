// Package sysinfo reports host resource usage for the stats endpoint.
package sysinfo

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

const defaultSampleInterval = 200 * time.Millisecond

type Snapshot struct {
	Hostname          string    `json:"hostname"`
	HostID            string    `json:"host_id"`
	OS                string    `json:"os"`
	UptimeSeconds     uint64    `json:"uptime_seconds"`
	CPUCores          int       `json:"cpu_cores"`
	CPUPercent        float64   `json:"cpu_percent"`
	TotalMemoryBytes  uint64    `json:"total_memory_bytes"`
	UsedMemoryBytes   uint64    `json:"used_memory_bytes"`
	TotalStorageBytes uint64    `json:"total_storage_bytes"`
	UsedStorageBytes  uint64    `json:"used_storage_bytes"`
	Goroutines        int       `json:"goroutines"`
	CollectedAt       time.Time `json:"collected_at"`
}

type Collector struct {
	hostname string
	hostID   string
	diskPath string
	sample   time.Duration
}

// NewCollector measures storage on the filesystem holding diskPath, which
// is normally the scripts directory.
func NewCollector(diskPath string) (*Collector, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("get hostname: %w", err)
	}

	info, err := host.Info()
	if err != nil {
		return nil, fmt.Errorf("get host info: %w", err)
	}

	if diskPath == "" {
		diskPath = "/"
	}

	return &Collector{
		hostname: hostname,
		hostID:   info.HostID,
		diskPath: diskPath,
		sample:   defaultSampleInterval,
	}, nil
}

func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("get uptime: %w", err)
	}

	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("get cpu cores: %w", err)
	}

	percent, err := cpu.PercentWithContext(ctx, c.sample, false)
	if err != nil {
		return nil, fmt.Errorf("get cpu percent: %w", err)
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("get memory info: %w", err)
	}

	diskInfo, err := disk.UsageWithContext(ctx, c.diskPath)
	if err != nil {
		return nil, fmt.Errorf("get disk usage of %s: %w", c.diskPath, err)
	}

	snap := &Snapshot{
		Hostname:          c.hostname,
		HostID:            c.hostID,
		OS:                runtime.GOOS,
		UptimeSeconds:     uptime,
		CPUCores:          cores,
		TotalMemoryBytes:  memInfo.Total,
		UsedMemoryBytes:   memInfo.Used,
		TotalStorageBytes: diskInfo.Total,
		UsedStorageBytes:  diskInfo.Used,
		Goroutines:        runtime.NumGoroutine(),
		CollectedAt:       time.Now().UTC(),
	}
	if len(percent) > 0 {
		snap.CPUPercent = percent[0]
	}
	return snap, nil
}
