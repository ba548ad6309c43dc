// Package sysinfo samples host disk and memory usage for heartbeats and disk checks.
package sysinfo

import (
	"errors"
	"runtime"
)

// ErrUnsupported is returned on platforms without a host stats implementation
var ErrUnsupported = errors.New("host stats not supported on this platform")

// DiskUsage describes one filesystem
type DiskUsage struct {
	TotalBytes uint64
	UsedBytes  uint64
	FreeBytes  uint64
}

// UsedPercent returns used space as a percentage of the space visible to unprivileged users
func (d DiskUsage) UsedPercent() float64 {
	visible := d.UsedBytes + d.FreeBytes
	if visible == 0 {
		return 0
	}
	return float64(d.UsedBytes) / float64(visible) * 100
}

// MemoryUsage describes host memory
type MemoryUsage struct {
	TotalBytes uint64
	UsedBytes  uint64
}

// CPUCount returns the number of logical CPUs
func CPUCount() int {
	return runtime.NumCPU()
}

const mb = 1024 * 1024

// ToMB converts bytes to whole megabytes
func ToMB(b uint64) int64 {
	return int64(b / mb)
}
