//go:build linux

package sysinfo

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Disk returns usage for the filesystem containing path
func Disk(path string) (DiskUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return DiskUsage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	free := st.Bavail * bsize
	used := (st.Blocks - st.Bfree) * bsize
	return DiskUsage{TotalBytes: total, UsedBytes: used, FreeBytes: free}, nil
}

// Memory returns host memory usage
func Memory() (MemoryUsage, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return MemoryUsage{}, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(info.Totalram) * unit
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	used := uint64(0)
	if total > free {
		used = total - free
	}
	return MemoryUsage{TotalBytes: total, UsedBytes: used}, nil
}
