//go:build !linux

package sysinfo

func Disk(path string) (DiskUsage, error) {
	return DiskUsage{}, ErrUnsupported
}

func Memory() (MemoryUsage, error) {
	return MemoryUsage{}, ErrUnsupported
}
