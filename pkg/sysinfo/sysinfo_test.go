package sysinfo

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskUsage_UsedPercent(t *testing.T) {
	assert.Equal(t, 0.0, DiskUsage{}.UsedPercent())
	assert.InDelta(t, 85.0, DiskUsage{TotalBytes: 110, UsedBytes: 85, FreeBytes: 15}.UsedPercent(), 0.001)
}

func TestDisk(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("host stats only implemented on linux")
	}
	usage, err := Disk(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, usage.TotalBytes, uint64(0))

	_, err = Disk("/definitely/not/a/path")
	assert.Error(t, err)
}

func TestMemory(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("host stats only implemented on linux")
	}
	usage, err := Memory()
	require.NoError(t, err)
	assert.Greater(t, usage.TotalBytes, uint64(0))
	assert.LessOrEqual(t, usage.UsedBytes, usage.TotalBytes)
}
