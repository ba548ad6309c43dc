// Package storage provides the object store that holds container backups.
//
// Keys are namespaced by tier:
//
//	nightly/<node>/<tenant>/<date>.tar.gz
//	latest/<tenant>/<timestamp>.tar.gz
//	pre-restore/<tenant>_<timestamp>.tar.gz
package storage

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"botfleet/pkg/config"
)

const (
	TierNightly    = "nightly/"
	TierLatest     = "latest/"
	TierPreRestore = "pre-restore/"
)

// Object is one stored backup
type Object struct {
	Path string    `json:"path"`
	Size int64     `json:"size"`
	Date time.Time `json:"date"`
}

// ObjectStore is the object storage collaborator used by the agent and the control plane
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]Object, error)
	Upload(ctx context.Context, localPath, key string) (int64, error)
	Download(ctx context.Context, key, localPath string) (int64, error)
	Remove(ctx context.Context, key string) error
	RemoveMany(ctx context.Context, keys []string) error
}

// New builds the store selected by cfg.Backend
func New(ctx context.Context, cfg config.StorageConfig) (ObjectStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "s3", "minio":
		s, err := NewS3Store(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "local":
		s, err := NewLocalStore(cfg.LocalDir)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// NightlyKey is the nightly-tier key for a container backup taken on day
func NightlyKey(nodeID, container string, day time.Time) string {
	return path.Join("nightly", nodeID, container, day.UTC().Format("2006-01-02")+".tar.gz")
}

// LatestKey is the hot-tier key for a tenant backup
func LatestKey(tenant string, at time.Time) string {
	return path.Join("latest", tenant, at.UTC().Format("20060102T150405Z")+".tar.gz")
}

// PreRestoreKey is the key of the safety snapshot taken before a restore
func PreRestoreKey(container string, at time.Time) string {
	return fmt.Sprintf("pre-restore/%s_%d.tar.gz", container, at.UnixMilli())
}

// SortNewestFirst orders objects by date, newest first; equal dates fall back to key order
func SortNewestFirst(objects []Object) {
	sort.SliceStable(objects, func(i, j int) bool {
		if objects[i].Date.Equal(objects[j].Date) {
			return objects[i].Path > objects[j].Path
		}
		return objects[i].Date.After(objects[j].Date)
	})
}

// BelongsTo reports whether key is a backup of tenant in any tier
func BelongsTo(key, tenant string) bool {
	parts := strings.Split(key, "/")
	switch {
	case strings.HasPrefix(key, TierNightly):
		// nightly/<node>/<tenant>/<file>
		return len(parts) >= 4 && parts[2] == tenant
	case strings.HasPrefix(key, TierLatest):
		return len(parts) >= 3 && parts[1] == tenant
	case strings.HasPrefix(key, TierPreRestore):
		return strings.HasPrefix(strings.TrimPrefix(key, TierPreRestore), tenant+"_")
	}
	return false
}
