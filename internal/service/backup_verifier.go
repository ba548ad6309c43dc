package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"botfleet/pkg/config"
	"botfleet/pkg/logger"
	"botfleet/pkg/metrics"
	"botfleet/pkg/status"
	"botfleet/pkg/storage"

	"github.com/klauspost/compress/gzip"
)

var gzipMagic = []byte{0x1f, 0x8b}

// VerifyItem is the outcome for one stored backup
type VerifyItem struct {
	Key       string `json:"key"`
	Valid     bool   `json:"valid"`
	SizeBytes int64  `json:"size_bytes"`
	Error     string `json:"error,omitempty"`
}

// VerifyReport summarizes one verification run
type VerifyReport struct {
	TotalChecked int          `json:"total_checked"`
	Passed       int          `json:"passed"`
	Failed       int          `json:"failed"`
	Items        []VerifyItem `json:"items"`
	CheckedAt    time.Time    `json:"checked_at"`
}

// BackupVerifier samples stored backups and checks they can actually be restored from. It remembers
// which keys failed their last check.
type BackupVerifier struct {
	store      storage.ObjectStore
	scratchDir string
	minSize    int64

	mu      sync.RWMutex
	invalid map[string]string // key -> reason
}

// NewBackupVerifier creates a verifier that downloads into scratchDir
func NewBackupVerifier(store storage.ObjectStore, cfg config.BackupConfig) *BackupVerifier {
	minSize := cfg.VerifyMinSize
	if minSize <= 0 {
		minSize = config.DefaultVerifyMinSize
	}
	scratch := cfg.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	return &BackupVerifier{store: store, scratchDir: scratch, minSize: minSize, invalid: make(map[string]string)}
}

// Rejected reports whether key failed its most recent verification
func (v *BackupVerifier) Rejected(key string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, bad := v.invalid[key]
	return bad
}

func (v *BackupVerifier) remember(item VerifyItem) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if item.Valid {
		delete(v.invalid, item.Key)
		return
	}
	v.invalid[item.Key] = item.Error
}

// Verify checks the newest limit backups under prefix. A listing failure yields an empty report;
// per-backup failures are recorded and never stop the batch.
func (v *BackupVerifier) Verify(ctx context.Context, prefix string, limit int) *VerifyReport {
	report := &VerifyReport{Items: []VerifyItem{}, CheckedAt: time.Now()}

	objects, err := v.store.List(ctx, prefix)
	if err != nil {
		logger.ErrorCtx(ctx, "backup verification could not list %q: %v", prefix, err)
		return report
	}

	storage.SortNewestFirst(objects)
	if limit > 0 && len(objects) > limit {
		objects = objects[:limit]
	}

	for _, obj := range objects {
		item := VerifyItem{Key: obj.Path}
		size, err := v.check(ctx, obj.Path)
		item.SizeBytes = size
		if err != nil {
			item.Error = status.Sanitize(err.Error())
			report.Failed++
			metrics.VerifiedTotal.WithLabelValues("failed").Inc()
			logger.WarnCtx(ctx, "backup %s failed verification: %v", obj.Path, err)
		} else {
			item.Valid = true
			report.Passed++
			metrics.VerifiedTotal.WithLabelValues("passed").Inc()
		}
		v.remember(item)
		report.Items = append(report.Items, item)
		report.TotalChecked++
	}

	metrics.VerifyLastFailed.Set(float64(report.Failed))
	logger.InfoCtx(ctx, "backup verification of %q: checked %d, passed %d, failed %d", prefix, report.TotalChecked, report.Passed, report.Failed)
	return report
}

func (v *BackupVerifier) check(ctx context.Context, key string) (int64, error) {
	tmp, err := os.CreateTemp(v.scratchDir, "verify-*.tar.gz")
	if err != nil {
		return 0, fmt.Errorf("create scratch file: %w", err)
	}
	scratchPath := tmp.Name()
	tmp.Close()
	defer os.Remove(scratchPath)

	size, err := v.store.Download(ctx, key, scratchPath)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	if size < v.minSize {
		return size, fmt.Errorf("too small: %d bytes (minimum %d)", size, v.minSize)
	}

	f, err := os.Open(scratchPath)
	if err != nil {
		return size, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	magic := make([]byte, len(gzipMagic))
	if _, err := io.ReadFull(f, magic); err != nil || !bytes.Equal(magic, gzipMagic) {
		return size, fmt.Errorf("not a gzip archive (bad magic bytes)")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return size, fmt.Errorf("seek: %w", err)
	}

	zr, err := gzip.NewReader(f)
	if err != nil {
		return size, fmt.Errorf("corrupt gzip header: %w", err)
	}
	defer zr.Close()
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return size, fmt.Errorf("decompression failed: %w", err)
	}
	return size, nil
}
