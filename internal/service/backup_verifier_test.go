package service

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"botfleet/pkg/config"
	"botfleet/pkg/storage"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipped(t *testing.T, size int) []byte {
	t.Helper()
	// random bytes do not compress, so the archive stays larger than size
	payload := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(payload)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newVerifierFixture(t *testing.T) (*backupFixture, *BackupVerifier) {
	f := newBackupFixture(t)
	v := NewBackupVerifier(f.store, config.BackupConfig{ScratchDir: t.TempDir(), VerifyMinSize: 1024})
	return f, v
}

func TestVerify_Scenarios(t *testing.T) {
	f, v := newVerifierFixture(t)
	base := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)

	archive := gzipped(t, 4096)
	require.GreaterOrEqual(t, len(archive), 2048)

	fakeGzip := bytes.Repeat([]byte("definitely not a gzip stream "), 100)
	corrupt := append([]byte{0x1f, 0x8b}, bytes.Repeat([]byte{0x00, 0xff}, 1024)...)

	f.putObject(t, "nightly/node-1/tenant_a/2026-05-01.tar.gz", []byte("12345"), base)
	f.putObject(t, "nightly/node-1/tenant_b/2026-05-01.tar.gz", fakeGzip, base.Add(time.Hour))
	f.putObject(t, "nightly/node-1/tenant_c/2026-05-01.tar.gz", corrupt, base.Add(2*time.Hour))
	f.putObject(t, "nightly/node-1/tenant_d/2026-05-01.tar.gz", archive, base.Add(3*time.Hour))

	report := v.Verify(context.Background(), "nightly/", 10)
	assert.Equal(t, 4, report.TotalChecked)
	assert.Equal(t, 1, report.Passed)
	assert.Equal(t, 3, report.Failed)

	byKey := make(map[string]VerifyItem)
	for _, item := range report.Items {
		byKey[item.Key] = item
	}

	small := byKey["nightly/node-1/tenant_a/2026-05-01.tar.gz"]
	assert.False(t, small.Valid)
	assert.Contains(t, small.Error, "too small")
	assert.Equal(t, int64(5), small.SizeBytes)

	notGzip := byKey["nightly/node-1/tenant_b/2026-05-01.tar.gz"]
	assert.False(t, notGzip.Valid)
	assert.Contains(t, notGzip.Error, "not a gzip archive")

	broken := byKey["nightly/node-1/tenant_c/2026-05-01.tar.gz"]
	assert.False(t, broken.Valid)
	assert.NotEmpty(t, broken.Error)

	good := byKey["nightly/node-1/tenant_d/2026-05-01.tar.gz"]
	assert.True(t, good.Valid)
	assert.Empty(t, good.Error)

	// newest first
	assert.Equal(t, "nightly/node-1/tenant_d/2026-05-01.tar.gz", report.Items[0].Key)
}

func TestVerify_LimitTakesNewest(t *testing.T) {
	f, v := newVerifierFixture(t)
	base := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	archive := gzipped(t, 4096)

	f.putObject(t, "nightly/node-1/tenant_a/2026-05-01.tar.gz", archive, base)
	f.putObject(t, "nightly/node-1/tenant_a/2026-05-02.tar.gz", archive, base.Add(24*time.Hour))
	f.putObject(t, "nightly/node-1/tenant_a/2026-05-03.tar.gz", archive, base.Add(48*time.Hour))

	report := v.Verify(context.Background(), "nightly/", 2)
	require.Equal(t, 2, report.TotalChecked)
	assert.Equal(t, "nightly/node-1/tenant_a/2026-05-03.tar.gz", report.Items[0].Key)
	assert.Equal(t, "nightly/node-1/tenant_a/2026-05-02.tar.gz", report.Items[1].Key)
}

type failingListStore struct {
	storage.ObjectStore
}

func (failingListStore) List(context.Context, string) ([]storage.Object, error) {
	return nil, errors.New("bucket unavailable")
}

func TestVerify_ListingFailureYieldsEmptyReport(t *testing.T) {
	v := NewBackupVerifier(failingListStore{}, config.BackupConfig{ScratchDir: t.TempDir()})

	report := v.Verify(context.Background(), "nightly/", 10)
	require.NotNil(t, report)
	assert.Equal(t, 0, report.TotalChecked)
	assert.Equal(t, 0, report.Passed)
	assert.Equal(t, 0, report.Failed)
	assert.Empty(t, report.Items)
}

func TestVerify_DownloadFailureIsPerItem(t *testing.T) {
	f, v := newVerifierFixture(t)
	base := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	f.putObject(t, "nightly/node-1/tenant_a/2026-05-01.tar.gz", gzipped(t, 4096), base)

	v.store = &vanishingStore{ObjectStore: f.store, missing: "nightly/node-1/tenant_a/2026-05-01.tar.gz"}
	f.putObject(t, "nightly/node-1/tenant_b/2026-05-01.tar.gz", gzipped(t, 4096), base)

	report := v.Verify(context.Background(), "nightly/", 10)
	assert.Equal(t, 2, report.TotalChecked)
	assert.Equal(t, 1, report.Passed)
	assert.Equal(t, 1, report.Failed)
}

type vanishingStore struct {
	storage.ObjectStore
	missing string
}

func (s *vanishingStore) Download(ctx context.Context, key, localPath string) (int64, error) {
	if key == s.missing {
		return 0, errors.New("object vanished")
	}
	return s.ObjectStore.Download(ctx, key, localPath)
}

func TestLatestSnapshot_SkipsBackupsThatFailedVerification(t *testing.T) {
	f, v := newVerifierFixture(t)
	f.svc.SetSnapshotFilter(v)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	archive := gzipped(t, 4096)

	f.putObject(t, "nightly/node-1/tenant_a/2026-05-01.tar.gz", archive, base)
	f.putObject(t, "nightly/node-1/tenant_a/2026-05-02.tar.gz", []byte("truncated"), base.Add(24*time.Hour))

	// nothing verified yet: the newest wins
	latest, err := f.svc.LatestSnapshot(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, "nightly/node-1/tenant_a/2026-05-02.tar.gz", latest)

	report := v.Verify(ctx, "nightly/", 10)
	require.Equal(t, 1, report.Failed)
	assert.True(t, v.Rejected("nightly/node-1/tenant_a/2026-05-02.tar.gz"))
	assert.False(t, v.Rejected("nightly/node-1/tenant_a/2026-05-01.tar.gz"))

	latest, err = f.svc.LatestSnapshot(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, "nightly/node-1/tenant_a/2026-05-01.tar.gz", latest)

	// a backup that passes a later run is usable again
	f.putObject(t, "nightly/node-1/tenant_a/2026-05-02.tar.gz", archive, base.Add(24*time.Hour))
	v.Verify(ctx, "nightly/", 10)
	latest, err = f.svc.LatestSnapshot(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, "nightly/node-1/tenant_a/2026-05-02.tar.gz", latest)
}

func TestLatestSnapshot_AllRejectedIsNoSnapshot(t *testing.T) {
	f, v := newVerifierFixture(t)
	f.svc.SetSnapshotFilter(v)
	ctx := context.Background()

	f.putObject(t, "nightly/node-1/tenant_a/2026-05-01.tar.gz", []byte("bad"), time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC))
	v.Verify(ctx, "nightly/", 10)

	_, err := f.svc.LatestSnapshot(ctx, "tenant_a")
	assert.ErrorIs(t, err, ErrNoSnapshot)
	assert.Contains(t, err.Error(), "failed verification")
}
