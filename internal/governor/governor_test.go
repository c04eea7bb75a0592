package governor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/umbrasys/umbra-sync/internal/cache"
)

func TestEnforceLimitEvictsLeastRecentlyUsed(t *testing.T) {
	store, gov := newTestGovernor(t, 250, 0)

	first := putSized(t, store, "first", 100)
	second := putSized(t, store, "second", 100)
	third := putSized(t, store, "third", 100)

	// 访问 first 使其成为最近使用
	if _, err := store.Resolve(first.Hash); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	report, err := gov.EnforceLimit(context.Background())
	if err != nil {
		t.Fatalf("enforce error: %v", err)
	}
	if report.Evicted != 1 || report.FreedBytes != 100 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if store.Has(second.Hash) {
		t.Fatalf("least recently used blob should be evicted")
	}
	if !store.Has(first.Hash) || !store.Has(third.Hash) {
		t.Fatalf("recently used blobs should remain")
	}
	if gov.TotalBytes() != 200 {
		t.Fatalf("total bytes should be 200, got %d", gov.TotalBytes())
	}
}

func TestEnforceLimitHonorsMargin(t *testing.T) {
	store, gov := newTestGovernor(t, 400, 50)
	for i := 0; i < 5; i++ {
		putSized(t, store, fmt.Sprintf("blob-%d", i), 100)
	}

	if _, err := gov.EnforceLimit(context.Background()); err != nil {
		t.Fatalf("enforce error: %v", err)
	}
	// 目标为 400 - 400*50% = 200
	if gov.TotalBytes() != 200 {
		t.Fatalf("expected total 200 after margin, got %d", gov.TotalBytes())
	}
}

func TestEnforceLimitSkipsPinnedBlobs(t *testing.T) {
	store, gov := newTestGovernor(t, 150, 0)
	oldest := putSized(t, store, "oldest", 100)
	putSized(t, store, "newer", 100)
	putSized(t, store, "newest", 100)

	release := gov.Pin(oldest.Hash)
	if _, err := gov.EnforceLimit(context.Background()); err != nil {
		t.Fatalf("enforce error: %v", err)
	}
	if !store.Has(oldest.Hash) {
		t.Fatalf("pinned blob must never be evicted")
	}
	if gov.TotalBytes() != 100 {
		t.Fatalf("expected only the pinned blob to remain, total=%d", gov.TotalBytes())
	}

	release()
	release()
	if summary := gov.Summary(); summary.Pinned != 0 {
		t.Fatalf("release should be idempotent, pinned=%d", summary.Pinned)
	}
}

func TestEnforceLimitNoopUnderCeiling(t *testing.T) {
	store, gov := newTestGovernor(t, 1000, 10)
	putSized(t, store, "small", 10)

	report, err := gov.EnforceLimit(context.Background())
	if err != nil {
		t.Fatalf("enforce error: %v", err)
	}
	if report.Evicted != 0 {
		t.Fatalf("nothing should be evicted under the ceiling")
	}
}

func TestCompactIsIdempotent(t *testing.T) {
	store, gov := newTestGovernor(t, 0, 0)
	for i := 0; i < 3; i++ {
		payload := bytes.Repeat([]byte(fmt.Sprintf("compressible-%d ", i)), 2048)
		if _, err := store.Put(context.Background(), cache.HashBytes(payload), bytes.NewReader(payload), cache.PutOptions{}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	before := gov.TotalBytes()

	for round := 0; round < 2; round++ {
		if err := gov.Compact(context.Background(), true); err != nil {
			t.Fatalf("compact round %d: %v", round, err)
		}
	}
	stats := store.Stats()
	if stats.Compacted != 3 {
		t.Fatalf("expected 3 compacted blobs, got %d", stats.Compacted)
	}
	if gov.TotalBytes() != stats.DiskBytes || gov.TotalBytes() >= before {
		t.Fatalf("total bytes should track compacted size: total=%d disk=%d before=%d", gov.TotalBytes(), stats.DiskBytes, before)
	}
	if summary := gov.Summary(); summary.Compaction.Running || summary.Compaction.Processed != 3 {
		t.Fatalf("unexpected compaction progress: %+v", summary.Compaction)
	}

	if err := gov.Compact(context.Background(), false); err != nil {
		t.Fatalf("decompact: %v", err)
	}
	if gov.TotalBytes() != before {
		t.Fatalf("decompact should restore total bytes, got %d want %d", gov.TotalBytes(), before)
	}
}

func TestCompactHonorsCancellation(t *testing.T) {
	store, gov := newTestGovernor(t, 0, 0)
	putSized(t, store, "one", 64)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := gov.Compact(ctx, true); err == nil {
		t.Fatalf("cancelled compaction should return an error")
	}
	if store.Stats().Compacted != 0 {
		t.Fatalf("cancelled compaction should not rewrite blobs")
	}
}

func TestValidateRemovesCorruptBlobs(t *testing.T) {
	store, gov := newTestGovernor(t, 0, 0)
	good := putSized(t, store, "good", 32)
	bad := putSized(t, store, "bad", 32)
	if err := os.WriteFile(bad.Path, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	removed, err := gov.Validate(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if gov.TotalBytes() != good.DiskSize {
		t.Fatalf("total bytes should drop the corrupt blob, got %d", gov.TotalBytes())
	}
	progress := gov.Summary().Validation
	if progress.Running || progress.Processed != 2 || progress.Total != 2 {
		t.Fatalf("unexpected validation progress: %+v", progress)
	}
}

func TestManifestPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	store, err := cache.NewStore(dir, nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	gov, err := New(context.Background(), store, Options{MaxBytes: 4096, Now: clock.Now})
	if err != nil {
		t.Fatalf("governor: %v", err)
	}
	blob := putSized(t, store, "persisted", 128)
	want, ok := gov.LastAccess(blob.Hash)
	if !ok {
		t.Fatalf("access time should be tracked")
	}
	if err := gov.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := cache.NewStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if err := reopened.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	again, err := New(context.Background(), reopened, Options{})
	if err != nil {
		t.Fatalf("reopen governor: %v", err)
	}
	defer again.Close()

	got, ok := again.LastAccess(blob.Hash)
	if !ok || !got.Equal(want) {
		t.Fatalf("last access should survive restart: got %v want %v", got, want)
	}
	if again.MaxBytes() != 4096 {
		t.Fatalf("ceiling should be restored from manifest, got %d", again.MaxBytes())
	}
	if again.TotalBytes() != 128 {
		t.Fatalf("total bytes should be rebuilt, got %d", again.TotalBytes())
	}
}

func TestRecalculateSizeMatchesStore(t *testing.T) {
	store, gov := newTestGovernor(t, 0, 0)
	putSized(t, store, "a", 10)
	putSized(t, store, "b", 20)

	total, err := gov.RecalculateSize(context.Background())
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if total != 30 || gov.TotalBytes() != 30 {
		t.Fatalf("expected 30 bytes, got %d / %d", total, gov.TotalBytes())
	}
}

func TestClearKeepsPinned(t *testing.T) {
	store, gov := newTestGovernor(t, 0, 0)
	kept := putSized(t, store, "kept", 10)
	putSized(t, store, "dropped", 10)
	release := gov.Pin(kept.Hash)
	defer release()

	removed, err := gov.Clear(context.Background())
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if removed != 1 || !store.Has(kept.Hash) {
		t.Fatalf("clear should keep pinned blob, removed=%d", removed)
	}
}

func TestMonitorIndexesExternalFiles(t *testing.T) {
	store, gov := newTestGovernor(t, 0, 0)
	if err := gov.StartMonitoring(context.Background(), ""); err != nil {
		t.Fatalf("start monitoring: %v", err)
	}
	defer gov.StopMonitoring()
	if !gov.Summary().Monitoring {
		t.Fatalf("summary should report monitoring")
	}

	payload := []byte("dropped in by another process")
	hash := cache.HashBytes(payload)
	path := filepath.Join(store.Root(), string(hash))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool {
		return store.Has(hash) && gov.TotalBytes() == int64(len(payload))
	})

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitFor(t, func() bool {
		return !store.Has(hash) && gov.TotalBytes() == 0
	})

	gov.StopMonitoring()
	if gov.Monitoring() {
		t.Fatalf("monitoring should stop")
	}
}

func TestMonitorRejectsForeignDirectory(t *testing.T) {
	store, gov := newTestGovernor(t, 0, 0)
	if err := gov.StartMonitoring(context.Background(), t.TempDir()); err == nil {
		t.Fatalf("watching a directory outside the store should fail")
	}
	if gov.Monitoring() {
		t.Fatalf("rejected directory must not start monitoring")
	}

	if err := gov.StartMonitoring(context.Background(), store.Root()+string(filepath.Separator)); err != nil {
		t.Fatalf("store root should be accepted: %v", err)
	}
	defer gov.StopMonitoring()
	if !gov.Monitoring() {
		t.Fatalf("monitoring should be running")
	}
}

// fixedRetainer 保留给定的哈希集合。
type fixedRetainer map[cache.Hash]struct{}

func (r fixedRetainer) RetainedHashes(context.Context) (map[cache.Hash]struct{}, error) {
	return r, nil
}

type failingRetainer struct{}

func (failingRetainer) RetainedHashes(context.Context) (map[cache.Hash]struct{}, error) {
	return nil, errors.New("listing unavailable")
}

func newRetainingGovernor(t *testing.T, maxBytes int64, retainer Retainer) (cache.Store, *Governor) {
	t.Helper()
	store, err := cache.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	gov, err := New(context.Background(), store, Options{
		MaxBytes: maxBytes,
		Now:      newFakeClock().Now,
		Retainer: retainer,
	})
	if err != nil {
		t.Fatalf("governor: %v", err)
	}
	t.Cleanup(func() { gov.Close() })
	return store, gov
}

func TestEnforceLimitKeepsRetainedBlobs(t *testing.T) {
	retainer := fixedRetainer{}
	store, gov := newRetainingGovernor(t, 10, retainer)
	referenced := putSized(t, store, "referenced", 10)
	orphan := putSized(t, store, "orphan", 10)
	retainer[referenced.Hash] = struct{}{}

	if _, err := gov.EnforceLimit(context.Background()); err != nil {
		t.Fatalf("enforce: %v", err)
	}
	if !store.Has(referenced.Hash) {
		t.Fatalf("referenced blob must survive eviction")
	}
	if store.Has(orphan.Hash) {
		t.Fatalf("orphaned blob should be evicted")
	}

	removed, err := gov.Clear(context.Background())
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if removed != 0 || !store.Has(referenced.Hash) {
		t.Fatalf("clear should keep referenced blob, removed=%d", removed)
	}
}

func TestEnforceLimitSkipsWhenRetainerFails(t *testing.T) {
	store, gov := newRetainingGovernor(t, 10, failingRetainer{})
	first := putSized(t, store, "first", 10)
	second := putSized(t, store, "second", 10)

	if _, err := gov.EnforceLimit(context.Background()); err == nil {
		t.Fatalf("failed retention listing should surface")
	}
	if !store.Has(first.Hash) || !store.Has(second.Hash) {
		t.Fatalf("nothing may be evicted without a retention listing")
	}
}

func newTestGovernor(t *testing.T, maxBytes int64, margin int) (cache.Store, *Governor) {
	t.Helper()
	store, err := cache.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	gov, err := New(context.Background(), store, Options{
		MaxBytes:              maxBytes,
		EvictionMarginPercent: margin,
		Now:                   newFakeClock().Now,
	})
	if err != nil {
		t.Fatalf("governor: %v", err)
	}
	t.Cleanup(func() { gov.Close() })
	return store, gov
}

// putSized 写入一个内容唯一、长度为 size 的 blob。
func putSized(t *testing.T, store cache.Store, seed string, size int) cache.Blob {
	t.Helper()
	payload := make([]byte, size)
	copy(payload, seed)
	for i := len(seed); i < size; i++ {
		payload[i] = byte(i % 251)
	}
	blob, err := store.Put(context.Background(), cache.HashBytes(payload), bytes.NewReader(payload), cache.PutOptions{})
	if err != nil {
		t.Fatalf("put %s: %v", seed, err)
	}
	return blob
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

// fakeClock 每次调用前进一秒，保证访问顺序可预测。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}
