package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/umbrasys/umbra-sync/internal/failure"
)

func TestStorePutAndOpen(t *testing.T) {
	store := newTestStore(t)
	payload := []byte("payload")
	hash := HashBytes(payload)

	blob, err := store.Put(context.Background(), hash, bytes.NewReader(payload), PutOptions{})
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	if blob.Size != int64(len(payload)) {
		t.Fatalf("size mismatch: %d", blob.Size)
	}
	if filepath.Base(blob.Path) != string(hash) {
		t.Fatalf("blob 文件名应为哈希，得到 %s", blob.Path)
	}

	reader, _, err := store.Open(hash)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(body) != string(payload) {
		t.Fatalf("cached payload mismatch: %s", string(body))
	}
}

func TestStoreResolveMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Resolve(HashBytes([]byte("missing")))
	if !errors.Is(err, failure.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStorePutRejectsHashMismatch(t *testing.T) {
	store := newTestStore(t)
	hash := HashBytes([]byte("expected"))

	_, err := store.Put(context.Background(), hash, bytes.NewReader([]byte("other")), PutOptions{})
	if !errors.Is(err, failure.ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
	if store.Has(hash) {
		t.Fatalf("不匹配的内容不应被索引")
	}
	assertNoTempFiles(t, store.Root())
}

func TestStorePutDeduplicates(t *testing.T) {
	store := newTestStore(t)
	payload := []byte("same bytes")
	hash := HashBytes(payload)

	for i := 0; i < 3; i++ {
		if _, err := store.Put(context.Background(), hash, bytes.NewReader(payload), PutOptions{}); err != nil {
			t.Fatalf("put #%d error: %v", i, err)
		}
	}

	entries, err := os.ReadDir(store.Root())
	if err != nil {
		t.Fatalf("readdir error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one file on disk, got %d", len(entries))
	}
	if stats := store.Stats(); stats.Count != 1 {
		t.Fatalf("expected one indexed blob, got %d", stats.Count)
	}
}

func TestStoreConcurrentPutSameHash(t *testing.T) {
	store := newTestStore(t)
	payload := bytes.Repeat([]byte("x"), 256*1024)
	hash := HashBytes(payload)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Put(context.Background(), hash, bytes.NewReader(payload), PutOptions{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent put failed: %v", err)
		}
	}

	data, err := os.ReadFile(filepath.Join(store.Root(), string(hash)))
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if HashBytes(data) != hash {
		t.Fatalf("并发写入后内容损坏")
	}
	assertNoTempFiles(t, store.Root())
}

func TestStoreValidateAllRemovesCorruptBlob(t *testing.T) {
	store := newTestStore(t)
	good := putBlob(t, store, []byte("good"))
	bad := putBlob(t, store, []byte("bad"))

	if err := os.WriteFile(bad.Path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	var lastProcessed, lastTotal int
	removed, err := store.ValidateAll(context.Background(), func(processed, total int, _ Hash) {
		lastProcessed, lastTotal = processed, total
	})
	if err != nil {
		t.Fatalf("validate error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if lastProcessed != 2 || lastTotal != 2 {
		t.Fatalf("progress should finish at 2/2, got %d/%d", lastProcessed, lastTotal)
	}
	if store.Has(bad.Hash) {
		t.Fatalf("corrupt blob should be gone")
	}
	if !store.Has(good.Hash) {
		t.Fatalf("good blob should remain")
	}
}

func TestStoreValidateAllConcurrentWithReads(t *testing.T) {
	store := newTestStore(t)
	var good []Blob
	payloads := make(map[Hash][]byte)
	for i := 0; i < 6; i++ {
		payload := bytes.Repeat([]byte{byte('a' + i)}, 64*1024)
		blob := putBlob(t, store, payload)
		good = append(good, blob)
		payloads[blob.Hash] = payload
	}
	bad := putBlob(t, store, []byte("will be tampered"))
	if err := os.WriteFile(bad.Path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	stop := make(chan struct{})
	errs := make(chan error, 16)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for n := offset; ; n++ {
				select {
				case <-stop:
					return
				default:
				}
				blob := good[n%len(good)]
				if _, err := store.Resolve(blob.Hash); err != nil {
					errs <- err
					return
				}
				rc, _, err := store.Open(blob.Hash)
				if err != nil {
					errs <- err
					return
				}
				data, err := io.ReadAll(rc)
				rc.Close()
				if err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(data, payloads[blob.Hash]) {
					errs <- errors.New("read returned wrong content during validation")
					return
				}
				if _, err := store.Resolve(bad.Hash); err != nil && !errors.Is(err, failure.ErrNotFound) {
					errs <- err
					return
				}
			}
		}(i)
	}

	removed, err := store.ValidateAll(context.Background(), nil)
	close(stop)
	wg.Wait()
	close(errs)

	if err != nil {
		t.Fatalf("validate error: %v", err)
	}
	for readErr := range errs {
		t.Fatalf("concurrent read failed: %v", readErr)
	}
	if removed != 1 {
		t.Fatalf("only the tampered blob should be removed, got %d", removed)
	}
	if store.Has(bad.Hash) {
		t.Fatalf("tampered blob should be gone")
	}
	for _, blob := range good {
		if !store.Has(blob.Hash) {
			t.Fatalf("valid blob %s must survive validation", blob.Hash)
		}
	}
}

func TestStoreValidateAllHonorsCancellation(t *testing.T) {
	store := newTestStore(t)
	putBlob(t, store, []byte("one"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.ValidateAll(ctx, nil); !errors.Is(err, failure.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestStoreRewriteRoundTrip(t *testing.T) {
	store := newTestStore(t)
	payload := bytes.Repeat([]byte("compressible "), 4096)
	blob := putBlob(t, store, payload)

	compacted, err := store.Rewrite(context.Background(), blob.Hash, true)
	if err != nil {
		t.Fatalf("compact error: %v", err)
	}
	if !compacted.Compacted || compacted.DiskSize >= compacted.Size {
		t.Fatalf("unexpected compacted blob: %+v", compacted)
	}
	if _, err := os.Stat(blob.Path); !os.IsNotExist(err) {
		t.Fatalf("原始文件应被移除")
	}

	reader, _, err := store.Open(blob.Hash)
	if err != nil {
		t.Fatalf("open compacted: %v", err)
	}
	body, _ := io.ReadAll(reader)
	reader.Close()
	if !bytes.Equal(body, payload) {
		t.Fatalf("compacted content mismatch")
	}

	restored, err := store.Rewrite(context.Background(), blob.Hash, false)
	if err != nil {
		t.Fatalf("decompact error: %v", err)
	}
	if restored.Compacted || restored.DiskSize != int64(len(payload)) {
		t.Fatalf("unexpected restored blob: %+v", restored)
	}
}

func TestStoreScanRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	raw := putBlob(t, store, []byte("raw blob"))
	packed := putBlob(t, store, bytes.Repeat([]byte("z"), 10000))
	if _, err := store.Rewrite(context.Background(), packed.Hash, true); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, tempPrefix+"leftover"), []byte("half"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("foreign"), 0o644); err != nil {
		t.Fatalf("write foreign: %v", err)
	}

	reopened, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := reopened.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !reopened.Scanned() {
		t.Fatalf("scan should mark index as built")
	}
	if !reopened.Has(raw.Hash) || !reopened.Has(packed.Hash) {
		t.Fatalf("scan should index both blobs")
	}
	resolved, err := reopened.Resolve(packed.Hash)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Compacted || resolved.Size != 10000 {
		t.Fatalf("compacted size should come from frame header: %+v", resolved)
	}
	assertNoTempFiles(t, dir)
}

func TestStoreObserverEvents(t *testing.T) {
	store := newTestStore(t)
	rec := &observerRecorder{}
	store.SetObserver(rec)

	blob := putBlob(t, store, []byte("observed"))
	if _, err := store.Resolve(blob.Hash); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := store.Remove(blob.Hash); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if rec.added != 1 || rec.accessed != 1 || rec.removed != 1 {
		t.Fatalf("unexpected observer counts: %+v", rec)
	}
}

type observerRecorder struct {
	mu                       sync.Mutex
	added, accessed, removed int
}

func (r *observerRecorder) BlobAccessed(Blob) { r.mu.Lock(); r.accessed++; r.mu.Unlock() }
func (r *observerRecorder) BlobAdded(Blob)    { r.mu.Lock(); r.added++; r.mu.Unlock() }
func (r *observerRecorder) BlobRemoved(Blob)  { r.mu.Lock(); r.removed++; r.mu.Unlock() }

func putBlob(t *testing.T, store Store, payload []byte) Blob {
	t.Helper()
	blob, err := store.Put(context.Background(), HashBytes(payload), bytes.NewReader(payload), PutOptions{})
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	return blob
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	matches, _ := filepath.Glob(filepath.Join(dir, tempPrefix+"*"))
	if len(matches) > 0 {
		t.Fatalf("temp files left behind: %v", matches)
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}
