package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/umbrasys/umbra-sync/internal/failure"
)

// NewStore 以 basePath 为根目录构建内容存储，整个进程复用一份实例。
// 调用方需要在使用前执行 Scan 以加载已有 blob。
func NewStore(basePath string, logger *logrus.Logger) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	return &fileStore{
		basePath: abs,
		logger:   logger,
		locks:    make(map[Hash]*entryLock),
		index:    make(map[Hash]Blob),
	}, nil
}

// fileStore 通过 entryLock 避免同一哈希并发写入，索引由 indexMu 保护。
type fileStore struct {
	basePath string
	logger   *logrus.Logger

	mu    sync.Mutex
	locks map[Hash]*entryLock

	indexMu  sync.RWMutex
	index    map[Hash]Blob
	scanned  bool
	observer Observer
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

var (
	sharedEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	sharedDecoder, _ = zstd.NewReader(nil)
)

func (s *fileStore) Root() string {
	return s.basePath
}

func (s *fileStore) SetObserver(observer Observer) {
	s.indexMu.Lock()
	s.observer = observer
	s.indexMu.Unlock()
}

func (s *fileStore) Resolve(hash Hash) (Blob, error) {
	blob, ok := s.lookup(hash)
	if !ok {
		return Blob{}, fmt.Errorf("blob %s: %w", hash, failure.ErrNotFound)
	}
	s.notify(func(o Observer) { o.BlobAccessed(blob) })
	return blob, nil
}

func (s *fileStore) Has(hash Hash) bool {
	_, ok := s.lookup(hash)
	return ok
}

func (s *fileStore) Open(hash Hash) (io.ReadCloser, Blob, error) {
	blob, ok := s.lookup(hash)
	if !ok {
		return nil, Blob{}, fmt.Errorf("blob %s: %w", hash, failure.ErrNotFound)
	}

	f, err := os.Open(blob.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// 文件被外部删除，索引自愈
			s.dropIndex(hash)
			return nil, Blob{}, fmt.Errorf("blob %s: %w", hash, failure.ErrNotFound)
		}
		return nil, Blob{}, err
	}

	s.notify(func(o Observer) { o.BlobAccessed(blob) })
	if !blob.Compacted {
		return f, blob, nil
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, Blob{}, fmt.Errorf("blob %s: %w", hash, failure.ErrCorrupt)
	}
	return &decodedFile{dec: dec, file: f}, blob, nil
}

func (s *fileStore) Put(ctx context.Context, hash Hash, body io.Reader, opts PutOptions) (Blob, error) {
	if !hash.Valid() {
		return Blob{}, fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}

	tempFile, err := os.CreateTemp(s.basePath, tempPrefix+"*")
	if err != nil {
		return Blob{}, err
	}
	tempName := tempFile.Name()

	hasher := newHasher()
	written, err := copyWithContext(ctx, io.MultiWriter(tempFile, hasher), body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return Blob{}, err
	}

	if actual := encodeSum(hasher.Sum(nil)); actual != hash {
		os.Remove(tempName)
		return Blob{}, fmt.Errorf("blob %s (got %s): %w", hash, actual, failure.ErrHashMismatch)
	}

	unlock := s.lockEntry(hash)
	defer unlock()

	if existing, ok := s.lookup(hash); ok {
		if _, statErr := os.Stat(existing.Path); statErr == nil {
			os.Remove(tempName)
			s.notify(func(o Observer) { o.BlobAccessed(existing) })
			return existing, nil
		}
	}

	target := s.rawPath(hash)
	diskSize := written
	if opts.Compact {
		compactedName, size, err := s.compactTemp(tempName)
		os.Remove(tempName)
		if err != nil {
			return Blob{}, err
		}
		tempName = compactedName
		target = s.compactedPath(hash)
		diskSize = size
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return Blob{}, err
	}

	blob := Blob{
		Hash:      hash,
		Path:      target,
		Size:      written,
		DiskSize:  diskSize,
		Compacted: opts.Compact,
		ModTime:   time.Now().UTC(),
	}
	s.storeIndex(blob)
	s.notify(func(o Observer) { o.BlobAdded(blob) })
	return blob, nil
}

func (s *fileStore) Remove(hash Hash) error {
	unlock := s.lockEntry(hash)
	defer unlock()
	return s.removeLocked(hash)
}

func (s *fileStore) removeLocked(hash Hash) error {
	blob, known := s.lookup(hash)
	for _, p := range []string{s.rawPath(hash), s.compactedPath(hash)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	s.dropIndex(hash)
	if known {
		s.notify(func(o Observer) { o.BlobRemoved(blob) })
	}
	return nil
}

func (s *fileStore) Rewrite(ctx context.Context, hash Hash, compacted bool) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return Blob{}, err
	}

	unlock := s.lockEntry(hash)
	defer unlock()

	blob, ok := s.lookup(hash)
	if !ok {
		return Blob{}, fmt.Errorf("blob %s: %w", hash, failure.ErrNotFound)
	}
	if blob.Compacted == compacted {
		return blob, nil
	}

	data, err := s.readVerified(blob)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"action": "rewrite",
			"hash":   hash,
		}).WithError(err).Warn("corrupt blob removed")
		_ = s.removeLocked(hash)
		return Blob{}, err
	}

	payload := data
	target := s.rawPath(hash)
	if compacted {
		payload = sharedEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
		target = s.compactedPath(hash)
	}

	tempName, err := writeTemp(s.basePath, payload)
	if err != nil {
		return Blob{}, err
	}
	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return Blob{}, err
	}
	if err := os.Remove(blob.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Blob{}, err
	}

	updated := Blob{
		Hash:      hash,
		Path:      target,
		Size:      int64(len(data)),
		DiskSize:  int64(len(payload)),
		Compacted: compacted,
		ModTime:   blob.ModTime,
	}
	s.storeIndex(updated)
	s.notify(func(o Observer) { o.BlobAdded(updated) })
	return updated, nil
}

func (s *fileStore) ValidateAll(ctx context.Context, progress ProgressFunc) (int, error) {
	blobs := s.List()
	total := len(blobs)
	removed := 0

	for i, blob := range blobs {
		if err := ctx.Err(); err != nil {
			return removed, fmt.Errorf("validate: %w", failure.ErrCancelled)
		}
		if progress != nil {
			progress(i, total, blob.Hash)
		}
		if s.validateOne(blob.Hash) {
			removed++
		}
	}

	if progress != nil {
		progress(total, total, "")
	}
	return removed, nil
}

// validateOne 在条目锁内校验单个 blob，返回是否被删除。
func (s *fileStore) validateOne(hash Hash) bool {
	unlock := s.lockEntry(hash)
	defer unlock()

	blob, ok := s.lookup(hash)
	if !ok {
		return false
	}
	_, err := s.readVerified(blob)
	if err == nil {
		return false
	}
	s.logger.WithFields(logrus.Fields{
		"action": "validate",
		"hash":   hash,
		"path":   blob.Path,
	}).WithError(err).Warn("corrupt blob removed")
	if err := s.removeLocked(hash); err != nil {
		s.logger.WithError(err).WithField("hash", hash).Error("remove corrupt blob failed")
		return false
	}
	return true
}

func (s *fileStore) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return err
	}

	next := make(map[Hash]Blob, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, tempPrefix) {
			// 上次中断留下的半成品
			os.Remove(filepath.Join(s.basePath, name))
			continue
		}
		blob, ok := s.describe(name)
		if !ok {
			continue
		}
		if prev, dup := next[blob.Hash]; dup {
			// 原始与压缩副本同时存在时保留原始版本
			keep, drop := prev, blob
			if prev.Compacted && !blob.Compacted {
				keep, drop = blob, prev
			}
			next[blob.Hash] = keep
			os.Remove(drop.Path)
			continue
		}
		next[blob.Hash] = blob
	}

	s.indexMu.Lock()
	s.index = next
	s.scanned = true
	s.indexMu.Unlock()
	return nil
}

func (s *fileStore) Scanned() bool {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	return s.scanned
}

func (s *fileStore) IndexFile(name string) (Blob, bool) {
	blob, ok := s.describe(filepath.Base(name))
	if !ok {
		return Blob{}, false
	}
	if existing, known := s.lookup(blob.Hash); known && existing.Path == blob.Path && existing.DiskSize == blob.DiskSize {
		return existing, true
	}
	s.storeIndex(blob)
	s.notify(func(o Observer) { o.BlobAdded(blob) })
	return blob, true
}

func (s *fileStore) ForgetFile(name string) {
	base := filepath.Base(name)
	hash, err := ParseHash(strings.TrimSuffix(base, compactedSuffix))
	if err != nil {
		return
	}
	blob, known := s.lookup(hash)
	if !known || blob.Path != filepath.Join(s.basePath, base) {
		return
	}
	if _, err := os.Stat(blob.Path); err == nil {
		return
	}
	s.dropIndex(hash)
	s.notify(func(o Observer) { o.BlobRemoved(blob) })
}

func (s *fileStore) List() []Blob {
	s.indexMu.RLock()
	result := make([]Blob, 0, len(s.index))
	for _, blob := range s.index {
		result = append(result, blob)
	}
	s.indexMu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Hash < result[j].Hash
	})
	return result
}

func (s *fileStore) Stats() Stats {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()

	var stats Stats
	for _, blob := range s.index {
		stats.Count++
		stats.Bytes += blob.Size
		stats.DiskBytes += blob.DiskSize
		if blob.Compacted {
			stats.Compacted++
		}
	}
	return stats
}

// describe 根据文件名与文件头推导 Blob 描述，非 blob 文件返回 false。
func (s *fileStore) describe(name string) (Blob, bool) {
	compacted := strings.HasSuffix(name, compactedSuffix)
	hash, err := ParseHash(strings.TrimSuffix(name, compactedSuffix))
	if err != nil || string(hash) != strings.TrimSuffix(name, compactedSuffix) {
		return Blob{}, false
	}

	full := filepath.Join(s.basePath, name)
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return Blob{}, false
	}

	size := info.Size()
	if compacted {
		size = compactedContentSize(full, info.Size())
	}
	return Blob{
		Hash:      hash,
		Path:      full,
		Size:      size,
		DiskSize:  info.Size(),
		Compacted: compacted,
		ModTime:   info.ModTime(),
	}, true
}

// readVerified 读出 blob 原始内容并核对哈希。
func (s *fileStore) readVerified(blob Blob) ([]byte, error) {
	raw, err := os.ReadFile(blob.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %v: %w", blob.Hash, err, failure.ErrCorrupt)
	}
	data := raw
	if blob.Compacted {
		data, err = sharedDecoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %v: %w", blob.Hash, err, failure.ErrCorrupt)
		}
	}
	if actual := HashBytes(data); actual != blob.Hash {
		return nil, fmt.Errorf("blob %s (got %s): %w", blob.Hash, actual, failure.ErrHashMismatch)
	}
	return data, nil
}

func (s *fileStore) compactTemp(rawTemp string) (string, int64, error) {
	data, err := os.ReadFile(rawTemp)
	if err != nil {
		return "", 0, err
	}
	payload := sharedEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	name, err := writeTemp(s.basePath, payload)
	if err != nil {
		return "", 0, err
	}
	return name, int64(len(payload)), nil
}

func (s *fileStore) lookup(hash Hash) (Blob, bool) {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	blob, ok := s.index[hash]
	return blob, ok
}

func (s *fileStore) storeIndex(blob Blob) {
	s.indexMu.Lock()
	s.index[blob.Hash] = blob
	s.indexMu.Unlock()
}

func (s *fileStore) dropIndex(hash Hash) {
	s.indexMu.Lock()
	delete(s.index, hash)
	s.indexMu.Unlock()
}

func (s *fileStore) notify(fn func(Observer)) {
	s.indexMu.RLock()
	observer := s.observer
	s.indexMu.RUnlock()
	if observer != nil {
		fn(observer)
	}
}

func (s *fileStore) lockEntry(hash Hash) func() {
	s.mu.Lock()
	lock := s.locks[hash]
	if lock == nil {
		lock = &entryLock{}
		s.locks[hash] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, hash)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) rawPath(hash Hash) string {
	return filepath.Join(s.basePath, string(hash))
}

func (s *fileStore) compactedPath(hash Hash) string {
	return filepath.Join(s.basePath, string(hash)+compactedSuffix)
}

// decodedFile 在关闭时同时释放解码器与底层文件。
type decodedFile struct {
	dec  *zstd.Decoder
	file *os.File
}

func (d *decodedFile) Read(p []byte) (int, error) {
	return d.dec.Read(p)
}

func (d *decodedFile) Close() error {
	d.dec.Close()
	return d.file.Close()
}

func compactedContentSize(path string, fallback int64) int64 {
	f, err := os.Open(path)
	if err != nil {
		return fallback
	}
	defer f.Close()

	buf := make([]byte, 64)
	n, _ := io.ReadFull(f, buf)
	var header zstd.Header
	if err := header.Decode(buf[:n]); err != nil || !header.HasFCS {
		return fallback
	}
	return int64(header.FrameContentSize)
}

func writeTemp(dir string, payload []byte) (string, error) {
	f, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	_, err = f.Write(payload)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// CopyWithContext 按 32KiB 分块复制，并在每个分块边界检查 ctx。
func CopyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return copyWithContext(ctx, dst, src)
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
