// Package governor keeps the local content store within its configured size
// ceiling. It owns the cache manifest (per-blob last access, total bytes,
// ceiling), evicts least-recently-used blobs, rewrites blobs for on-disk
// compaction and drives integrity validation. Integrity failures found here are
// healed by deleting the blob and only surface as counts and log lines.
package governor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/failure"
)

// Options 控制治理器的容量与节奏。
type Options struct {
	MaxBytes              int64
	EvictionMarginPercent int
	FlushInterval         time.Duration
	Logger                *logrus.Logger
	// Retainer 非空时，其返回的 hash 永不淘汰，也不会被 Clear 删除。
	Retainer Retainer
	// Now 用于测试注入时钟，默认 time.Now。
	Now func() time.Time
}

// Retainer 报告仍被引用、必须保留的 blob。hub 以已存储 bundle 的映射实现它，
// 因此只有不再被任何 bundle 引用的 blob 才会被回收。
type Retainer interface {
	RetainedHashes(ctx context.Context) (map[cache.Hash]struct{}, error)
}

// Governor 实现 cache.Observer，所有 blob 访问都经由它更新清单。
type Governor struct {
	store    cache.Store
	manifest *manifest
	logger   *logrus.Logger
	now      func() time.Time
	margin   int
	interval time.Duration
	retainer Retainer

	total atomic.Int64
	max   atomic.Int64

	mu      sync.RWMutex
	access  map[cache.Hash]time.Time
	sizes   map[cache.Hash]int64
	dirty   map[cache.Hash]struct{}
	deleted map[cache.Hash]struct{}

	pinMu sync.Mutex
	pins  map[cache.Hash]int

	// 保证同一时刻只有一个 Compact/Validate/Enforce 在跑
	maintenance sync.Mutex

	progressMu sync.RWMutex
	compaction Progress
	validation Progress
	lastScan   time.Time

	monitorMu sync.Mutex
	monitor   *monitor
}

// Progress 描述长任务进度，供 UI 轮询。
type Progress struct {
	Running   bool       `json:"running"`
	Processed int        `json:"processed"`
	Total     int        `json:"total"`
	Current   cache.Hash `json:"current,omitempty"`
}

// Summary 是清单的只读快照。
type Summary struct {
	TotalBytes int64     `json:"total_bytes"`
	MaxBytes   int64     `json:"max_bytes"`
	Count      int       `json:"count"`
	Pinned     int       `json:"pinned"`
	Compaction Progress  `json:"compaction"`
	Validation Progress  `json:"validation"`
	LastScan   time.Time `json:"last_scan"`
	Monitoring bool      `json:"monitoring"`
}

// EvictionReport 汇总一次 EnforceLimit 的结果。
type EvictionReport struct {
	Evicted    int   `json:"evicted"`
	FreedBytes int64 `json:"freed_bytes"`
	TotalBytes int64 `json:"total_bytes"`
}

// New 打开 store 根目录下的清单，并以 store 当前索引为准对齐清单内容。
func New(ctx context.Context, store cache.Store, opts Options) (*Governor, error) {
	if store == nil {
		return nil, errors.New("content store is required")
	}
	m, err := openManifest(store.Root())
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	g := &Governor{
		store:    store,
		manifest: m,
		logger:   logger,
		now:      now,
		margin:   opts.EvictionMarginPercent,
		interval: interval,
		retainer: opts.Retainer,
		access:   make(map[cache.Hash]time.Time),
		sizes:    make(map[cache.Hash]int64),
		dirty:    make(map[cache.Hash]struct{}),
		deleted:  make(map[cache.Hash]struct{}),
		pins:     make(map[cache.Hash]int),
	}

	if err := g.load(ctx, opts.MaxBytes); err != nil {
		m.close()
		return nil, err
	}
	store.SetObserver(g)
	return g, nil
}

func (g *Governor) load(ctx context.Context, configured int64) error {
	records, err := g.manifest.load(ctx)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	known := make(map[cache.Hash]time.Time, len(records))
	for _, rec := range records {
		known[rec.Hash] = rec.LastAccess
	}

	maxBytes := configured
	if maxBytes <= 0 {
		stored, ok, err := g.manifest.maxBytes(ctx)
		if err != nil {
			return err
		}
		if ok {
			maxBytes = stored
		}
	}
	g.max.Store(maxBytes)
	if maxBytes > 0 {
		if err := g.manifest.setMaxBytes(ctx, maxBytes); err != nil {
			return err
		}
	}

	var total int64
	g.mu.Lock()
	for _, blob := range g.store.List() {
		at, ok := known[blob.Hash]
		if !ok {
			// 清单中缺失的 blob 以文件时间作为最近访问
			at = blob.ModTime
			g.dirty[blob.Hash] = struct{}{}
		}
		delete(known, blob.Hash)
		g.access[blob.Hash] = at
		g.sizes[blob.Hash] = blob.DiskSize
		total += blob.DiskSize
	}
	for hash := range known {
		g.deleted[hash] = struct{}{}
	}
	g.mu.Unlock()
	g.total.Store(total)

	g.progressMu.Lock()
	g.lastScan = g.now()
	g.progressMu.Unlock()
	return nil
}

// BlobAccessed 记录一次读取。
func (g *Governor) BlobAccessed(blob cache.Blob) {
	g.mu.Lock()
	g.access[blob.Hash] = g.now()
	g.dirty[blob.Hash] = struct{}{}
	g.mu.Unlock()
}

// BlobAdded 记录新增或表示形式变化（压缩/解压）的 blob。
func (g *Governor) BlobAdded(blob cache.Blob) {
	g.mu.Lock()
	prev := g.sizes[blob.Hash]
	g.sizes[blob.Hash] = blob.DiskSize
	if _, known := g.access[blob.Hash]; !known {
		// 已知 blob 的表示形式变化不算访问
		g.access[blob.Hash] = g.now()
	}
	g.dirty[blob.Hash] = struct{}{}
	delete(g.deleted, blob.Hash)
	g.mu.Unlock()
	g.total.Add(blob.DiskSize - prev)
}

// BlobRemoved 从清单中移除 blob。
func (g *Governor) BlobRemoved(blob cache.Blob) {
	g.mu.Lock()
	size, ok := g.sizes[blob.Hash]
	delete(g.sizes, blob.Hash)
	delete(g.access, blob.Hash)
	delete(g.dirty, blob.Hash)
	g.deleted[blob.Hash] = struct{}{}
	g.mu.Unlock()
	if ok {
		g.total.Add(-size)
	}
}

// Pin 标记 blob 正被传输任务引用，返回的函数负责解除引用。
func (g *Governor) Pin(hash cache.Hash) func() {
	g.pinMu.Lock()
	g.pins[hash]++
	g.pinMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.pinMu.Lock()
			g.pins[hash]--
			if g.pins[hash] <= 0 {
				delete(g.pins, hash)
			}
			g.pinMu.Unlock()
		})
	}
}

func (g *Governor) pinned(hash cache.Hash) bool {
	g.pinMu.Lock()
	defer g.pinMu.Unlock()
	return g.pins[hash] > 0
}

// SetMaxSize 更新容量上限并持久化。
func (g *Governor) SetMaxSize(ctx context.Context, maxBytes int64) error {
	if maxBytes <= 0 {
		return fmt.Errorf("max size must be positive: %d", maxBytes)
	}
	g.max.Store(maxBytes)
	return g.manifest.setMaxBytes(ctx, maxBytes)
}

// TotalBytes 返回当前占用的磁盘字节数（近似值，最终收敛）。
func (g *Governor) TotalBytes() int64 {
	return g.total.Load()
}

// MaxBytes 返回当前容量上限。
func (g *Governor) MaxBytes() int64 {
	return g.max.Load()
}

// LastAccess 返回 blob 的最近访问时间。
func (g *Governor) LastAccess(hash cache.Hash) (time.Time, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	at, ok := g.access[hash]
	return at, ok
}

// Summary 返回当前清单摘要，读路径只持有读锁。
func (g *Governor) Summary() Summary {
	g.mu.RLock()
	count := len(g.sizes)
	g.mu.RUnlock()

	g.pinMu.Lock()
	pinned := len(g.pins)
	g.pinMu.Unlock()

	g.progressMu.RLock()
	compaction, validation, lastScan := g.compaction, g.validation, g.lastScan
	g.progressMu.RUnlock()

	return Summary{
		TotalBytes: g.total.Load(),
		MaxBytes:   g.max.Load(),
		Count:      count,
		Pinned:     pinned,
		Compaction: compaction,
		Validation: validation,
		LastScan:   lastScan,
		Monitoring: g.Monitoring(),
	}
}

// RecalculateSize 依据 store 索引重新累计总字节数。并发修改期间结果是近似值，
// 之后的增量事件会继续修正。
func (g *Governor) RecalculateSize(ctx context.Context) (int64, error) {
	var total int64
	sizes := make(map[cache.Hash]int64)
	for _, blob := range g.store.List() {
		if err := ctx.Err(); err != nil {
			return g.total.Load(), fmt.Errorf("recalculate: %w", failure.ErrCancelled)
		}
		total += blob.DiskSize
		sizes[blob.Hash] = blob.DiskSize
	}

	g.mu.Lock()
	for hash, size := range sizes {
		g.sizes[hash] = size
		if _, ok := g.access[hash]; !ok {
			g.access[hash] = g.now()
			g.dirty[hash] = struct{}{}
		}
	}
	for hash := range g.sizes {
		if _, ok := sizes[hash]; !ok {
			delete(g.sizes, hash)
			delete(g.access, hash)
			g.deleted[hash] = struct{}{}
		}
	}
	g.mu.Unlock()

	g.total.Store(total)
	g.progressMu.Lock()
	g.lastScan = g.now()
	g.progressMu.Unlock()
	return total, nil
}

// EnforceLimit 在超出上限时按最近访问时间升序淘汰，直到低于 上限-余量。
// 被传输任务 Pin 住的 blob 不会被淘汰。
func (g *Governor) EnforceLimit(ctx context.Context) (EvictionReport, error) {
	g.maintenance.Lock()
	defer g.maintenance.Unlock()

	maxBytes := g.max.Load()
	report := EvictionReport{TotalBytes: g.total.Load()}
	if maxBytes <= 0 || report.TotalBytes <= maxBytes {
		return report, nil
	}
	target := maxBytes - maxBytes*int64(g.margin)/100

	retained, err := g.retained(ctx)
	if err != nil {
		return report, err
	}
	for _, candidate := range g.lruOrder() {
		if g.total.Load() <= target {
			break
		}
		if err := ctx.Err(); err != nil {
			report.TotalBytes = g.total.Load()
			return report, fmt.Errorf("enforce limit: %w", failure.ErrCancelled)
		}
		if _, keep := retained[candidate.hash]; keep || g.pinned(candidate.hash) {
			continue
		}
		if err := g.store.Remove(candidate.hash); err != nil {
			g.logger.WithFields(logrus.Fields{
				"action": "evict",
				"hash":   candidate.hash,
			}).WithError(err).Warn("evict failed")
			continue
		}
		report.Evicted++
		report.FreedBytes += candidate.size
	}

	report.TotalBytes = g.total.Load()
	if report.Evicted > 0 {
		g.logger.WithFields(logrus.Fields{
			"action":      "evict",
			"evicted":     report.Evicted,
			"freed_bytes": report.FreedBytes,
			"total_bytes": report.TotalBytes,
			"max_bytes":   maxBytes,
		}).Info("cache limit enforced")
	}
	return report, nil
}

// retained 取当前必须保留的集合；取不到时宁可不淘汰。
func (g *Governor) retained(ctx context.Context) (map[cache.Hash]struct{}, error) {
	if g.retainer == nil {
		return nil, nil
	}
	keep, err := g.retainer.RetainedHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list retained blobs: %w", err)
	}
	return keep, nil
}

type lruEntry struct {
	hash   cache.Hash
	size   int64
	access time.Time
}

func (g *Governor) lruOrder() []lruEntry {
	g.mu.RLock()
	entries := make([]lruEntry, 0, len(g.sizes))
	for hash, size := range g.sizes {
		entries = append(entries, lruEntry{hash: hash, size: size, access: g.access[hash]})
	}
	g.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].access.Equal(entries[j].access) {
			return entries[i].hash < entries[j].hash
		}
		return entries[i].access.Before(entries[j].access)
	})
	return entries
}

// Compact 逐个 blob 转换为压缩或原始表示。中断后重跑是幂等的：已转换的条目会被跳过。
func (g *Governor) Compact(ctx context.Context, compress bool) error {
	g.maintenance.Lock()
	defer g.maintenance.Unlock()

	blobs := g.store.List()
	g.setProgress(&g.compaction, Progress{Running: true, Total: len(blobs)})
	defer g.finishProgress(&g.compaction)

	for i, blob := range blobs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("compact: %w", failure.ErrCancelled)
		}
		g.setProgress(&g.compaction, Progress{Running: true, Processed: i, Total: len(blobs), Current: blob.Hash})
		if blob.Compacted == compress {
			continue
		}
		if _, err := g.store.Rewrite(ctx, blob.Hash, compress); err != nil {
			if errors.Is(err, context.Canceled) {
				return fmt.Errorf("compact: %w", failure.ErrCancelled)
			}
			// 损坏的 blob 已被 store 删除，继续处理其余条目
			g.logger.WithFields(logrus.Fields{
				"action":   "compact",
				"hash":     blob.Hash,
				"compress": compress,
			}).WithError(err).Warn("compact skipped blob")
		}
	}
	g.setProgress(&g.compaction, Progress{Running: true, Processed: len(blobs), Total: len(blobs)})
	return nil
}

// Validate 执行完整性校验并记录进度，返回被删除的数量。
func (g *Governor) Validate(ctx context.Context) (int, error) {
	g.maintenance.Lock()
	defer g.maintenance.Unlock()

	defer g.finishProgress(&g.validation)
	removed, err := g.store.ValidateAll(ctx, func(processed, total int, current cache.Hash) {
		g.setProgress(&g.validation, Progress{Running: true, Processed: processed, Total: total, Current: current})
	})
	if removed > 0 {
		g.logger.WithFields(logrus.Fields{
			"action":  "validate",
			"removed": removed,
		}).Warn("corrupt blobs removed")
	}
	return removed, err
}

// Clear 删除所有未被 Pin、也未被 Retainer 保留的 blob。
func (g *Governor) Clear(ctx context.Context) (int, error) {
	g.maintenance.Lock()
	defer g.maintenance.Unlock()

	retained, err := g.retained(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, blob := range g.store.List() {
		if err := ctx.Err(); err != nil {
			return removed, fmt.Errorf("clear: %w", failure.ErrCancelled)
		}
		if _, keep := retained[blob.Hash]; keep || g.pinned(blob.Hash) {
			continue
		}
		if err := g.store.Remove(blob.Hash); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Flush 将缓冲的访问记录写入清单。
func (g *Governor) Flush(ctx context.Context) error {
	g.mu.Lock()
	upserts := make([]manifestRecord, 0, len(g.dirty))
	for hash := range g.dirty {
		upserts = append(upserts, manifestRecord{Hash: hash, Size: g.sizes[hash], LastAccess: g.access[hash]})
	}
	deletes := make([]cache.Hash, 0, len(g.deleted))
	for hash := range g.deleted {
		deletes = append(deletes, hash)
	}
	g.dirty = make(map[cache.Hash]struct{})
	g.deleted = make(map[cache.Hash]struct{})
	g.mu.Unlock()

	if err := g.manifest.apply(ctx, upserts, deletes); err != nil {
		// 写入失败时把增量放回，下次重试
		g.mu.Lock()
		for _, rec := range upserts {
			if _, ok := g.sizes[rec.Hash]; ok {
				g.dirty[rec.Hash] = struct{}{}
			}
		}
		for _, hash := range deletes {
			if _, ok := g.sizes[hash]; !ok {
				g.deleted[hash] = struct{}{}
			}
		}
		g.mu.Unlock()
		return fmt.Errorf("flush manifest: %w", err)
	}
	return nil
}

// Run 周期性地刷写清单并执行容量治理，直到 ctx 结束。
func (g *Governor) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := g.Flush(context.Background()); err != nil {
				g.logger.WithError(err).WithField("action", "flush").Warn("final manifest flush failed")
			}
			return
		case <-ticker.C:
			if _, err := g.EnforceLimit(ctx); err != nil && !errors.Is(err, failure.ErrCancelled) {
				g.logger.WithError(err).WithField("action", "evict").Warn("enforce limit failed")
			}
			if err := g.Flush(ctx); err != nil {
				g.logger.WithError(err).WithField("action", "flush").Warn("manifest flush failed")
			}
		}
	}
}

// Close 停止监控、刷写清单并关闭数据库。
func (g *Governor) Close() error {
	g.StopMonitoring()
	flushErr := g.Flush(context.Background())
	closeErr := g.manifest.close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func (g *Governor) setProgress(target *Progress, value Progress) {
	g.progressMu.Lock()
	*target = value
	g.progressMu.Unlock()
}

func (g *Governor) finishProgress(target *Progress) {
	g.progressMu.Lock()
	target.Running = false
	target.Current = ""
	g.progressMu.Unlock()
}
