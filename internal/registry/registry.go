// Package registry owns bundle lifetime: creation quotas, edit sessions,
// publishing with at-most-one operation in flight per bundle, resolution under
// access rules, apply, and delete. Metadata lives behind MetaStore; blobs move
// through the transfer orchestrator and land in the content store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/umbrasys/umbra-sync/internal/bundle"
	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/failure"
	"github.com/umbrasys/umbra-sync/internal/identity"
	"github.com/umbrasys/umbra-sync/internal/logging"
	"github.com/umbrasys/umbra-sync/internal/transfer"
)

// MetaStore 是 bundle 元数据的远端 KV，按 code 或 id 寻址。
type MetaStore interface {
	Get(ctx context.Context, code string) (bundle.Bundle, error)
	GetByID(ctx context.Context, id uuid.UUID) (bundle.Bundle, error)
	Put(ctx context.Context, b bundle.Bundle) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByOwner(ctx context.Context, owner identity.CanonicalID) ([]bundle.Bundle, error)
	ListShared(ctx context.Context) ([]bundle.Bundle, error)
	IncrementDownloads(ctx context.Context, id uuid.UUID) (int64, error)
}

// Transfers 是 Registry 使用的调度器能力。
type Transfers interface {
	Enqueue(ctx context.Context, req transfer.Request) *transfer.Job
}

// BlobIndex 查询远端缺失的 blob。
type BlobIndex interface {
	Missing(ctx context.Context, hashes []cache.Hash) ([]cache.Hash, error)
}

// BlobOpener 读取本地 blob。
type BlobOpener interface {
	Open(hash cache.Hash) (io.ReadCloser, cache.Blob, error)
}

// Applier 是把 bundle 应用到游戏对象的外部协作者。
type Applier interface {
	Apply(ctx context.Context, target string, b bundle.Bundle, blobs BlobOpener) error
}

// Snapshot 是当前游戏内外观。
type Snapshot struct {
	Mappings   []bundle.Mapping
	Appearance bundle.Appearance
	Poses      []bundle.Pose
}

// SnapshotProvider 提供本地外观快照。
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Options 组装 Registry 依赖。
type Options struct {
	Identity  identity.CanonicalID
	Meta      MetaStore
	Store     cache.Store
	Transfers Transfers
	Remote    BlobIndex
	Graph     identity.Graph
	Resolver  identity.Resolver
	Pairs     *transfer.PairLimiter
	Pinner    transfer.Pinner
	Applier   Applier
	Snapshots SnapshotProvider

	MaxLiveBundles   int
	CreationCooldown time.Duration
	// CompactImports 让导入的 blob 以压缩形式落盘。
	CompactImports bool

	Now    func() time.Time
	Logger *logrus.Logger
}

// ApplyReport 汇总一次 Apply。
type ApplyReport struct {
	Required   int  `json:"required"`
	Downloaded int  `json:"downloaded"`
	Reused     int  `json:"reused"`
	Counted    bool `json:"counted"`
}

// Registry 实现 bundle 的生命周期操作。
type Registry struct {
	self      identity.CanonicalID
	meta      MetaStore
	store     cache.Store
	transfers Transfers
	remote    BlobIndex
	graph     identity.Graph
	resolver  identity.Resolver
	pairs     *transfer.PairLimiter
	pinner    transfer.Pinner
	applier   Applier
	snapshots SnapshotProvider

	maxLive  int
	cooldown time.Duration
	compact  bool
	now      func() time.Time
	logger   *logrus.Logger

	// 每个 bundle 同时最多一个写操作
	inflight sync.Map

	createMu   sync.Mutex
	lastCreate map[identity.CanonicalID]time.Time

	countMu sync.Mutex
	counted map[downloadKey]struct{}
}

type downloadKey struct {
	id        uuid.UUID
	version   int64
	requester identity.CanonicalID
}

// New 创建 Registry。
func New(opts Options) (*Registry, error) {
	if opts.Meta == nil || opts.Store == nil {
		return nil, errors.New("meta store and content store are required")
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
	resolver := opts.Resolver
	if resolver == nil {
		resolver = identity.PassThrough{}
	}
	maxLive := opts.MaxLiveBundles
	if maxLive <= 0 {
		maxLive = 5
	}
	return &Registry{
		self:       opts.Identity,
		meta:       opts.Meta,
		store:      opts.Store,
		transfers:  opts.Transfers,
		remote:     opts.Remote,
		graph:      opts.Graph,
		resolver:   resolver,
		pairs:      opts.Pairs,
		pinner:     opts.Pinner,
		applier:    opts.Applier,
		snapshots:  opts.Snapshots,
		maxLive:    maxLive,
		cooldown:   opts.CreationCooldown,
		compact:    opts.CompactImports,
		now:        now,
		logger:     logger,
		lastCreate: make(map[identity.CanonicalID]time.Time),
		counted:    make(map[downloadKey]struct{}),
	}, nil
}

// Identity 返回当前用户。
func (r *Registry) Identity() identity.CanonicalID {
	return r.self
}

// Create 为 owner 创建空 bundle。冷却期内或已达上限时返回 ErrQuotaExceeded。
func (r *Registry) Create(ctx context.Context, owner identity.CanonicalID) (bundle.Bundle, error) {
	if owner == "" {
		owner = r.self
	}
	r.createMu.Lock()
	defer r.createMu.Unlock()

	now := r.now().UTC()
	if last, ok := r.lastCreate[owner]; ok && r.cooldown > 0 && now.Sub(last) < r.cooldown {
		return bundle.Bundle{}, fmt.Errorf("create for %s: cooldown %s not elapsed: %w", owner, r.cooldown, failure.ErrQuotaExceeded)
	}

	existing, err := r.meta.ListByOwner(ctx, owner)
	if err != nil {
		return bundle.Bundle{}, err
	}
	live := 0
	for _, b := range existing {
		if !b.Expired(now) {
			live++
		}
	}
	if live >= r.maxLive {
		return bundle.Bundle{}, fmt.Errorf("create for %s: %d of %d bundles in use: %w", owner, live, r.maxLive, failure.ErrQuotaExceeded)
	}

	b := bundle.New(owner, now)
	if err := r.meta.Put(ctx, b); err != nil {
		return bundle.Bundle{}, err
	}
	r.lastCreate[owner] = now
	r.logger.WithFields(logging.BundleFields(b.ID.String(), string(owner))).
		WithField("action", "bundle_create").Info("bundle created")
	return b, nil
}

// BeginEdit 以服务端最新状态为种子开启编辑会话。
func (r *Registry) BeginEdit(ctx context.Context, id uuid.UUID) (*bundle.ChangeSet, error) {
	b, err := r.meta.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Owner != r.self {
		return nil, fmt.Errorf("edit %s: %w", id, failure.ErrAccessDenied)
	}
	return bundle.NewChangeSet(b), nil
}

// Capture 用本地外观快照覆盖编辑中的文件映射、外观参数与姿势。
func (r *Registry) Capture(ctx context.Context, cs *bundle.ChangeSet) error {
	if r.snapshots == nil {
		return errors.New("no snapshot provider configured")
	}
	snap, err := r.snapshots.Snapshot(ctx)
	if err != nil {
		return err
	}
	cs.SetMappings(snap.Mappings)
	cs.SetAppearance(snap.Appearance)
	if snap.Poses != nil {
		cs.SetPoses(snap.Poses)
	}
	return nil
}

// Publish 上传新增且远端缺失的 blob，全部完成后原子替换服务端元数据并清除 HasChanges。
// 同一 bundle 已有写操作进行时返回 ErrAlreadyInProgress。
func (r *Registry) Publish(ctx context.Context, cs *bundle.ChangeSet) (bundle.Bundle, error) {
	id := cs.BundleID()
	release, err := r.guard(id)
	if err != nil {
		return bundle.Bundle{}, err
	}
	defer release()

	server, err := r.meta.GetByID(ctx, id)
	if err != nil {
		return bundle.Bundle{}, err
	}
	if server.Owner != r.self {
		return bundle.Bundle{}, fmt.Errorf("publish %s: %w", id, failure.ErrAccessDenied)
	}
	fields := logging.BundleFields(id.String(), string(server.Owner))

	next := cs.MergeInto(server)
	fresh := bundle.NewHashes(server.Mappings, next.Mappings)
	uploaded, err := r.uploadMissing(ctx, fresh)
	if err != nil {
		r.logger.WithFields(fields).WithField("action", "bundle_publish").WithError(err).Warn("publish aborted")
		return bundle.Bundle{}, err
	}

	next.UpdatedAt = r.now().UTC()
	if err := r.meta.Put(ctx, next); err != nil {
		return bundle.Bundle{}, err
	}
	cs.Rebase(next)
	r.logger.WithFields(fields).WithFields(logrus.Fields{
		"action":   "bundle_publish",
		"new":      len(fresh),
		"uploaded": uploaded,
	}).Info("bundle published")
	return next, nil
}

func (r *Registry) uploadMissing(ctx context.Context, hashes []cache.Hash) (int, error) {
	if len(hashes) == 0 {
		return 0, nil
	}
	if r.remote == nil || r.transfers == nil {
		return 0, errors.New("no blob transport configured")
	}
	for _, hash := range hashes {
		if !r.store.Has(hash) {
			return 0, fmt.Errorf("local blob %s missing: %w", hash, failure.ErrIncompleteBundle)
		}
	}
	missing, err := r.remote.Missing(ctx, hashes)
	if err != nil {
		return 0, err
	}
	if len(missing) == 0 {
		return 0, nil
	}

	batch := transfer.NewBatch()
	for _, hash := range missing {
		r.transfers.Enqueue(ctx, transfer.Request{Direction: transfer.DirectionUpload, Hash: hash, Batch: batch})
	}
	if err := batch.Wait(ctx); err != nil {
		if errors.Is(err, failure.ErrForbidden) || errors.Is(err, failure.ErrCancelled) {
			return 0, err
		}
		return 0, fmt.Errorf("upload: %v: %w", err, failure.ErrIncompleteBundle)
	}
	if ctx.Err() != nil {
		return 0, failure.ErrCancelled
	}
	return len(missing), nil
}

// Visibility 是仅元数据的可见性更新。
type Visibility struct {
	Description   string
	AllowedUsers  []string
	AllowedGroups []string
}

// UpdateVisibility 更新描述与允许列表，不产生任何传输。用户经 Resolver 规范化，
// 无法识别的候选被丢弃。
func (r *Registry) UpdateVisibility(ctx context.Context, id uuid.UUID, v Visibility) (bundle.Bundle, error) {
	release, err := r.guard(id)
	if err != nil {
		return bundle.Bundle{}, err
	}
	defer release()

	b, err := r.meta.GetByID(ctx, id)
	if err != nil {
		return bundle.Bundle{}, err
	}
	if b.Owner != r.self {
		return bundle.Bundle{}, fmt.Errorf("update visibility %s: %w", id, failure.ErrAccessDenied)
	}
	b.Description = v.Description
	b.AllowedUsers = identity.NormalizeAll(r.resolver, v.AllowedUsers)
	b.AllowedGroups = dedupStrings(v.AllowedGroups)
	b.UpdatedAt = r.now().UTC()
	if err := r.meta.Put(ctx, b); err != nil {
		return bundle.Bundle{}, err
	}
	return b, nil
}

// Resolve 取 code 对应的 bundle 并做授权检查：先过期，后 AccessType。
func (r *Registry) Resolve(ctx context.Context, code string, requester identity.CanonicalID) (bundle.Bundle, error) {
	if _, _, err := bundle.ParseCode(code); err != nil {
		return bundle.Bundle{}, fmt.Errorf("%v: %w", err, failure.ErrNotFound)
	}
	b, err := r.meta.Get(ctx, code)
	if err != nil {
		return bundle.Bundle{}, err
	}
	if err := bundle.Authorize(ctx, b, requester, r.graph, r.now()); err != nil {
		return bundle.Bundle{}, err
	}
	return b, nil
}

// Apply 下载本地缺失的 blob，全部就绪后交给 Applier。任一 blob 被禁止或最终失败时
// 整体返回 ErrIncompleteBundle，不做部分应用。
func (r *Registry) Apply(ctx context.Context, b bundle.Bundle, target string) (ApplyReport, error) {
	report := ApplyReport{}
	fields := logging.BundleFields(b.ID.String(), string(b.Owner))

	release, err := r.pairs.Acquire(ctx, string(b.Owner))
	if err != nil {
		return report, err
	}
	defer release()

	hashes := b.Hashes()
	report.Required = len(hashes)
	if r.pinner != nil {
		for _, hash := range hashes {
			unpin := r.pinner.Pin(hash)
			defer unpin()
		}
	}

	batch := transfer.NewBatch()
	for _, hash := range hashes {
		if r.store.Has(hash) {
			report.Reused++
			continue
		}
		if r.transfers == nil {
			return report, fmt.Errorf("blob %s not local and no transport: %w", hash, failure.ErrIncompleteBundle)
		}
		r.transfers.Enqueue(ctx, transfer.Request{
			Direction: transfer.DirectionDownload,
			Hash:      hash,
			Peer:      string(b.Owner),
			Batch:     batch,
		})
	}
	report.Downloaded = batch.Len()

	if err := batch.Wait(ctx); err != nil || ctx.Err() != nil {
		if ctx.Err() != nil {
			return report, fmt.Errorf("apply %s: %w", b.ID, failure.ErrCancelled)
		}
		failed := batch.Failed()
		r.logger.WithFields(fields).WithFields(logrus.Fields{
			"action": "bundle_apply",
			"failed": len(failed),
		}).WithError(err).Warn("apply incomplete")
		return report, fmt.Errorf("apply %s: %d of %d blobs unavailable: %v: %w", b.ID, len(failed), len(hashes), err, failure.ErrIncompleteBundle)
	}

	if r.applier != nil {
		if err := r.applier.Apply(ctx, target, b, r.store); err != nil {
			return report, err
		}
	}

	report.Counted = r.countDownload(ctx, b)
	r.logger.WithFields(fields).WithFields(logrus.Fields{
		"action":     "bundle_apply",
		"target":     target,
		"downloaded": report.Downloaded,
		"reused":     report.Reused,
	}).Info("bundle applied")
	return report, nil
}

// countDownload 对 (bundle, 版本, 请求者) 只计数一次；所有者自己的应用不计数。
func (r *Registry) countDownload(ctx context.Context, b bundle.Bundle) bool {
	if b.Owner == r.self {
		return false
	}
	key := downloadKey{id: b.ID, version: b.UpdatedAt.UnixNano(), requester: r.self}
	r.countMu.Lock()
	if _, seen := r.counted[key]; seen {
		r.countMu.Unlock()
		return false
	}
	r.counted[key] = struct{}{}
	r.countMu.Unlock()

	if _, err := r.meta.IncrementDownloads(ctx, b.ID); err != nil {
		// 计数只是遥测，失败不影响应用结果
		r.logger.WithFields(logging.BundleFields(b.ID.String(), string(b.Owner))).
			WithField("action", "bundle_download_count").WithError(err).Warn("increment downloads failed")
		r.countMu.Lock()
		delete(r.counted, key)
		r.countMu.Unlock()
		return false
	}
	return true
}

// Delete 删除元数据。blob 只解除引用，由 Cache Governor 最终回收。
func (r *Registry) Delete(ctx context.Context, id uuid.UUID, owner identity.CanonicalID) error {
	release, err := r.guard(id)
	if err != nil {
		return err
	}
	defer release()

	b, err := r.meta.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if b.Owner != owner {
		return fmt.Errorf("delete %s by %s: %w", id, owner, failure.ErrAccessDenied)
	}
	if err := r.meta.Delete(ctx, id); err != nil {
		return err
	}
	r.logger.WithFields(logging.BundleFields(id.String(), string(owner))).
		WithField("action", "bundle_delete").Info("bundle deleted")
	return nil
}

// Get 按 id 读取 bundle，并以当前用户身份授权。
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (bundle.Bundle, error) {
	b, err := r.meta.GetByID(ctx, id)
	if err != nil {
		return bundle.Bundle{}, err
	}
	if err := bundle.Authorize(ctx, b, r.self, r.graph, r.now()); err != nil {
		return bundle.Bundle{}, err
	}
	return b, nil
}

// OwnBundles 返回当前用户拥有的 bundle。
func (r *Registry) OwnBundles(ctx context.Context) ([]bundle.Bundle, error) {
	return r.meta.ListByOwner(ctx, r.self)
}

// SharedBundles 返回共享给当前用户且可见的 bundle。
func (r *Registry) SharedBundles(ctx context.Context) ([]bundle.Bundle, error) {
	all, err := r.meta.ListShared(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	visible := make([]bundle.Bundle, 0, len(all))
	for _, b := range all {
		if bundle.Discoverable(ctx, b, r.self, r.graph, now) {
			visible = append(visible, b)
		}
	}
	return visible, nil
}

func (r *Registry) guard(id uuid.UUID) (func(), error) {
	if _, busy := r.inflight.LoadOrStore(id, struct{}{}); busy {
		return nil, fmt.Errorf("bundle %s: %w", id, failure.ErrAlreadyInProgress)
	}
	return func() { r.inflight.Delete(id) }, nil
}

func dedupStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
