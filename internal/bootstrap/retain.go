package bootstrap

import (
	"context"

	"github.com/umbrasys/umbra-sync/internal/bundle"
	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/governor"
	"github.com/umbrasys/umbra-sync/internal/registry"
)

// bundleLister 是能列出全部 bundle 的元数据存储（sqlmeta、redismeta）。
type bundleLister interface {
	ListAll(ctx context.Context) ([]bundle.Bundle, error)
}

// referencedBlobs 保留任一已存储 bundle（含过期未删除的）仍引用的 blob。
type referencedBlobs struct {
	bundles bundleLister
}

func (r referencedBlobs) RetainedHashes(ctx context.Context) (map[cache.Hash]struct{}, error) {
	all, err := r.bundles.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	keep := make(map[cache.Hash]struct{})
	for _, b := range all {
		for _, hash := range b.Hashes() {
			keep[hash] = struct{}{}
		}
	}
	return keep, nil
}

// hubRetainer 为 hub 选择保留策略；无法枚举 bundle 的存储不允许任何淘汰。
func hubRetainer(meta registry.MetaStore) func(cache.Store) governor.Retainer {
	return func(store cache.Store) governor.Retainer {
		if lister, ok := meta.(bundleLister); ok {
			return referencedBlobs{bundles: lister}
		}
		return keepEverything{store: store}
	}
}

// keepEverything 把 store 中的全部 blob 视为仍被引用。
type keepEverything struct {
	store cache.Store
}

func (k keepEverything) RetainedHashes(context.Context) (map[cache.Hash]struct{}, error) {
	blobs := k.store.List()
	keep := make(map[cache.Hash]struct{}, len(blobs))
	for _, blob := range blobs {
		keep[blob.Hash] = struct{}{}
	}
	return keep, nil
}
