// Package bootstrap assembles runnable components from a loaded configuration:
// the local cache (store plus governor) used by every mode, the client engine
// that publishes and applies bundles, and the hub server that client engines
// talk to. Each constructor returns something with a Close method; Run methods
// block until their context ends.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/config"
	"github.com/umbrasys/umbra-sync/internal/governor"
)

// Cache 是本地内容存储与其治理器。
type Cache struct {
	Store    cache.Store
	Governor *governor.Governor
	monitor  bool
}

// OpenCache 打开 StoragePath 下的 store，扫描磁盘并加载清单。retainFor 非空时为
// 治理器提供不可淘汰的 blob 集合。
func OpenCache(ctx context.Context, cfg *config.Config, logger *logrus.Logger, retainFor func(cache.Store) governor.Retainer) (*Cache, error) {
	g := cfg.Global
	store, err := cache.NewStore(g.StoragePath, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	if err := store.Scan(ctx); err != nil {
		return nil, fmt.Errorf("扫描缓存目录失败: %w", err)
	}
	opts := governor.Options{
		MaxBytes:              g.MaxCacheSize,
		EvictionMarginPercent: g.EvictionMarginPercent,
		FlushInterval:         g.ManifestFlushInterval.DurationValue(),
		Logger:                logger,
	}
	if retainFor != nil {
		opts.Retainer = retainFor(store)
	}
	gov, err := governor.New(ctx, store, opts)
	if err != nil {
		return nil, fmt.Errorf("加载缓存清单失败: %w", err)
	}
	return &Cache{Store: store, Governor: gov, monitor: g.MonitorStorage}, nil
}

// Run 启动目录监控（若启用）并执行周期治理，直到 ctx 结束。
func (c *Cache) Run(ctx context.Context) error {
	if c.monitor {
		if err := c.Governor.StartMonitoring(ctx, ""); err != nil {
			return fmt.Errorf("启动目录监控失败: %w", err)
		}
		defer c.Governor.StopMonitoring()
	}
	c.Governor.Run(ctx)
	return nil
}

// Close 刷写清单并释放数据库。
func (c *Cache) Close() error {
	return c.Governor.Close()
}
