package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/umbrasys/umbra-sync/internal/backend"
	"github.com/umbrasys/umbra-sync/internal/config"
	"github.com/umbrasys/umbra-sync/internal/identity"
	"github.com/umbrasys/umbra-sync/internal/logging"
	"github.com/umbrasys/umbra-sync/internal/registry"
	"github.com/umbrasys/umbra-sync/internal/transfer"
)

// EngineOptions 是宿主程序提供的协作者。Remote/Meta 非空时跳过后端工厂，便于测试注入。
type EngineOptions struct {
	Config    *config.Config
	Logger    *logrus.Logger
	Applier   registry.Applier
	Snapshots registry.SnapshotProvider
	Resolver  identity.Resolver

	Remote transfer.Remote
	Meta   *backend.Meta
}

// Engine 是装配完成的客户端引擎。
type Engine struct {
	Cache     *Cache
	Transfers *transfer.Orchestrator
	Registry  *registry.Registry
	Service   *registry.Service

	logger  *logrus.Logger
	closers []func() error
}

// NewEngine 按配置构造 store、治理器、传输调度器、远端后端与 registry。
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Global.Identity == "" {
		return nil, config.FieldError{Field: "Global.Identity", Reason: "客户端引擎必须配置当前用户"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	g := cfg.Global
	e := &Engine{logger: logger}

	local, err := OpenCache(ctx, cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	e.Cache = local
	e.closers = append(e.closers, local.Close)

	remote := opts.Remote
	if remote == nil {
		remote, err = backend.OpenBlob(ctx, cfg.Remote.Backend, cfg.BlobSettings(logger))
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("初始化 blob 后端失败: %w", err)
		}
		if closer, ok := remote.(io.Closer); ok {
			e.closers = append(e.closers, closer.Close)
		}
	}

	var meta backend.Meta
	if opts.Meta != nil {
		meta = *opts.Meta
	} else {
		meta, err = backend.OpenMeta(ctx, cfg.Meta.Backend, cfg.MetaSettings(logger))
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("初始化元数据后端失败: %w", err)
		}
		if meta.Close != nil {
			e.closers = append(e.closers, meta.Close)
		}
	}

	forbidden := transfer.NewForbiddenList(cfg.ForbiddenEntries()...)
	orch, err := transfer.New(local.Store, remote, transfer.Options{
		ParallelDownloads:  g.ParallelDownloads,
		ParallelUploads:    g.ParallelUploads,
		DownloadSpeedLimit: g.DownloadSpeedLimit,
		MaxRetries:         g.MaxRetries,
		InitialBackoff:     g.InitialBackoff.DurationValue(),
		AttemptTimeout:     g.TransferTimeout.DurationValue(),
		CompactDownloads:   g.UseCompactor,
		Forbidden:          forbidden,
		Pinner:             local.Governor,
		Logger:             logger,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Transfers = orch

	reg, err := registry.New(registry.Options{
		Identity:         identity.CanonicalID(g.Identity),
		Meta:             meta.Store,
		Store:            local.Store,
		Transfers:        orch,
		Remote:           remote,
		Graph:            meta.Graph,
		Resolver:         opts.Resolver,
		Pairs:            transfer.NewPairLimiter(g.EnablePairProcessingLimit, g.MaxConcurrentPairApplies),
		Pinner:           local.Governor,
		Applier:          opts.Applier,
		Snapshots:        opts.Snapshots,
		MaxLiveBundles:   g.MaxCreatableCharaData,
		CreationCooldown: g.CreationCooldown.DurationValue(),
		CompactImports:   g.UseCompactor,
		Logger:           logger,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Registry = reg
	e.Service = registry.NewService(reg, logger)

	fields := logging.BaseFields("engine_ready", "")
	fields["identity"] = g.Identity
	fields["remote"] = cfg.Remote.Backend
	fields["meta"] = cfg.Meta.Backend
	fields["forbidden"] = forbidden.Len()
	logger.WithFields(fields).Info("客户端引擎装配完成")
	return e, nil
}

// Run 运行缓存治理并做一次初始刷新，直到 ctx 结束。
func (e *Engine) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return e.Cache.Run(ctx)
	})
	group.Go(func() error {
		_, result := e.Service.RefreshAsync(ctx).Wait(ctx)
		if !result.Success && ctx.Err() == nil {
			e.logger.WithFields(logrus.Fields{
				"action": "refresh",
				"kind":   result.Kind,
			}).Warn(result.Message)
		}
		return nil
	})
	return group.Wait()
}

// Close 等待进行中的命令与传输结束，然后逆序释放资源。
func (e *Engine) Close() error {
	if e.Service != nil {
		e.Service.Wait()
	}
	if e.Transfers != nil {
		e.Transfers.Wait()
	}
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
