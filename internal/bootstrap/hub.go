package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/umbrasys/umbra-sync/internal/backend"
	"github.com/umbrasys/umbra-sync/internal/config"
	"github.com/umbrasys/umbra-sync/internal/server"
	"github.com/umbrasys/umbra-sync/internal/server/routes"
	"github.com/umbrasys/umbra-sync/internal/transfer"
	"github.com/umbrasys/umbra-sync/internal/version"
)

// 停机时等待在途请求的上限。
const shutdownTimeout = 10 * time.Second

// Hub 是装配完成的 sync hub 服务。
type Hub struct {
	App   *fiber.App
	Cache *Cache

	meta   backend.Meta
	port   int
	logger *logrus.Logger
}

// NewHub 构造 hub。元数据后端必须是 hub 本地的存储，不能再指向另一个 hub。
func NewHub(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Hub, error) {
	if cfg.Meta.Backend == "http" {
		return nil, config.FieldError{Field: "Meta.Backend", Reason: "hub 模式需要 sqlite 或 redis"}
	}
	meta, err := backend.OpenMeta(ctx, cfg.Meta.Backend, cfg.MetaSettings(logger))
	if err != nil {
		return nil, fmt.Errorf("初始化元数据后端失败: %w", err)
	}
	// hub 是 blob 的最终来源，只回收不再被任何 bundle 引用的 blob
	local, err := OpenCache(ctx, cfg, logger, hubRetainer(meta.Store))
	if err != nil {
		closeMeta(meta)
		return nil, err
	}

	forbidden := transfer.NewForbiddenList(cfg.ForbiddenEntries()...)
	opts := server.AppOptions{
		Logger:         logger,
		Store:          local.Store,
		Meta:           meta.Store,
		Forbidden:      forbidden,
		ListenPort:     cfg.Global.ListenPort,
		CompactUploads: cfg.Global.UseCompactor,
	}
	// redis 后端不带关系图，此时 /graph 返回 501，非公开 bundle 只对所有者与名单内用户可见
	if graph, ok := meta.Graph.(server.GraphAdmin); ok {
		opts.Graph = graph
	}
	app, err := server.NewApp(opts)
	if err != nil {
		closeMeta(meta)
		local.Close()
		return nil, err
	}
	routes.RegisterDiagnostics(app, routes.Diagnostics{
		Store:     local.Store,
		Governor:  local.Governor,
		Forbidden: forbidden,
	})

	return &Hub{App: app, Cache: local, meta: meta, port: cfg.Global.ListenPort, logger: logger}, nil
}

// Run 监听 ListenPort 并运行缓存治理，ctx 结束后优雅停机。
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", h.port))
	if err != nil {
		return fmt.Errorf("监听端口失败: %w", err)
	}
	return h.Serve(ctx, ln)
}

// Serve 在给定 listener 上提供服务。
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		h.logger.WithFields(logrus.Fields{
			"action":  "listen",
			"addr":    ln.Addr().String(),
			"version": version.Full(),
		}).Info("Fiber 服务启动")
		return h.App.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	})
	group.Go(func() error {
		return h.Cache.Run(ctx)
	})
	group.Go(func() error {
		<-ctx.Done()
		return h.App.ShutdownWithTimeout(shutdownTimeout)
	})
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close 释放元数据后端与缓存。
func (h *Hub) Close() error {
	return errors.Join(closeMeta(h.meta), h.Cache.Close())
}

func closeMeta(meta backend.Meta) error {
	if meta.Close == nil {
		return nil
	}
	return meta.Close()
}
