package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/umbrasys/umbra-sync/internal/archive"
	"github.com/umbrasys/umbra-sync/internal/bootstrap"
	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/config"
	"github.com/umbrasys/umbra-sync/internal/logging"
	"github.com/umbrasys/umbra-sync/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath    string
	checkOnly     bool
	showVersion   bool
	validateCache bool
	compact       bool
	decompact     bool
	importPath    string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runContext(ctx, opts)
	stop()
	os.Exit(code)
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	return runContext(context.Background(), opts)
}

func runContext(ctx context.Context, opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global.LogOptions())
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["remote"] = cfg.Remote.Backend
		fields["meta"] = cfg.Meta.Backend
		fields["forbidden"] = len(cfg.Forbidden)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	if opts.maintenance() {
		return runMaintenance(ctx, opts, cfg, logger)
	}

	hub, err := bootstrap.NewHub(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 hub 失败: %v\n", err)
		return 1
	}
	defer hub.Close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["meta"] = cfg.Meta.Backend
	fields["storage"] = cfg.Global.StoragePath
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := hub.Run(ctx); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

func (o cliOptions) maintenance() bool {
	return o.validateCache || o.compact || o.decompact || o.importPath != ""
}

// runMaintenance 执行一次性的缓存维护命令后退出。
func runMaintenance(ctx context.Context, opts cliOptions, cfg *config.Config, logger *logrus.Logger) int {
	if opts.compact && opts.decompact {
		fmt.Fprintln(stdErr, "-compact 与 -decompact 不能同时使用")
		return 2
	}

	local, err := bootstrap.OpenCache(ctx, cfg, logger, nil)
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}
	defer local.Close()

	switch {
	case opts.validateCache:
		removed, err := local.Governor.Validate(ctx)
		if err != nil {
			fmt.Fprintf(stdErr, "缓存校验失败: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdOut, "validated cache, removed %d corrupt blobs\n", removed)
	case opts.compact, opts.decompact:
		if err := local.Governor.Compact(ctx, opts.compact); err != nil {
			fmt.Fprintf(stdErr, "缓存压缩转换失败: %v\n", err)
			return 1
		}
		stats := local.Store.Stats()
		fmt.Fprintf(stdOut, "%d blobs, %d compacted, %d bytes on disk\n", stats.Count, stats.Compacted, stats.DiskBytes)
	case opts.importPath != "":
		b, summary, err := archive.ReadFile(ctx, opts.importPath, local.Store, cache.PutOptions{Compact: cfg.Global.UseCompactor})
		if err != nil {
			if errors.Is(err, archive.ErrFormat) {
				fmt.Fprintf(stdErr, "不是合法的导出包: %v\n", err)
				return 1
			}
			fmt.Fprintf(stdErr, "导入失败: %v\n", err)
			return 1
		}
		logger.WithFields(logging.BundleFields(b.ID.String(), string(b.Owner))).
			WithFields(logrus.Fields{"action": "import", "files": summary.Files, "bytes": summary.Bytes}).
			Info("导出包已导入")
		fmt.Fprintf(stdOut, "imported %s: %d files, %d bytes\n", b.Code(), summary.Files, summary.Bytes)
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("umbra-sync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		opts       cliOptions
		configFlag string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 UMBRA_SYNC_CONFIG 覆盖）")
	fs.BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&opts.showVersion, "version", false, "显示版本信息")
	fs.BoolVar(&opts.validateCache, "validate-cache", false, "校验本地缓存并删除损坏条目")
	fs.BoolVar(&opts.compact, "compact", false, "将本地缓存转换为压缩存储")
	fs.BoolVar(&opts.decompact, "decompact", false, "将本地缓存恢复为原始存储")
	fs.StringVar(&opts.importPath, "import", "", "导入导出包到本地缓存")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("UMBRA_SYNC_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}
	opts.configPath = path
	return opts, nil
}
