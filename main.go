package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-agent/internal/cache"
	"github.com/any-hub/offline-agent/internal/config"
	"github.com/any-hub/offline-agent/internal/fetch"
	"github.com/any-hub/offline-agent/internal/lifecycle"
	"github.com/any-hub/offline-agent/internal/logging"
	"github.com/any-hub/offline-agent/internal/proxy"
	"github.com/any-hub/offline-agent/internal/server"
	"github.com/any-hub/offline-agent/internal/server/routes"
	"github.com/any-hub/offline-agent/internal/strategy"
	"github.com/any-hub/offline-agent/internal/telemetry"
	"github.com/any-hub/offline-agent/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	manifest, err := lifecycle.ManifestFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建缓存清单失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["store_version"] = manifest.Version
		fields["origin"] = manifest.Origin.String()
		fields["assets"] = len(manifest.Assets)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, logging.ServiceName, version.Version, cfg.Global.TracingEndpoint)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化链路追踪失败: %v\n", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("tracing_shutdown_failed")
		}
	}()

	// 启动遵循“配置 → 缓存存储 → 生命周期控制器（安装首代）→ Fiber server”顺序，
	// 保证第一个请求到达时已有激活的缓存版本。
	storage, err := cache.NewStorage(cfg.Global.StoreBackend, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	httpClient := server.NewUpstreamClient(cfg)
	background := strategy.NewBackground(logger)
	controller := lifecycle.NewController(lifecycle.Options{
		Storage:    storage,
		NewFetcher: newFetcherFactory(httpClient),
		Logger:     logger,
		Background: background,
		Clients:    lifecycle.NewClients(cfg.Agent.ClientIdleTimeout.DurationValue()),
	})

	if _, err := controller.Update(ctx, manifest); err != nil {
		fmt.Fprintf(stdErr, "安装缓存版本失败: %v\n", err)
		return 1
	}
	go controller.Run(ctx)

	reloader := newConfigReloader(ctx, opts.configPath, cfg, controller, logger)
	defer reloader.stop()
	if err := watchConfig(opts.configPath, reloader); err != nil {
		logger.WithError(err).WithField("action", "watch_config").Warn("config_watch_disabled")
	}

	proxyHandler := proxy.NewHandler(httpClient, logger, controller, manifest.Origin)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["store_backend"] = cfg.Global.StoreBackend
	fields["store_version"] = manifest.Version
	fields["origin"] = manifest.Origin.String()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	serveErr := startHTTPServer(ctx, cfg, controller, proxyHandler, logger)
	// 等待后台缓存写入与重新验证结束后再关闭存储。
	background.Wait()
	if serveErr != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", serveErr)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-agent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_AGENT_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_AGENT_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func newFetcherFactory(client *http.Client) func(lifecycle.Manifest) fetch.Fetcher {
	return func(m lifecycle.Manifest) fetch.Fetcher {
		return fetch.NewHTTPFetcher(client, m.Origin)
	}
}

// watchConfig 在配置文件变化时安装新的缓存版本；监听端口、存储等全局项需要重启才生效。
func watchConfig(path string, reloader *configReloader) error {
	return config.Watch(path, reloader.handle)
}

// configReloader 串行处理配置变更；stop 之后的回调直接丢弃，保证存储关闭后不再安装新版本。
type configReloader struct {
	ctx        context.Context
	path       string
	current    *config.Config
	controller *lifecycle.Controller
	logger     *logrus.Logger

	mu      sync.Mutex
	stopped bool
}

func newConfigReloader(ctx context.Context, path string, current *config.Config, controller *lifecycle.Controller, logger *logrus.Logger) *configReloader {
	return &configReloader{ctx: ctx, path: path, current: current, controller: controller, logger: logger}
}

// stop 等待正在进行的重载结束，之后的回调全部忽略。
func (r *configReloader) stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

func (r *configReloader) handle(cfg *config.Config, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fields := logging.BaseFields("reload_config", r.path)
	if r.stopped || r.ctx.Err() != nil {
		r.logger.WithFields(fields).Debug("正在关闭，忽略配置变更")
		return
	}
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Error("配置重载失败")
		return
	}
	if cfg.Global != r.current.Global {
		r.logger.WithFields(fields).Warn("全局配置变更需要重启生效")
	}
	manifest, err := lifecycle.ManifestFromConfig(cfg)
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Error("配置重载失败")
		return
	}
	fields["store_version"] = manifest.Version
	if _, err := r.controller.Update(r.ctx, manifest); err != nil {
		r.logger.WithFields(fields).WithError(err).Error("缓存版本安装失败")
		return
	}
	r.logger.WithFields(fields).Info("配置已重载")
}

func startHTTPServer(ctx context.Context, cfg *config.Config, controller *lifecycle.Controller, proxyHandler server.ProxyHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxyHandler,
		Clients:    controller,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterLifecycleRoutes(app, controller)

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("Fiber 服务关闭")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithError(err).Warn("shutdown_failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
