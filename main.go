package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/vcache/internal/cache"
	"github.com/any-hub/vcache/internal/classify"
	"github.com/any-hub/vcache/internal/config"
	"github.com/any-hub/vcache/internal/filter"
	"github.com/any-hub/vcache/internal/lifecycle"
	"github.com/any-hub/vcache/internal/logging"
	"github.com/any-hub/vcache/internal/metrics"
	"github.com/any-hub/vcache/internal/namespace"
	"github.com/any-hub/vcache/internal/proxy"
	"github.com/any-hub/vcache/internal/server"
	"github.com/any-hub/vcache/internal/server/routes"
	"github.com/any-hub/vcache/internal/upstream"
	"github.com/any-hub/vcache/internal/version"
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
	defer logging.CloseOutput(logger)

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["version"] = cfg.Cache.Version
		fields["buckets"] = cfg.Cache.BucketNames()
		fields["precache"] = len(cfg.Cache.PrecachePaths)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 存储 → 回源 → 控制器 → install/activate → Fiber server，
	// 保证接管客户端之前旧版本 store 已经清理完毕。
	svc, err := buildServices(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存层失败: %v\n", err)
		return 1
	}
	defer svc.close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_version"] = cfg.Cache.Version
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	svc.bootstrap(context.Background())

	if err := startHTTPServer(cfg, svc, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// services 持有进程生命周期内共享的组件。
type services struct {
	storage    *cache.Storage
	fetcher    *upstream.Fetcher
	controller *lifecycle.Controller
	host       *lifecycle.HostState
	metrics    *metrics.Provider
	logger     *logrus.Logger
}

func buildServices(cfg *config.Config, logger *logrus.Logger) (*services, error) {
	backend, err := openBackend(cfg.Global)
	if err != nil {
		return nil, err
	}

	fetcher, err := upstream.New(cfg, upstream.NewClient(cfg), logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	storage, err := cache.NewStorage(backend, fetcher)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	classifier, err := classify.New(cfg.Cache.Buckets)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	reqFilter, err := filter.FromConfig(cfg.Cache)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	ns, err := namespace.New(cfg.Cache.Version, cfg.Cache.Delimiter, classifier.Buckets())
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	provider := metrics.NewProvider()
	recorder, err := metrics.New(provider.Meter())
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	host := lifecycle.NewHostState()
	controller, err := lifecycle.New(lifecycle.Options{
		Storage:         storage,
		Classifier:      classifier,
		Filter:          reqFilter,
		Namespace:       ns,
		Host:            host,
		Logger:          logger,
		Metrics:         recorder,
		PrecachePaths:   cfg.Cache.PrecachePaths,
		CacheNonSuccess: cfg.Cache.CacheNonSuccess,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	return &services{
		storage:    storage,
		fetcher:    fetcher,
		controller: controller,
		host:       host,
		metrics:    provider,
		logger:     logger,
	}, nil
}

// bootstrap 依次投递 install 与 activate 信号。安装失败时不激活，代理保持透传，
// 运维可通过 POST /-/lifecycle/install 重试。
func (s *services) bootstrap(ctx context.Context) {
	if err := s.controller.Install(ctx); err != nil {
		s.logger.WithFields(logging.LifecycleFields("bootstrap", s.controller.Namespace().Version())).
			WithError(err).Warn("install 未完成，缓存层保持透传")
		return
	}
	// 删除失败的 store 会在下一次激活时重试，这里只记录日志。
	_, _ = s.controller.Activate(ctx)
}

func (s *services) newApp(port int) (*fiber.App, error) {
	handler := proxy.NewHandler(s.controller, s.host, s.fetcher, s.logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     s.logger,
		Proxy:      proxy.NewForwarder(handler, s.logger),
		ListenPort: port,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, routes.Diagnostics{
		Controller: s.controller,
		Host:       s.host,
		Metrics:    s.metrics,
	})
	return app, nil
}

func (s *services) close() {
	_ = s.metrics.Shutdown(context.Background())
	if err := s.storage.Close(); err != nil {
		s.logger.WithError(err).Warn("关闭缓存存储失败")
	}
}

func openBackend(g config.GlobalConfig) (cache.Backend, error) {
	switch g.StorageDriver {
	case config.StorageDriverMemory:
		return cache.NewMemoryBackend(), nil
	case config.StorageDriverLevelDB:
		return cache.NewLevelBackend(g.StoragePath)
	case config.StorageDriverFile, "":
		return cache.NewFileBackend(g.StoragePath)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", g.StorageDriver)
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("vcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 VCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("VCACHE_CONFIG")
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

func startHTTPServer(cfg *config.Config, svc *services, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := svc.newApp(port)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
