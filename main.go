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
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-edge/internal/config"
	"github.com/any-hub/sw-edge/internal/logging"
	"github.com/any-hub/sw-edge/internal/metrics"
	"github.com/any-hub/sw-edge/internal/proxy"
	"github.com/any-hub/sw-edge/internal/scheduler"
	"github.com/any-hub/sw-edge/internal/server"
	"github.com/any-hub/sw-edge/internal/server/routes"
	"github.com/any-hub/sw-edge/internal/strategy"
	"github.com/any-hub/sw-edge/internal/version"
)

const shutdownTimeout = 15 * time.Second

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

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["workers"] = config.Summaries(cfg.Workers)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildService(cfg, opts.configPath, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["workers"] = config.Summaries(cfg.Workers)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["strategies"] = len(strategy.List())
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := svc.serve(ctx); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("sw-edge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SW_EDGE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SW_EDGE_CONFIG")
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

// service 持有一次运行所需的全部组件。
type service struct {
	cfg       *config.Config
	logger    *logrus.Logger
	registry  *server.WorkerRegistry
	scheduler *scheduler.Scheduler
	app       *fiber.App
}

// buildService 遵循“配置 → 指标 → WorkerRegistry（存储 + 回源）→ 调度器 → Fiber app”顺序装配，
// 所有 worker 共享同一个回源 client 与指标收集器。
func buildService(cfg *config.Config, configPath string, logger *logrus.Logger) (*service, error) {
	collector := metrics.NewCollector("")
	client := server.NewOriginClient(cfg)

	factory := server.NewRegistrationFactory(cfg.Global, func(route *server.WorkerRoute) strategy.Fetcher {
		return proxy.NewOriginFetcher(client, route.OriginURL)
	}, logger, collector)
	registry, err := server.NewWorkerRegistry(cfg, factory)
	if err != nil {
		return nil, fmt.Errorf("构建 Worker 注册表失败: %w", err)
	}

	sched, err := scheduler.New(registry, scheduler.Options{
		ConfigPath: configPath,
		Schedule:   cfg.Global.UpdateSchedule,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewForwarder(proxy.NewHandler(client, logger), logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterWorkerRoutes(app, routes.WorkerRouteOptions{
		Registry: registry,
		Updater:  sched,
		Logger:   logger,
	})
	routes.RegisterStrategyRoutes(app, registry)
	routes.RegisterMetricsRoute(app, collector)

	return &service{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		scheduler: sched,
		app:       app,
	}, nil
}

// boot 为全部 worker 执行首次 install + activate；失败的 worker 保持直通，等待下一轮调度重试。
func (s *service) boot(ctx context.Context) {
	if err := s.scheduler.RunBoot(ctx); err != nil {
		s.logger.WithError(err).WithField("action", "boot").Warn("部分 worker 首次安装失败")
	}
}

// serve 完成首次安装后开始监听，收到退出信号时优雅关闭 HTTP 服务与调度器。
func (s *service) serve(ctx context.Context) error {
	s.boot(ctx)
	s.scheduler.Start()
	defer s.scheduler.Stop()

	port := s.cfg.Global.ListenPort
	s.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.WithField("action", "shutdown").Info("收到退出信号，开始关闭")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
