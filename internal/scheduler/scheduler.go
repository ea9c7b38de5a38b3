// Package scheduler drives worker updates: a boot pass that installs and
// activates every configured cache version, and a cron job that re-reads the
// config file so bumped versions roll out and failed installs are retried.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-edge/internal/config"
	"github.com/any-hub/sw-edge/internal/server"
	"github.com/any-hub/sw-edge/internal/sw"
)

const defaultUpdateTimeout = 2 * time.Minute

// ErrUnknownWorker 表示请求更新的 worker 不在当前注册表中。
var ErrUnknownWorker = errors.New("unknown worker")

// Loader 读取最新配置，默认是 config.Load。
type Loader func(path string) (*config.Config, error)

// Options 控制调度器行为。
type Options struct {
	ConfigPath    string
	Schedule      string
	Loader        Loader
	UpdateTimeout time.Duration
	Logger        *logrus.Logger
}

// Scheduler 按 cron 表达式周期性地为每个 worker 执行 Update。
type Scheduler struct {
	registry *server.WorkerRegistry
	opts     Options
	logger   *logrus.Logger

	cron    *cron.Cron
	entryID cron.EntryID

	mu       sync.Mutex
	runtimes map[string]config.WorkerRuntime
}

// New 创建调度器；初始运行时描述取自 registry 中的路由。
func New(registry *server.WorkerRegistry, opts Options) (*Scheduler, error) {
	if registry == nil {
		return nil, errors.New("worker registry is required")
	}
	if opts.Loader == nil {
		opts.Loader = config.Load
	}
	if opts.UpdateTimeout <= 0 {
		opts.UpdateTimeout = defaultUpdateTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Scheduler{
		registry: registry,
		opts:     opts,
		logger:   logger,
		runtimes: make(map[string]config.WorkerRuntime),
	}
	for _, route := range registry.List() {
		s.runtimes[route.Config.Name] = route.Runtime
	}

	if opts.Schedule != "" {
		s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		id, err := s.cron.AddFunc(opts.Schedule, func() {
			s.RunScheduled(context.Background())
		})
		if err != nil {
			return nil, fmt.Errorf("invalid update schedule %q: %w", opts.Schedule, err)
		}
		s.entryID = id
	}
	return s, nil
}

// Start 启动 cron；未配置 Schedule 时为空操作。
func (s *Scheduler) Start() {
	if s.cron == nil {
		return
	}
	s.cron.Start()
	s.logger.WithFields(logrus.Fields{
		"action":   "scheduler",
		"schedule": s.opts.Schedule,
		"next":     s.cron.Entry(s.entryID).Next,
	}).Info("update_scheduler_started")
}

// Stop 停止 cron 并等待正在执行的任务结束。
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// RunBoot 在启动阶段为全部 worker 执行一次 install + activate，返回各 worker 的错误汇总。
// 单个 worker 失败不会阻止其它 worker，也不会阻止服务启动。
func (s *Scheduler) RunBoot(ctx context.Context) error {
	return s.runAll(ctx, "boot")
}

// RunScheduled 重新加载配置后为全部 worker 执行 Update。配置加载失败时沿用上一份配置。
func (s *Scheduler) RunScheduled(ctx context.Context) {
	s.reload()
	if err := s.runAll(ctx, "schedule"); err != nil {
		s.logger.WithError(err).WithField("action", "scheduler").Warn("scheduled_update_incomplete")
	}
}

// UpdateWorker 为单个 worker 执行一次 Update，供诊断接口手动触发。
func (s *Scheduler) UpdateWorker(ctx context.Context, name, trigger string) (sw.UpdateResult, error) {
	route, ok := s.registry.Route(name)
	if !ok || route.Registration == nil {
		return sw.UpdateResult{}, fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	s.mu.Lock()
	rt, ok := s.runtimes[name]
	s.mu.Unlock()
	if !ok {
		rt = route.Runtime
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.UpdateTimeout)
	defer cancel()

	started := time.Now()
	result, err := route.Registration.Update(ctx, server.LifecycleConfig(rt), trigger)
	fields := logrus.Fields{
		"action":     "update",
		"trigger":    trigger,
		"worker":     name,
		"version":    result.Version,
		"outcome":    string(result.Outcome),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if result.Activate != nil {
		fields["deleted"] = result.Activate.Deleted
	}
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Error("worker_update_failed")
		return result, err
	}
	s.logger.WithFields(fields).Info("worker_update")
	return result, nil
}

func (s *Scheduler) runAll(ctx context.Context, trigger string) error {
	var errs []error
	for _, route := range s.registry.List() {
		if route.Registration == nil {
			continue
		}
		if _, err := s.UpdateWorker(ctx, route.Config.Name, trigger); err != nil {
			errs = append(errs, fmt.Errorf("worker %s: %w", route.Config.Name, err))
		}
	}
	return errors.Join(errs...)
}

// reload 重新读取配置文件并刷新各 worker 的运行时描述。新增 worker 或变更域名需要重启。
func (s *Scheduler) reload() {
	if s.opts.ConfigPath == "" {
		return
	}
	cfg, err := s.opts.Loader(s.opts.ConfigPath)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "scheduler",
			"configPath": s.opts.ConfigPath,
		}).Warn("config_reload_failed")
		return
	}
	runtimes, err := cfg.BuildRuntimes()
	if err != nil {
		s.logger.WithError(err).WithField("action", "scheduler").Warn("config_reload_failed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rt := range runtimes {
		name := rt.Config.Name
		route, ok := s.registry.Route(name)
		if !ok {
			s.logger.WithFields(logrus.Fields{"action": "scheduler", "worker": name}).
				Warn("worker_added_requires_restart")
			continue
		}
		if !strings.EqualFold(rt.Config.Domain, route.Config.Domain) {
			s.logger.WithFields(logrus.Fields{"action": "scheduler", "worker": name}).
				Warn("worker_domain_change_requires_restart")
		}
		// 源站与 Fetcher 绑定，变更需要重启，期间继续沿用旧源站。
		if rt.Origin.String() != route.OriginURL.String() {
			s.logger.WithFields(logrus.Fields{"action": "scheduler", "worker": name}).
				Warn("worker_origin_change_requires_restart")
			rt.Origin = route.OriginURL
		}
		s.runtimes[name] = rt
	}
}
