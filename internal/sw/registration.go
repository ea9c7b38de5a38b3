package sw

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-edge/internal/cache"
	"github.com/any-hub/sw-edge/internal/metrics"
	"github.com/any-hub/sw-edge/internal/strategy"
)

const defaultClientIdleTimeout = 30 * time.Minute

// UpdateOutcome 描述一次 Update 的结果。
type UpdateOutcome string

const (
	UpdateUnchanged UpdateOutcome = "unchanged"
	UpdateWaiting   UpdateOutcome = "waiting"
	UpdateActivated UpdateOutcome = "activated"
	UpdateFailed    UpdateOutcome = "failed"
)

// UpdateResult 是 Update/SkipWaiting 的返回值。
type UpdateResult struct {
	Outcome  UpdateOutcome
	Version  string
	Activate *ActivateResult
}

// RegistrationOptions 控制客户端追踪行为，零值使用默认设置。
type RegistrationOptions struct {
	ClientIdleTimeout time.Duration
	Now               func() time.Time
	NewClientID       func() string
}

// Registration 为单个 worker 作用域扮演宿主角色：保证 install 先于 activate，
// install 失败时保留旧版本继续服务，并把 fetch 事件分派给活跃版本。
type Registration struct {
	name    string
	storage cache.Storage
	network strategy.Fetcher
	logger  *logrus.Logger
	metrics *metrics.Collector

	clientIdle time.Duration
	now        func() time.Time
	newID      func() string

	// updateMu 串行化 Update/SkipWaiting，fetch 分派只需要 mu。
	updateMu sync.Mutex

	mu      sync.RWMutex
	active  *Manager
	waiting *Manager
	clients map[string]*client
	lastErr error
}

type client struct {
	version  string
	lastSeen time.Time
}

// NewRegistration 创建一个尚无任何版本的 worker 注册。
func NewRegistration(
	name string,
	storage cache.Storage,
	network strategy.Fetcher,
	logger *logrus.Logger,
	collector *metrics.Collector,
	opts RegistrationOptions,
) *Registration {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Registration{
		name:       name,
		storage:    storage,
		network:    network,
		logger:     logger,
		metrics:    collector,
		clientIdle: opts.ClientIdleTimeout,
		now:        opts.Now,
		newID:      opts.NewClientID,
		clients:    make(map[string]*client),
	}
	if r.clientIdle <= 0 {
		r.clientIdle = defaultClientIdleTimeout
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r
}

// Name 返回 worker 名称。
func (r *Registration) Name() string {
	return r.name
}

// Storage 返回该 worker 作用域的 bucket 存储。
func (r *Registration) Storage() cache.Storage {
	return r.storage
}

// Active 返回当前活跃版本，可能为 nil。
func (r *Registration) Active() *Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting 返回已安装但尚未激活的版本，可能为 nil。
func (r *Registration) Waiting() *Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Update 以 cfg 描述的版本执行一次更新检查：版本未变时只尝试提升 waiting 版本；
// 否则 install 新版本，成功后按 skip-waiting / 无活跃客户端的规则决定是否立即激活。
// install 失败不会影响当前活跃版本。
func (r *Registration) Update(ctx context.Context, cfg Config, trigger string) (UpdateResult, error) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.RLock()
	active, waiting := r.active, r.waiting
	r.mu.RUnlock()

	if active != nil && active.Version() == cfg.Version {
		if waiting != nil {
			// 配置回退到活跃版本，之前安装的 waiting 版本作废，避免被 SkipWaiting 误提升。
			r.discardWaiting(ctx, waiting, trigger)
		}
		return UpdateResult{Outcome: UpdateUnchanged, Version: cfg.Version}, nil
	}
	if waiting != nil && waiting.Version() == cfg.Version {
		return r.maybePromote(ctx, waiting.Config().SkipWaiting, trigger)
	}

	cfg.Worker = r.name
	m, err := NewManager(cfg, r.storage, r.network, r.logger, r.metrics)
	if err != nil {
		r.recordError(err)
		return UpdateResult{Outcome: UpdateFailed, Version: cfg.Version}, err
	}
	installed, err := m.HandleInstall(ctx, InstallEvent{Trigger: trigger})
	if err != nil && active == nil {
		// 尚无活跃版本（通常是重启后源站不可达）时，沿用磁盘上完整的同版本 bucket。
		if restored, rerr := r.restore(ctx, cfg, trigger); rerr == nil {
			r.logger.WithFields(logrus.Fields{
				"action":  "update",
				"worker":  r.name,
				"version": cfg.Version,
			}).WithError(err).Warn("install_failed_restored_existing_bucket")
			m, installed, err = restored, InstallResult{SkipWaiting: cfg.SkipWaiting}, nil
		}
	}
	if err != nil {
		r.recordError(err)
		return UpdateResult{Outcome: UpdateFailed, Version: cfg.Version}, err
	}

	r.mu.Lock()
	if r.waiting != nil {
		r.waiting.markRedundant()
	}
	r.waiting = m
	r.lastErr = nil
	r.mu.Unlock()

	return r.maybePromote(ctx, installed.SkipWaiting, trigger)
}

// SkipWaiting 强制激活 waiting 版本，不等待旧版本的客户端关闭。
func (r *Registration) SkipWaiting(ctx context.Context, trigger string) (UpdateResult, error) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	return r.maybePromote(ctx, true, trigger)
}

// Dispatch 把 fetch 事件交给控制该客户端的版本。无活跃版本、客户端仍由旧版本控制
// （未 claim 且未重新导航）时返回 Handled=false，调用方直接走网络。
func (r *Registration) Dispatch(ctx context.Context, ev FetchEvent) (FetchResult, error) {
	now := r.now()

	r.mu.Lock()
	active := r.active
	r.expireClientsLocked(now)
	assigned := ""
	controlled := true
	if ev.ClientID == "" {
		if ev.Navigation && active != nil {
			assigned = r.newID()
			r.clients[assigned] = &client{version: active.Version(), lastSeen: now}
		}
	} else if c, ok := r.clients[ev.ClientID]; ok {
		c.lastSeen = now
		switch {
		case active == nil:
		case ev.Navigation:
			c.version = active.Version()
		case c.version != active.Version():
			controlled = false
		}
	} else if active != nil {
		r.clients[ev.ClientID] = &client{version: active.Version(), lastSeen: now}
	}
	r.mu.Unlock()

	if active == nil {
		return FetchResult{Bypass: BypassNoController, AssignedClientID: assigned}, nil
	}
	if !controlled {
		r.metrics.RecordFetch(r.name, active.Strategy().Key, "bypass")
		return FetchResult{Bypass: BypassUncontrolled, AssignedClientID: assigned}, nil
	}

	res, err := active.HandleFetch(ctx, ev)
	if errors.Is(err, ErrNotActive) {
		// 分派期间被新版本取代，按未受控处理。
		return FetchResult{Bypass: BypassNoController, AssignedClientID: assigned}, nil
	}
	res.AssignedClientID = assigned
	return res, err
}

// Snapshot 是注册状态的只读视图。
type Snapshot struct {
	Worker    string
	Active    *VersionInfo
	Waiting   *VersionInfo
	Clients   int
	Buckets   []string
	LastError string
}

// VersionInfo 描述一个版本的关键属性。
type VersionInfo struct {
	Version  string
	State    State
	Strategy string
	Entries  []string
}

// Snapshot 汇总活跃/等待版本、存活客户端数量与 bucket 列表。
func (r *Registration) Snapshot(ctx context.Context) Snapshot {
	now := r.now()
	r.mu.Lock()
	r.expireClientsLocked(now)
	snap := Snapshot{
		Worker:  r.name,
		Clients: len(r.clients),
	}
	active, waiting := r.active, r.waiting
	if r.lastErr != nil {
		snap.LastError = r.lastErr.Error()
	}
	r.mu.Unlock()

	snap.Active = versionInfo(ctx, active)
	snap.Waiting = versionInfo(ctx, waiting)
	if r.storage != nil {
		if names, err := r.storage.Keys(ctx); err == nil {
			snap.Buckets = names
		}
	}
	return snap
}

func versionInfo(ctx context.Context, m *Manager) *VersionInfo {
	if m == nil {
		return nil
	}
	entries, _ := m.BucketKeys(ctx)
	return &VersionInfo{
		Version:  m.Version(),
		State:    m.State(),
		Strategy: m.Strategy().Key,
		Entries:  entries,
	}
}

func (r *Registration) maybePromote(ctx context.Context, force bool, trigger string) (UpdateResult, error) {
	now := r.now()
	r.mu.Lock()
	waiting, active := r.waiting, r.active
	r.expireClientsLocked(now)
	live := 0
	if active != nil {
		live = r.liveClientsLocked(active.Version())
	}
	r.mu.Unlock()

	if waiting == nil {
		version := ""
		if active != nil {
			version = active.Version()
		}
		return UpdateResult{Outcome: UpdateUnchanged, Version: version}, nil
	}
	if !force && active != nil && live > 0 {
		r.logger.WithFields(logrus.Fields{
			"action":  "update",
			"worker":  r.name,
			"version": waiting.Version(),
			"clients": live,
		}).Info("version_waiting")
		return UpdateResult{Outcome: UpdateWaiting, Version: waiting.Version()}, nil
	}

	activated, err := waiting.HandleActivate(ctx, ActivateEvent{Trigger: trigger})
	if err != nil {
		r.recordError(err)
		return UpdateResult{Outcome: UpdateFailed, Version: waiting.Version()}, err
	}

	r.mu.Lock()
	prev := r.active
	r.active = waiting
	r.waiting = nil
	if activated.Claim {
		for _, c := range r.clients {
			c.version = waiting.Version()
		}
	}
	r.mu.Unlock()
	if prev != nil {
		prev.markRedundant()
	}

	return UpdateResult{Outcome: UpdateActivated, Version: waiting.Version(), Activate: &activated}, nil
}

func (r *Registration) restore(ctx context.Context, cfg Config, trigger string) (*Manager, error) {
	m, err := NewManager(cfg, r.storage, r.network, r.logger, r.metrics)
	if err != nil {
		return nil, err
	}
	if _, err := m.HandleRestore(ctx, InstallEvent{Trigger: trigger}); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Registration) discardWaiting(ctx context.Context, waiting *Manager, trigger string) {
	r.mu.Lock()
	if r.waiting == waiting {
		r.waiting = nil
	}
	r.mu.Unlock()
	waiting.markRedundant()

	fields := logrus.Fields{
		"action":  "update",
		"trigger": trigger,
		"worker":  r.name,
		"version": waiting.Version(),
	}
	if _, err := r.storage.Delete(ctx, waiting.Version()); err != nil {
		r.logger.WithFields(fields).WithError(err).Warn("waiting_bucket_delete_failed")
		return
	}
	r.logger.WithFields(fields).Info("waiting_version_discarded")
}

func (r *Registration) recordError(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

func (r *Registration) expireClientsLocked(now time.Time) {
	for id, c := range r.clients {
		if now.Sub(c.lastSeen) >= r.clientIdle {
			delete(r.clients, id)
		}
	}
}

func (r *Registration) liveClientsLocked(version string) int {
	count := 0
	for _, c := range r.clients {
		if c.version == version {
			count++
		}
	}
	return count
}
