package sw

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-edge/internal/cache"
	"github.com/any-hub/sw-edge/internal/logging"
	"github.com/any-hub/sw-edge/internal/metrics"
	"github.com/any-hub/sw-edge/internal/strategy"
)

// ExcludeFunc 决定请求是否完全绕过拦截。
type ExcludeFunc func(u *url.URL) bool

// PathContains 返回一个按路径子串匹配的排除谓词，例如 "/api/"。
func PathContains(patterns ...string) ExcludeFunc {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}
	return func(u *url.URL) bool {
		if u == nil {
			return false
		}
		for _, p := range cleaned {
			if strings.Contains(u.Path, p) {
				return true
			}
		}
		return false
	}
}

// Config 是编译进单个版本的不可变配置，构造 Manager 后不再修改。
type Config struct {
	Worker         string
	Version        string
	Origin         *url.URL
	Manifest       []string
	Exclude        ExcludeFunc
	Strategy       string
	NetworkTimeout time.Duration
	SkipWaiting    bool
	ClaimClients   bool
	OfflinePage    string
	FallbackStatus int
}

const defaultFallbackStatus = 503

// Manager 管理单个缓存版本的 install → activate → fetch 生命周期。
type Manager struct {
	cfg      Config
	meta     strategy.Metadata
	profile  strategy.Profile
	manifest []*cache.Request
	offline  string

	storage cache.Storage
	network strategy.Fetcher
	logger  *logrus.Entry
	metrics *metrics.Collector

	mu     sync.RWMutex
	state  State
	bucket cache.Bucket
}

// NewManager 校验配置、解析 manifest 并返回处于 uninstalled 状态的 Manager。
func NewManager(
	cfg Config,
	storage cache.Storage,
	network strategy.Fetcher,
	logger *logrus.Logger,
	collector *metrics.Collector,
) (*Manager, error) {
	if storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if network == nil {
		return nil, errors.New("network fetcher is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if !cache.ValidBucketName(cfg.Version) {
		return nil, fmt.Errorf("invalid cache version %q", cfg.Version)
	}
	if cfg.Origin == nil || cfg.Origin.Scheme == "" || cfg.Origin.Host == "" {
		return nil, errors.New("absolute origin url is required")
	}

	key := cfg.Strategy
	if strings.TrimSpace(key) == "" {
		key = strategy.DefaultKey()
	}
	meta, ok := strategy.Resolve(key)
	if !ok {
		return nil, fmt.Errorf("strategy %s is not registered", key)
	}
	cfg.Strategy = meta.Key
	if cfg.FallbackStatus == 0 {
		cfg.FallbackStatus = defaultFallbackStatus
	}

	manifest, err := resolveManifest(cfg.Origin, cfg.Manifest)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		meta:     meta,
		profile:  strategy.ResolveProfile(meta, strategy.Options{NetworkTimeoutOverride: cfg.NetworkTimeout}),
		manifest: manifest,
		storage:  storage,
		network:  network,
		logger:   logger.WithFields(logging.LifecycleFields(cfg.Worker, cfg.Version, meta.Key)),
		metrics:  collector,
		state:    StateUninstalled,
	}
	if cfg.OfflinePage != "" {
		offline, err := resolveURL(cfg.Origin, cfg.OfflinePage)
		if err != nil {
			return nil, fmt.Errorf("offline page: %w", err)
		}
		m.offline = cache.KeyForURL(offline)
	}
	return m, nil
}

// Version 返回当前 Manager 负责的缓存版本（即 bucket 名）。
func (m *Manager) Version() string {
	return m.cfg.Version
}

// Config 返回构造时注入的配置副本。
func (m *Manager) Config() Config {
	cfg := m.cfg
	cfg.Manifest = append([]string(nil), m.cfg.Manifest...)
	return cfg
}

// Strategy 返回解析后的策略元数据。
func (m *Manager) Strategy() strategy.Metadata {
	return m.meta
}

// Profile 返回合并 worker 覆盖后的策略参数。
func (m *Manager) Profile() strategy.Profile {
	return m.profile
}

// State 返回当前生命周期状态。
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// HandleInstall 打开（或创建）当前版本的 bucket 并以 all-or-nothing 方式写入 manifest。
// 失败时 Manager 进入 redundant，永远不会被激活。
func (m *Manager) HandleInstall(ctx context.Context, ev InstallEvent) (InstallResult, error) {
	if err := m.transition([]State{StateUninstalled, StateWaiting}, StateInstalling); err != nil {
		return InstallResult{}, err
	}

	started := time.Now()
	bucket, err := m.storage.Open(ctx, m.cfg.Version)
	if err == nil {
		err = cache.AddAll(ctx, bucket, m.network.Fetch, m.manifest)
	}
	m.metrics.RecordInstall(m.cfg.Worker, err)

	fields := logrus.Fields{
		"action":     "install",
		"trigger":    ev.Trigger,
		"manifest":   len(m.manifest),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = StateRedundant
		m.logger.WithFields(fields).WithError(err).Error("install_failed")
		return InstallResult{}, fmt.Errorf("install %s: %w", m.cfg.Version, err)
	}
	m.bucket = bucket
	m.state = StateWaiting
	m.logger.WithFields(fields).Info("install_complete")

	return InstallResult{
		Version:     m.cfg.Version,
		Entries:     len(m.manifest),
		SkipWaiting: m.cfg.SkipWaiting,
	}, nil
}

// HandleRestore 沿用存储中已存在且覆盖整个 manifest 的同名 bucket，不访问网络。
// 用于重启后源站不可达的场景；成功后与 install 一样进入 waiting。
func (m *Manager) HandleRestore(ctx context.Context, ev InstallEvent) (InstallResult, error) {
	if err := m.transition([]State{StateUninstalled}, StateInstalling); err != nil {
		return InstallResult{}, err
	}

	bucket, err := m.existingBucket(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	fields := logrus.Fields{
		"action":   "restore",
		"trigger":  ev.Trigger,
		"manifest": len(m.manifest),
	}
	if err != nil {
		m.state = StateRedundant
		m.logger.WithFields(fields).WithError(err).Debug("restore_skipped")
		return InstallResult{}, err
	}
	m.bucket = bucket
	m.state = StateWaiting
	m.logger.WithFields(fields).Info("restore_complete")
	return InstallResult{
		Version:     m.cfg.Version,
		Entries:     len(m.manifest),
		SkipWaiting: m.cfg.SkipWaiting,
	}, nil
}

func (m *Manager) existingBucket(ctx context.Context) (cache.Bucket, error) {
	exists, err := m.storage.Has(ctx, m.cfg.Version)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: bucket %s not found", ErrIncompleteBucket, m.cfg.Version)
	}
	bucket, err := m.storage.Open(ctx, m.cfg.Version)
	if err != nil {
		return nil, err
	}
	keys, err := bucket.Keys(ctx)
	if err != nil {
		return nil, err
	}
	present := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		present[k] = struct{}{}
	}
	for _, req := range m.manifest {
		if _, ok := present[req.Key()]; !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrIncompleteBucket, req.Key())
		}
	}
	return bucket, nil
}

// HandleActivate 删除所有名称不等于当前版本的 bucket。单个 bucket 的枚举或删除失败
// 只记录日志并继续，激活总会完成。
func (m *Manager) HandleActivate(ctx context.Context, ev ActivateEvent) (ActivateResult, error) {
	if err := m.transition([]State{StateWaiting}, StateActivating); err != nil {
		return ActivateResult{}, err
	}

	result := ActivateResult{
		Version: m.cfg.Version,
		Claim:   m.cfg.ClaimClients,
	}
	names, err := m.storage.Keys(ctx)
	if err != nil {
		m.logger.WithError(err).WithField("action", "activate").Warn("bucket_enumerate_failed")
	}
	for _, name := range names {
		if name == m.cfg.Version {
			continue
		}
		deleted, err := m.storage.Delete(ctx, name)
		m.metrics.RecordEviction(m.cfg.Worker, err)
		if err != nil {
			if result.Failed == nil {
				result.Failed = make(map[string]error)
			}
			result.Failed[name] = err
			m.logger.WithError(err).WithFields(logrus.Fields{
				"action": "activate",
				"bucket": name,
			}).Warn("bucket_delete_failed")
			continue
		}
		if deleted {
			result.Deleted = append(result.Deleted, name)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bucket == nil {
		if bucket, err := m.storage.Open(ctx, m.cfg.Version); err == nil {
			m.bucket = bucket
		} else {
			m.logger.WithError(err).Warn("bucket_open_failed")
		}
	}
	m.state = StateActive
	m.metrics.SetActiveVersion(m.cfg.Worker, m.cfg.Version)
	m.logger.WithFields(logrus.Fields{
		"action":  "activate",
		"trigger": ev.Trigger,
		"deleted": result.Deleted,
		"failed":  len(result.Failed),
		"claim":   result.Claim,
	}).Info("activate_complete")
	return result, nil
}

// HandleFetch 只处理 GET 且不命中排除谓词的请求，其余请求返回 Handled=false。
// 策略无法给出响应时返回离线兜底，结果永远不会处于未决状态。
func (m *Manager) HandleFetch(ctx context.Context, ev FetchEvent) (FetchResult, error) {
	m.mu.RLock()
	state, bucket := m.state, m.bucket
	m.mu.RUnlock()
	if state != StateActive {
		return FetchResult{}, ErrNotActive
	}

	req := ev.Request
	if req == nil || req.URL == nil {
		return FetchResult{}, errors.New("fetch event without request")
	}
	if !strings.EqualFold(req.Method, "GET") {
		m.metrics.RecordFetch(m.cfg.Worker, m.meta.Key, "bypass")
		return FetchResult{Bypass: BypassMethod, Version: m.cfg.Version}, nil
	}
	if m.cfg.Exclude != nil && m.cfg.Exclude(req.URL) {
		m.metrics.RecordFetch(m.cfg.Worker, m.meta.Key, "bypass")
		return FetchResult{Bypass: BypassExcluded, Version: m.cfg.Version}, nil
	}

	logger := m.logger
	if ev.RequestID != "" {
		logger = logger.WithField("request_id", ev.RequestID)
	}
	env := strategy.Env{
		Bucket:  bucket,
		Network: m.network,
		Profile: m.profile,
		Logger:  logger,
	}
	outcome, err := m.meta.Handler(ctx, env, req)
	if err != nil {
		if !errors.Is(err, strategy.ErrNoResponse) {
			logger.WithError(err).Warn("strategy_failed")
		}
		outcome = m.fallback(ctx, bucket, ev)
	}
	m.metrics.RecordFetch(m.cfg.Worker, m.meta.Key, string(outcome.Source))

	return FetchResult{
		Handled:  true,
		Response: outcome.Response,
		Source:   outcome.Source,
		Stored:   outcome.Stored,
		Version:  m.cfg.Version,
	}, nil
}

// BucketKeys 返回当前版本 bucket 中的全部 key，供诊断与测试使用。
func (m *Manager) BucketKeys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	bucket := m.bucket
	m.mu.RUnlock()
	if bucket == nil {
		return nil, nil
	}
	return bucket.Keys(ctx)
}

func (m *Manager) markRedundant() {
	m.mu.Lock()
	m.state = StateRedundant
	m.mu.Unlock()
}

func (m *Manager) transition(from []State, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range from {
		if m.state == s {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, m.state, to)
}

func resolveManifest(origin *url.URL, entries []string) ([]*cache.Request, error) {
	seen := make(map[string]struct{}, len(entries))
	reqs := make([]*cache.Request, 0, len(entries))
	for _, raw := range entries {
		u, err := resolveURL(origin, raw)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", raw, err)
		}
		req := &cache.Request{Method: "GET", URL: u}
		// 重复条目只抓取一次，bucket 中 key 集合与 manifest 一致。
		if _, dup := seen[req.Key()]; dup {
			continue
		}
		seen[req.Key()] = struct{}{}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func resolveURL(origin *url.URL, raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty url")
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return origin.ResolveReference(ref), nil
}
