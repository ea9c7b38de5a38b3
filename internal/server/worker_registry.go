package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/sw-edge/internal/config"
	"github.com/any-hub/sw-edge/internal/strategy"
	"github.com/any-hub/sw-edge/internal/sw"
)

// WorkerRoute 将 Worker 配置与派生属性（解析后的源站 URL、策略元数据、生命周期注册）
// 聚合在一起，供路由/代理层直接复用，避免重复解析配置。
type WorkerRoute struct {
	// Config 是用户在 config.toml 中声明的 Worker 字段副本，避免外部修改。
	Config config.WorkerConfig
	// ListenPort 记录当前 CLI 监听端口，方便日志/转发头输出。
	ListenPort int
	// OriginURL 在构造 Registry 时提前解析完成。
	OriginURL *url.URL
	// Strategy/Profile 记录 worker 选用的策略及合并覆盖后的参数。
	Strategy strategy.Metadata
	Profile  strategy.Profile
	// Runtime 保留完整的运行时描述，调度器据此生成版本配置。
	Runtime config.WorkerRuntime
	// Registration 是该 worker 作用域的生命周期宿主，测试中可能为 nil。
	Registration *sw.Registration
}

// RegistrationFactory 为每个 WorkerRoute 创建生命周期注册，允许启动阶段注入存储与网络实现。
type RegistrationFactory func(route *WorkerRoute) (*sw.Registration, error)

// WorkerRegistry 提供 Host/Host:port 到 WorkerRoute 的查询能力，所有 Worker 共享同一个监听端口。
type WorkerRegistry struct {
	routes  map[string]*WorkerRoute
	byName  map[string]*WorkerRoute
	ordered []*WorkerRoute
}

// NewWorkerRegistry 根据配置构建 Host 映射。factory 为 nil 时路由不携带 Registration。
func NewWorkerRegistry(cfg *config.Config, factory RegistrationFactory) (*WorkerRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &WorkerRegistry{
		routes: make(map[string]*WorkerRoute, len(cfg.Workers)),
		byName: make(map[string]*WorkerRoute, len(cfg.Workers)),
	}

	for _, worker := range cfg.Workers {
		normalizedHost := normalizeDomain(worker.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for worker %s", worker.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}
		if _, exists := registry.byName[worker.Name]; exists {
			return nil, fmt.Errorf("duplicate worker name %s", worker.Name)
		}

		route, err := buildWorkerRoute(cfg, worker)
		if err != nil {
			return nil, err
		}
		if factory != nil {
			reg, err := factory(route)
			if err != nil {
				return nil, fmt.Errorf("worker %s: %w", worker.Name, err)
			}
			route.Registration = reg
		}

		registry.routes[normalizedHost] = route
		registry.byName[worker.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 WorkerRoute。
func (r *WorkerRegistry) Lookup(host string) (*WorkerRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// Route 按 worker 名称查找路由，供诊断接口与调度器使用。
func (r *WorkerRegistry) Route(name string) (*WorkerRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[name]
	return route, ok
}

// List 返回当前注册的 WorkerRoute 列表（按配置定义的顺序）。
func (r *WorkerRegistry) List() []*WorkerRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]*WorkerRoute, len(r.ordered))
	copy(result, r.ordered)
	return result
}

func buildWorkerRoute(cfg *config.Config, worker config.WorkerConfig) (*WorkerRoute, error) {
	runtime, err := config.BuildWorkerRuntime(worker, cfg.Global)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", worker.Name, err)
	}

	return &WorkerRoute{
		Config:     worker,
		ListenPort: cfg.Global.ListenPort,
		OriginURL:  runtime.Origin,
		Strategy:   runtime.Strategy,
		Profile:    runtime.Profile,
		Runtime:    runtime,
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
