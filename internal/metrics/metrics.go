// Package metrics wraps the Prometheus collectors that describe the cache
// lifecycle: fetch outcomes per source, install results, stale-bucket evictions
// and the currently active version of each worker. Every method is nil-safe so
// components can run without a collector in tests.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector 聚合 sw-edge 暴露的全部指标，使用独立 Registry 避免污染全局默认实例。
type Collector struct {
	registry *prometheus.Registry

	fetchTotal     *prometheus.CounterVec
	installTotal   *prometheus.CounterVec
	evictionsTotal *prometheus.CounterVec
	activeVersion  *prometheus.GaugeVec

	mu      sync.Mutex
	current map[string]string
}

// NewCollector 创建指标收集器，namespace 为空时使用 sw_edge。
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "sw_edge"
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		current:  make(map[string]string),
	}

	c.fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Fetch events handled per worker, strategy and response source (bypass for unhandled)",
		},
		[]string{"worker", "strategy", "source"},
	)
	c.installTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "install_total",
			Help:      "Install attempts per worker and result",
		},
		[]string{"worker", "result"},
	)
	c.evictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Stale bucket deletions during activation per worker and result",
		},
		[]string{"worker", "result"},
	)
	c.activeVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_version",
			Help:      "Set to 1 for the cache version currently active on a worker",
		},
		[]string{"worker", "version"},
	)

	c.registry.MustRegister(c.fetchTotal, c.installTotal, c.evictionsTotal, c.activeVersion)
	return c
}

// Registry 返回底层 Prometheus Registry。
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler 返回 Prometheus 文本格式的 HTTP handler。
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordFetch 记录一次 fetch 事件的来源。
func (c *Collector) RecordFetch(worker, strategy, source string) {
	if c == nil {
		return
	}
	c.fetchTotal.WithLabelValues(worker, strategy, source).Inc()
}

// RecordInstall 记录一次 install 结果，result 取 ok/failed。
func (c *Collector) RecordInstall(worker string, err error) {
	if c == nil {
		return
	}
	c.installTotal.WithLabelValues(worker, resultLabel(err)).Inc()
}

// RecordEviction 记录一次过期 bucket 删除结果。
func (c *Collector) RecordEviction(worker string, err error) {
	if c == nil {
		return
	}
	c.evictionsTotal.WithLabelValues(worker, resultLabel(err)).Inc()
}

// SetActiveVersion 将 worker 的活跃版本切换为 version，旧版本的 gauge 会被移除。
func (c *Collector) SetActiveVersion(worker, version string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.current[worker]; ok && prev != version {
		c.activeVersion.DeleteLabelValues(worker, prev)
	}
	c.current[worker] = version
	c.activeVersion.WithLabelValues(worker, version).Set(1)
}

func resultLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
