package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/any-hub/sw-edge/internal/strategy"
)

// WorkerRuntime 将 Worker 配置与策略元数据合并，方便运行时快速取用。
type WorkerRuntime struct {
	Config         WorkerConfig
	Origin         *url.URL
	Strategy       strategy.Metadata
	Profile        strategy.Profile
	NetworkTimeout time.Duration
}

// BuildWorkerRuntime 根据 Worker 配置和全局默认值创建运行时描述，假定 Validate 已通过。
func BuildWorkerRuntime(w WorkerConfig, g GlobalConfig) (WorkerRuntime, error) {
	origin, err := url.Parse(w.Origin)
	if err != nil {
		return WorkerRuntime{}, fmt.Errorf("%s: %w", workerField(w.Name, "Origin"), err)
	}
	meta, ok := strategy.Resolve(w.Strategy)
	if !ok {
		return WorkerRuntime{}, newFieldError(workerField(w.Name, "Strategy"), fmt.Sprintf("未注册策略: %s", w.Strategy))
	}
	opts := w.StrategyOverrides(g.NetworkTimeout.DurationValue())
	return WorkerRuntime{
		Config:         w,
		Origin:         origin,
		Strategy:       meta,
		Profile:        strategy.ResolveProfile(meta, opts),
		NetworkTimeout: opts.NetworkTimeoutOverride,
	}, nil
}

// BuildRuntimes 为全部 worker 构建运行时描述。
func (c *Config) BuildRuntimes() ([]WorkerRuntime, error) {
	result := make([]WorkerRuntime, 0, len(c.Workers))
	for _, w := range c.Workers {
		rt, err := BuildWorkerRuntime(w, c.Global)
		if err != nil {
			return nil, err
		}
		result = append(result, rt)
	}
	return result, nil
}
