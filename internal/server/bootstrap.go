package server

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-edge/internal/cache"
	"github.com/any-hub/sw-edge/internal/config"
	"github.com/any-hub/sw-edge/internal/metrics"
	"github.com/any-hub/sw-edge/internal/strategy"
	"github.com/any-hub/sw-edge/internal/sw"
)

// OpenWorkerStorage 按全局驱动为单个 worker 打开 bucket 存储；磁盘驱动下每个 worker
// 独占 StoragePath/<worker> 目录，互不可见。
func OpenWorkerStorage(g config.GlobalConfig, worker string) (cache.Storage, error) {
	switch g.StorageDriver {
	case config.StorageDriverMemory:
		return cache.NewMemoryStorage(), nil
	case config.StorageDriverDisk, "":
		storage, err := cache.NewDiskStorage(filepath.Join(g.StoragePath, worker))
		if err != nil {
			return nil, fmt.Errorf("open storage for worker %s: %w", worker, err)
		}
		return storage, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", g.StorageDriver)
	}
}

// NetworkFactory 为 worker 构造访问源站的 Fetcher。
type NetworkFactory func(route *WorkerRoute) strategy.Fetcher

// NewRegistrationFactory 组合存储驱动与网络实现，返回 NewWorkerRegistry 使用的工厂。
func NewRegistrationFactory(
	g config.GlobalConfig,
	network NetworkFactory,
	logger *logrus.Logger,
	collector *metrics.Collector,
) RegistrationFactory {
	return func(route *WorkerRoute) (*sw.Registration, error) {
		storage, err := OpenWorkerStorage(g, route.Config.Name)
		if err != nil {
			return nil, err
		}
		return sw.NewRegistration(route.Config.Name, storage, network(route), logger, collector, sw.RegistrationOptions{
			ClientIdleTimeout: g.ClientIdleTimeout.DurationValue(),
		}), nil
	}
}

// LifecycleConfig 将 worker 运行时描述转换为单个缓存版本的不可变配置。
func LifecycleConfig(rt config.WorkerRuntime) sw.Config {
	w := rt.Config
	return sw.Config{
		Worker:         w.Name,
		Version:        w.CacheVersion,
		Origin:         rt.Origin,
		Manifest:       append([]string(nil), w.Manifest...),
		Exclude:        sw.PathContains(w.Exclude...),
		Strategy:       rt.Strategy.Key,
		NetworkTimeout: rt.NetworkTimeout,
		SkipWaiting:    w.SkipWaiting,
		ClaimClients:   w.ClaimClients,
		OfflinePage:    w.OfflinePage,
		FallbackStatus: w.FallbackStatus,
	}
}
