// Package networkfirst 注册 network-first 策略：优先网络并 write-through，失败时回退缓存。
package networkfirst

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/any-hub/sw-edge/internal/cache"
	"github.com/any-hub/sw-edge/internal/strategy"
)

// Key 是 network-first 策略在配置中的取值。
const Key = "network-first"

const defaultNetworkTimeout = 10 * time.Second

func init() {
	strategy.MustRegister(strategy.Metadata{
		Key:         Key,
		Description: "Try the network first with write-through of shareable basic 200 responses, fall back to cache",
		Profile: strategy.Profile{
			NetworkFirst:   true,
			WriteThrough:   true,
			NetworkTimeout: defaultNetworkTimeout,
		},
		Handler: Handle,
	})
}

// Handle 依次尝试：网络（受 Profile.NetworkTimeout 约束）→ 缓存 → ErrNoResponse。
func Handle(ctx context.Context, env strategy.Env, req *cache.Request) (strategy.Outcome, error) {
	key := req.Key()

	resp, netErr := fetchNetwork(ctx, env, req)
	if netErr == nil {
		outcome := strategy.Outcome{Response: resp, Source: strategy.SourceNetwork}
		writer := cache.NewWriter(env.Bucket, env.Profile.WriteThrough)
		stored, err := writer.Store(ctx, req, resp)
		if err != nil && !errors.Is(err, cache.ErrBucketDeleted) && env.Logger != nil {
			env.Logger.WithError(err).WithField("key", key).Warn("cache_write_failed")
		}
		outcome.Stored = stored
		return outcome, nil
	}

	if env.Logger != nil {
		env.Logger.WithError(netErr).WithField("key", key).Debug("network_failed_fallback_cache")
	}

	if env.Bucket != nil {
		cached, err := env.Bucket.Match(ctx, key)
		switch {
		case err == nil:
			return strategy.Outcome{Response: cache.PublicCopy(cached), Source: strategy.SourceCache}, nil
		case errors.Is(err, cache.ErrNotFound):
		default:
			if env.Logger != nil {
				env.Logger.WithError(err).WithField("key", key).Warn("cache_match_failed")
			}
		}
	}

	return strategy.Outcome{}, fmt.Errorf("%w: %v", strategy.ErrNoResponse, netErr)
}

func fetchNetwork(ctx context.Context, env strategy.Env, req *cache.Request) (*cache.Response, error) {
	if env.Profile.NetworkTimeout <= 0 {
		return env.Network.Fetch(ctx, req)
	}
	netCtx, cancel := context.WithTimeout(ctx, env.Profile.NetworkTimeout)
	defer cancel()
	return env.Network.Fetch(netCtx, req)
}
