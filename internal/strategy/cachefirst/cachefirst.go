// Package cachefirst 注册 cache-first 策略：命中缓存直接返回，未命中走网络且不回写。
package cachefirst

import (
	"context"
	"errors"
	"fmt"

	"github.com/any-hub/sw-edge/internal/cache"
	"github.com/any-hub/sw-edge/internal/strategy"
)

// Key 是 cache-first 策略在配置中的取值。
const Key = "cache-first"

func init() {
	strategy.MustRegister(strategy.Metadata{
		Key:         Key,
		Description: "Serve cached responses verbatim, fall back to the network without write-back",
		Profile: strategy.Profile{
			NetworkFirst: false,
			WriteThrough: false,
		},
		Handler: Handle,
	})
}

// Handle 先查 bucket；缓存层错误按未命中处理，再回退到网络。
func Handle(ctx context.Context, env strategy.Env, req *cache.Request) (strategy.Outcome, error) {
	key := req.Key()
	if env.Bucket != nil {
		cached, err := env.Bucket.Match(ctx, key)
		switch {
		case err == nil:
			return strategy.Outcome{Response: cache.PublicCopy(cached), Source: strategy.SourceCache}, nil
		case errors.Is(err, cache.ErrNotFound):
			// miss, continue
		default:
			if env.Logger != nil {
				env.Logger.WithError(err).WithField("key", key).Warn("cache_match_failed")
			}
		}
	}

	resp, err := env.Network.Fetch(ctx, req)
	if err != nil {
		return strategy.Outcome{}, fmt.Errorf("%w: %v", strategy.ErrNoResponse, err)
	}
	return strategy.Outcome{Response: resp, Source: strategy.SourceNetwork}, nil
}
