package sw

import (
	"context"
	"fmt"
	"net/http"

	"github.com/any-hub/sw-edge/internal/cache"
	"github.com/any-hub/sw-edge/internal/strategy"
)

// fallback 在网络与缓存都失败时给出确定的响应：导航请求优先返回缓存中的离线页，
// 其余情况返回 FallbackStatus 的纯文本响应。
func (m *Manager) fallback(ctx context.Context, bucket cache.Bucket, ev FetchEvent) strategy.Outcome {
	if ev.Navigation && m.offline != "" && bucket != nil {
		if page, err := bucket.Match(ctx, m.offline); err == nil {
			return strategy.Outcome{Response: cache.PublicCopy(page), Source: strategy.SourceFallback}
		}
	}

	status := m.cfg.FallbackStatus
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Cache-Control", "no-store")
	return strategy.Outcome{
		Response: &cache.Response{
			Status: status,
			Header: header,
			Body:   []byte(fmt.Sprintf("%d %s: offline and no cached copy of %s\n", status, http.StatusText(status), ev.Request.URL.Path)),
			Type:   cache.ResponseTypeDefault,
			URL:    ev.Request.Key(),
		},
		Source: strategy.SourceFallback,
	}
}
