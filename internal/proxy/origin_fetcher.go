package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/sw-edge/internal/cache"
	"github.com/any-hub/sw-edge/internal/server"
	"github.com/any-hub/sw-edge/internal/version"
)

// maxBufferedBody 限制策略层单个响应可缓冲的大小，超出视为网络失败。
const maxBufferedBody = 32 << 20

// ErrBodyTooLarge 表示源站响应超过可缓冲上限。
var ErrBodyTooLarge = errors.New("origin response exceeds buffer limit")

// OriginFetcher 实现 strategy.Fetcher：通过共享 http.Client 访问源站，
// 按来源把响应标记为 basic/cors/opaque，供策略层判断是否允许写缓存。
type OriginFetcher struct {
	client *http.Client
	origin *url.URL
}

// NewOriginFetcher 为单个 worker 的源站构造 Fetcher。
func NewOriginFetcher(client *http.Client, origin *url.URL) *OriginFetcher {
	if client == nil {
		client = server.NewOriginClient(nil)
	}
	return &OriginFetcher{client: client, origin: origin}
}

// Fetch 发送请求并完整读取响应体。传输错误与超时直接返回 error。
func (f *OriginFetcher) Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url required")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		server.CopyHeaders(httpReq.Header, req.Header)
	}
	// 交给 Transport 处理压缩，缓存中只保存解压后的正文。
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Host")
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody+1))
	if err != nil {
		return nil, fmt.Errorf("read origin body: %w", err)
	}
	if len(data) > maxBufferedBody {
		return nil, fmt.Errorf("%w: %s", ErrBodyTooLarge, req.URL)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}
	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   data,
		Type:   f.classify(finalURL, resp.Header),
		URL:    cache.KeyForURL(finalURL),
	}, nil
}

func (f *OriginFetcher) classify(u *url.URL, header http.Header) cache.ResponseType {
	if f.origin != nil && sameOrigin(f.origin, u) {
		return cache.ResponseTypeBasic
	}
	if header.Get("Access-Control-Allow-Origin") != "" {
		return cache.ResponseTypeCORS
	}
	return cache.ResponseTypeOpaque
}

func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
