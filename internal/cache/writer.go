package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrBucketUnavailable 表示当前 writer 未绑定 bucket。
var ErrBucketUnavailable = errors.New("cache bucket unavailable")

// bucket 由同一 worker 的全部客户端共享，以下响应头不得跨客户端重放。
var privateResponseHeaders = []string{"Set-Cookie", "Set-Cookie2"}

// Writer 封装 write-through 写入：只有可共享的同源 basic 200 响应才会落盘。
type Writer struct {
	bucket  Bucket
	enabled bool
}

// NewWriter 构造 write-through writer，enabled=false 时 Store 永远不写入。
func NewWriter(bucket Bucket, enabled bool) Writer {
	return Writer{bucket: bucket, enabled: enabled}
}

// Enabled 返回当前是否具备写入能力。
func (w Writer) Enabled() bool {
	return w.enabled && w.bucket != nil
}

// Cacheable 判断响应能否被 write-through 写入。
func Cacheable(resp *Response) bool {
	return resp != nil && resp.Type == ResponseTypeBasic && resp.Status == http.StatusOK
}

// Shareable 判断一次请求/响应能否写入共享 bucket：携带凭据的请求、
// 设置 Cookie 或声明 private/no-store 的响应都只属于单个用户。
func Shareable(req *Request, resp *Response) bool {
	if !Cacheable(resp) {
		return false
	}
	if req != nil && req.Header != nil {
		if req.Header.Get("Authorization") != "" || req.Header.Get("Cookie") != "" {
			return false
		}
	}
	for _, name := range privateResponseHeaders {
		if len(resp.Header.Values(name)) > 0 {
			return false
		}
	}
	for _, value := range resp.Header.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			directive = strings.ToLower(strings.TrimSpace(directive))
			if name, _, _ := strings.Cut(directive, "="); name == "private" || name == "no-store" {
				return false
			}
		}
	}
	return true
}

// PublicCopy 返回去掉 Set-Cookie 等用户私有头的副本，从 bucket 读出的响应都经它返回给客户端。
func PublicCopy(resp *Response) *Response {
	if resp == nil {
		return nil
	}
	clone := resp.Clone()
	for _, name := range privateResponseHeaders {
		clone.Header.Del(name)
	}
	return clone
}

// Store 将 req 对应的响应副本写入 bucket，返回是否实际写入。
func (w Writer) Store(ctx context.Context, req *Request, resp *Response) (bool, error) {
	if !w.enabled {
		return false, nil
	}
	if w.bucket == nil {
		return false, ErrBucketUnavailable
	}
	if !Shareable(req, resp) {
		return false, nil
	}
	if err := w.bucket.Put(ctx, req.Key(), resp.Clone()); err != nil {
		return false, err
	}
	return true, nil
}
