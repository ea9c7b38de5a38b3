package server

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/any-hub/sw-edge/internal/config"
)

const defaultOriginTimeout = 30 * time.Second

// 所有 worker 的 origin 请求共用一套连接池参数。
func newOriginTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// NewOriginClient 构造 worker 访问 origin 的客户端：manifest 预取、策略的网络分支以及 passthrough 都走它。
// 3xx 不跟随，原样返回；缓存层只接受 200，重定向因此不会进入 bucket。
func NewOriginClient(cfg *config.Config) *http.Client {
	return &http.Client{
		Timeout:       originTimeout(cfg),
		Transport:     newOriginTransport(),
		CheckRedirect: keepRedirectResponse,
	}
}

func originTimeout(cfg *config.Config) time.Duration {
	if cfg == nil {
		return defaultOriginTimeout
	}
	if d := cfg.Global.OriginTimeout.DurationValue(); d > 0 {
		return d
	}
	return defaultOriginTimeout
}

func keepRedirectResponse(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// 逐跳头，edge 与 origin 之间不转发。Proxy-Connection 非标准，但仍有客户端发送。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// CopyHeaders 把 src 的端到端头追加到 dst；逐跳头以及 Connection 中点名的头都会跳过。
func CopyHeaders(dst, src http.Header) {
	named := connectionTokens(src)
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		if _, ok := named[textproto.CanonicalMIMEHeaderKey(key)]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader 判断 key 是否属于逐跳头（大小写不敏感）。
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

func connectionTokens(h http.Header) map[string]struct{} {
	var named map[string]struct{}
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			if named == nil {
				named = make(map[string]struct{})
			}
			named[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
		}
	}
	return named
}
