package strategy

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-edge/internal/cache"
)

// Fetcher 是网络传输协作者：按请求抓取并返回完整缓冲的响应。
type Fetcher interface {
	Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher。
type FetcherFunc func(ctx context.Context, req *cache.Request) (*cache.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	return f(ctx, req)
}

// Source 标记响应来自哪里，写入 X-Sw-Source 头与指标标签。
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
)

// Profile 描述策略的可调参数及默认值。
type Profile struct {
	NetworkFirst   bool
	WriteThrough   bool
	NetworkTimeout time.Duration
}

// Env 是策略执行时可见的全部协作者，均作用于当前版本。
type Env struct {
	Bucket  cache.Bucket
	Network Fetcher
	Profile Profile
	Logger  logrus.FieldLogger
}

// Outcome 是一次策略执行的结果。
type Outcome struct {
	Response *cache.Response
	Source   Source
	Stored   bool
}

// Handler 执行一次 fetch 拦截。无法得到任何响应时返回包装了 ErrNoResponse 的错误，
// 由调用方决定离线兜底。
type Handler func(ctx context.Context, env Env, req *cache.Request) (Outcome, error)

// Metadata 记录一个策略的静态信息，供配置校验和诊断端使用。
type Metadata struct {
	Key         string
	Description string
	Profile     Profile
	Handler     Handler
}

// ErrNoResponse 表示网络与缓存都无法给出响应。
var ErrNoResponse = errors.New("no response available")

// DefaultKey 返回未配置策略时使用的键值。
func DefaultKey() string {
	return defaultKey
}
