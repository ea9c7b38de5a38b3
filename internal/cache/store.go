package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
)

// Storage 管理同一个 worker 作用域下的全部命名 bucket。
type Storage interface {
	// Open 按名称打开 bucket，不存在时创建。
	Open(ctx context.Context, name string) (Bucket, error)

	// Has 报告 bucket 是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 返回按名称排序的全部 bucket 名。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除整个 bucket，返回值表示删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)
}

// Bucket 是单个缓存版本内 request key → response 的映射。
type Bucket interface {
	Name() string

	// Match 返回 key 对应的响应副本，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)

	// Put 写入或覆盖 key 对应的响应，实现需保证单个 key 写入的原子性。
	Put(ctx context.Context, key string, resp *Response) error

	// Delete 删除单个条目，条目不存在时不报错。
	Delete(ctx context.Context, key string) error

	// Keys 返回按字典序排序的全部 key。
	Keys(ctx context.Context) ([]string, error)
}

// ResponseType 对应浏览器 Response.type 的取值。
type ResponseType string

const (
	ResponseTypeBasic   ResponseType = "basic"
	ResponseTypeCORS    ResponseType = "cors"
	ResponseTypeOpaque  ResponseType = "opaque"
	ResponseTypeDefault ResponseType = "default"
)

// Request 描述一次被拦截的请求，URL 必须为绝对地址。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Key 返回缓存键：去掉 fragment 的绝对 URL。
func (r *Request) Key() string {
	if r == nil || r.URL == nil {
		return ""
	}
	return KeyForURL(r.URL)
}

// KeyForURL 将 URL 规范化为缓存键。
func KeyForURL(u *url.URL) string {
	clone := *u
	clone.Fragment = ""
	clone.RawFragment = ""
	if clone.Path == "" {
		clone.Path = "/"
	}
	return clone.String()
}

// Response 是完整缓冲后的响应，写入 bucket 前应先 Clone。
type Response struct {
	Status int          `json:"status"`
	Header http.Header  `json:"header"`
	Body   []byte       `json:"-"`
	Type   ResponseType `json:"type"`
	URL    string       `json:"url"`
}

// OK 对应 Response.ok：状态码在 200-299 之间。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 返回与原响应互不共享内存的副本。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Header = r.Header.Clone()
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}
	return &clone
}

var bucketNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidBucketName 报告名称能否安全映射为目录名。
func ValidBucketName(name string) bool {
	return len(name) <= 128 && bucketNamePattern.MatchString(name)
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrBucketDeleted 表示写入的 bucket 已被 activation 删除，写入被丢弃。
	ErrBucketDeleted = errors.New("cache bucket deleted")
	// ErrInvalidBucketName 表示 bucket 名包含路径分隔符等非法字符。
	ErrInvalidBucketName = errors.New("invalid bucket name")
)
