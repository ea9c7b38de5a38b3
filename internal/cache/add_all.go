package cache

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// FetchFunc 执行一次网络请求并返回完整缓冲的响应。
type FetchFunc func(ctx context.Context, req *Request) (*Response, error)

// DefaultAddAllConcurrency 限制 AddAll 并发抓取的数量。
const DefaultAddAllConcurrency = 4

// AddAll 抓取全部请求并写入 bucket，语义与 Cache.addAll 一致但更严格：
// 任一请求失败或返回非 2xx 时不写入任何条目；写入阶段出错会回滚本次已写入的 key。
// 写入前去掉 Set-Cookie，bucket 内容对所有客户端共享。
func AddAll(ctx context.Context, bucket Bucket, fetch FetchFunc, reqs []*Request) error {
	if bucket == nil {
		return fmt.Errorf("bucket required")
	}
	if fetch == nil {
		return fmt.Errorf("fetch func required")
	}

	responses := make([]*Response, len(reqs))
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultAddAllConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := fetch(groupCtx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", req.Key(), err)
			}
			if !resp.OK() {
				return &StatusError{Key: req.Key(), Status: resp.Status}
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	written := make([]string, 0, len(reqs))
	for i, req := range reqs {
		key := req.Key()
		if err := bucket.Put(ctx, key, PublicCopy(responses[i])); err != nil {
			rollback(ctx, bucket, written)
			return fmt.Errorf("store %s: %w", key, err)
		}
		written = append(written, key)
	}
	return nil
}

func rollback(ctx context.Context, bucket Bucket, keys []string) {
	for _, key := range keys {
		_ = bucket.Delete(context.WithoutCancel(ctx), key)
	}
}

// StatusError 表示 AddAll 中某个请求返回了非 2xx 状态。
type StatusError struct {
	Key    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.Key, e.Status)
}
