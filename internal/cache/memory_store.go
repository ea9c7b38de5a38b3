package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// NewMemoryStorage 返回进程内 bucket 存储，重启后内容丢失，适合测试与临时部署。
func NewMemoryStorage() Storage {
	return &memoryStorage{buckets: make(map[string]*memoryBucket)}
}

type memoryStorage struct {
	mu      sync.RWMutex
	buckets map[string]*memoryBucket
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidBucketName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBucketName, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[name]
	if !ok {
		bucket = &memoryBucket{name: name, entries: make(map[string]*Response)}
		s.buckets[name] = bucket
	}
	return bucket, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[name]
	if !ok {
		return false, nil
	}
	delete(s.buckets, name)
	bucket.drop()
	return true, nil
}

type memoryBucket struct {
	name string

	mu      sync.RWMutex
	entries map[string]*Response
	dropped bool
}

func (b *memoryBucket) Name() string {
	return b.name
}

func (b *memoryBucket) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	resp, ok := b.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (b *memoryBucket) Put(ctx context.Context, key string, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped {
		return ErrBucketDeleted
	}
	if b.entries == nil {
		b.entries = make(map[string]*Response)
	}
	b.entries[key] = resp.Clone()
	return nil
}

func (b *memoryBucket) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (b *memoryBucket) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// drop 清空已删除 bucket 的内容，持有旧句柄的调用方只会看到空 bucket。
func (b *memoryBucket) drop() {
	b.mu.Lock()
	b.entries = nil
	b.dropped = true
	b.mu.Unlock()
}
