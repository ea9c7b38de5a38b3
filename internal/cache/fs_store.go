package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".json"
)

// NewDiskStorage 以 basePath 为根目录构建磁盘 bucket 存储，每个 worker 一份实例。
func NewDiskStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &diskStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		buckets:  make(map[string]*sync.RWMutex),
	}, nil
}

// diskStorage 通过 entryLock 避免同一条目并发写入；bucket 级读写锁让删除与在途写入互斥，
// 删除后到达的写入不会重建目录。
type diskStorage struct {
	basePath string

	mu      sync.Mutex
	locks   map[string]*entryLock
	buckets map[string]*sync.RWMutex
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是 .json 侧车文件的内容，记录原始 key 与响应头。
type entryMeta struct {
	Key string `json:"key"`
	Response
}

func (s *diskStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.bucketPath(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &diskBucket{storage: s, name: name, dir: dir}, nil
}

func (s *diskStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.bucketPath(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *diskStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && ValidBucketName(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *diskStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	guard := s.bucketGuard(name)
	guard.Lock()
	defer guard.Unlock()

	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, _ := s.bucketPath(name)
	if err := os.RemoveAll(dir); err != nil {
		return true, fmt.Errorf("remove bucket %s: %w", name, err)
	}
	return true, nil
}

func (s *diskStorage) bucketPath(name string) (string, error) {
	if !ValidBucketName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidBucketName, name)
	}
	return filepath.Join(s.basePath, name), nil
}

func (s *diskStorage) bucketGuard(name string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	guard := s.buckets[name]
	if guard == nil {
		guard = &sync.RWMutex{}
		s.buckets[name] = guard
	}
	return guard
}

func (s *diskStorage) lock(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

type diskBucket struct {
	storage *diskStorage
	name    string
	dir     string
}

func (b *diskBucket) Name() string {
	return b.name
}

func (b *diskBucket) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := b.entryBase(key)

	raw, err := os.ReadFile(base + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode cache meta: %w", err)
	}
	// 哈希碰撞时视为未命中。
	if meta.Key != key {
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	resp := meta.Response
	resp.Body = body
	return &resp, nil
}

func (b *diskBucket) Put(ctx context.Context, key string, resp *Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	guard := b.storage.bucketGuard(b.name)
	guard.RLock()
	defer guard.RUnlock()
	unlock := b.storage.lock(b.name + "::" + key)
	defer unlock()

	if info, err := os.Stat(b.dir); err != nil || !info.IsDir() {
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBucketDeleted, b.name)
		}
		return err
	}

	meta, err := json.Marshal(entryMeta{Key: key, Response: *resp})
	if err != nil {
		return fmt.Errorf("encode cache meta: %w", err)
	}

	base := b.entryBase(key)
	// 先写正文再写元数据：Match 以元数据存在为准，避免读到半成品。
	if err := writeFileAtomic(ctx, base+bodySuffix, resp.Body); err != nil {
		return err
	}
	return writeFileAtomic(ctx, base+metaSuffix, meta)
}

func (b *diskBucket) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := b.storage.lock(b.name + "::" + key)
	defer unlock()

	base := b.entryBase(key)
	for _, suffix := range []string{metaSuffix, bodySuffix} {
		if err := os.Remove(base + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (b *diskBucket) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(b.dir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		var meta entryMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		keys = append(keys, meta.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *diskBucket) entryBase(key string) string {
	sum := xxhash.Sum64String(key)
	return filepath.Join(b.dir, strconv.FormatUint(sum, 16))
}

func writeFileAtomic(ctx context.Context, target string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
