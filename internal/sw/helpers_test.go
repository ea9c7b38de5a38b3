package sw

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/sw-edge/internal/cache"
	"github.com/any-hub/sw-edge/internal/logging"
	_ "github.com/any-hub/sw-edge/internal/strategy/cachefirst"
	_ "github.com/any-hub/sw-edge/internal/strategy/networkfirst"
)

var errOffline = errors.New("network unreachable")

// fakeNetwork 按路径返回预设响应，并记录每次调用，模拟源站与浏览器网络栈。
type fakeNetwork struct {
	mu      sync.Mutex
	bodies  map[string]string
	status  map[string]int
	types   map[string]cache.ResponseType
	down    bool
	failing map[string]bool
	calls   []string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		bodies:  make(map[string]string),
		status:  make(map[string]int),
		types:   make(map[string]cache.ResponseType),
		failing: make(map[string]bool),
	}
}

func (n *fakeNetwork) serve(path, body string) *fakeNetwork {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies[path] = body
	return n
}

func (n *fakeNetwork) setStatus(path string, status int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status[path] = status
}

func (n *fakeNetwork) setType(path string, typ cache.ResponseType) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.types[path] = typ
}

func (n *fakeNetwork) fail(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failing[path] = true
}

func (n *fakeNetwork) setDown(down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down = down
}

func (n *fakeNetwork) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *fakeNetwork) Fetch(_ context.Context, req *cache.Request) (*cache.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	path := req.URL.Path
	n.calls = append(n.calls, req.Method+" "+path)
	if n.down || n.failing[path] {
		return nil, errOffline
	}
	body, ok := n.bodies[path]
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
	}
	if s, ok := n.status[path]; ok {
		status = s
	}
	typ := cache.ResponseTypeBasic
	if t, ok := n.types[path]; ok {
		typ = t
	}
	return &cache.Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
		Type:   typ,
		URL:    req.Key(),
	}, nil
}

const testOrigin = "http://app.local"

func testConfig(t *testing.T, version, strategyKey string, manifest ...string) Config {
	t.Helper()
	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)
	return Config{
		Worker:   "web",
		Version:  version,
		Origin:   origin,
		Manifest: manifest,
		Exclude:  PathContains("/api/"),
		Strategy: strategyKey,
	}
}

func newTestManager(t *testing.T, cfg Config, storage cache.Storage, network *fakeNetwork) *Manager {
	t.Helper()
	m, err := NewManager(cfg, storage, network, logging.NewDiscardLogger(), nil)
	require.NoError(t, err)
	return m
}

// activeManager 完成 install + activate，返回处于 active 状态的 Manager。
func activeManager(t *testing.T, cfg Config, storage cache.Storage, network *fakeNetwork) *Manager {
	t.Helper()
	m := newTestManager(t, cfg, storage, network)
	_, err := m.HandleInstall(context.Background(), InstallEvent{Trigger: "test"})
	require.NoError(t, err)
	_, err = m.HandleActivate(context.Background(), ActivateEvent{Trigger: "test"})
	require.NoError(t, err)
	return m
}

func getEvent(t *testing.T, path string) FetchEvent {
	t.Helper()
	return FetchEvent{Request: newRequest(t, http.MethodGet, path)}
}

func newRequest(t *testing.T, method, path string) *cache.Request {
	t.Helper()
	u, err := url.Parse(testOrigin + path)
	require.NoError(t, err)
	return &cache.Request{Method: method, URL: u}
}

func keysFor(paths ...string) []string {
	keys := make([]string, 0, len(paths))
	for _, p := range paths {
		keys = append(keys, testOrigin+p)
	}
	return keys
}
