package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/sw-edge/internal/config"
	"github.com/any-hub/sw-edge/internal/logging"
	"github.com/any-hub/sw-edge/internal/server"
	"github.com/any-hub/sw-edge/internal/strategy"
	_ "github.com/any-hub/sw-edge/internal/strategy/cachefirst"
	_ "github.com/any-hub/sw-edge/internal/strategy/networkfirst"
)

const edgeHost = "billing.edge.local"

type originStub struct {
	*httptest.Server

	mu    sync.Mutex
	hits  map[string]int
	down  bool
	posts []string
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()
	stub := &originStub{hits: make(map[string]int)}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.hits[r.Method+" "+r.URL.Path]++
		down := stub.down
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			stub.posts = append(stub.posts, string(body))
		}
		stub.mu.Unlock()

		if down {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		switch r.URL.Path {
		case "/", "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>billing</html>")
		case "/manifest.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"name":"billing"}`)
		case "/dashboard":
			_, _ = io.WriteString(w, "dashboard")
		case "/account":
			w.Header().Set("Set-Cookie", "session="+r.Header.Get("X-User"))
			w.Header().Set("Cache-Control", "private")
			_, _ = io.WriteString(w, "account of "+r.Header.Get("X-User"))
		case "/whoami":
			_, _ = io.WriteString(w, "cookie="+r.Header.Get("Cookie"))
		case "/api/invoices":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `[]`)
		case "/form":
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, "created")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(stub.Close)
	return stub
}

func (o *originStub) hitCount(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[key]
}

func (o *originStub) setDown(down bool) {
	o.mu.Lock()
	o.down = down
	o.mu.Unlock()
}

type edge struct {
	app      *fiber.App
	registry *server.WorkerRegistry
	route    *server.WorkerRoute
}

func newEdge(t *testing.T, origin string, strategyKey string) *edge {
	t.Helper()
	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:        5000,
			StorageDriver:     config.StorageDriverDisk,
			StoragePath:       t.TempDir(),
			OriginTimeout:     config.Duration(5 * time.Second),
			NetworkTimeout:    config.Duration(2 * time.Second),
			ClientIdleTimeout: config.Duration(time.Minute),
		},
		Workers: []config.WorkerConfig{{
			Name:           "billing",
			Domain:         edgeHost,
			Origin:         origin,
			CacheVersion:   "v1",
			Strategy:       strategyKey,
			Manifest:       []string{"/", "/index.html", "/manifest.json"},
			Exclude:        []string{"/api/"},
			FallbackStatus: 503,
		}},
	}
	logger := logging.NewDiscardLogger()
	client := server.NewOriginClient(cfg)
	factory := server.NewRegistrationFactory(cfg.Global, func(route *server.WorkerRoute) strategy.Fetcher {
		return NewOriginFetcher(client, route.OriginURL)
	}, logger, nil)

	registry, err := server.NewWorkerRegistry(cfg, factory)
	if err != nil {
		t.Fatalf("构建 registry 失败: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      NewForwarder(NewHandler(client, logger), logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("构建 app 失败: %v", err)
	}
	route, _ := registry.Route("billing")
	return &edge{app: app, registry: registry, route: route}
}

func (e *edge) update(t *testing.T, version string) {
	t.Helper()
	cfg := server.LifecycleConfig(e.route.Runtime)
	cfg.Version = version
	if _, err := e.route.Registration.Update(context.Background(), cfg, "test"); err != nil {
		t.Fatalf("更新到 %s 失败: %v", version, err)
	}
}

func (e *edge) do(t *testing.T, method, path string, body io.Reader, header http.Header) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, "http://"+edgeHost+path, body)
	req.Host = edgeHost
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test 失败: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(data)
}

func TestProxyCacheFirstLifecycle(t *testing.T) {
	origin := newOriginStub(t)
	e := newEdge(t, origin.URL, "cache-first")
	e.update(t, "v1")

	if got := origin.hitCount("GET /index.html"); got != 1 {
		t.Fatalf("install 应只预取一次 /index.html，实际 %d", got)
	}

	resp, body := e.do(t, http.MethodGet, "/index.html", nil, nil)
	if resp.StatusCode != http.StatusOK || body != "<html>billing</html>" {
		t.Fatalf("缓存响应错误: %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Sw-Source") != "cache" || resp.Header.Get("X-Sw-Version") != "v1" {
		t.Fatalf("应由 v1 缓存响应: %v", resp.Header)
	}
	if resp.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("应保留缓存的 Content-Type: %s", resp.Header.Get("Content-Type"))
	}
	if got := origin.hitCount("GET /index.html"); got != 1 {
		t.Fatalf("cache-first 命中时不应访问源站，实际 %d 次", got)
	}

	resp, body = e.do(t, http.MethodGet, "/dashboard", nil, nil)
	if resp.Header.Get("X-Sw-Source") != "network" || body != "dashboard" {
		t.Fatalf("未命中应回源: %v %s", resp.Header, body)
	}
	keys, _ := e.route.Registration.Active().BucketKeys(context.Background())
	for _, key := range keys {
		if strings.HasSuffix(key, "/dashboard") {
			t.Fatalf("cache-first 未命中不应写回缓存")
		}
	}

	// 版本升级后旧 bucket 被删除。
	e.update(t, "v2")
	snap := e.route.Registration.Snapshot(context.Background())
	if len(snap.Buckets) != 1 || snap.Buckets[0] != "v2" {
		t.Fatalf("激活 v2 后只应保留 v2 bucket: %v", snap.Buckets)
	}
	resp, _ = e.do(t, http.MethodGet, "/", nil, nil)
	if resp.Header.Get("X-Sw-Version") != "v2" {
		t.Fatalf("应由 v2 响应: %s", resp.Header.Get("X-Sw-Version"))
	}
}

func TestProxyBypassesNonGetAndExcluded(t *testing.T) {
	origin := newOriginStub(t)
	e := newEdge(t, origin.URL, "network-first")
	e.update(t, "v1")

	resp, body := e.do(t, http.MethodPost, "/form", strings.NewReader("amount=10"), http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}})
	if resp.StatusCode != http.StatusCreated || body != "created" {
		t.Fatalf("POST 应透传源站: %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Sw-Bypass") != "method" || resp.Header.Get("X-Sw-Source") != "" {
		t.Fatalf("POST 不应被拦截: %v", resp.Header)
	}
	if len(origin.posts) != 1 || origin.posts[0] != "amount=10" {
		t.Fatalf("请求体应原样转发: %v", origin.posts)
	}

	resp, _ = e.do(t, http.MethodGet, "/api/invoices", nil, nil)
	if resp.Header.Get("X-Sw-Bypass") != "excluded" {
		t.Fatalf("/api/ 应绕过缓存: %v", resp.Header)
	}
	keys, _ := e.route.Registration.Active().BucketKeys(context.Background())
	for _, key := range keys {
		if strings.Contains(key, "/api/") || strings.HasSuffix(key, "/form") {
			t.Fatalf("绕过的请求不应写入缓存: %s", key)
		}
	}
}

func TestProxyNetworkFirstWriteThroughAndOffline(t *testing.T) {
	origin := newOriginStub(t)
	e := newEdge(t, origin.URL, "network-first")
	e.update(t, "v1")

	resp, _ := e.do(t, http.MethodGet, "/dashboard", nil, nil)
	if resp.Header.Get("X-Sw-Source") != "network" {
		t.Fatalf("network-first 应优先网络: %v", resp.Header)
	}

	origin.setDown(true)
	// 源站返回 503 属于网络成功，直接透出但不写缓存。
	resp, _ = e.do(t, http.MethodGet, "/dashboard", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable || resp.Header.Get("X-Sw-Source") != "network" {
		t.Fatalf("源站错误应原样返回: %d %v", resp.StatusCode, resp.Header)
	}

	origin.Close()
	resp, body := e.do(t, http.MethodGet, "/dashboard", nil, nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Sw-Source") != "cache" || body != "dashboard" {
		t.Fatalf("离线时应回退到 write-through 的缓存: %d %v %s", resp.StatusCode, resp.Header, body)
	}

	resp, _ = e.do(t, http.MethodGet, "/never-seen", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable || resp.Header.Get("X-Sw-Source") != "fallback" {
		t.Fatalf("离线且无缓存时应返回兜底响应: %d %v", resp.StatusCode, resp.Header)
	}
}

func TestProxyNeverSharesOneUsersResponseWithAnother(t *testing.T) {
	origin := newOriginStub(t)
	e := newEdge(t, origin.URL, "network-first")
	e.update(t, "v1")

	resp, body := e.do(t, http.MethodGet, "/account", nil, http.Header{
		"X-User": []string{"alice"},
		"Cookie": []string{"session=alice"},
	})
	if body != "account of alice" || resp.Header.Get("Set-Cookie") == "" {
		t.Fatalf("alice 应拿到自己的响应: %s %v", body, resp.Header)
	}
	// 只带 sw-edge 客户端 cookie 的请求仍可共享缓存。
	resp, _ = e.do(t, http.MethodGet, "/dashboard", nil, http.Header{
		"Cookie": []string{ClientCookie + "=client-1"},
	})
	if resp.Header.Get("X-Sw-Source") != "network" {
		t.Fatalf("dashboard 应来自网络: %v", resp.Header)
	}

	origin.Close()
	resp, body = e.do(t, http.MethodGet, "/account", nil, nil)
	if resp.Header.Get("X-Sw-Source") != "fallback" || strings.Contains(body, "alice") {
		t.Fatalf("bob 不应拿到 alice 的私有响应: %d %v %s", resp.StatusCode, resp.Header, body)
	}
	if len(resp.Header.Values("Set-Cookie")) != 0 {
		t.Fatalf("兜底响应不应携带会话 cookie: %v", resp.Header.Values("Set-Cookie"))
	}
	resp, body = e.do(t, http.MethodGet, "/dashboard", nil, nil)
	if resp.Header.Get("X-Sw-Source") != "cache" || body != "dashboard" {
		t.Fatalf("公共页面应已 write-through: %v %s", resp.Header, body)
	}
}

func TestProxyDoesNotForwardClientCookie(t *testing.T) {
	origin := newOriginStub(t)
	e := newEdge(t, origin.URL, "network-first")
	e.update(t, "v1")

	_, body := e.do(t, http.MethodGet, "/whoami", nil, http.Header{
		"Cookie": []string{ClientCookie + "=client-1; theme=dark"},
	})
	if body != "cookie=theme=dark" {
		t.Fatalf("源站只应看到自己的 cookie，得到 %q", body)
	}
}

func TestProxyAssignsClientCookieOnNavigation(t *testing.T) {
	origin := newOriginStub(t)
	e := newEdge(t, origin.URL, "cache-first")
	e.update(t, "v1")

	resp, _ := e.do(t, http.MethodGet, "/", nil, http.Header{"Sec-Fetch-Mode": []string{"navigate"}})
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == ClientCookie {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" {
		t.Fatalf("导航请求应分配客户端 cookie: %v", resp.Header.Values("Set-Cookie"))
	}

	resp, _ = e.do(t, http.MethodGet, "/", nil, http.Header{
		"Sec-Fetch-Mode": []string{"navigate"},
		"Cookie":         []string{ClientCookie + "=" + cookie.Value},
	})
	if len(resp.Header.Values("Set-Cookie")) != 0 {
		t.Fatalf("已有客户端 ID 时不应重复分配")
	}
	if e.route.Registration.Snapshot(context.Background()).Clients != 1 {
		t.Fatalf("应记录 1 个存活客户端")
	}
}

func TestProxyPassesThroughBeforeFirstInstall(t *testing.T) {
	origin := newOriginStub(t)
	e := newEdge(t, origin.URL, "cache-first")

	resp, body := e.do(t, http.MethodGet, "/dashboard", nil, nil)
	if resp.StatusCode != http.StatusOK || body != "dashboard" {
		t.Fatalf("无活跃版本时应透传源站: %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Sw-Bypass") != "no_controller" {
		t.Fatalf("应标记 no_controller: %v", resp.Header)
	}
}
