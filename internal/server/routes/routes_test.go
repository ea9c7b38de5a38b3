package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/sw-edge/internal/cache"
	"github.com/any-hub/sw-edge/internal/config"
	"github.com/any-hub/sw-edge/internal/logging"
	"github.com/any-hub/sw-edge/internal/metrics"
	"github.com/any-hub/sw-edge/internal/server"
	"github.com/any-hub/sw-edge/internal/strategy"
	_ "github.com/any-hub/sw-edge/internal/strategy/cachefirst"
	_ "github.com/any-hub/sw-edge/internal/strategy/networkfirst"
	"github.com/any-hub/sw-edge/internal/sw"
)

type staticNetwork struct{}

func (staticNetwork) Fetch(_ context.Context, req *cache.Request) (*cache.Response, error) {
	return &cache.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/html"}},
		Body:   []byte("ok " + req.URL.Path),
		Type:   cache.ResponseTypeBasic,
		URL:    req.Key(),
	}, nil
}

// registryUpdater 直接以当前配置驱动 Registration，模拟调度器。
type registryUpdater struct {
	registry *server.WorkerRegistry
	version  string
}

func (u *registryUpdater) UpdateWorker(ctx context.Context, name, trigger string) (sw.UpdateResult, error) {
	route, _ := u.registry.Route(name)
	cfg := server.LifecycleConfig(route.Runtime)
	if u.version != "" {
		cfg.Version = u.version
	}
	return route.Registration.Update(ctx, cfg, trigger)
}

func newRoutesApp(t *testing.T) (*fiber.App, *server.WorkerRegistry, *registryUpdater, *metrics.Collector) {
	t.Helper()
	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:        5000,
			StorageDriver:     config.StorageDriverMemory,
			NetworkTimeout:    config.Duration(10 * time.Second),
			ClientIdleTimeout: config.Duration(time.Minute),
		},
		Workers: []config.WorkerConfig{{
			Name:           "billing",
			Domain:         "billing.edge.local",
			Origin:         "https://billing.example.com",
			CacheVersion:   "v1",
			Strategy:       "cache-first",
			Manifest:       []string{"/", "/index.html"},
			FallbackStatus: 503,
		}},
	}
	logger := logging.NewDiscardLogger()
	collector := metrics.NewCollector("")
	factory := server.NewRegistrationFactory(cfg.Global, func(*server.WorkerRoute) strategy.Fetcher {
		return staticNetwork{}
	}, logger, collector)
	registry, err := server.NewWorkerRegistry(cfg, factory)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	updater := &registryUpdater{registry: registry}
	app := fiber.New()
	RegisterWorkerRoutes(app, WorkerRouteOptions{Registry: registry, Updater: updater, Logger: logger})
	RegisterStrategyRoutes(app, registry)
	RegisterMetricsRoute(app, collector)
	return app, registry, updater, collector
}

func doJSON(t *testing.T, app *fiber.App, method, path string, out any) int {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(method, path, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestWorkerRoutesReportLifecycle(t *testing.T) {
	app, _, updater, _ := newRoutesApp(t)

	var before struct {
		Workers []workerPayload `json:"workers"`
	}
	if status := doJSON(t, app, http.MethodGet, "/-/workers", &before); status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	if len(before.Workers) != 1 || before.Workers[0].Active != nil {
		t.Fatalf("worker should not have an active version before update: %+v", before.Workers)
	}

	var updated updatePayload
	if status := doJSON(t, app, http.MethodPost, "/-/workers/billing/update", &updated); status != http.StatusOK {
		t.Fatalf("update failed with %d: %+v", status, updated)
	}
	if updated.Outcome != string(sw.UpdateActivated) || updated.Version != "v1" {
		t.Fatalf("unexpected update payload: %+v", updated)
	}

	var detail workerPayload
	if status := doJSON(t, app, http.MethodGet, "/-/workers/billing", &detail); status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	if detail.Active == nil || detail.Active.Version != "v1" || detail.Active.State != "active" {
		t.Fatalf("active version missing: %+v", detail)
	}
	if len(detail.Active.Entries) != 2 {
		t.Fatalf("expected 2 cached entries, got %v", detail.Active.Entries)
	}

	updater.version = "v2"
	if status := doJSON(t, app, http.MethodPost, "/-/workers/billing/update", &updated); status != http.StatusOK {
		t.Fatalf("second update failed with %d", status)
	}
	if updated.Outcome != string(sw.UpdateActivated) || len(updated.Deleted) != 1 || updated.Deleted[0] != "v1" {
		t.Fatalf("v1 bucket should be evicted: %+v", updated)
	}
}

func TestSkipWaitingRoute(t *testing.T) {
	app, registry, updater, _ := newRoutesApp(t)
	route, _ := registry.Route("billing")

	if _, err := updater.UpdateWorker(context.Background(), "billing", "test"); err != nil {
		t.Fatalf("initial update failed: %v", err)
	}
	nav := sw.FetchEvent{Navigation: true, Request: &cache.Request{Method: http.MethodGet, URL: route.OriginURL.JoinPath("/")}}
	if _, err := route.Registration.Dispatch(context.Background(), nav); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	updater.version = "v2"
	result, err := updater.UpdateWorker(context.Background(), "billing", "test")
	if err != nil || result.Outcome != sw.UpdateWaiting {
		t.Fatalf("v2 should wait for live clients: %+v %v", result, err)
	}

	var payload updatePayload
	if status := doJSON(t, app, http.MethodPost, "/-/workers/billing/skip-waiting", &payload); status != http.StatusOK {
		t.Fatalf("skip-waiting failed with %d", status)
	}
	if payload.Outcome != string(sw.UpdateActivated) || payload.Version != "v2" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestWorkerRoutesNotFound(t *testing.T) {
	app, _, _, _ := newRoutesApp(t)
	var payload map[string]string
	if status := doJSON(t, app, http.MethodGet, "/-/workers/unknown", &payload); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if payload["error"] != "worker_not_found" {
		t.Fatalf("unexpected error payload: %v", payload)
	}
}

func TestStrategyRoutes(t *testing.T) {
	app, _, _, _ := newRoutesApp(t)

	var payload struct {
		Strategies []strategyPayload      `json:"strategies"`
		Workers    []workerBindingPayload `json:"workers"`
	}
	if status := doJSON(t, app, http.MethodGet, "/-/strategies", &payload); status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	if len(payload.Strategies) < 2 || payload.Strategies[0].Key != "cache-first" {
		t.Fatalf("strategies should be sorted by key: %+v", payload.Strategies)
	}
	if len(payload.Workers) != 1 || payload.Workers[0].StrategyKey != "cache-first" {
		t.Fatalf("unexpected worker bindings: %+v", payload.Workers)
	}

	var detail strategyPayload
	if status := doJSON(t, app, http.MethodGet, "/-/strategies/NETWORK-FIRST", &detail); status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	if !detail.Default || !detail.Profile.NetworkFirst || detail.Profile.NetworkTimeoutSeconds != 10 {
		t.Fatalf("unexpected network-first payload: %+v", detail)
	}

	if status := doJSON(t, app, http.MethodGet, "/-/strategies/stale", nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown strategy, got %d", status)
	}
}

func TestMetricsRouteExposesCounters(t *testing.T) {
	app, _, updater, _ := newRoutesApp(t)
	if _, err := updater.UpdateWorker(context.Background(), "billing", "test"); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `sw_edge_install_total{result="ok",worker="billing"} 1`) {
		t.Fatalf("install counter missing from exposition:\n%s", body)
	}
	if !strings.Contains(string(body), `sw_edge_active_version{version="v1",worker="billing"} 1`) {
		t.Fatalf("active version gauge missing from exposition:\n%s", body)
	}
}
