package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterRoutesRequestWhenHostMatches(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://billing.edge.local/index.html", nil)
	req.Host = "billing.edge.local"
	req.Header.Set("Host", "billing.edge.local")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s, hostHeader=%s)", resp.StatusCode, string(body), resp.Header.Get("X-Sw-Edge-Host"))
	}

	if app.storage.routeName != "billing" {
		t.Fatalf("expected billing route, got %s", app.storage.routeName)
	}

	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterKeepsValidIncomingRequestID(t *testing.T) {
	app := newTestApp(t, 5000)

	const incoming = "8b4bb6a4-4a53-4a1e-9d2e-59c5b6a4d1f0"
	req := httptest.NewRequest("GET", "http://docs.edge.local/", nil)
	req.Host = "docs.edge.local"
	req.Header.Set("X-Request-ID", incoming)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if got := resp.Header.Get("X-Request-ID"); got != incoming {
		t.Fatalf("expected request id %s to be reused, got %s", incoming, got)
	}

	req = httptest.NewRequest("GET", "http://docs.edge.local/", nil)
	req.Host = "docs.edge.local"
	req.Header.Set("X-Request-ID", "not a uuid")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if got := resp.Header.Get("X-Request-ID"); got == "not a uuid" || got == "" {
		t.Fatalf("invalid request id should be replaced, got %q", got)
	}
}

func TestRouterReturns404WhenHostUnknown(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://unknown.local/", nil)
	req.Host = "unknown.local"
	req.Header.Set("Host", "unknown.local")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"host_unmapped"`)) {
		t.Fatalf("expected host_unmapped error, got %s", string(body))
	}
}

type testApp struct {
	*fiber.App
	storage *proxyRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	cfg := testConfig()
	cfg.Global.ListenPort = port

	registry, err := NewWorkerRegistry(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	if _, ok := registry.Lookup("billing.edge.local"); !ok {
		t.Fatalf("registry lookup failed for billing")
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, storage: recorder}
}

type proxyRecorder struct {
	lastRoute *WorkerRoute
	routeName string
}

func (p *proxyRecorder) Handle(c fiber.Ctx, route *WorkerRoute) error {
	p.lastRoute = route
	p.routeName = route.Config.Name
	return c.SendStatus(fiber.StatusNoContent)
}

func TestRouterLeavesDiagnosticsPathsToLaterHandlers(t *testing.T) {
	app := newTestApp(t, 5000)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})

	req := httptest.NewRequest("GET", "http://unknown.local/-/ping", nil)
	req.Host = "unknown.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("diagnostics path should bypass host lookup, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "pong" {
		t.Fatalf("unexpected body %q", body)
	}
	if app.storage.lastRoute != nil {
		t.Fatalf("diagnostics request must not reach a worker")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("diagnostics responses still carry a request id")
	}
}
