package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler 接收已经定位到 worker 的请求，把它变成该 worker 的 fetch 事件。
type ProxyHandler interface {
	Handle(fiber.Ctx, *WorkerRoute) error
}

// ProxyHandlerFunc 让普通函数满足 ProxyHandler，测试中常用。
type ProxyHandlerFunc func(fiber.Ctx, *WorkerRoute) error

// Handle 调用 f 本身。
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *WorkerRoute) error {
	return f(c, route)
}

// AppOptions 汇总 edge 应用的依赖；全部 worker 共用同一个监听端口。
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *WorkerRegistry
	Proxy      ProxyHandler
	ListenPort int
}

const (
	localsWorkerRoute = "_swedge_route"
	localsRequestID   = "_swedge_request_id"

	headerRequestID    = "X-Request-ID"
	headerUnmappedHost = "X-Sw-Edge-Host"

	diagnosticsPrefix = "/-/"
)

// NewApp 组装 edge 的 Fiber 应用：panic 恢复 → 请求 ID → 按 Host 选择 worker → 分派 fetch。
// /-/ 前缀留给诊断接口，不参与 worker 路由，调用方在返回的 app 上继续注册。
func NewApp(opts AppOptions) (*fiber.App, error) {
	switch {
	case opts.Logger == nil:
		return nil, errors.New("logger is required")
	case opts.Registry == nil:
		return nil, errors.New("worker registry is required")
	case opts.Proxy == nil:
		return nil, errors.New("proxy handler is required")
	case opts.ListenPort <= 0:
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{CaseSensitive: true})
	app.Use(recover.New())
	app.Use(assignRequestID)
	app.Use(selectWorker(opts))
	app.All("/*", dispatchToWorker(opts))
	return app, nil
}

// assignRequestID 沿用客户端传入的合法 UUID，否则生成新的，并回写到响应头。
func assignRequestID(c fiber.Ctx) error {
	reqID := strings.TrimSpace(c.Get(headerRequestID))
	if _, err := uuid.Parse(reqID); err != nil {
		reqID = uuid.NewString()
	}
	c.Locals(localsRequestID, reqID)
	c.Set(headerRequestID, reqID)
	return c.Next()
}

// selectWorker 依据 Host/Host:port 找到 worker；诊断路径直接放行。
func selectWorker(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		if isDiagnosticsPath(c) {
			return c.Next()
		}
		host := requestHost(c)
		route, ok := opts.Registry.Lookup(host)
		if !ok {
			return renderHostUnmapped(c, opts.Logger, host, opts.ListenPort)
		}
		c.Locals(localsWorkerRoute, route)
		return c.Next()
	}
}

func dispatchToWorker(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		if isDiagnosticsPath(c) {
			return c.Next()
		}
		route := routeFromContext(c)
		if route == nil {
			return renderHostUnmapped(c, opts.Logger, "", opts.ListenPort)
		}
		return opts.Proxy.Handle(c, route)
	}
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	logger.WithFields(logrus.Fields{
		"action":     "host_lookup",
		"host":       host,
		"port":       port,
		"request_id": RequestID(c),
	}).Warn("host_unmapped")

	if host != "" {
		c.Set(headerUnmappedHost, host)
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "host_unmapped"})
}

func requestHost(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return strings.TrimSpace(string(raw))
	}
	return strings.TrimSpace(c.Hostname())
}

func routeFromContext(c fiber.Ctx) *WorkerRoute {
	route, _ := c.Locals(localsWorkerRoute).(*WorkerRoute)
	return route
}

// RequestID 返回中间件为当前请求分配的 ID。
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(localsRequestID).(string)
	return reqID
}

func isDiagnosticsPath(c fiber.Ctx) bool {
	return strings.HasPrefix(string(c.Request().URI().Path()), diagnosticsPrefix)
}
