package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-edge/internal/cache"
	"github.com/any-hub/sw-edge/internal/logging"
	"github.com/any-hub/sw-edge/internal/server"
	"github.com/any-hub/sw-edge/internal/sw"
)

const (
	// ClientCookie 保存 sw-edge 分配给浏览器标签页的客户端 ID。
	ClientCookie = "sw_client"
	// ClientHeader 允许非浏览器客户端显式声明客户端 ID。
	ClientHeader = "X-Client-ID"

	headerSource  = "X-Sw-Source"
	headerVersion = "X-Sw-Version"
	headerBypass  = "X-Sw-Bypass"
)

// Handler 把路由后的请求转换为 fetch 事件交给 worker 的 Registration：
// 已处理的结果直接写回，未处理的请求（非 GET、排除路径、未受控客户端）原样透传源站。
type Handler struct {
	client *http.Client
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler with the shared origin client and logger.
func NewHandler(client *http.Client, logger *logrus.Logger) *Handler {
	if client == nil {
		client = server.NewOriginClient(nil)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		client: client,
		logger: logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.WorkerRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if route.Registration == nil {
		return h.passthrough(ctx, c, route, requestID, started, sw.BypassNoController, "")
	}

	ev := sw.FetchEvent{
		Request:    buildFetchRequest(c, route),
		ClientID:   clientID(c),
		Navigation: isNavigation(c),
		RequestID:  requestID,
	}
	result, err := route.Registration.Dispatch(ctx, ev)
	if err != nil {
		h.logResult(route, requestID, result, http.StatusBadGateway, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "dispatch_failed")
	}
	if result.AssignedClientID != "" {
		c.Cookie(&fiber.Cookie{
			Name:     ClientCookie,
			Value:    result.AssignedClientID,
			Path:     "/",
			HTTPOnly: true,
			SameSite: fiber.CookieSameSiteLaxMode,
		})
	}

	if !result.Handled {
		return h.passthrough(ctx, c, route, requestID, started, result.Bypass, result.Version)
	}
	return h.serveResult(c, route, requestID, result, started)
}

func (h *Handler) serveResult(
	c fiber.Ctx,
	route *server.WorkerRoute,
	requestID string,
	result sw.FetchResult,
	started time.Time,
) error {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Set(headerSource, string(result.Source))
	c.Set(headerVersion, result.Version)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)
	h.logResult(route, requestID, result, resp.Status, started, nil)
	return c.Send(resp.Body)
}

// passthrough 走默认网络路径：不读写缓存，原样转发方法、请求体与请求头。
func (h *Handler) passthrough(
	ctx context.Context,
	c fiber.Ctx,
	route *server.WorkerRoute,
	requestID string,
	started time.Time,
	reason sw.BypassReason,
	activeVersion string,
) error {
	result := sw.FetchResult{Bypass: reason, Version: activeVersion}
	upstreamURL := resolveOriginURL(route.OriginURL, c)
	req, err := h.buildUpstreamRequest(ctx, c, upstreamURL, route)
	if err != nil {
		h.logResult(route, requestID, result, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.logResult(route, requestID, result, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	if reason != sw.BypassNone {
		c.Set(headerBypass, string(reason))
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(route, requestID, result, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, requestID, result, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(
	ctx context.Context,
	c fiber.Ctx,
	upstream *url.URL,
	route *server.WorkerRoute,
) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, originHeaders(c))
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", routePort(route))
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.WorkerRoute,
	requestID string,
	result sw.FetchResult,
	status int,
	started time.Time,
	err error,
) {
	source := string(result.Source)
	if !result.Handled {
		source = "passthrough"
	}
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		result.Version,
		route.Strategy.Key,
		source,
		result.Handled,
	)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if result.Bypass != sw.BypassNone {
		fields["bypass"] = string(result.Bypass)
	}
	if result.Stored {
		fields["stored"] = true
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildFetchRequest 将 Fiber 请求映射为以源站为基准的绝对 URL 请求。
func buildFetchRequest(c fiber.Ctx, route *server.WorkerRoute) *cache.Request {
	return &cache.Request{
		Method: c.Method(),
		URL:    resolveOriginURL(route.OriginURL, c),
		Header: originHeaders(c),
		Body:   append([]byte(nil), c.Body()...),
	}
}

// isNavigation 判断请求是否为顶层文档导航。
func isNavigation(c fiber.Ctx) bool {
	if c.Method() != http.MethodGet {
		return false
	}
	if mode := c.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	if dest := c.Get("Sec-Fetch-Dest"); dest != "" && !strings.EqualFold(dest, "document") {
		return false
	}
	return strings.Contains(c.Get(fiber.HeaderAccept), "text/html")
}

func clientID(c fiber.Ctx) string {
	if id := strings.TrimSpace(c.Cookies(ClientCookie)); id != "" {
		return id
	}
	return strings.TrimSpace(c.Get(ClientHeader))
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func resolveOriginURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: clean}
	if rawQuery := uri.QueryString(); len(rawQuery) > 0 {
		relative.RawQuery = string(rawQuery)
	}
	return base.ResolveReference(relative)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// originHeaders 返回转发给源站的请求头，去掉 sw-edge 自己的客户端 cookie：
// 它不属于源站会话，也不应让请求被当成携带凭据。
func originHeaders(c fiber.Ctx) http.Header {
	header := fiberHeadersAsHTTP(c)
	values := header.Values("Cookie")
	if len(values) == 0 {
		return header
	}
	header.Del("Cookie")
	for _, value := range values {
		kept := make([]string, 0, 2)
		for _, part := range strings.Split(value, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if name, _, _ := strings.Cut(part, "="); strings.TrimSpace(name) == ClientCookie {
				continue
			}
			kept = append(kept, part)
		}
		if len(kept) > 0 {
			header.Add("Cookie", strings.Join(kept, "; "))
		}
	}
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func routePort(route *server.WorkerRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}
