package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/sw-edge/internal/metrics"
)

// RegisterMetricsRoute 以 Prometheus 文本格式暴露 /-/metrics。
func RegisterMetricsRoute(app *fiber.App, collector *metrics.Collector) {
	if app == nil || collector == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(collector.Handler()))
}
