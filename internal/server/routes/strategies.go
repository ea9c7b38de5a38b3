package routes

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/sw-edge/internal/server"
	"github.com/any-hub/sw-edge/internal/strategy"
)

// RegisterStrategyRoutes 暴露 /-/strategies 诊断接口，供 SRE 查询策略与 Worker 绑定关系。
func RegisterStrategyRoutes(app *fiber.App, registry *server.WorkerRegistry) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/strategies", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"strategies": encodeStrategies(strategy.List()),
			"workers":    encodeWorkerBindings(registry.List()),
		}
		return c.JSON(payload)
	})

	app.Get("/-/strategies/:key", func(c fiber.Ctx) error {
		key := strings.ToLower(strings.TrimSpace(c.Params("key")))
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "strategy_key_required"})
		}
		meta, ok := strategy.Resolve(key)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "strategy_not_found"})
		}
		return c.JSON(encodeStrategy(meta))
	})
}

type strategyPayload struct {
	Key         string         `json:"key"`
	Description string         `json:"description"`
	Default     bool           `json:"default"`
	Profile     profilePayload `json:"profile"`
}

type profilePayload struct {
	NetworkFirst          bool  `json:"network_first"`
	WriteThrough          bool  `json:"write_through"`
	NetworkTimeoutSeconds int64 `json:"network_timeout_seconds"`
}

type workerBindingPayload struct {
	WorkerName  string         `json:"worker_name"`
	StrategyKey string         `json:"strategy_key"`
	Domain      string         `json:"domain"`
	Port        int            `json:"port"`
	Profile     profilePayload `json:"profile"`
}

func encodeStrategies(items []strategy.Metadata) []strategyPayload {
	if len(items) == 0 {
		return nil
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Key < items[j].Key
	})
	result := make([]strategyPayload, 0, len(items))
	for _, meta := range items {
		result = append(result, encodeStrategy(meta))
	}
	return result
}

func encodeStrategy(meta strategy.Metadata) strategyPayload {
	return strategyPayload{
		Key:         meta.Key,
		Description: meta.Description,
		Default:     meta.Key == strategy.DefaultKey(),
		Profile:     encodeProfile(meta.Profile),
	}
}

func encodeProfile(p strategy.Profile) profilePayload {
	return profilePayload{
		NetworkFirst:          p.NetworkFirst,
		WriteThrough:          p.WriteThrough,
		NetworkTimeoutSeconds: int64(p.NetworkTimeout.Seconds()),
	}
}

func encodeWorkerBindings(routes []*server.WorkerRoute) []workerBindingPayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]workerBindingPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, workerBindingPayload{
			WorkerName:  route.Config.Name,
			StrategyKey: route.Strategy.Key,
			Domain:      route.Config.Domain,
			Port:        route.ListenPort,
			Profile:     encodeProfile(route.Profile),
		})
	}
	return result
}
