package routes

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-edge/internal/server"
	"github.com/any-hub/sw-edge/internal/sw"
)

// Updater 为单个 worker 执行一次更新检查，通常由调度器实现。
type Updater interface {
	UpdateWorker(ctx context.Context, name, trigger string) (sw.UpdateResult, error)
}

// WorkerRouteOptions 汇总 /-/workers 接口的依赖。
type WorkerRouteOptions struct {
	Registry *server.WorkerRegistry
	Updater  Updater
	Logger   *logrus.Logger
}

// RegisterWorkerRoutes 暴露 worker 生命周期的查询与管理接口：
// 列表、详情、手动触发更新以及强制激活 waiting 版本。
func RegisterWorkerRoutes(app *fiber.App, opts WorkerRouteOptions) {
	if app == nil || opts.Registry == nil {
		return
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/workers", func(c fiber.Ctx) error {
		routes := opts.Registry.List()
		items := make([]workerPayload, 0, len(routes))
		for _, route := range routes {
			items = append(items, encodeWorker(c.Context(), route))
		}
		return c.JSON(fiber.Map{"workers": items})
	})

	app.Get("/-/workers/:name", func(c fiber.Ctx) error {
		route, err := lookupWorker(c, opts.Registry)
		if route == nil {
			return err
		}
		return c.JSON(encodeWorker(c.Context(), route))
	})

	app.Post("/-/workers/:name/update", func(c fiber.Ctx) error {
		route, err := lookupWorker(c, opts.Registry)
		if route == nil {
			return err
		}
		if opts.Updater == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "updater_unavailable"})
		}
		result, err := opts.Updater.UpdateWorker(c.Context(), route.Config.Name, "admin")
		return renderUpdate(c, logger, route, "update", result, err)
	})

	app.Post("/-/workers/:name/skip-waiting", func(c fiber.Ctx) error {
		route, err := lookupWorker(c, opts.Registry)
		if route == nil {
			return err
		}
		if route.Registration == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "worker_not_registered"})
		}
		result, err := route.Registration.SkipWaiting(c.Context(), "admin")
		return renderUpdate(c, logger, route, "skip_waiting", result, err)
	})
}

type workerPayload struct {
	Name      string             `json:"name"`
	Domain    string             `json:"domain"`
	Origin    string             `json:"origin"`
	Strategy  string             `json:"strategy"`
	Desired   string             `json:"desired_version"`
	Active    *versionPayload    `json:"active,omitempty"`
	Waiting   *versionPayload    `json:"waiting,omitempty"`
	Clients   int                `json:"clients"`
	Buckets   []string           `json:"buckets"`
	LastError string             `json:"last_error,omitempty"`
	Profile   profilePayload     `json:"profile"`
	Flags     workerFlagsPayload `json:"flags"`
}

type versionPayload struct {
	Version  string   `json:"version"`
	State    string   `json:"state"`
	Strategy string   `json:"strategy"`
	Entries  []string `json:"entries"`
}

type workerFlagsPayload struct {
	SkipWaiting  bool `json:"skip_waiting"`
	ClaimClients bool `json:"claim_clients"`
}

type updatePayload struct {
	Worker  string   `json:"worker"`
	Outcome string   `json:"outcome"`
	Version string   `json:"version"`
	Deleted []string `json:"deleted,omitempty"`
	Error   string   `json:"error,omitempty"`
}

func encodeWorker(ctx context.Context, route *server.WorkerRoute) workerPayload {
	payload := workerPayload{
		Name:     route.Config.Name,
		Domain:   route.Config.Domain,
		Origin:   route.Config.Origin,
		Strategy: route.Strategy.Key,
		Desired:  route.Config.CacheVersion,
		Profile:  encodeProfile(route.Profile),
		Flags: workerFlagsPayload{
			SkipWaiting:  route.Config.SkipWaiting,
			ClaimClients: route.Config.ClaimClients,
		},
	}
	if route.Registration == nil {
		return payload
	}
	snap := route.Registration.Snapshot(ctx)
	payload.Active = encodeVersion(snap.Active)
	payload.Waiting = encodeVersion(snap.Waiting)
	payload.Clients = snap.Clients
	payload.Buckets = snap.Buckets
	payload.LastError = snap.LastError
	return payload
}

func encodeVersion(info *sw.VersionInfo) *versionPayload {
	if info == nil {
		return nil
	}
	return &versionPayload{
		Version:  info.Version,
		State:    string(info.State),
		Strategy: info.Strategy,
		Entries:  info.Entries,
	}
}

func lookupWorker(c fiber.Ctx, registry *server.WorkerRegistry) (*server.WorkerRoute, error) {
	name := strings.TrimSpace(c.Params("name"))
	if name == "" {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "worker_name_required"})
	}
	route, ok := registry.Route(name)
	if !ok {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "worker_not_found"})
	}
	return route, nil
}

func renderUpdate(c fiber.Ctx, logger *logrus.Logger, route *server.WorkerRoute, action string, result sw.UpdateResult, err error) error {
	payload := updatePayload{
		Worker:  route.Config.Name,
		Outcome: string(result.Outcome),
		Version: result.Version,
	}
	if result.Activate != nil {
		payload.Deleted = result.Activate.Deleted
	}
	fields := logrus.Fields{
		"action":     action,
		"worker":     route.Config.Name,
		"outcome":    payload.Outcome,
		"version":    payload.Version,
		"request_id": server.RequestID(c),
	}
	if err != nil {
		payload.Error = err.Error()
		logger.WithFields(fields).WithError(err).Warn("admin_update_failed")
		return c.Status(fiber.StatusBadGateway).JSON(payload)
	}
	logger.WithFields(fields).Info("admin_update")
	return c.JSON(payload)
}
