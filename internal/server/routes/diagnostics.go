package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/vcache/internal/lifecycle"
	"github.com/any-hub/vcache/internal/metrics"
	"github.com/any-hub/vcache/internal/namespace"
)

// Diagnostics 汇总诊断接口依赖；Metrics 为空时不注册 /-/metrics。
type Diagnostics struct {
	Controller *lifecycle.Controller
	Host       *lifecycle.HostState
	Metrics    *metrics.Provider
}

// RegisterDiagnosticsRoutes 暴露 /-/ 下的诊断与运维接口：查看 store、分桶与生命周期状态，
// 并允许运维重新投递 install/activate 信号。
func RegisterDiagnosticsRoutes(app *fiber.App, d Diagnostics) {
	if app == nil || d.Controller == nil {
		return
	}
	ctl := d.Controller

	app.Get("/-/stores", func(c fiber.Ctx) error {
		names, err := ctl.Storage().Keys(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "store_list_failed"})
		}
		return c.JSON(fiber.Map{
			"version": ctl.Namespace().Version(),
			"stores":  encodeStores(ctl.Namespace(), names),
		})
	})

	app.Get("/-/buckets", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"buckets": encodeBuckets(ctl),
		})
	})

	app.Get("/-/lifecycle", func(c fiber.Ctx) error {
		return c.JSON(encodeLifecycle(ctl, d.Host))
	})

	app.Post("/-/lifecycle/install", func(c fiber.Ctx) error {
		if err := ctl.Install(c.Context()); err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":  "install_failed",
				"detail": err.Error(),
				"phase":  ctl.Phase(),
			})
		}
		return c.JSON(encodeLifecycle(ctl, d.Host))
	})

	app.Post("/-/lifecycle/activate", func(c fiber.Ctx) error {
		report, err := ctl.Activate(c.Context())
		payload := encodeActivateReport(report)
		payload.Phase = ctl.Phase()
		if err != nil && len(report.Failed) == 0 {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "activate_failed",
				"detail": err.Error(),
			})
		}
		return c.JSON(payload)
	})

	if d.Metrics != nil {
		app.Get("/-/metrics", func(c fiber.Ctx) error {
			points, err := d.Metrics.Snapshot(c.Context())
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "metrics_unavailable"})
			}
			return c.JSON(fiber.Map{"metrics": points})
		})
	}
}

type storePayload struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
}

type bucketPayload struct {
	Name  string `json:"name"`
	Store string `json:"store"`
}

type lifecyclePayload struct {
	Phase     lifecycle.Phase `json:"phase"`
	Version   string          `json:"version"`
	Installed bool            `json:"installed"`
	Claimed   bool            `json:"claimed"`
}

type activatePayload struct {
	Phase    lifecycle.Phase `json:"phase"`
	Deleted  []string        `json:"deleted"`
	Retained []string        `json:"retained"`
	Failed   []string        `json:"failed,omitempty"`
}

func encodeStores(ns *namespace.Manager, names []string) []storePayload {
	result := make([]storePayload, 0, len(names))
	for _, name := range names {
		result = append(result, storePayload{Name: name, Current: ns.IsCurrent(name)})
	}
	return result
}

func encodeBuckets(ctl *lifecycle.Controller) []bucketPayload {
	buckets := ctl.Classifier().Buckets()
	result := make([]bucketPayload, 0, len(buckets))
	for _, b := range buckets {
		result = append(result, bucketPayload{Name: b.String(), Store: ctl.Namespace().BucketKey(b)})
	}
	return result
}

func encodeLifecycle(ctl *lifecycle.Controller, host *lifecycle.HostState) lifecyclePayload {
	payload := lifecyclePayload{
		Phase:   ctl.Phase(),
		Version: ctl.Namespace().Version(),
	}
	if host != nil {
		payload.Installed = host.Installed()
		payload.Claimed = host.Claimed()
	}
	return payload
}

func encodeActivateReport(report lifecycle.ActivateReport) activatePayload {
	deleted := report.Deleted
	if deleted == nil {
		deleted = []string{}
	}
	retained := report.Retained
	if retained == nil {
		retained = []string{}
	}
	return activatePayload{
		Deleted:  deleted,
		Retained: retained,
		Failed:   report.FailedNames(),
	}
}
