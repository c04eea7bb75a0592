package routes

import (
	"sort"

	"github.com/gofiber/fiber/v3"

	"github.com/umbrasys/umbra-sync/internal/backend"
	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/governor"
	"github.com/umbrasys/umbra-sync/internal/transfer"
	"github.com/umbrasys/umbra-sync/internal/version"
)

// Diagnostics 汇集 /-/ 诊断接口需要读取的组件，Governor 可为空。
type Diagnostics struct {
	Store     cache.Store
	Governor  *governor.Governor
	Forbidden *transfer.ForbiddenList
}

// RegisterDiagnostics 暴露 /-/status、/-/backends 与 /-/forbidden，供运维查询 hub 状态。
func RegisterDiagnostics(app *fiber.App, diag Diagnostics) {
	if app == nil || diag.Store == nil {
		return
	}
	if diag.Forbidden == nil {
		diag.Forbidden = transfer.NewForbiddenList()
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(encodeStatus(diag))
	})

	app.Get("/-/backends", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"blob": encodeBackends(backend.List(backend.KindBlob)),
			"meta": encodeBackends(backend.List(backend.KindMeta)),
		})
	})

	app.Get("/-/forbidden", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"entries": diag.Forbidden.Entries()})
	})
}

type statusPayload struct {
	Version   string            `json:"version"`
	Store     cache.Stats       `json:"store"`
	Cache     *governor.Summary `json:"cache,omitempty"`
	Forbidden int               `json:"forbidden"`
}

type backendPayload struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

func encodeStatus(diag Diagnostics) statusPayload {
	payload := statusPayload{
		Version:   version.Full(),
		Store:     diag.Store.Stats(),
		Forbidden: diag.Forbidden.Len(),
	}
	if diag.Governor != nil {
		summary := diag.Governor.Summary()
		payload.Cache = &summary
	}
	return payload
}

func encodeBackends(list []backend.Metadata) []backendPayload {
	result := make([]backendPayload, 0, len(list))
	for _, meta := range list {
		result = append(result, backendPayload{Key: meta.Key, Description: meta.Description})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result
}
