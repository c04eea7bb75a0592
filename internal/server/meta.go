package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/umbrasys/umbra-sync/internal/bundle"
	"github.com/umbrasys/umbra-sync/internal/failure"
	"github.com/umbrasys/umbra-sync/internal/identity"
	"github.com/umbrasys/umbra-sync/internal/logging"
	"github.com/umbrasys/umbra-sync/internal/remote/httpapi"
)

func (h *handlers) registerMeta(app *fiber.App) {
	app.Get("/meta/code/:code", h.metaByCode)
	app.Get("/meta/id/:id", h.metaByID)
	app.Put("/meta", h.metaPut)
	app.Delete("/meta/:id", h.metaDelete)
	app.Get("/meta/owner/:owner", h.metaOwned)
	app.Get("/meta/shared", h.metaShared)
	app.Post("/meta/:id/downloads", h.metaDownloaded)
}

// metaByCode 按分享码返回 bundle，服务端按请求身份再做一次授权。
func (h *handlers) metaByCode(c fiber.Ctx) error {
	code := c.Params("code")
	if _, _, err := bundle.ParseCode(code); err != nil {
		return badRequest(c, err.Error())
	}
	b, err := h.opts.Meta.Get(c.Context(), code)
	if err != nil {
		return h.fail(c, "meta_get", err)
	}
	return h.sendAuthorized(c, b)
}

// metaByID 供所有者的写路径使用；其他请求者与按 code 读取一样需通过授权。
func (h *handlers) metaByID(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid bundle id")
	}
	b, err := h.opts.Meta.GetByID(c.Context(), id)
	if err != nil {
		return h.fail(c, "meta_get", err)
	}
	// 所有者编辑、重新发布或删除自己的 bundle 时不受过期限制
	if requester(c) == b.Owner {
		return c.JSON(b)
	}
	return h.sendAuthorized(c, b)
}

func (h *handlers) sendAuthorized(c fiber.Ctx, b bundle.Bundle) error {
	if err := bundle.Authorize(c.Context(), b, requester(c), h.graph(), h.opts.Now()); err != nil {
		return h.fail(c, "meta_get", err)
	}
	return c.JSON(b)
}

// metaPut 只接受所有者本人写入；已有 bundle 的所有者不可更换。
func (h *handlers) metaPut(c fiber.Ctx) error {
	var b bundle.Bundle
	if err := json.Unmarshal(c.Body(), &b); err != nil {
		return badRequest(c, "invalid bundle body")
	}
	if b.ID == uuid.Nil || b.Owner == "" {
		return badRequest(c, "bundle id and owner are required")
	}
	if !b.AccessType.Valid() || !b.ShareType.Valid() {
		return badRequest(c, "invalid access or share type")
	}
	if who := requester(c); who != b.Owner {
		return h.fail(c, "meta_put", fmt.Errorf("%s writing bundle of %s: %w", who, b.Owner, failure.ErrAccessDenied))
	}

	existing, err := h.opts.Meta.GetByID(c.Context(), b.ID)
	switch {
	case err == nil && existing.Owner != b.Owner:
		return h.fail(c, "meta_put", fmt.Errorf("bundle %s owned by %s: %w", b.ID, existing.Owner, failure.ErrAccessDenied))
	case err != nil && !errors.Is(err, failure.ErrNotFound):
		return h.fail(c, "meta_put", err)
	}

	if err := h.opts.Meta.Put(c.Context(), b); err != nil {
		return h.fail(c, "meta_put", err)
	}
	h.opts.Logger.WithFields(logging.BundleFields(b.ID.String(), string(b.Owner))).
		WithFields(logrus.Fields{"action": "meta_put", "request_id": RequestID(c)}).
		Info("bundle stored")
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) metaDelete(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid bundle id")
	}
	existing, err := h.opts.Meta.GetByID(c.Context(), id)
	if err != nil {
		return h.fail(c, "meta_delete", err)
	}
	if who := requester(c); who != existing.Owner {
		return h.fail(c, "meta_delete", fmt.Errorf("%s deleting bundle of %s: %w", who, existing.Owner, failure.ErrAccessDenied))
	}
	if err := h.opts.Meta.Delete(c.Context(), id); err != nil {
		return h.fail(c, "meta_delete", err)
	}
	h.opts.Logger.WithFields(logging.BundleFields(id.String(), string(existing.Owner))).
		WithFields(logrus.Fields{"action": "meta_delete", "request_id": RequestID(c)}).
		Info("bundle deleted")
	return c.SendStatus(fiber.StatusNoContent)
}

// metaOwned 只把所有者自己的列表返回给所有者。
func (h *handlers) metaOwned(c fiber.Ctx) error {
	owner := identity.CanonicalID(c.Params("owner"))
	if who := requester(c); who != owner {
		return h.fail(c, "meta_owned", fmt.Errorf("%s listing bundles of %s: %w", who, owner, failure.ErrAccessDenied))
	}
	owned, err := h.opts.Meta.ListByOwner(c.Context(), owner)
	if err != nil {
		return h.fail(c, "meta_owned", err)
	}
	if owned == nil {
		owned = []bundle.Bundle{}
	}
	return c.JSON(owned)
}

// metaShared 返回请求者可发现的共享 bundle。
func (h *handlers) metaShared(c fiber.Ctx) error {
	shared, err := h.opts.Meta.ListShared(c.Context())
	if err != nil {
		return h.fail(c, "meta_shared", err)
	}
	who, now, graph := requester(c), h.opts.Now(), h.graph()
	visible := []bundle.Bundle{}
	for _, b := range shared {
		if bundle.Discoverable(c.Context(), b, who, graph, now) {
			visible = append(visible, b)
		}
	}
	return c.JSON(visible)
}

func (h *handlers) metaDownloaded(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid bundle id")
	}
	b, err := h.opts.Meta.GetByID(c.Context(), id)
	if err != nil {
		return h.fail(c, "meta_downloads", err)
	}
	if err := bundle.Authorize(c.Context(), b, requester(c), h.graph(), h.opts.Now()); err != nil {
		return h.fail(c, "meta_downloads", err)
	}
	count, err := h.opts.Meta.IncrementDownloads(c.Context(), id)
	if err != nil {
		return h.fail(c, "meta_downloads", err)
	}
	return c.JSON(httpapi.DownloadsResponse{Downloads: count})
}
