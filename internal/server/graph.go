package server

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/umbrasys/umbra-sync/internal/failure"
	"github.com/umbrasys/umbra-sync/internal/identity"
	"github.com/umbrasys/umbra-sync/internal/remote/httpapi"
)

var errNoGraph = errors.New("relationship graph not configured")

func (h *handlers) registerGraph(app *fiber.App) {
	app.Get("/graph/direct", h.graphDirect)
	app.Get("/graph/shared-group", h.graphSharedGroup)
	app.Get("/graph/groups/:uid", h.graphGroups)
	app.Post("/graph/pairs", h.graphPair)
	app.Post("/graph/groups/:group/members", h.graphJoin)
}

// relationPair 读取 ?a=&b= 两个身份。
func relationPair(c fiber.Ctx) (identity.CanonicalID, identity.CanonicalID, bool) {
	a := strings.TrimSpace(c.Query("a"))
	b := strings.TrimSpace(c.Query("b"))
	return identity.CanonicalID(a), identity.CanonicalID(b), a != "" && b != ""
}

func (h *handlers) graphDirect(c fiber.Ctx) error {
	if h.opts.Graph == nil {
		return h.noGraph(c)
	}
	a, b, ok := relationPair(c)
	if !ok {
		return badRequest(c, "a and b are required")
	}
	result, err := h.opts.Graph.DirectlyPaired(c.Context(), a, b)
	if err != nil {
		return h.fail(c, "graph_direct", err)
	}
	return c.JSON(httpapi.BoolResponse{Result: result})
}

func (h *handlers) graphSharedGroup(c fiber.Ctx) error {
	if h.opts.Graph == nil {
		return h.noGraph(c)
	}
	a, b, ok := relationPair(c)
	if !ok {
		return badRequest(c, "a and b are required")
	}
	result, err := h.opts.Graph.SharesGroup(c.Context(), a, b)
	if err != nil {
		return h.fail(c, "graph_shared_group", err)
	}
	return c.JSON(httpapi.BoolResponse{Result: result})
}

func (h *handlers) graphGroups(c fiber.Ctx) error {
	if h.opts.Graph == nil {
		return h.noGraph(c)
	}
	groups, err := h.opts.Graph.Groups(c.Context(), identity.CanonicalID(c.Params("uid")))
	if err != nil {
		return h.fail(c, "graph_groups", err)
	}
	if groups == nil {
		groups = []string{}
	}
	return c.JSON(httpapi.GroupsResponse{Groups: groups})
}

// graphPair 建立双向配对，请求者必须是其中一方。
func (h *handlers) graphPair(c fiber.Ctx) error {
	if h.opts.Graph == nil {
		return h.noGraph(c)
	}
	var req httpapi.PairRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil || req.A == "" || req.B == "" || req.A == req.B {
		return badRequest(c, "two distinct identities are required")
	}
	if who := requester(c); who != req.A && who != req.B {
		return c.Status(fiber.StatusForbidden).JSON(httpapi.ErrorBody{Error: failure.KindAccessDenied, Message: "requester must be part of the pair"})
	}
	if err := h.opts.Graph.Pair(c.Context(), req.A, req.B); err != nil {
		return h.fail(c, "graph_pair", err)
	}
	h.opts.Logger.WithFields(logrus.Fields{
		"action":     "graph_pair",
		"request_id": RequestID(c),
		"a":          req.A,
		"b":          req.B,
	}).Info("identities paired")
	return c.SendStatus(fiber.StatusNoContent)
}

// graphJoin 把请求者本人加入分组。
func (h *handlers) graphJoin(c fiber.Ctx) error {
	if h.opts.Graph == nil {
		return h.noGraph(c)
	}
	group := strings.TrimSpace(c.Params("group"))
	var req httpapi.MemberRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil || req.UID == "" || group == "" {
		return badRequest(c, "group and uid are required")
	}
	if requester(c) != req.UID {
		return c.Status(fiber.StatusForbidden).JSON(httpapi.ErrorBody{Error: failure.KindAccessDenied, Message: "members can only add themselves"})
	}
	if err := h.opts.Graph.Join(c.Context(), group, req.UID); err != nil {
		return h.fail(c, "graph_join", err)
	}
	h.opts.Logger.WithFields(logrus.Fields{
		"action":     "graph_join",
		"request_id": RequestID(c),
		"group":      group,
		"uid":        req.UID,
	}).Info("group member added")
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) noGraph(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotImplemented).JSON(httpapi.ErrorBody{Error: "not_implemented", Message: errNoGraph.Error()})
}
