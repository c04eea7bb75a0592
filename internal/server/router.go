package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/failure"
	"github.com/umbrasys/umbra-sync/internal/identity"
	"github.com/umbrasys/umbra-sync/internal/logging"
	"github.com/umbrasys/umbra-sync/internal/registry"
	"github.com/umbrasys/umbra-sync/internal/remote/httpapi"
	"github.com/umbrasys/umbra-sync/internal/transfer"
)

// GraphAdmin 维护关系图，sqlmeta.Store 满足该接口。
type GraphAdmin interface {
	identity.Graph
	Pair(ctx context.Context, a, b identity.CanonicalID) error
	Join(ctx context.Context, group string, uid identity.CanonicalID) error
}

// AppOptions controls how the hub application is assembled.
type AppOptions struct {
	Logger    *logrus.Logger
	Store     cache.Store
	Meta      registry.MetaStore
	Graph     GraphAdmin
	Forbidden *transfer.ForbiddenList
	// BodyLimit 是单次上传的最大字节数。
	BodyLimit  int
	ListenPort int
	// CompactUploads 让上传的 blob 以压缩形式落盘（UseCompactor）。
	CompactUploads bool
	Now            func() time.Time
}

const contextKeyRequestID = "_umbra_request_id"

const defaultBodyLimit = 256 << 20

// NewApp builds the hub Fiber application with request-id, recovery and
// logging middleware, and registers the blob, metadata and graph routes.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Store == nil {
		return nil, errors.New("content store is required")
	}
	if opts.Meta == nil {
		return nil, errors.New("meta store is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}
	if opts.Forbidden == nil {
		opts.Forbidden = transfer.NewForbiddenList()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = defaultBodyLimit
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		UnescapePath:  true,
		BodyLimit:     opts.BodyLimit,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	h := &handlers{opts: opts}
	h.registerBlobs(app)
	h.registerMeta(app)
	h.registerGraph(app)
	return app, nil
}

// requestContextMiddleware 负责生成请求 ID 并在请求结束后记录一行日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		started := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
		entry := logger.WithFields(logging.RequestFields(reqID, c.Method(), c.Path(), status)).
			WithField("elapsed_ms", time.Since(started).Milliseconds())
		if requester := c.Get(httpapi.IdentityHeader); requester != "" {
			entry = entry.WithField("requester", requester)
		}
		if err != nil || status >= fiber.StatusInternalServerError {
			entry.WithError(err).Warn("request failed")
		} else {
			entry.Debug("request served")
		}
		return err
	}
}

// errorHandler 把未处理的错误渲染成统一的 ErrorBody。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(httpapi.ErrorBody{Error: kindForFiberStatus(fe.Code), Message: fe.Message})
		}
		logger.WithError(err).WithField("action", "request_error").Error("unhandled error")
		return c.Status(fiber.StatusInternalServerError).JSON(httpapi.ErrorBody{Error: failure.KindInternal, Message: "internal error"})
	}
}

func kindForFiberStatus(code int) failure.Kind {
	switch code {
	case fiber.StatusNotFound:
		return failure.KindNotFound
	case fiber.StatusRequestEntityTooLarge:
		return failure.KindQuotaExceeded
	}
	return failure.KindInternal
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// requester 返回请求头中的身份，可能为空。
func requester(c fiber.Ctx) identity.CanonicalID {
	return identity.CanonicalID(c.Get(httpapi.IdentityHeader))
}

// fail 以错误类别对应的状态码回应，内部错误只记日志不外泄。
func (h *handlers) fail(c fiber.Ctx, action string, err error) error {
	kind := failure.KindOf(err)
	body := httpapi.ErrorBody{Error: kind, Message: err.Error()}
	var forbidden *transfer.ForbiddenError
	if errors.As(err, &forbidden) {
		body.Reason = forbidden.Reason
		body.BlockedBy = forbidden.BlockedBy
	}
	if kind == failure.KindInternal {
		h.opts.Logger.WithFields(logrus.Fields{
			"action":     action,
			"request_id": RequestID(c),
		}).WithError(err).Error("request failed")
		body.Message = "internal error"
	}
	return c.Status(httpapi.StatusFor(kind)).JSON(body)
}

func badRequest(c fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(httpapi.ErrorBody{Error: "bad_request", Message: message})
}

type handlers struct {
	opts AppOptions
}

// graph 返回只读关系图；未配置时返回 nil 接口而非带类型的 nil。
func (h *handlers) graph() identity.Graph {
	if h.opts.Graph == nil {
		return nil
	}
	return h.opts.Graph
}
