package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/gofiber/fiber/v3"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/failure"
	"github.com/umbrasys/umbra-sync/internal/logging"
	"github.com/umbrasys/umbra-sync/internal/remote/httpapi"
	"github.com/umbrasys/umbra-sync/internal/transfer"
)

// 单次 missing 查询的哈希数量上限。
const maxMissingBatch = 4096

func (h *handlers) registerBlobs(app *fiber.App) {
	app.Post("/blobs/missing", h.blobsMissing)
	app.Put("/blobs/:hash", h.blobUpload)
	app.Get("/blobs/:hash", h.blobDownload)
}

func (h *handlers) blobsMissing(c fiber.Ctx) error {
	var req httpapi.MissingRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return badRequest(c, "invalid missing request")
	}
	if len(req.Hashes) > maxMissingBatch {
		return badRequest(c, fmt.Sprintf("at most %d hashes per request", maxMissingBatch))
	}
	resp := httpapi.MissingResponse{Missing: []cache.Hash{}}
	for _, raw := range req.Hashes {
		hash, err := cache.ParseHash(string(raw))
		if err != nil {
			return badRequest(c, err.Error())
		}
		if !h.opts.Store.Has(hash) {
			resp.Missing = append(resp.Missing, hash)
		}
	}
	return c.JSON(resp)
}

// blobUpload 解码 zstd 请求体并交给 store 校验哈希；禁止列表中的哈希返回 451。
func (h *handlers) blobUpload(c fiber.Ctx) error {
	hash, err := cache.ParseHash(c.Params("hash"))
	if err != nil {
		return badRequest(c, err.Error())
	}
	if entry, blocked := h.opts.Forbidden.Lookup(hash); blocked {
		return h.fail(c, "blob_upload", &transfer.ForbiddenError{Hash: hash, Reason: entry.Reason, BlockedBy: entry.BlockedBy})
	}
	if h.opts.Store.Has(hash) {
		return c.SendStatus(fiber.StatusOK)
	}

	decoder, err := zstd.NewReader(bytes.NewReader(c.Body()))
	if err != nil {
		return h.fail(c, "blob_upload", fmt.Errorf("decode %s: %w", hash, failure.ErrCorrupt))
	}
	defer decoder.Close()

	blob, err := h.opts.Store.Put(c.Context(), hash, decoder, cache.PutOptions{Compact: h.opts.CompactUploads})
	if err != nil {
		if errors.Is(err, failure.ErrHashMismatch) {
			h.opts.Logger.WithFields(logging.BlobFields(string(hash), 0)).
				WithFields(logrus.Fields{"action": "blob_upload", "request_id": RequestID(c)}).
				Warn("upload rejected: hash mismatch")
		}
		return h.fail(c, "blob_upload", err)
	}
	h.opts.Logger.WithFields(logging.BlobFields(string(hash), blob.Size)).
		WithFields(logrus.Fields{"action": "blob_upload", "request_id": RequestID(c)}).
		Info("blob stored")
	return c.SendStatus(fiber.StatusCreated)
}

// blobDownload 以 zstd 流返回 blob 正文。
func (h *handlers) blobDownload(c fiber.Ctx) error {
	hash, err := cache.ParseHash(c.Params("hash"))
	if err != nil {
		return badRequest(c, err.Error())
	}
	if entry, blocked := h.opts.Forbidden.Lookup(hash); blocked {
		return h.fail(c, "blob_download", &transfer.ForbiddenError{Hash: hash, Reason: entry.Reason, BlockedBy: entry.BlockedBy})
	}
	reader, _, err := h.opts.Store.Open(hash)
	if err != nil {
		return h.fail(c, "blob_download", err)
	}
	defer reader.Close()

	var encoded bytes.Buffer
	encoder, err := zstd.NewWriter(&encoded)
	if err != nil {
		return h.fail(c, "blob_download", err)
	}
	if _, err := cache.CopyWithContext(c.Context(), encoder, reader); err != nil {
		encoder.Close()
		return h.fail(c, "blob_download", err)
	}
	if err := encoder.Close(); err != nil {
		return h.fail(c, "blob_download", err)
	}

	c.Set(fiber.HeaderContentType, httpapi.ContentTypeZstd)
	c.Status(fiber.StatusOK)
	_, err = io.Copy(c.Response().BodyWriter(), &encoded)
	return err
}
