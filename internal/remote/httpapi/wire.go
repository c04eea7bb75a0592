// Package httpapi is the HTTP client for the sync hub. One Client serves as
// the blob transport, the bundle metadata store and the relationship graph;
// the wire types in this file are shared with internal/server.
package httpapi

import (
	"net/http"

	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/failure"
	"github.com/umbrasys/umbra-sync/internal/identity"
)

const (
	// IdentityHeader 携带请求者的 CanonicalID，服务端据此授权。
	IdentityHeader = "X-Umbra-Identity"
	// SizeHeader 携带上传 blob 的原始字节数。
	SizeHeader = "X-Umbra-Size"
	// ContentTypeZstd 是 blob 线上表示的媒体类型。
	ContentTypeZstd = "application/zstd"
)

// MissingRequest 是 POST /blobs/missing 的请求体。
type MissingRequest struct {
	Hashes []cache.Hash `json:"hashes"`
}

// MissingResponse 是 POST /blobs/missing 的响应体。
type MissingResponse struct {
	Missing []cache.Hash `json:"missing"`
}

// ErrorBody 是所有非 2xx 响应的统一格式。
type ErrorBody struct {
	Error     failure.Kind `json:"error"`
	Message   string       `json:"message,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	BlockedBy string       `json:"blocked_by,omitempty"`
}

// DownloadsResponse 是 POST /meta/:id/downloads 的响应体。
type DownloadsResponse struct {
	Downloads int64 `json:"downloads"`
}

// BoolResponse 承载关系查询结果。
type BoolResponse struct {
	Result bool `json:"result"`
}

// GroupsResponse 是 GET /graph/groups/:uid 的响应体。
type GroupsResponse struct {
	Groups []string `json:"groups"`
}

// PairRequest 声明两名用户直接配对。
type PairRequest struct {
	A identity.CanonicalID `json:"a"`
	B identity.CanonicalID `json:"b"`
}

// MemberRequest 把用户加入组。
type MemberRequest struct {
	UID identity.CanonicalID `json:"uid"`
}

// StatusFor 返回错误类别对应的 HTTP 状态码。
func StatusFor(kind failure.Kind) int {
	switch kind {
	case failure.KindNotFound:
		return http.StatusNotFound
	case failure.KindAccessDenied:
		return http.StatusForbidden
	case failure.KindExpired:
		return http.StatusGone
	case failure.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case failure.KindAlreadyInProgress:
		return http.StatusConflict
	case failure.KindHashMismatch, failure.KindCorrupt:
		return http.StatusUnprocessableEntity
	case failure.KindForbidden:
		return http.StatusUnavailableForLegalReasons
	case failure.KindIncompleteBundle:
		return http.StatusFailedDependency
	case failure.KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
