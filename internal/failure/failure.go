// Package failure 定义核心层统一的错误分类。内部实现可以自由包装错误，
// 但跨越 UI/HTTP 边界时只暴露 Kind 与可读消息。
package failure

import (
	"context"
	"errors"
)

// Kind 是对外可见的错误类别。
type Kind string

const (
	KindNone              Kind = ""
	KindNotFound          Kind = "not_found"
	KindAccessDenied      Kind = "access_denied"
	KindExpired           Kind = "expired"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindAlreadyInProgress Kind = "already_in_progress"
	KindHashMismatch      Kind = "hash_mismatch"
	KindCorrupt           Kind = "corrupt"
	KindForbidden         Kind = "forbidden"
	KindIncompleteBundle  Kind = "incomplete_bundle"
	KindCancelled         Kind = "cancelled"
	KindInternal          Kind = "internal"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAccessDenied      = errors.New("access denied")
	ErrExpired           = errors.New("expired")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrAlreadyInProgress = errors.New("operation already in progress")
	ErrHashMismatch      = errors.New("hash mismatch")
	ErrCorrupt           = errors.New("corrupt blob")
	ErrForbidden         = errors.New("transfer forbidden")
	ErrIncompleteBundle  = errors.New("incomplete bundle")
	ErrCancelled         = errors.New("cancelled")
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrAccessDenied, KindAccessDenied},
	{ErrExpired, KindExpired},
	{ErrQuotaExceeded, KindQuotaExceeded},
	{ErrAlreadyInProgress, KindAlreadyInProgress},
	{ErrHashMismatch, KindHashMismatch},
	{ErrCorrupt, KindCorrupt},
	{ErrForbidden, KindForbidden},
	{ErrIncompleteBundle, KindIncompleteBundle},
	{ErrCancelled, KindCancelled},
}

// KindOf 将任意错误归类；context 取消同样视为 Cancelled。
// IncompleteBundle 优先于其包装的底层原因。
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrIncompleteBundle) {
		return KindIncompleteBundle
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// Sentinel 返回 Kind 对应的哨兵错误，未知类别返回 nil。
func Sentinel(kind Kind) error {
	for _, k := range kinds {
		if k.kind == kind {
			return k.err
		}
	}
	return nil
}

// Result 是异步命令的终态结果。
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Kind    Kind   `json:"kind,omitempty"`
}

// ResultOf 把 err 映射为 Result；success 为成功时展示的消息。
func ResultOf(err error, success string) Result {
	if err == nil {
		return Result{Success: true, Message: success}
	}
	kind := KindOf(err)
	msg := err.Error()
	if kind == KindInternal {
		msg = "internal error: " + msg
	}
	return Result{Success: false, Message: msg, Kind: kind}
}
