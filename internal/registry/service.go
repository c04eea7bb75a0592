package registry

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/umbrasys/umbra-sync/internal/archive"
	"github.com/umbrasys/umbra-sync/internal/bundle"
	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/failure"
)

// Status 是面向 UI 的只读状态。
type Status struct {
	IsBusy       bool            `json:"is_busy"`
	LastError    string          `json:"last_error,omitempty"`
	LastSuccess  string          `json:"last_success,omitempty"`
	OwnShares    []bundle.Bundle `json:"own_shares"`
	SharedShares []bundle.Bundle `json:"shared_shares"`
}

// Pending 是异步命令的句柄，结束后给出终态 Result。
type Pending[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	value  T
	result failure.Result
}

// Done 在命令结束后关闭。
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Cancel 请求取消命令。
func (p *Pending[T]) Cancel() {
	p.cancel()
}

// Wait 等待命令结束并返回结果。
func (p *Pending[T]) Wait(ctx context.Context) (T, failure.Result) {
	select {
	case <-p.done:
		return p.value, p.result
	case <-ctx.Done():
		var zero T
		return zero, failure.ResultOf(ctx.Err(), "")
	}
}

// Result 返回终态结果，命令未结束时 Kind 为空。
func (p *Pending[T]) Result() failure.Result {
	select {
	case <-p.done:
		return p.result
	default:
		return failure.Result{}
	}
}

// Service 在 Registry 之上提供异步命令和可观察状态，UI 不会收到原始错误。
type Service struct {
	reg    *Registry
	logger *logrus.Logger

	busy atomic.Int32
	wg   sync.WaitGroup

	mu     sync.RWMutex
	status Status
}

// NewService 创建服务。
func NewService(reg *Registry, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Service{reg: reg, logger: logger}
}

// Registry 返回底层 Registry。
func (s *Service) Registry() *Registry {
	return s.reg
}

// Status 返回当前状态快照。
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.status
	out.IsBusy = s.busy.Load() > 0
	out.OwnShares = append([]bundle.Bundle(nil), s.status.OwnShares...)
	out.SharedShares = append([]bundle.Bundle(nil), s.status.SharedShares...)
	return out
}

// Wait 等待所有异步命令结束。
func (s *Service) Wait() {
	s.wg.Wait()
}

// RefreshAsync 重新加载自己的与共享给自己的 bundle 列表。
func (s *Service) RefreshAsync(ctx context.Context) *Pending[struct{}] {
	return start(s, ctx, "refresh", "shares refreshed", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.refresh(ctx)
	})
}

// CreateShareAsync 创建新的 bundle。
func (s *Service) CreateShareAsync(ctx context.Context) *Pending[bundle.Bundle] {
	return start(s, ctx, "create", "share created", func(ctx context.Context) (bundle.Bundle, error) {
		b, err := s.reg.Create(ctx, s.reg.Identity())
		if err == nil {
			s.refreshQuietly(ctx)
		}
		return b, err
	})
}

// PublishAsync 发布编辑会话。
func (s *Service) PublishAsync(ctx context.Context, cs *bundle.ChangeSet) *Pending[bundle.Bundle] {
	return start(s, ctx, "publish", "share published", func(ctx context.Context) (bundle.Bundle, error) {
		b, err := s.reg.Publish(ctx, cs)
		if err == nil {
			s.refreshQuietly(ctx)
		}
		return b, err
	})
}

// UpdateVisibilityAsync 更新描述与允许列表。
func (s *Service) UpdateVisibilityAsync(ctx context.Context, id uuid.UUID, v Visibility) *Pending[bundle.Bundle] {
	return start(s, ctx, "update_visibility", "visibility updated", func(ctx context.Context) (bundle.Bundle, error) {
		b, err := s.reg.UpdateVisibility(ctx, id, v)
		if err == nil {
			s.refreshQuietly(ctx)
		}
		return b, err
	})
}

// DeleteAsync 删除自己的 bundle。
func (s *Service) DeleteAsync(ctx context.Context, id uuid.UUID) *Pending[struct{}] {
	return start(s, ctx, "delete", "share deleted", func(ctx context.Context) (struct{}, error) {
		err := s.reg.Delete(ctx, id, s.reg.Identity())
		if err == nil {
			s.refreshQuietly(ctx)
		}
		return struct{}{}, err
	})
}

// ApplyShareAsync 解析 code 并应用到 target。
func (s *Service) ApplyShareAsync(ctx context.Context, code, target string) *Pending[ApplyReport] {
	return start(s, ctx, "apply", "share applied", func(ctx context.Context) (ApplyReport, error) {
		b, err := s.reg.Resolve(ctx, code, s.reg.Identity())
		if err != nil {
			return ApplyReport{}, err
		}
		return s.reg.Apply(ctx, b, target)
	})
}

// ApplyBundleAsync 应用已经取得的 bundle，例如导入的文件。
func (s *Service) ApplyBundleAsync(ctx context.Context, b bundle.Bundle, target string) *Pending[ApplyReport] {
	return start(s, ctx, "apply", "share applied", func(ctx context.Context) (ApplyReport, error) {
		return s.reg.Apply(ctx, b, target)
	})
}

// ExportShareAsync 把 bundle 与其引用的 blob 导出为单个文件。
func (s *Service) ExportShareAsync(ctx context.Context, id uuid.UUID, filePath string) *Pending[archive.Summary] {
	return start(s, ctx, "export", fmt.Sprintf("share exported to %s", filePath), func(ctx context.Context) (archive.Summary, error) {
		b, err := s.reg.Get(ctx, id)
		if err != nil {
			return archive.Summary{}, err
		}
		return archive.WriteFile(ctx, filePath, b, s.reg.store)
	})
}

// ImportShareAsync 从导出文件恢复 bundle 与 blob，不访问网络。
func (s *Service) ImportShareAsync(ctx context.Context, filePath string) *Pending[bundle.Bundle] {
	return start(s, ctx, "import", "share imported", func(ctx context.Context) (bundle.Bundle, error) {
		b, _, err := archive.ReadFile(ctx, filePath, s.reg.store, cache.PutOptions{Compact: s.reg.compact})
		return b, err
	})
}

func (s *Service) refresh(ctx context.Context) error {
	own, err := s.reg.OwnBundles(ctx)
	if err != nil {
		return err
	}
	shared, err := s.reg.SharedBundles(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.status.OwnShares = own
	s.status.SharedShares = shared
	s.mu.Unlock()
	return nil
}

func (s *Service) refreshQuietly(ctx context.Context) {
	if err := s.refresh(ctx); err != nil {
		s.logger.WithError(err).WithField("action", "refresh").Warn("refresh after command failed")
	}
}

func (s *Service) record(action string, result failure.Result) {
	s.mu.Lock()
	if result.Success {
		s.status.LastSuccess = result.Message
		s.status.LastError = ""
	} else {
		s.status.LastError = result.Message
	}
	s.mu.Unlock()

	entry := s.logger.WithFields(logrus.Fields{
		"action": action,
		"kind":   result.Kind,
	})
	if result.Success {
		entry.Debug(result.Message)
	} else {
		entry.Warn(result.Message)
	}
}

func start[T any](s *Service, parent context.Context, action, success string, fn func(context.Context) (T, error)) *Pending[T] {
	ctx, cancel := context.WithCancel(parent)
	p := &Pending[T]{done: make(chan struct{}), cancel: cancel}

	s.busy.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		value, err := fn(ctx)
		p.value = value
		p.result = failure.ResultOf(err, success)
		s.record(action, p.result)
		s.busy.Add(-1)
		close(p.done)
	}()
	return p
}
