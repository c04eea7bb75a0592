package transfer

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/umbrasys/umbra-sync/internal/failure"
)

const chunkSize = 32 * 1024

// newByteLimiter 构建字节速率令牌桶，bytesPerSecond<=0 表示不限速。
func newByteLimiter(bytesPerSecond int64) *rate.Limiter {
	limiter := rate.NewLimiter(rate.Inf, chunkSize)
	applyByteLimit(limiter, bytesPerSecond)
	return limiter
}

func applyByteLimit(limiter *rate.Limiter, bytesPerSecond int64) {
	if bytesPerSecond <= 0 {
		limiter.SetLimit(rate.Inf)
		return
	}
	// 突发容量至少容纳一个分块，否则 WaitN 会直接报错
	limiter.SetBurst(int(max(bytesPerSecond, chunkSize)))
	limiter.SetLimit(rate.Limit(bytesPerSecond))
}

// limitedReader 按分块读取，每个分块先从令牌桶取令牌。
type limitedReader struct {
	ctx     context.Context
	src     io.Reader
	limiter *rate.Limiter
}

func (r *limitedReader) Read(p []byte) (int, error) {
	if len(p) > chunkSize {
		p = p[:chunkSize]
	}
	n, err := r.src.Read(p)
	if n > 0 {
		if waitErr := r.limiter.WaitN(r.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

// PairLimiter 限制同时进行的 "应用某 peer 数据" 操作：全局最多 N 个，每个 peer 最多一个。
type PairLimiter struct {
	enabled bool
	global  *semaphore.Weighted

	mu    sync.Mutex
	peers map[string]*peerSlot
}

type peerSlot struct {
	sem  *semaphore.Weighted
	refs int
}

// NewPairLimiter 创建限制器，enabled=false 时 Acquire 立即返回。
func NewPairLimiter(enabled bool, maxConcurrent int) *PairLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &PairLimiter{
		enabled: enabled,
		global:  semaphore.NewWeighted(int64(maxConcurrent)),
		peers:   make(map[string]*peerSlot),
	}
}

// Acquire 先占用 peer 槽位再占用全局槽位，返回的函数负责释放。
func (l *PairLimiter) Acquire(ctx context.Context, peer string) (func(), error) {
	if l == nil || !l.enabled {
		return func() {}, nil
	}

	slot := l.slot(peer)
	if err := slot.sem.Acquire(ctx, 1); err != nil {
		l.unref(peer)
		return nil, fmt.Errorf("wait for peer %s: %w", peer, failure.ErrCancelled)
	}
	if err := l.global.Acquire(ctx, 1); err != nil {
		slot.sem.Release(1)
		l.unref(peer)
		return nil, fmt.Errorf("wait for pair slot: %w", failure.ErrCancelled)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.global.Release(1)
			slot.sem.Release(1)
			l.unref(peer)
		})
	}, nil
}

func (l *PairLimiter) slot(peer string) *peerSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot := l.peers[peer]
	if slot == nil {
		slot = &peerSlot{sem: semaphore.NewWeighted(1)}
		l.peers[peer] = slot
	}
	slot.refs++
	return slot
}

func (l *PairLimiter) unref(peer string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot := l.peers[peer]
	if slot == nil {
		return
	}
	slot.refs--
	if slot.refs <= 0 {
		delete(l.peers, peer)
	}
}
