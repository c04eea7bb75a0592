// Package transfer schedules blob uploads and downloads against a remote blob
// transport. Jobs pass a forbidden-list check, wait for a parallelism slot,
// stream through an optional byte-rate limit and are retried with backoff on
// transient failure. Downloads only become visible in the content store after
// the full payload has been received and its hash verified.
package transfer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/umbrasys/umbra-sync/internal/cache"
)

// Direction 表示传输方向。
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// State 是单个任务的生命周期状态。
type State string

const (
	StateQueued         State = "queued"
	StateWaitingForSlot State = "waiting_for_slot"
	StateServerAck      State = "server_ack"
	StateInFlight       State = "in_flight"
	StateDecompressing  State = "decompressing"
	StateDone           State = "done"
	StateFailed         State = "failed"
	StateCancelled      State = "cancelled"
	StateForbidden      State = "forbidden"
)

// Terminal 表示状态不会再变化。
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateCancelled, StateForbidden:
		return true
	default:
		return false
	}
}

// Job 是一次单 blob 的上传或下载。
type Job struct {
	ID        uuid.UUID
	Direction Direction
	Hash      cache.Hash
	Peer      string

	transferred atomic.Int64
	total       atomic.Int64
	attempts    atomic.Int32

	mu        sync.Mutex
	state     State
	err       error
	forbidden *ForbiddenEntry

	cancel context.CancelFunc
	done   chan struct{}
}

func newJob(direction Direction, hash cache.Hash, peer string, size int64) *Job {
	job := &Job{
		ID:        uuid.New(),
		Direction: direction,
		Hash:      hash,
		Peer:      peer,
		state:     StateQueued,
		done:      make(chan struct{}),
	}
	if size > 0 {
		job.total.Store(size)
	}
	return job
}

// State 返回当前状态。
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err 返回终态错误，成功时为 nil。
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Forbidden 返回阻止该任务的条目。
func (j *Job) Forbidden() (ForbiddenEntry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.forbidden == nil {
		return ForbiddenEntry{}, false
	}
	return *j.forbidden, true
}

// Progress 返回 (已传输字节, 总字节)，两者都只增不减。
func (j *Job) Progress() (int64, int64) {
	return j.transferred.Load(), j.total.Load()
}

// Attempts 返回已尝试次数。
func (j *Job) Attempts() int {
	return int(j.attempts.Load())
}

// Done 在任务进入终态后关闭。
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait 阻塞到任务结束或 ctx 结束。
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel 协作式取消，正在传输的数据在下一个分块边界停止。
func (j *Job) Cancel() {
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Status 是任务的只读快照。
type Status struct {
	ID          uuid.UUID  `json:"id"`
	Direction   Direction  `json:"direction"`
	Hash        cache.Hash `json:"hash"`
	Peer        string     `json:"peer,omitempty"`
	State       State      `json:"state"`
	Transferred int64      `json:"transferred"`
	Total       int64      `json:"total"`
	Attempts    int        `json:"attempts"`
}

// Status 返回任务快照。
func (j *Job) Status() Status {
	transferred, total := j.Progress()
	return Status{
		ID:          j.ID,
		Direction:   j.Direction,
		Hash:        j.Hash,
		Peer:        j.Peer,
		State:       j.State(),
		Transferred: transferred,
		Total:       total,
		Attempts:    j.Attempts(),
	}
}

func (j *Job) setState(state State) {
	j.mu.Lock()
	if !j.state.Terminal() {
		j.state = state
	}
	j.mu.Unlock()
}

func (j *Job) finish(state State, err error, entry *ForbiddenEntry) {
	j.mu.Lock()
	if !j.state.Terminal() {
		j.state = state
		j.err = err
		j.forbidden = entry
	}
	j.mu.Unlock()
}

// observeTotal 只在总量变大时更新，保证进度单调。
func (j *Job) observeTotal(total int64) {
	raiseTo(&j.total, total)
}

func (j *Job) observeTransferred(transferred int64) {
	raiseTo(&j.transferred, transferred)
	if transferred > j.total.Load() {
		raiseTo(&j.total, transferred)
	}
}

func raiseTo(target *atomic.Int64, value int64) {
	for {
		current := target.Load()
		if value <= current || target.CompareAndSwap(current, value) {
			return
		}
	}
}

// attemptCounter 统计单次尝试的字节数，并把最大值反映到任务进度。
type attemptCounter struct {
	job *Job
	n   int64
}

func (c *attemptCounter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	c.job.observeTransferred(c.n)
	return len(p), nil
}
