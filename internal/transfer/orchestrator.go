package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/failure"
	"github.com/umbrasys/umbra-sync/internal/logging"
)

// Remote 是按内容哈希寻址的远端 blob 传输。线上表示为 zstd 流。
type Remote interface {
	// Missing 返回 hashes 中远端尚不存在的部分。
	Missing(ctx context.Context, hashes []cache.Hash) ([]cache.Hash, error)
	// Upload 写入 zstd 编码后的 body，size 为原始字节数。
	Upload(ctx context.Context, hash cache.Hash, body io.Reader, size int64) error
	// Download 返回 zstd 编码流及其长度（未知时为 -1）。
	Download(ctx context.Context, hash cache.Hash) (io.ReadCloser, int64, error)
}

// Pinner 防止传输中的 blob 被淘汰。由 governor.Governor 实现。
type Pinner interface {
	Pin(hash cache.Hash) func()
}

// Options 控制并发、限速与重试。
type Options struct {
	ParallelDownloads  int
	ParallelUploads    int
	DownloadSpeedLimit int64
	MaxRetries         int
	InitialBackoff     time.Duration
	// AttemptTimeout 约束单次尝试，0 表示不限制。
	AttemptTimeout time.Duration
	// CompactDownloads 为 true 时下载的 blob 以压缩形式落盘。
	CompactDownloads bool
	// StagingDir 存放尚未校验的下载数据，默认系统临时目录。
	StagingDir string
	Forbidden  *ForbiddenList
	Pinner     Pinner
	Logger     *logrus.Logger
}

// Request 描述一次入队请求。
type Request struct {
	Direction Direction
	Hash      cache.Hash
	Peer      string
	// Size 为预估的字节数，可为 0。
	Size  int64
	Batch *Batch
}

// ForbiddenTransfer 记录一次因策略被拒绝的任务。
type ForbiddenTransfer struct {
	JobID     uuid.UUID      `json:"job_id"`
	Direction Direction      `json:"direction"`
	Peer      string         `json:"peer,omitempty"`
	Entry     ForbiddenEntry `json:"entry"`
}

// Orchestrator 调度传输任务。
type Orchestrator struct {
	store     cache.Store
	remote    Remote
	forbidden *ForbiddenList
	pinner    Pinner
	logger    *logrus.Logger

	downloads atomic.Pointer[semaphore.Weighted]
	uploads   *semaphore.Weighted
	limiter   *rate.Limiter

	maxRetries     int
	initialBackoff time.Duration
	attemptTimeout time.Duration
	compact        bool
	staging        string

	mu       sync.Mutex
	jobs     map[uuid.UUID]*Job
	rejected []ForbiddenTransfer

	wg sync.WaitGroup
}

// New 创建调度器。
func New(store cache.Store, remote Remote, opts Options) (*Orchestrator, error) {
	if store == nil || remote == nil {
		return nil, errors.New("store and remote are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	forbidden := opts.Forbidden
	if forbidden == nil {
		forbidden = NewForbiddenList()
	}
	uploads := opts.ParallelUploads
	if uploads <= 0 {
		uploads = 3
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	staging := opts.StagingDir
	if staging == "" {
		staging = os.TempDir()
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	o := &Orchestrator{
		store:          store,
		remote:         remote,
		forbidden:      forbidden,
		pinner:         opts.Pinner,
		logger:         logger,
		uploads:        semaphore.NewWeighted(int64(uploads)),
		limiter:        newByteLimiter(opts.DownloadSpeedLimit),
		maxRetries:     retries,
		initialBackoff: initial,
		attemptTimeout: opts.AttemptTimeout,
		compact:        opts.CompactDownloads,
		staging:        staging,
		jobs:           make(map[uuid.UUID]*Job),
	}
	o.SetParallelDownloads(opts.ParallelDownloads)
	return o, nil
}

// SetParallelDownloads 调整下载并发上限，对之后进入等待的任务生效。
func (o *Orchestrator) SetParallelDownloads(n int) {
	if n <= 0 {
		n = 10
	}
	o.downloads.Store(semaphore.NewWeighted(int64(n)))
}

// SetDownloadSpeedLimit 调整下载字节速率，0 表示不限速。
func (o *Orchestrator) SetDownloadSpeedLimit(bytesPerSecond int64) {
	applyByteLimit(o.limiter, bytesPerSecond)
}

// Forbidden 返回禁止列表。
func (o *Orchestrator) Forbidden() *ForbiddenList {
	return o.forbidden
}

// ForbiddenTransfers 返回被拒绝任务的记录。
func (o *Orchestrator) ForbiddenTransfers() []ForbiddenTransfer {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ForbiddenTransfer, len(o.rejected))
	copy(out, o.rejected)
	return out
}

// Snapshot 返回仍在进行的任务。
func (o *Orchestrator) Snapshot() []Status {
	o.mu.Lock()
	statuses := make([]Status, 0, len(o.jobs))
	for _, job := range o.jobs {
		statuses = append(statuses, job.Status())
	}
	o.mu.Unlock()
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ID.String() < statuses[j].ID.String()
	})
	return statuses
}

// Enqueue 创建任务并立刻开始调度。ctx 取消会取消该任务。
func (o *Orchestrator) Enqueue(ctx context.Context, req Request) *Job {
	job := newJob(req.Direction, req.Hash, req.Peer, req.Size)
	jobCtx, cancel := context.WithCancel(ctx)
	job.mu.Lock()
	job.cancel = cancel
	job.mu.Unlock()
	if req.Batch != nil {
		req.Batch.Add(job)
	}

	o.mu.Lock()
	o.jobs[job.ID] = job
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(jobCtx, cancel, job)
	return job
}

// Cancel 取消任务。
func (o *Orchestrator) Cancel(job *Job) {
	if job != nil {
		job.Cancel()
	}
}

// Wait 等待所有已入队任务结束。
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, job *Job) {
	defer o.wg.Done()
	defer cancel()
	defer close(job.done)
	defer o.forget(job)

	fields := logging.JobFields(job.ID.String(), string(job.Direction), string(job.Hash), job.Peer)

	if entry, blocked := o.forbidden.Lookup(job.Hash); blocked {
		o.reject(job, entry)
		o.logger.WithFields(fields).WithFields(logrus.Fields{
			"action":     "transfer_forbidden",
			"reason":     entry.Reason,
			"blocked_by": entry.BlockedBy,
		}).Warn("transfer blocked by policy")
		return
	}

	if o.pinner != nil {
		release := o.pinner.Pin(job.Hash)
		defer release()
	}

	if job.Direction == DirectionDownload && o.store.Has(job.Hash) {
		job.finish(StateDone, nil, nil)
		return
	}

	job.setState(StateWaitingForSlot)
	sem := o.uploads
	if job.Direction == DirectionDownload {
		sem = o.downloads.Load()
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		job.finish(StateCancelled, fmt.Errorf("job %s: %w", job.ID, failure.ErrCancelled), nil)
		return
	}
	defer sem.Release(1)
	job.setState(StateQueued)

	err := o.retry(ctx, job, fields)
	switch {
	case err == nil:
		job.finish(StateDone, nil, nil)
		o.logger.WithFields(fields).WithField("action", "transfer_done").Debug("transfer completed")
	case errors.Is(err, failure.ErrForbidden):
		entry := ForbiddenEntry{Hash: job.Hash, Reason: err.Error(), BlockedBy: "remote"}
		var refusal *ForbiddenError
		if errors.As(err, &refusal) {
			entry.Reason = refusal.Reason
			entry.BlockedBy = refusal.BlockedBy
		}
		o.forbidden.Add(entry)
		stored, _ := o.forbidden.Lookup(job.Hash)
		o.reject(job, stored)
		o.logger.WithFields(fields).WithFields(logrus.Fields{
			"action":     "transfer_forbidden",
			"reason":     stored.Reason,
			"blocked_by": stored.BlockedBy,
		}).Warn("remote refused transfer")
	case ctx.Err() != nil:
		job.finish(StateCancelled, fmt.Errorf("job %s: %w", job.ID, failure.ErrCancelled), nil)
	default:
		job.finish(StateFailed, err, nil)
		o.logger.WithFields(fields).WithFields(logrus.Fields{
			"action":   "transfer_failed",
			"attempts": job.Attempts(),
		}).WithError(err).Warn("transfer failed")
	}
}

func (o *Orchestrator) retry(ctx context.Context, job *Job, fields logrus.Fields) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.initialBackoff

	operation := func() (struct{}, error) {
		job.attempts.Add(1)
		err := o.attempt(ctx, job)
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil || errors.Is(err, failure.ErrForbidden) || errors.Is(err, failure.ErrNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}
		// 瞬时失败，等待退避后重新排队
		job.setState(StateQueued)
		return struct{}{}, err
	}
	notify := func(err error, wait time.Duration) {
		o.logger.WithFields(fields).WithFields(logrus.Fields{
			"action":  "transfer_retry",
			"attempt": job.Attempts(),
			"wait":    wait.String(),
		}).WithError(err).Info("transfer attempt failed, retrying")
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(o.maxRetries+1)),
		backoff.WithNotify(notify),
	)
	return err
}

func (o *Orchestrator) attempt(ctx context.Context, job *Job) error {
	if o.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.attemptTimeout)
		defer cancel()
	}
	if job.Direction == DirectionUpload {
		return o.upload(ctx, job)
	}
	return o.download(ctx, job)
}

// download 先把线上数据完整写入暂存文件，再解压并交给 store 校验哈希。
func (o *Orchestrator) download(ctx context.Context, job *Job) error {
	body, size, err := o.remote.Download(ctx, job.Hash)
	if err != nil {
		return err
	}
	defer body.Close()
	job.setState(StateServerAck)
	if size > 0 {
		job.observeTotal(size)
	}

	staging, err := os.CreateTemp(o.staging, "download-*")
	if err != nil {
		return err
	}
	defer os.Remove(staging.Name())
	defer staging.Close()

	job.setState(StateInFlight)
	source := &limitedReader{ctx: ctx, src: body, limiter: o.limiter}
	counter := &attemptCounter{job: job}
	if _, err := cache.CopyWithContext(ctx, io.MultiWriter(staging, counter), source); err != nil {
		return err
	}
	if _, err := staging.Seek(0, io.SeekStart); err != nil {
		return err
	}

	job.setState(StateDecompressing)
	decoder, err := zstd.NewReader(staging)
	if err != nil {
		return fmt.Errorf("decode %s: %w", job.Hash, failure.ErrCorrupt)
	}
	defer decoder.Close()
	if _, err := o.store.Put(ctx, job.Hash, decoder, cache.PutOptions{Compact: o.compact}); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) upload(ctx context.Context, job *Job) error {
	missing, err := o.remote.Missing(ctx, []cache.Hash{job.Hash})
	if err != nil {
		return err
	}
	job.setState(StateServerAck)
	if len(missing) == 0 {
		return nil
	}

	reader, blob, err := o.store.Open(job.Hash)
	if err != nil {
		return err
	}
	defer reader.Close()
	job.observeTotal(blob.Size)
	job.setState(StateInFlight)

	pr, pw := io.Pipe()
	encoded := make(chan struct{})
	go func() {
		defer close(encoded)
		encoder, err := zstd.NewWriter(pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		counter := &attemptCounter{job: job}
		_, err = cache.CopyWithContext(ctx, encoder, io.TeeReader(reader, counter))
		if closeErr := encoder.Close(); err == nil {
			err = closeErr
		}
		pw.CloseWithError(err)
	}()

	err = o.remote.Upload(ctx, job.Hash, pr, blob.Size)
	if err != nil {
		pr.CloseWithError(err)
	} else {
		pr.Close()
	}
	<-encoded
	return err
}

func (o *Orchestrator) reject(job *Job, entry ForbiddenEntry) {
	job.finish(StateForbidden, fmt.Errorf("%s: %s: %w", job.Hash, entry.Reason, failure.ErrForbidden), &entry)
	o.mu.Lock()
	o.rejected = append(o.rejected, ForbiddenTransfer{
		JobID:     job.ID,
		Direction: job.Direction,
		Peer:      job.Peer,
		Entry:     entry,
	})
	o.mu.Unlock()
}

func (o *Orchestrator) forget(job *Job) {
	o.mu.Lock()
	delete(o.jobs, job.ID)
	o.mu.Unlock()
}
