package transfer

import (
	"context"
	"sync"

	"github.com/umbrasys/umbra-sync/internal/failure"
)

// Progress 是批次进度，四个字段都只增不减。
type Progress struct {
	TransferredBytes int64 `json:"transferred_bytes"`
	TotalBytes       int64 `json:"total_bytes"`
	TransferredFiles int   `json:"transferred_files"`
	TotalFiles       int   `json:"total_files"`
}

// Batch 聚合一次 Publish/Apply 产生的任务。
type Batch struct {
	mu   sync.Mutex
	jobs []*Job
	last Progress
}

// NewBatch 创建空批次。
func NewBatch() *Batch {
	return &Batch{}
}

// Add 把任务纳入批次。
func (b *Batch) Add(job *Job) {
	b.mu.Lock()
	b.jobs = append(b.jobs, job)
	b.mu.Unlock()
}

// Jobs 返回批次内任务的副本。
func (b *Batch) Jobs() []*Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Job, len(b.jobs))
	copy(out, b.jobs)
	return out
}

// Len 返回任务数。
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs)
}

// Progress 汇总各任务进度并与上次结果取最大值。
func (b *Batch) Progress() Progress {
	b.mu.Lock()
	defer b.mu.Unlock()

	var current Progress
	current.TotalFiles = len(b.jobs)
	for _, job := range b.jobs {
		transferred, total := job.Progress()
		current.TransferredBytes += transferred
		current.TotalBytes += total
		if job.State().Terminal() {
			current.TransferredFiles++
		}
	}

	b.last = Progress{
		TransferredBytes: max(b.last.TransferredBytes, current.TransferredBytes),
		TotalBytes:       max(b.last.TotalBytes, current.TotalBytes),
		TransferredFiles: max(b.last.TransferredFiles, current.TransferredFiles),
		TotalFiles:       max(b.last.TotalFiles, current.TotalFiles),
	}
	return b.last
}

// Wait 等待全部任务结束并返回第一个失败任务的错误；ctx 取消时返回 ErrCancelled。
func (b *Batch) Wait(ctx context.Context) error {
	var firstErr error
	for _, job := range b.Jobs() {
		select {
		case <-job.Done():
		case <-ctx.Done():
			return failure.ErrCancelled
		}
		if err := job.Err(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Failed 返回未成功完成的任务。
func (b *Batch) Failed() []*Job {
	var failed []*Job
	for _, job := range b.Jobs() {
		if state := job.State(); state.Terminal() && state != StateDone {
			failed = append(failed, job)
		}
	}
	return failed
}
