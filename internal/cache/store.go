package cache

import (
	"context"
	"io"
	"time"
)

// Store 负责管理内容寻址的 blob。磁盘布局遵循：
//
//	<StoragePath>/<HASH>        # 原始内容
//	<StoragePath>/<HASH>.zst    # 压缩存储（compacted）
//
// 同一哈希在磁盘上只保留一份副本。
type Store interface {
	// Resolve 按哈希查找 blob，不触发任何网络 I/O。若不存在则返回 failure.ErrNotFound。
	Resolve(hash Hash) (Blob, error)

	// Has 判断哈希是否已在本地，不记录访问时间，供传输层规划使用。
	Has(hash Hash) bool

	// Open 返回解压后的正文 Reader，并记录一次访问。
	Open(hash Hash) (io.ReadCloser, Blob, error)

	// Put 写入 blob。实现需通过临时文件 + rename 保证原子性，并校验 body 的实际哈希；
	// 不一致时返回 failure.ErrHashMismatch。哈希已存在时丢弃 body 并返回已有条目。
	Put(ctx context.Context, hash Hash, body io.Reader, opts PutOptions) (Blob, error)

	// Remove 删除 blob 的所有磁盘表示。
	Remove(hash Hash) error

	// Rewrite 将 blob 转换为压缩或原始表示，转换过程同样使用临时文件。
	Rewrite(ctx context.Context, hash Hash, compacted bool) (Blob, error)

	// ValidateAll 重新计算所有 blob 的哈希并删除不匹配的条目，返回删除数量。
	ValidateAll(ctx context.Context, progress ProgressFunc) (int, error)

	// Scan 扫描磁盘重建内存索引。
	Scan(ctx context.Context) error

	// Scanned 表示索引是否已经由 Scan 建立过。
	Scanned() bool

	// IndexFile/ForgetFile 供文件系统监控增量维护索引，name 为 StoragePath 下的文件名。
	IndexFile(name string) (Blob, bool)
	ForgetFile(name string)

	List() []Blob
	Stats() Stats
	Root() string

	// SetObserver 注入访问观察者（通常是缓存治理器）。
	SetObserver(observer Observer)
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	Compact bool
}

// Blob 描述一个本地缓存的内容。Size 为原始字节数，DiskSize 为磁盘占用。
type Blob struct {
	Hash      Hash      `json:"hash"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	DiskSize  int64     `json:"disk_size"`
	Compacted bool      `json:"compacted"`
	ModTime   time.Time `json:"mod_time"`
}

// Stats 汇总索引中的条目数量与体积。
type Stats struct {
	Count     int   `json:"count"`
	Bytes     int64 `json:"bytes"`
	DiskBytes int64 `json:"disk_bytes"`
	Compacted int   `json:"compacted"`
}

// ProgressFunc 报告长任务进度：已处理数量、总数与当前条目。
type ProgressFunc func(processed, total int, current Hash)

// Observer 接收 blob 生命周期事件，回调期间不得反向持有 Store 的条目锁。
type Observer interface {
	BlobAccessed(blob Blob)
	BlobAdded(blob Blob)
	BlobRemoved(blob Blob)
}

const compactedSuffix = ".zst"

const tempPrefix = ".tmp-"
