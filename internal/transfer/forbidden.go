package transfer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/failure"
)

// ForbiddenEntry 记录被禁止传输的内容及其原因。
type ForbiddenEntry struct {
	Hash      cache.Hash `json:"hash"`
	Reason    string     `json:"reason"`
	BlockedBy string     `json:"blocked_by"`
	AddedAt   time.Time  `json:"added_at"`
}

// ForbiddenError 由远端拒绝传输时返回。
type ForbiddenError struct {
	Hash      cache.Hash
	Reason    string
	BlockedBy string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("transfer of %s forbidden by %s: %s", e.Hash, e.BlockedBy, e.Reason)
}

func (e *ForbiddenError) Unwrap() error {
	return failure.ErrForbidden
}

// ForbiddenList 只追加；写入时复制快照，读取无锁。
type ForbiddenList struct {
	writeMu sync.Mutex
	current atomic.Pointer[forbiddenSnapshot]
}

type forbiddenSnapshot struct {
	byHash  map[cache.Hash]ForbiddenEntry
	entries []ForbiddenEntry
}

// NewForbiddenList 以 seed 初始化列表，重复哈希只保留第一条。
func NewForbiddenList(seed ...ForbiddenEntry) *ForbiddenList {
	list := &ForbiddenList{}
	list.current.Store(&forbiddenSnapshot{byHash: map[cache.Hash]ForbiddenEntry{}})
	for _, entry := range seed {
		list.Add(entry)
	}
	return list
}

// Add 追加条目，已存在时返回 false。
func (l *ForbiddenList) Add(entry ForbiddenEntry) bool {
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now().UTC()
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	prev := l.current.Load()
	if _, exists := prev.byHash[entry.Hash]; exists {
		return false
	}
	next := &forbiddenSnapshot{
		byHash:  make(map[cache.Hash]ForbiddenEntry, len(prev.byHash)+1),
		entries: make([]ForbiddenEntry, len(prev.entries), len(prev.entries)+1),
	}
	for hash, existing := range prev.byHash {
		next.byHash[hash] = existing
	}
	copy(next.entries, prev.entries)
	next.byHash[entry.Hash] = entry
	next.entries = append(next.entries, entry)
	l.current.Store(next)
	return true
}

// Lookup 查询哈希是否被禁止。
func (l *ForbiddenList) Lookup(hash cache.Hash) (ForbiddenEntry, bool) {
	entry, ok := l.current.Load().byHash[hash]
	return entry, ok
}

// Entries 按追加顺序返回全部条目。
func (l *ForbiddenList) Entries() []ForbiddenEntry {
	snap := l.current.Load()
	out := make([]ForbiddenEntry, len(snap.entries))
	copy(out, snap.entries)
	return out
}

// Len 返回条目数量。
func (l *ForbiddenList) Len() int {
	return len(l.current.Load().entries)
}
