// Package identity resolves user-facing identity strings (UID, alias or note)
// to canonical ids and answers relationship questions used by bundle access
// checks.
package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// CanonicalID 是用户的唯一标识（UID）。
type CanonicalID string

// Resolver 将任意候选字符串规范化为 CanonicalID。
type Resolver interface {
	Normalize(candidate string) (CanonicalID, bool)
}

// Graph 是经过认证的用户关系图。
type Graph interface {
	DirectlyPaired(ctx context.Context, a, b CanonicalID) (bool, error)
	SharesGroup(ctx context.Context, a, b CanonicalID) (bool, error)
	Groups(ctx context.Context, uid CanonicalID) ([]string, error)
}

// Entry 是目录中的一个用户。
type Entry struct {
	UID   CanonicalID
	Alias string
	Note  string
}

// Directory 是内存实现的 Resolver，按 UID、别名、备注不区分大小写匹配。
type Directory struct {
	mu      sync.RWMutex
	byKey   map[string]CanonicalID
	entries map[CanonicalID]Entry
}

// NewDirectory 创建目录。
func NewDirectory(entries ...Entry) *Directory {
	d := &Directory{
		byKey:   make(map[string]CanonicalID),
		entries: make(map[CanonicalID]Entry),
	}
	for _, entry := range entries {
		d.Upsert(entry)
	}
	return d
}

// Upsert 新增或替换用户条目。
func (d *Directory) Upsert(entry Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.entries[entry.UID]; ok {
		for _, key := range keysOf(old) {
			if d.byKey[key] == old.UID {
				delete(d.byKey, key)
			}
		}
	}
	d.entries[entry.UID] = entry
	for _, key := range keysOf(entry) {
		// UID 优先于别名/备注，别名冲突时保留先到者
		if existing, taken := d.byKey[key]; taken && existing != entry.UID && key != fold(string(entry.UID)) {
			continue
		}
		d.byKey[key] = entry.UID
	}
}

// Normalize 实现 Resolver。
func (d *Directory) Normalize(candidate string) (CanonicalID, bool) {
	key := fold(candidate)
	if key == "" {
		return "", false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	uid, ok := d.byKey[key]
	return uid, ok
}

// Lookup 返回 UID 对应的条目。
func (d *Directory) Lookup(uid CanonicalID) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.entries[uid]
	return entry, ok
}

func keysOf(entry Entry) []string {
	keys := []string{fold(string(entry.UID))}
	if alias := fold(entry.Alias); alias != "" {
		keys = append(keys, alias)
	}
	if note := fold(entry.Note); note != "" {
		keys = append(keys, note)
	}
	return keys
}

func fold(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// NormalizeAll 规范化一组候选，丢弃无法解析的项并去重。
func NormalizeAll(resolver Resolver, candidates []string) []CanonicalID {
	seen := make(map[CanonicalID]struct{}, len(candidates))
	out := make([]CanonicalID, 0, len(candidates))
	for _, candidate := range candidates {
		uid, ok := resolver.Normalize(candidate)
		if !ok {
			continue
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PassThrough 把候选原样视为 UID，用于没有目录的服务端。
type PassThrough struct{}

// Normalize 实现 Resolver。
func (PassThrough) Normalize(candidate string) (CanonicalID, bool) {
	trimmed := strings.TrimSpace(candidate)
	return CanonicalID(trimmed), trimmed != ""
}
