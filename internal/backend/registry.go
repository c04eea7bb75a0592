package backend

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var globalRegistry = newRegistry()

type registryKey struct {
	kind Kind
	key  string
}

type backends struct {
	mu      sync.RWMutex
	entries map[registryKey]Metadata
}

func newRegistry() *backends {
	return &backends{entries: make(map[registryKey]Metadata)}
}

// Register 将后端加入全局注册表，同一种类下重复键会返回错误。
func Register(meta Metadata) error {
	return globalRegistry.register(meta)
}

// MustRegister 在注册失败时 panic，适合后端包的 init() 中调用。
func MustRegister(meta Metadata) {
	if err := Register(meta); err != nil {
		panic(err)
	}
}

// Resolve 返回指定种类与键的后端。
func Resolve(kind Kind, key string) (Metadata, bool) {
	return globalRegistry.resolve(kind, key)
}

// List 返回某一种类下按键排序的后端列表。
func List(kind Kind) []Metadata {
	return globalRegistry.list(kind)
}

// Keys 返回某一种类下已注册后端的键值，供配置校验使用。
func Keys(kind Kind) []string {
	items := List(kind)
	result := make([]string, len(items))
	for i, meta := range items {
		result[i] = meta.Key
	}
	return result
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *backends) register(meta Metadata) error {
	key := normalizeKey(meta.Key)
	if key == "" {
		return fmt.Errorf("backend key is required")
	}
	switch meta.Kind {
	case KindBlob:
		if meta.NewBlob == nil {
			return fmt.Errorf("blob backend %s has no factory", key)
		}
	case KindMeta:
		if meta.NewMeta == nil {
			return fmt.Errorf("meta backend %s has no factory", key)
		}
	default:
		return fmt.Errorf("backend %s has unknown kind %q", key, meta.Kind)
	}
	meta.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	id := registryKey{kind: meta.Kind, key: key}
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("%s backend %s already registered", meta.Kind, key)
	}
	r.entries[id] = meta
	return nil
}

func (r *backends) resolve(kind Kind, key string) (Metadata, bool) {
	normalized := normalizeKey(key)
	if normalized == "" {
		return Metadata{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.entries[registryKey{kind: kind, key: normalized}]
	return meta, ok
}

func (r *backends) list(kind Kind) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Metadata
	for id, meta := range r.entries {
		if id.kind == kind {
			result = append(result, meta)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}
