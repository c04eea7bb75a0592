package identity

import (
	"context"
	"sort"
	"sync"
)

// MemoryGraph 是内存中的关系图。
type MemoryGraph struct {
	mu      sync.RWMutex
	pairs   map[CanonicalID]map[CanonicalID]struct{}
	members map[string]map[CanonicalID]struct{}
}

// NewMemoryGraph 创建空关系图。
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{
		pairs:   make(map[CanonicalID]map[CanonicalID]struct{}),
		members: make(map[string]map[CanonicalID]struct{}),
	}
}

// Pair 建立双向直接配对。
func (g *MemoryGraph) Pair(a, b CanonicalID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	link(g.pairs, a, b)
	link(g.pairs, b, a)
}

// Join 把 uid 加入组。
func (g *MemoryGraph) Join(group string, uid CanonicalID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.members[group]
	if set == nil {
		set = make(map[CanonicalID]struct{})
		g.members[group] = set
	}
	set[uid] = struct{}{}
}

// DirectlyPaired 实现 Graph。
func (g *MemoryGraph) DirectlyPaired(_ context.Context, a, b CanonicalID) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.pairs[a][b]
	return ok, nil
}

// SharesGroup 实现 Graph。
func (g *MemoryGraph) SharesGroup(_ context.Context, a, b CanonicalID) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, set := range g.members {
		_, hasA := set[a]
		_, hasB := set[b]
		if hasA && hasB {
			return true, nil
		}
	}
	return false, nil
}

// Groups 实现 Graph。
func (g *MemoryGraph) Groups(_ context.Context, uid CanonicalID) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var groups []string
	for group, set := range g.members {
		if _, ok := set[uid]; ok {
			groups = append(groups, group)
		}
	}
	sort.Strings(groups)
	return groups, nil
}

func link(m map[CanonicalID]map[CanonicalID]struct{}, from, to CanonicalID) {
	set := m[from]
	if set == nil {
		set = make(map[CanonicalID]struct{})
		m[from] = set
	}
	set[to] = struct{}{}
}
