package bundle

import (
	"reflect"
	"sort"
	"time"

	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/identity"
)

// State 是 bundle 中可被编辑的部分，作为不可变快照参与 Diff。
type State struct {
	Description   string
	AccessType    AccessType
	ShareType     ShareType
	ExpiresAt     *time.Time
	AllowedUsers  []identity.CanonicalID
	AllowedGroups []string
	Mappings      []Mapping
	Appearance    Appearance
	Poses         []Pose
}

// StateOf 提取 b 的可编辑状态（深拷贝）。
func StateOf(b Bundle) State {
	c := b.Clone()
	return State{
		Description:   c.Description,
		AccessType:    c.AccessType,
		ShareType:     c.ShareType,
		ExpiresAt:     c.ExpiresAt,
		AllowedUsers:  c.AllowedUsers,
		AllowedGroups: c.AllowedGroups,
		Mappings:      c.Mappings,
		Appearance:    c.Appearance,
		Poses:         c.Poses,
	}
}

// ApplyTo 把状态写回 b 的副本，身份、时间戳与计数保持不变。
func (s State) ApplyTo(b Bundle) Bundle {
	out := b.Clone()
	c := s.clone()
	out.Description = c.Description
	out.AccessType = c.AccessType
	out.ShareType = c.ShareType
	out.ExpiresAt = c.ExpiresAt
	out.AllowedUsers = c.AllowedUsers
	out.AllowedGroups = c.AllowedGroups
	out.Mappings = c.Mappings
	out.Appearance = c.Appearance
	out.Poses = c.Poses
	return out
}

func (s State) clone() State {
	return StateOf(Bundle{
		Description:   s.Description,
		AccessType:    s.AccessType,
		ShareType:     s.ShareType,
		ExpiresAt:     s.ExpiresAt,
		AllowedUsers:  s.AllowedUsers,
		AllowedGroups: s.AllowedGroups,
		Mappings:      s.Mappings,
		Appearance:    s.Appearance,
		Poses:         s.Poses,
	})
}

// Delta 是两个状态之间的结构化差异。
type Delta struct {
	DescriptionChanged bool
	AccessTypeChanged  bool
	ShareTypeChanged   bool
	ExpiryChanged      bool
	UsersAdded         []identity.CanonicalID
	UsersRemoved       []identity.CanonicalID
	GroupsAdded        []string
	GroupsRemoved      []string
	MappingsAdded      []Mapping
	MappingsRemoved    []Mapping
	AppearanceChanged  bool
	PosesChanged       bool
}

// Empty 表示没有任何差异。
func (d Delta) Empty() bool {
	return !d.DescriptionChanged && !d.AccessTypeChanged && !d.ShareTypeChanged && !d.ExpiryChanged &&
		len(d.UsersAdded) == 0 && len(d.UsersRemoved) == 0 &&
		len(d.GroupsAdded) == 0 && len(d.GroupsRemoved) == 0 &&
		len(d.MappingsAdded) == 0 && len(d.MappingsRemoved) == 0 &&
		!d.AppearanceChanged && !d.PosesChanged
}

// MetadataOnly 表示差异不涉及文件映射。
func (d Delta) MetadataOnly() bool {
	return len(d.MappingsAdded) == 0 && len(d.MappingsRemoved) == 0
}

// Diff 计算 before -> after 的差异。允许列表与映射按集合比较，姿势按顺序比较。
func Diff(before, after State) Delta {
	delta := Delta{
		DescriptionChanged: before.Description != after.Description,
		AccessTypeChanged:  before.AccessType != after.AccessType,
		ShareTypeChanged:   before.ShareType != after.ShareType,
		ExpiryChanged:      !sameExpiry(before.ExpiresAt, after.ExpiresAt),
		AppearanceChanged:  before.Appearance != after.Appearance,
		PosesChanged:       !samePoses(before.Poses, after.Poses),
	}
	delta.UsersAdded, delta.UsersRemoved = setDiff(before.AllowedUsers, after.AllowedUsers)
	delta.GroupsAdded, delta.GroupsRemoved = setDiff(before.AllowedGroups, after.AllowedGroups)
	delta.MappingsAdded, delta.MappingsRemoved = setDiff(before.Mappings, after.Mappings)
	sortMappings(delta.MappingsAdded)
	sortMappings(delta.MappingsRemoved)
	return delta
}

// NewHashes 返回 after 中引用、但 before 中没有的哈希。
func NewHashes(before, after []Mapping) []cache.Hash {
	known := make(map[cache.Hash]struct{}, len(before))
	for _, hash := range hashesOf(before) {
		known[hash] = struct{}{}
	}
	var fresh []cache.Hash
	for _, hash := range hashesOf(after) {
		if _, ok := known[hash]; !ok {
			fresh = append(fresh, hash)
		}
	}
	return fresh
}

func sameExpiry(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func samePoses(a, b []Pose) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !reflect.DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func setDiff[T comparable](before, after []T) (added, removed []T) {
	inBefore := make(map[T]struct{}, len(before))
	for _, v := range before {
		inBefore[v] = struct{}{}
	}
	inAfter := make(map[T]struct{}, len(after))
	for _, v := range after {
		inAfter[v] = struct{}{}
		if _, ok := inBefore[v]; !ok {
			added = append(added, v)
			inBefore[v] = struct{}{}
		}
	}
	for _, v := range before {
		if _, ok := inAfter[v]; !ok {
			removed = append(removed, v)
			inAfter[v] = struct{}{}
		}
	}
	return added, removed
}

func sortMappings(mappings []Mapping) {
	sort.Slice(mappings, func(i, j int) bool {
		if mappings[i].GamePath != mappings[j].GamePath {
			return mappings[i].GamePath < mappings[j].GamePath
		}
		return mappings[i].Hash < mappings[j].Hash
	})
}
