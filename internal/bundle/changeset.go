package bundle

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/umbrasys/umbra-sync/internal/identity"
)

// ChangeSet 累积对某个 bundle 的本地编辑。HasChanges 每次都与种子状态做结构比较。
// ChangeSet 不是并发安全的，由单个编辑会话持有。
type ChangeSet struct {
	base    Bundle
	seed    State
	current State
}

// NewChangeSet 以最近一次已知的服务端状态为种子。
func NewChangeSet(serverCopy Bundle) *ChangeSet {
	return &ChangeSet{
		base:    serverCopy.Clone(),
		seed:    StateOf(serverCopy),
		current: StateOf(serverCopy),
	}
}

// BundleID 返回对应 bundle 的 id。
func (c *ChangeSet) BundleID() uuid.UUID {
	return c.base.ID
}

// Base 返回种子对应的服务端副本。
func (c *ChangeSet) Base() Bundle {
	return c.base.Clone()
}

// Seed 返回种子状态的副本。
func (c *ChangeSet) Seed() State {
	return c.seed.clone()
}

// Current 返回当前编辑状态的副本。
func (c *ChangeSet) Current() State {
	return c.current.clone()
}

// Diff 返回种子到当前状态的差异。
func (c *ChangeSet) Diff() Delta {
	return Diff(c.seed, c.current)
}

// HasChanges 表示当前状态与种子是否存在结构差异。
func (c *ChangeSet) HasChanges() bool {
	return !c.Diff().Empty()
}

// Result 返回应用编辑后的 bundle。
func (c *ChangeSet) Result() Bundle {
	return c.current.ApplyTo(c.base)
}

// MergeInto 只把本会话改动过的字段写到 server 的副本上，其余字段保留 server 的值。
// 允许列表按增删合并；映射按 GamePath 合并，本会话改动过的路径以本地为准。
func (c *ChangeSet) MergeInto(server Bundle) Bundle {
	delta := c.Diff()
	cur := c.current.clone()
	out := server.Clone()
	if delta.DescriptionChanged {
		out.Description = cur.Description
	}
	if delta.AccessTypeChanged {
		out.AccessType = cur.AccessType
	}
	if delta.ShareTypeChanged {
		out.ShareType = cur.ShareType
	}
	if delta.ExpiryChanged {
		out.ExpiresAt = cur.ExpiresAt
	}
	out.AllowedUsers = mergeSet(out.AllowedUsers, delta.UsersAdded, delta.UsersRemoved)
	out.AllowedGroups = mergeSet(out.AllowedGroups, delta.GroupsAdded, delta.GroupsRemoved)
	out.Mappings = mergeMappings(out.Mappings, delta.MappingsAdded, delta.MappingsRemoved)
	if delta.AppearanceChanged {
		out.Appearance = cur.Appearance
	}
	if delta.PosesChanged {
		out.Poses = cur.Poses
	}
	return out
}

func mergeSet[T comparable](base, added, removed []T) []T {
	if len(added) == 0 && len(removed) == 0 {
		return base
	}
	out := make([]T, 0, len(base)+len(added))
	for _, v := range base {
		if !slices.Contains(removed, v) {
			out = append(out, v)
		}
	}
	for _, v := range added {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// mergeMappings 保证每个 GamePath 至多一条映射。
func mergeMappings(base, added, removed []Mapping) []Mapping {
	if len(added) == 0 && len(removed) == 0 {
		return base
	}
	local := make(map[string]Mapping, len(added))
	for _, m := range added {
		local[m.GamePath] = m
	}
	touched := make(map[string]struct{}, len(added)+len(removed))
	for _, m := range added {
		touched[m.GamePath] = struct{}{}
	}
	for _, m := range removed {
		touched[m.GamePath] = struct{}{}
	}

	out := make([]Mapping, 0, len(base)+len(added))
	emitted := make(map[string]struct{}, len(base)+len(added))
	for _, m := range base {
		if _, dup := emitted[m.GamePath]; dup {
			continue
		}
		if _, ok := touched[m.GamePath]; ok {
			mine, kept := local[m.GamePath]
			if !kept {
				continue
			}
			m = mine
		}
		emitted[m.GamePath] = struct{}{}
		out = append(out, m)
	}
	for _, m := range added {
		if _, ok := emitted[m.GamePath]; ok {
			continue
		}
		emitted[m.GamePath] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Rebase 在成功发布后以 published 作为新的种子。
func (c *ChangeSet) Rebase(published Bundle) {
	c.base = published.Clone()
	c.seed = StateOf(published)
	c.current = StateOf(published)
}

// Reset 丢弃本地编辑。
func (c *ChangeSet) Reset() {
	c.current = c.seed.clone()
}

func (c *ChangeSet) SetDescription(description string) { c.current.Description = description }

func (c *ChangeSet) SetAccessType(access AccessType) { c.current.AccessType = access }

func (c *ChangeSet) SetShareType(share ShareType) { c.current.ShareType = share }

func (c *ChangeSet) SetAppearance(appearance Appearance) { c.current.Appearance = appearance }

// SetExpiry 设置过期时间，nil 表示永不过期。
func (c *ChangeSet) SetExpiry(at *time.Time) {
	if at == nil {
		c.current.ExpiresAt = nil
		return
	}
	utc := at.UTC()
	c.current.ExpiresAt = &utc
}

func (c *ChangeSet) SetAllowedUsers(users []identity.CanonicalID) {
	c.current.AllowedUsers = append([]identity.CanonicalID(nil), users...)
}

// AddAllowedUser 添加单个用户，已存在时忽略。
func (c *ChangeSet) AddAllowedUser(uid identity.CanonicalID) {
	if uid == "" || slices.Contains(c.current.AllowedUsers, uid) {
		return
	}
	c.current.AllowedUsers = append(c.current.AllowedUsers, uid)
}

func (c *ChangeSet) RemoveAllowedUser(uid identity.CanonicalID) {
	c.current.AllowedUsers = slices.DeleteFunc(c.current.AllowedUsers, func(v identity.CanonicalID) bool { return v == uid })
}

func (c *ChangeSet) SetAllowedGroups(groups []string) {
	c.current.AllowedGroups = append([]string(nil), groups...)
}

func (c *ChangeSet) AddAllowedGroup(group string) {
	if group == "" || slices.Contains(c.current.AllowedGroups, group) {
		return
	}
	c.current.AllowedGroups = append(c.current.AllowedGroups, group)
}

func (c *ChangeSet) RemoveAllowedGroup(group string) {
	c.current.AllowedGroups = slices.DeleteFunc(c.current.AllowedGroups, func(v string) bool { return v == group })
}

// SetMappings 用新的文件映射替换当前映射。
func (c *ChangeSet) SetMappings(mappings []Mapping) {
	c.current.Mappings = append([]Mapping(nil), mappings...)
}

// SetPoses 替换姿势列表。
func (c *ChangeSet) SetPoses(poses []Pose) {
	c.current.Poses = clonePoses(poses)
}

// AddPose 追加姿势，缺少 id 时自动生成。
func (c *ChangeSet) AddPose(pose Pose) uuid.UUID {
	if pose.ID == uuid.Nil {
		pose.ID = uuid.New()
	}
	c.current.Poses = append(c.current.Poses, clonePoses([]Pose{pose})...)
	return pose.ID
}

// UpdatePose 按 id 替换姿势，未找到返回 false。
func (c *ChangeSet) UpdatePose(pose Pose) bool {
	for i := range c.current.Poses {
		if c.current.Poses[i].ID == pose.ID {
			c.current.Poses[i] = clonePoses([]Pose{pose})[0]
			return true
		}
	}
	return false
}

// RemovePose 按 id 删除姿势。
func (c *ChangeSet) RemovePose(id uuid.UUID) {
	c.current.Poses = slices.DeleteFunc(c.current.Poses, func(p Pose) bool { return p.ID == id })
}
