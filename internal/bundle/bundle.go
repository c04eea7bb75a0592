// Package bundle defines the shareable appearance bundle: its metadata, the
// game-path mappings that reference content blobs, access evaluation and the
// pure structural diff used by local edit sessions.
package bundle

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/umbrasys/umbra-sync/internal/cache"
	"github.com/umbrasys/umbra-sync/internal/identity"
)

// AccessType 决定谁可以解析 bundle 的 code。
type AccessType string

const (
	AccessPublic       AccessType = "public"
	AccessPairedDirect AccessType = "paired_direct"
	AccessPairedAny    AccessType = "paired_any"
	AccessSpecified    AccessType = "specified"
)

// Valid 判断取值是否合法。
func (a AccessType) Valid() bool {
	switch a {
	case AccessPublic, AccessPairedDirect, AccessPairedAny, AccessSpecified:
		return true
	}
	return false
}

// ShareType 只影响是否可被发现，不影响授权。
type ShareType string

const (
	ShareCodeOnly ShareType = "code_only"
	ShareShared   ShareType = "shared"
)

// Valid 判断取值是否合法。
func (s ShareType) Valid() bool {
	return s == ShareCodeOnly || s == ShareShared
}

// Mapping 把一个游戏路径映射到内容哈希，或映射到另一已存在的游戏文件（swap，不同步）。
type Mapping struct {
	GamePath string     `json:"game_path"`
	Hash     cache.Hash `json:"hash,omitempty"`
	SwapPath string     `json:"swap_path,omitempty"`
}

// IsSwap 表示该映射不引用任何 blob。
func (m Mapping) IsSwap() bool {
	return m.Hash == ""
}

// Appearance 是非文件的外观参数。
type Appearance struct {
	Glamourer    string `json:"glamourer,omitempty"`
	Customize    string `json:"customize,omitempty"`
	Manipulation string `json:"manipulation,omitempty"`
}

// Vector3 与 Quaternion 描述世界坐标。
type Vector3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

type Quaternion struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
	W float32 `json:"w"`
}

// WorldData 记录姿势所在的位置。
type WorldData struct {
	ServerID    uint32     `json:"server_id"`
	TerritoryID uint32     `json:"territory_id"`
	MapID       uint32     `json:"map_id"`
	WardID      uint32     `json:"ward_id,omitempty"`
	HouseID     uint32     `json:"house_id,omitempty"`
	RoomID      uint32     `json:"room_id,omitempty"`
	Position    Vector3    `json:"position"`
	Rotation    Quaternion `json:"rotation"`
}

// Pose 是一个命名的姿势子记录。
type Pose struct {
	ID          uuid.UUID  `json:"id"`
	Description string     `json:"description"`
	Data        string     `json:"data,omitempty"`
	World       *WorldData `json:"world,omitempty"`
}

// Bundle 是可分享的外观数据集合。
type Bundle struct {
	ID            uuid.UUID              `json:"id"`
	Owner         identity.CanonicalID   `json:"owner"`
	Description   string                 `json:"description"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Downloads     int64                  `json:"downloads"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
	AccessType    AccessType             `json:"access_type"`
	ShareType     ShareType              `json:"share_type"`
	AllowedUsers  []identity.CanonicalID `json:"allowed_users,omitempty"`
	AllowedGroups []string               `json:"allowed_groups,omitempty"`
	Mappings      []Mapping              `json:"mappings,omitempty"`
	Appearance    Appearance             `json:"appearance"`
	Poses         []Pose                 `json:"poses,omitempty"`
}

// ErrInvalidCode 表示 code 格式错误。
var ErrInvalidCode = errors.New("invalid bundle code")

// New 以默认可见性创建一个空 bundle。
func New(owner identity.CanonicalID, now time.Time) Bundle {
	now = now.UTC()
	return Bundle{
		ID:         uuid.New(),
		Owner:      owner,
		CreatedAt:  now,
		UpdatedAt:  now,
		AccessType: AccessSpecified,
		ShareType:  ShareCodeOnly,
	}
}

// Code 返回 "<owner>:<id>" 形式的分享码，内容和可见性变化均不会改变它。
func (b Bundle) Code() string {
	return MakeCode(b.Owner, b.ID)
}

// MakeCode 组装分享码。
func MakeCode(owner identity.CanonicalID, id uuid.UUID) string {
	return string(owner) + ":" + id.String()
}

// ParseCode 拆分分享码。
func ParseCode(code string) (identity.CanonicalID, uuid.UUID, error) {
	idx := strings.LastIndex(code, ":")
	if idx <= 0 || idx == len(code)-1 {
		return "", uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	id, err := uuid.Parse(code[idx+1:])
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	return identity.CanonicalID(code[:idx]), id, nil
}

// Expired 判断 now 时刻是否已过期。
func (b Bundle) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}

// Hashes 返回引用的全部内容哈希，去重并排序。
func (b Bundle) Hashes() []cache.Hash {
	return hashesOf(b.Mappings)
}

// Clone 深拷贝 bundle。
func (b Bundle) Clone() Bundle {
	out := b
	if b.ExpiresAt != nil {
		at := *b.ExpiresAt
		out.ExpiresAt = &at
	}
	out.AllowedUsers = append([]identity.CanonicalID(nil), b.AllowedUsers...)
	out.AllowedGroups = append([]string(nil), b.AllowedGroups...)
	out.Mappings = append([]Mapping(nil), b.Mappings...)
	out.Poses = clonePoses(b.Poses)
	return out
}

func clonePoses(poses []Pose) []Pose {
	if poses == nil {
		return nil
	}
	out := make([]Pose, len(poses))
	for i, pose := range poses {
		out[i] = pose
		if pose.World != nil {
			world := *pose.World
			out[i].World = &world
		}
	}
	return out
}

func hashesOf(mappings []Mapping) []cache.Hash {
	seen := make(map[cache.Hash]struct{}, len(mappings))
	var hashes []cache.Hash
	for _, m := range mappings {
		if m.IsSwap() {
			continue
		}
		if _, dup := seen[m.Hash]; dup {
			continue
		}
		seen[m.Hash] = struct{}{}
		hashes = append(hashes, m.Hash)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	return hashes
}
