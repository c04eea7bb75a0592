// Package redismeta stores bundle metadata in redis. Bundles are JSON strings
// keyed by id, with secondary keys for the code, the owner index and the
// shared index. Download counters live in their own keys so a publish never
// resets them.
package redismeta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/umbrasys/umbra-sync/internal/backend"
	"github.com/umbrasys/umbra-sync/internal/bundle"
	"github.com/umbrasys/umbra-sync/internal/failure"
	"github.com/umbrasys/umbra-sync/internal/identity"
)

func init() {
	backend.MustRegister(backend.Metadata{
		Key:         "redis",
		Kind:        backend.KindMeta,
		Description: "bundle metadata in redis",
		NewMeta: func(ctx context.Context, s backend.Settings) (backend.Meta, error) {
			client := redis.NewClient(&redis.Options{
				Addr:     s.Addr,
				Password: s.Password,
				DB:       s.DB,
			})
			if err := client.Ping(ctx).Err(); err != nil {
				client.Close()
				return backend.Meta{}, fmt.Errorf("connect redis %s: %w", s.Addr, err)
			}
			store := New(client, s.Prefix)
			return backend.Meta{Store: store, Close: client.Close}, nil
		},
	})
}

// DefaultPrefix 是未配置前缀时的键前缀。
const DefaultPrefix = "umbra:"

// Store 实现 registry.MetaStore。
type Store struct {
	client redis.UniversalClient
	keys   keySpace
}

// New 包装已有客户端。
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, keys: keySpace(prefix)}
}

type keySpace string

func (k keySpace) bundle(id uuid.UUID) string    { return string(k) + "bundle:" + id.String() }
func (k keySpace) downloads(id uuid.UUID) string { return string(k) + "downloads:" + id.String() }
func (k keySpace) code(code string) string       { return string(k) + "code:" + code }
func (k keySpace) owner(owner identity.CanonicalID) string {
	return string(k) + "owner:" + string(owner)
}
func (k keySpace) shared() string { return string(k) + "shared" }
func (k keySpace) all() string    { return string(k) + "all" }

// Get 按 code 读取。
func (s *Store) Get(ctx context.Context, code string) (bundle.Bundle, error) {
	raw, err := s.client.Get(ctx, s.keys.code(code)).Result()
	if errors.Is(err, redis.Nil) {
		return bundle.Bundle{}, fmt.Errorf("bundle %s: %w", code, failure.ErrNotFound)
	}
	if err != nil {
		return bundle.Bundle{}, fmt.Errorf("redis get code %s: %w", code, err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return bundle.Bundle{}, fmt.Errorf("code %s points at %q: %w", code, raw, failure.ErrCorrupt)
	}
	return s.GetByID(ctx, id)
}

// GetByID 按 id 读取。
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (bundle.Bundle, error) {
	pipe := s.client.Pipeline()
	bodyCmd := pipe.Get(ctx, s.keys.bundle(id))
	countCmd := pipe.Get(ctx, s.keys.downloads(id))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return bundle.Bundle{}, fmt.Errorf("redis get bundle %s: %w", id, err)
	}
	body, err := bodyCmd.Result()
	if errors.Is(err, redis.Nil) {
		return bundle.Bundle{}, fmt.Errorf("bundle %s: %w", id, failure.ErrNotFound)
	}
	if err != nil {
		return bundle.Bundle{}, err
	}
	downloads, _ := countCmd.Int64()
	return decode(body, downloads)
}

// Put 写入 bundle 与其索引。
func (s *Store) Put(ctx context.Context, b bundle.Bundle) error {
	body, err := json.Marshal(b)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keys.bundle(b.ID), body, 0)
	pipe.Set(ctx, s.keys.code(b.Code()), b.ID.String(), 0)
	pipe.SAdd(ctx, s.keys.owner(b.Owner), b.ID.String())
	pipe.SAdd(ctx, s.keys.all(), b.ID.String())
	if b.ShareType == bundle.ShareShared {
		pipe.SAdd(ctx, s.keys.shared(), b.ID.String())
	} else {
		pipe.SRem(ctx, s.keys.shared(), b.ID.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put bundle %s: %w", b.ID, err)
	}
	return nil
}

// Delete 删除 bundle 与其索引。
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	b, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keys.bundle(id), s.keys.downloads(id), s.keys.code(b.Code()))
	pipe.SRem(ctx, s.keys.owner(b.Owner), id.String())
	pipe.SRem(ctx, s.keys.shared(), id.String())
	pipe.SRem(ctx, s.keys.all(), id.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete bundle %s: %w", id, err)
	}
	return nil
}

// ListByOwner 返回 owner 的全部 bundle。
func (s *Store) ListByOwner(ctx context.Context, owner identity.CanonicalID) ([]bundle.Bundle, error) {
	return s.members(ctx, s.keys.owner(owner))
}

// ListShared 返回 ShareType 为 shared 的 bundle。
func (s *Store) ListShared(ctx context.Context) ([]bundle.Bundle, error) {
	return s.members(ctx, s.keys.shared())
}

// ListAll 返回全部 bundle。
func (s *Store) ListAll(ctx context.Context) ([]bundle.Bundle, error) {
	return s.members(ctx, s.keys.all())
}

// IncrementDownloads 递增计数并返回新值。
func (s *Store) IncrementDownloads(ctx context.Context, id uuid.UUID) (int64, error) {
	exists, err := s.client.Exists(ctx, s.keys.bundle(id)).Result()
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, fmt.Errorf("bundle %s: %w", id, failure.ErrNotFound)
	}
	return s.client.Incr(ctx, s.keys.downloads(id)).Result()
}

func (s *Store) members(ctx context.Context, setKey string) ([]bundle.Bundle, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", setKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	pipe := s.client.Pipeline()
	bodies := make([]*redis.StringCmd, len(ids))
	counts := make([]*redis.StringCmd, len(ids))
	for i, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		bodies[i] = pipe.Get(ctx, s.keys.bundle(id))
		counts[i] = pipe.Get(ctx, s.keys.downloads(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis load %s: %w", setKey, err)
	}

	out := make([]bundle.Bundle, 0, len(ids))
	for i := range ids {
		if bodies[i] == nil {
			continue
		}
		body, err := bodies[i].Result()
		if err != nil {
			// 索引残留（例如并发删除），跳过
			continue
		}
		downloads, _ := counts[i].Int64()
		b, err := decode(body, downloads)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func decode(body string, downloads int64) (bundle.Bundle, error) {
	var b bundle.Bundle
	if err := json.Unmarshal([]byte(body), &b); err != nil {
		return bundle.Bundle{}, fmt.Errorf("decode bundle: %w", err)
	}
	b.Downloads = downloads
	return b, nil
}
