// Package sqlmeta stores bundle metadata and the relationship graph in a
// single sqlite database. The hub server uses it as its source of truth; a
// client engine can also point at a local file for offline use.
package sqlmeta

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/umbrasys/umbra-sync/internal/backend"
	"github.com/umbrasys/umbra-sync/internal/bundle"
	"github.com/umbrasys/umbra-sync/internal/failure"
	"github.com/umbrasys/umbra-sync/internal/identity"
)

func init() {
	backend.MustRegister(backend.Metadata{
		Key:         "sqlite",
		Kind:        backend.KindMeta,
		Description: "bundle metadata and relationship graph in a local sqlite file",
		NewMeta: func(ctx context.Context, s backend.Settings) (backend.Meta, error) {
			store, err := Open(ctx, s.Path)
			if err != nil {
				return backend.Meta{}, err
			}
			return backend.Meta{Store: store, Graph: store, Close: store.Close}, nil
		},
	})
}

// DefaultFile 是未指定 Path 时的数据库文件名。
const DefaultFile = "meta.db"

// Store 实现 registry.MetaStore 与 identity.Graph。
type Store struct {
	db *sql.DB
}

// Open 打开或创建 path 指向的数据库。
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = DefaultFile
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open meta store: %w", err)
	}
	// sqlite 单写者，避免多连接产生 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS bundles (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	owner TEXT NOT NULL,
	share_type TEXT NOT NULL,
	downloads INTEGER NOT NULL DEFAULT 0,
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS bundles_owner ON bundles(owner);

CREATE TABLE IF NOT EXISTS pairs (
	a TEXT NOT NULL,
	b TEXT NOT NULL,
	PRIMARY KEY (a, b)
);

CREATE TABLE IF NOT EXISTS members (
	grp TEXT NOT NULL,
	uid TEXT NOT NULL,
	PRIMARY KEY (grp, uid)
);
`)
	if err != nil {
		return fmt.Errorf("migrate meta store: %w", err)
	}
	return nil
}

// Close 关闭数据库。
func (s *Store) Close() error {
	return s.db.Close()
}

// Get 按 code 读取。
func (s *Store) Get(ctx context.Context, code string) (bundle.Bundle, error) {
	return s.one(ctx, `SELECT body, downloads FROM bundles WHERE code = ?`, code)
}

// GetByID 按 id 读取。
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (bundle.Bundle, error) {
	return s.one(ctx, `SELECT body, downloads FROM bundles WHERE id = ?`, id.String())
}

// Put 写入或替换 bundle。下载计数由 IncrementDownloads 维护，Put 不覆盖。
func (s *Store) Put(ctx context.Context, b bundle.Bundle) error {
	body, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO bundles(id, code, owner, share_type, downloads, body) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET code = excluded.code, owner = excluded.owner,
	share_type = excluded.share_type, body = excluded.body`,
		b.ID.String(), b.Code(), string(b.Owner), string(b.ShareType), b.Downloads, string(body))
	return err
}

// Delete 删除 bundle，不存在时返回 ErrNotFound。
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bundles WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bundle %s: %w", id, failure.ErrNotFound)
	}
	return nil
}

// ListByOwner 返回 owner 的全部 bundle。
func (s *Store) ListByOwner(ctx context.Context, owner identity.CanonicalID) ([]bundle.Bundle, error) {
	return s.many(ctx, `SELECT body, downloads FROM bundles WHERE owner = ? ORDER BY id`, string(owner))
}

// ListShared 返回 ShareType 为 shared 的 bundle，授权由调用方判定。
func (s *Store) ListShared(ctx context.Context) ([]bundle.Bundle, error) {
	return s.many(ctx, `SELECT body, downloads FROM bundles WHERE share_type = ? ORDER BY id`, string(bundle.ShareShared))
}

// ListAll 返回全部 bundle（含已过期的），供 hub 判定仍被引用的 blob。
func (s *Store) ListAll(ctx context.Context) ([]bundle.Bundle, error) {
	return s.many(ctx, `SELECT body, downloads FROM bundles ORDER BY id`)
}

// IncrementDownloads 原子递增计数并返回新值。
func (s *Store) IncrementDownloads(ctx context.Context, id uuid.UUID) (int64, error) {
	var downloads int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE bundles SET downloads = downloads + 1 WHERE id = ? RETURNING downloads`, id.String()).Scan(&downloads)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("bundle %s: %w", id, failure.ErrNotFound)
	}
	return downloads, err
}

func (s *Store) one(ctx context.Context, query string, arg any) (bundle.Bundle, error) {
	var (
		body      string
		downloads int64
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&body, &downloads)
	if errors.Is(err, sql.ErrNoRows) {
		return bundle.Bundle{}, fmt.Errorf("bundle %v: %w", arg, failure.ErrNotFound)
	}
	if err != nil {
		return bundle.Bundle{}, err
	}
	return decode(body, downloads)
}

func (s *Store) many(ctx context.Context, query string, args ...any) ([]bundle.Bundle, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bundle.Bundle
	for rows.Next() {
		var (
			body      string
			downloads int64
		)
		if err := rows.Scan(&body, &downloads); err != nil {
			return nil, err
		}
		b, err := decode(body, downloads)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func decode(body string, downloads int64) (bundle.Bundle, error) {
	var b bundle.Bundle
	if err := json.Unmarshal([]byte(body), &b); err != nil {
		return bundle.Bundle{}, fmt.Errorf("decode bundle: %w", err)
	}
	b.Downloads = downloads
	return b, nil
}
