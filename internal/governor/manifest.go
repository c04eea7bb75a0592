package governor

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/umbrasys/umbra-sync/internal/cache"
)

// ManifestFile 是缓存清单在 StoragePath 下的文件名。
const ManifestFile = "manifest.db"

// manifestRecord 对应清单中的一行。
type manifestRecord struct {
	Hash       cache.Hash
	Size       int64
	LastAccess time.Time
}

// manifest 将 per-blob 最近访问时间与容量上限持久化到 sqlite。
type manifest struct {
	db *sql.DB
}

func openManifest(dir string) (*manifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	// sqlite 单写者，避免多连接产生 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	m := &manifest{db: db}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *manifest) migrate() error {
	_, err := m.db.ExecContext(context.Background(), `
CREATE TABLE IF NOT EXISTS blobs (
	hash TEXT PRIMARY KEY,
	size INTEGER NOT NULL,
	last_access INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("migrate manifest: %w", err)
	}
	return nil
}

func (m *manifest) load(ctx context.Context) ([]manifestRecord, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT hash, size, last_access FROM blobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []manifestRecord
	for rows.Next() {
		var (
			hash   string
			size   int64
			access int64
		)
		if err := rows.Scan(&hash, &size, &access); err != nil {
			return nil, err
		}
		records = append(records, manifestRecord{
			Hash:       cache.Hash(hash),
			Size:       size,
			LastAccess: time.Unix(0, access).UTC(),
		})
	}
	return records, rows.Err()
}

// apply 在单个事务内写入增量：upserts 与 deletes。
func (m *manifest) apply(ctx context.Context, upserts []manifestRecord, deletes []cache.Hash) error {
	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rec := range upserts {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO blobs(hash, size, last_access) VALUES (?, ?, ?)
ON CONFLICT(hash) DO UPDATE SET size = excluded.size, last_access = excluded.last_access`,
			string(rec.Hash), rec.Size, rec.LastAccess.UnixNano()); err != nil {
			return err
		}
	}
	for _, hash := range deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE hash = ?`, string(hash)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *manifest) maxBytes(ctx context.Context) (int64, bool, error) {
	var raw string
	err := m.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'max_bytes'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}

func (m *manifest) setMaxBytes(ctx context.Context, value int64) error {
	_, err := m.db.ExecContext(ctx, `
INSERT INTO settings(key, value) VALUES ('max_bytes', ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.FormatInt(value, 10))
	return err
}

func (m *manifest) close() error {
	return m.db.Close()
}
