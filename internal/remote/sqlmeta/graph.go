package sqlmeta

import (
	"context"

	"github.com/umbrasys/umbra-sync/internal/identity"
)

// Pair 记录 a 与 b 直接配对，关系是对称的。
func (s *Store) Pair(ctx context.Context, a, b identity.CanonicalID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, edge := range [][2]identity.CanonicalID{{a, b}, {b, a}} {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO pairs(a, b) VALUES (?, ?)`,
			string(edge[0]), string(edge[1])); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Join 把 uid 加入 group。
func (s *Store) Join(ctx context.Context, group string, uid identity.CanonicalID) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO members(grp, uid) VALUES (?, ?)`, group, string(uid))
	return err
}

// DirectlyPaired 实现 identity.Graph。
func (s *Store) DirectlyPaired(ctx context.Context, a, b identity.CanonicalID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pairs WHERE a = ? AND b = ?`, string(a), string(b)).Scan(&n)
	return n > 0, err
}

// SharesGroup 实现 identity.Graph。
func (s *Store) SharesGroup(ctx context.Context, a, b identity.CanonicalID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM members x JOIN members y ON x.grp = y.grp
WHERE x.uid = ? AND y.uid = ?`, string(a), string(b)).Scan(&n)
	return n > 0, err
}

// Groups 实现 identity.Graph。
func (s *Store) Groups(ctx context.Context, uid identity.CanonicalID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT grp FROM members WHERE uid = ? ORDER BY grp`, string(uid))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var group string
		if err := rows.Scan(&group); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}
