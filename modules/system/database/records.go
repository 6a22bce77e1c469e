package database

import (
	"context"
	"time"

	"github.com/specialistvlad/botkernel/internal/storage"
)

// recordModule stores the version of a loaded module.
func (m *Module) recordModule(ctx context.Context, name, version string) error {
	if m.db == nil {
		return nil
	}
	now := storage.Timestamp(time.Now())
	return storage.Upsert{
		Probe: `SELECT name FROM modules WHERE name = ?`, ProbeArgs: []any{name},
		Update: `UPDATE modules SET version = ?, loaded_at = ? WHERE name = ?`, UpdateArgs: []any{version, now, name},
		Insert: `INSERT INTO modules (name, version, loaded_at) VALUES (?, ?, ?)`, InsertArgs: []any{name, version, now},
	}.Exec(ctx, m.db)
}

// RecordUser remembers a platform user. Existing users get their username
// refreshed.
func RecordUser(ctx context.Context, db storage.Store, id int64, username string) error {
	return storage.Upsert{
		Probe: `SELECT id FROM users WHERE id = ?`, ProbeArgs: []any{id},
		Update: `UPDATE users SET username = ? WHERE id = ?`, UpdateArgs: []any{username, id},
		Insert: `INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)`,
		InsertArgs: []any{id, username, storage.Timestamp(time.Now())},
	}.Exec(ctx, db)
}

// UserIDs lists every known user.
func UserIDs(ctx context.Context, db storage.Store) ([]int64, error) {
	rows, err := db.FetchAll(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.Int64("id"))
	}
	return ids, nil
}
