package admin

import (
	"context"
	"time"

	"github.com/loykin/vktunnel/internal/store"
)

// SQLStore keeps admins in the admins table of a SQLite or PostgreSQL database.
type SQLStore struct {
	db *store.DB
}

func OpenSQL(dsn string) (*SQLStore, error) {
	db, err := store.Open(dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLStore{db: db}
	ts := "TIMESTAMP"
	if db.Dialect == store.DialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	if err := db.EnsureSchema(context.Background(),
		`CREATE TABLE IF NOT EXISTS admins(
			user_id BIGINT PRIMARY KEY,
			added_at `+ts+` NOT NULL
		);`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) List(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM admins ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLStore) Add(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO admins(user_id, added_at) VALUES(?, ?) ON CONFLICT(user_id) DO NOTHING`),
		id, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrExists
	}
	return nil
}

func (s *SQLStore) Remove(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM admins WHERE user_id = ?`), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Contains(ctx context.Context, id int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM admins WHERE user_id = ?`), id).Scan(&n)
	return n > 0, err
}

func (s *SQLStore) Close() error { return s.db.Close() }
