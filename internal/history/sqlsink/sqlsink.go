package sqlsink

import (
	"context"
	"fmt"

	"github.com/loykin/vktunnel/internal/history"
	"github.com/loykin/vktunnel/internal/store"
)

// Sink appends history events to the tunnel_history table of a SQLite or
// PostgreSQL database. The schema is created if missing.
type Sink struct {
	db *store.DB
}

// New opens dsn through the store package and prepares the schema.
func New(dsn string) (*Sink, error) {
	db, err := store.Open(dsn)
	if err != nil {
		return nil, err
	}
	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	ts := "TIMESTAMP"
	if s.db.Dialect == store.DialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	return s.db.EnsureSchema(ctx,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tunnel_history(
			id TEXT PRIMARY KEY,
			occurred_at %s NOT NULL,
			event TEXT NOT NULL,
			pid INTEGER NOT NULL,
			cause TEXT NOT NULL,
			crashes INTEGER NOT NULL,
			host TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			detail TEXT NOT NULL
		);`, ts),
		`CREATE INDEX IF NOT EXISTS idx_tunnel_history_event ON tunnel_history(event);`,
	)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tunnel_history(id, occurred_at, event, pid, cause, crashes, host, exit_code, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`),
		e.ID, e.OccurredAt.UTC(), string(e.Type), e.PID, e.Cause, e.Crashes, e.Host, e.ExitCode, e.Detail)
	return err
}

// Count returns how many events of type t are stored.
func (s *Sink) Count(ctx context.Context, t history.EventType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM tunnel_history WHERE event = ?`), string(t)).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
