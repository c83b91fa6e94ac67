package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/vktunnel/internal/history"
)

// Schema is the table layout Send expects. It is exposed so operators and
// tests can create the table up front.
const Schema = `CREATE TABLE IF NOT EXISTS %s (
	id String,
	type String,
	occurred_at DateTime64(6),
	pid UInt32,
	cause String,
	crashes UInt32,
	host String,
	exit_code Int32,
	detail String
) ENGINE = MergeTree()
ORDER BY (occurred_at, id)`

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// Options selects the server and credentials.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = "tunnel_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &Sink{conn: conn, table: opts.Table}, nil
}

// EnsureTable creates the history table when missing.
func (s *Sink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, fmt.Sprintf(Schema, s.table))
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, type, occurred_at, pid, cause, crashes, host, exit_code, detail) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	err := s.conn.Exec(ctx, query,
		e.ID,
		string(e.Type),
		e.OccurredAt,
		uint32(e.PID),
		e.Cause,
		uint32(e.Crashes),
		e.Host,
		int32(e.ExitCode),
		e.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
