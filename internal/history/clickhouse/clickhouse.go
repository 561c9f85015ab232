package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/tailvisor/internal/history"
)

// Options describes the ClickHouse connection. Addr is host:port of the
// native protocol.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = "localhost:9000"
	}
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = "process_history"
	}
	return o
}

// Sink appends lifecycle events to a MergeTree table ordered by process id
// and time.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects, pings and creates the table if it does not exist.
func New(opts Options) (*Sink, error) {
	opts = opts.withDefaults()
	if !identRe.MatchString(opts.Table) {
		return nil, fmt.Errorf("clickhouse: invalid table name %q", opts.Table)
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open %s: %w", opts.Addr, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ping %s: %w", opts.Addr, err)
	}
	s := &Sink{conn: conn, table: opts.Table}
	if err := s.ensureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureTable(ctx context.Context) error {
	err := s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			occurred_at DateTime64(3),
			type LowCardinality(String),
			process_id UInt64,
			name String,
			pid Int64,
			exit_code Int32,
			message String
		) ENGINE = MergeTree() ORDER BY (process_id, occurred_at)`, s.table))
	if err != nil {
		return fmt.Errorf("clickhouse: create table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	at := e.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	err := s.conn.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (occurred_at, type, process_id, name, pid, exit_code, message) VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table),
		at.UTC(), string(e.Type), e.ID, e.Name, int64(e.PID), int32(e.ExitCode), e.Message)
	if err != nil {
		return fmt.Errorf("clickhouse: insert into %s: %w", s.table, err)
	}
	return nil
}

// CountByType returns the number of events per type for process id.
func (s *Sink) CountByType(ctx context.Context, id uint64) (map[history.EventType]uint64, error) {
	rows, err := s.conn.Query(ctx,
		fmt.Sprintf(`SELECT type, count() FROM %s WHERE process_id = ? GROUP BY type`, s.table), id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := map[history.EventType]uint64{}
	for rows.Next() {
		var (
			typ string
			n   uint64
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[history.EventType(typ)] = n
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
