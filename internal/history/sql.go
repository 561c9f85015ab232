package history

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder and column types for SQLSink.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLSink appends events to the process_history table of a database/sql
// handle. Rows are never updated.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQL wraps db and creates the table and its index if missing. The sink
// owns db and closes it on Close.
func NewSQL(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("history schema (%s): %w", dialect, err)
	}
	return s, nil
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	ts, idType := "TIMESTAMP", "INTEGER"
	if s.dialect == DialectPostgres {
		ts, idType = "TIMESTAMPTZ", "BIGINT"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_history(
			occurred_at ` + ts + ` NOT NULL,
			event TEXT NOT NULL,
			process_id ` + idType + ` NOT NULL,
			name TEXT NOT NULL,
			pid INTEGER NOT NULL,
			exit_code INTEGER NOT NULL,
			message TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS process_history_id_time ON process_history(process_id, occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $n for postgres.
func (s *SQLSink) rebind(q string) string {
	if s.dialect != DialectPostgres || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r != '?' {
			b.WriteRune(r)
			continue
		}
		n++
		b.WriteString("$" + strconv.Itoa(n))
	}
	return b.String()
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	var msg sql.NullString
	if e.Message != "" {
		msg = sql.NullString{String: e.Message, Valid: true}
	}
	at := e.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO process_history(occurred_at, event, process_id, name, pid, exit_code, message)
		VALUES(?, ?, ?, ?, ?, ?, ?)`),
		at.UTC(), string(e.Type), int64(e.ID), e.Name, e.PID, e.ExitCode, msg)
	return err
}

// Recent returns up to limit events of process id, newest first. limit <= 0
// means no limit.
func (s *SQLSink) Recent(ctx context.Context, id uint64, limit int) ([]Event, error) {
	q := `SELECT occurred_at, event, process_id, name, pid, exit_code, message
		FROM process_history WHERE process_id = ? ORDER BY occurred_at DESC`
	args := []any{int64(id)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var (
			e     Event
			typ   string
			rowID int64
			msg   sql.NullString
		)
		if err := rows.Scan(&e.OccurredAt, &typ, &rowID, &e.Name, &e.PID, &e.ExitCode, &msg); err != nil {
			return nil, err
		}
		e.Type, e.ID, e.Message = EventType(typ), uint64(rowID), msg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns how many events of type typ were recorded for id.
func (s *SQLSink) Count(ctx context.Context, id uint64, typ EventType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM process_history WHERE process_id = ? AND event = ?`),
		int64(id), string(typ)).Scan(&n)
	return n, err
}

func (s *SQLSink) Close() error { return s.db.Close() }
