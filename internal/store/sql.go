package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/loykin/tailvisor/internal/process"
)

// Dialect selects placeholder and type syntax for SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore keeps the snapshot in two tables, processes and supervisor_meta.
// A save replaces both inside a single transaction.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQL wraps an open database and creates the schema if missing.
func NewSQL(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("%w: ensure schema: %v", ErrPersistence, err)
	}
	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	intType := "INTEGER"
	if s.dialect == DialectPostgres {
		intType = "BIGINT"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processes(
			id ` + intType + ` PRIMARY KEY,
			name TEXT NOT NULL,
			dir TEXT NOT NULL,
			command TEXT NOT NULL,
			username TEXT NOT NULL,
			running BOOLEAN NOT NULL,
			exit_code INTEGER NOT NULL,
			started_at ` + intType + ` NOT NULL,
			autostart BOOLEAN NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS supervisor_meta(
			key TEXT PRIMARY KEY,
			value ` + intType + ` NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $n for postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, dir, command, username, running, exit_code, started_at, autostart FROM processes ORDER BY id`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: query processes: %v", ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			d       process.Durable
			running bool
			code    int
		)
		if err := rows.Scan(&d.ID, &d.Name, &d.Dir, &d.Command, &d.User, &running, &code, &d.Timestamp, &d.Autostart); err != nil {
			return Snapshot{}, fmt.Errorf("%w: scan process: %v", ErrPersistence, err)
		}
		if running {
			d.Status = process.StatusRunning
		} else {
			d.Status = process.Exited(code)
		}
		snap.Processes = append(snap.Processes, d)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM supervisor_meta WHERE key = ?`), "counter").Scan(&snap.Counter)
	if err != nil && err != sql.ErrNoRows {
		return Snapshot{}, fmt.Errorf("%w: read counter: %v", ErrPersistence, err)
	}
	return snap, nil
}

func (s *SQLStore) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	if err := s.saveTx(ctx, tx, snap); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return nil
}

func (s *SQLStore) saveTx(ctx context.Context, tx *sql.Tx, snap Snapshot) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM processes`); err != nil {
		return err
	}
	insert := s.rebind(`INSERT INTO processes(id, name, dir, command, username, running, exit_code, started_at, autostart) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, d := range snap.Processes {
		if _, err := tx.ExecContext(ctx, insert,
			d.ID, d.Name, d.Dir, d.Command, d.User, d.Status.Running, d.Status.ExitCode, d.Timestamp, d.Autostart); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO supervisor_meta(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`), "counter", snap.Counter)
	return err
}

func (s *SQLStore) Close() error { return s.db.Close() }
