// Package sqlite opens a history sink backed by a SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/tailvisor/internal/history"
)

// New accepts "sqlite:///path/to/file.db", "sqlite://:memory:", a bare path
// or ":memory:".
func New(dsn string) (*history.SQLSink, error) {
	p := strings.TrimSpace(dsn)
	if strings.HasPrefix(strings.ToLower(p), "sqlite://") {
		p = p[len("sqlite://"):]
	}
	if p == "" {
		return nil, errors.New("empty sqlite history dsn")
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	ctx := context.Background()
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout=3000;")
	s, err := history.NewSQL(ctx, db, history.DialectSQLite)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
