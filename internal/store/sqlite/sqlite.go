// Package sqlite stores supervisor snapshots in a SQLite database using the
// CGO-free modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/tailvisor/internal/store"
)

// New opens (creating if needed) the database at path. Use ":memory:" for an
// in-memory database.
func New(ctx context.Context, path string) (*store.SQLStore, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// single connection so ":memory:" is one database and writers never race
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.ExecContext(ctx, "PRAGMA busy_timeout=3000;")
	s, err := store.NewSQL(ctx, d, store.DialectSQLite)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}
