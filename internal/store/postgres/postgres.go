package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/tailvisor/internal/store"
)

// New connects through the pgx stdlib driver and ensures the schema.
func New(ctx context.Context, dsn string) (*store.SQLStore, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := d.PingContext(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	s, err := store.NewSQL(ctx, d, store.DialectPostgres)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}
