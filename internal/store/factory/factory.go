package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/loykin/tailvisor/internal/store"
	pg "github.com/loykin/tailvisor/internal/store/postgres"
	sq "github.com/loykin/tailvisor/internal/store/sqlite"
)

// Config selects the snapshot backend.
type Config struct {
	Type string `mapstructure:"type"` // file (default), sqlite, postgres
	Path string `mapstructure:"path"` // file or sqlite path
	DSN  string `mapstructure:"dsn"`  // postgres connection string
}

// New builds the store described by cfg.
func New(ctx context.Context, cfg Config) (store.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "file", "json":
		return store.NewFileStore(cfg.Path), nil
	case "sqlite":
		path := strings.TrimPrefix(strings.TrimSpace(cfg.Path), "sqlite://")
		if path == "" {
			path = strings.TrimPrefix(strings.TrimSpace(cfg.DSN), "sqlite://")
		}
		return sq.New(ctx, path)
	case "postgres", "postgresql":
		return pg.New(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store type %q", cfg.Type)
	}
}

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - postgres: DSN starting with "postgres://" or "postgresql://"
//   - sqlite:   "sqlite://<path>"
//   - file:     "file://<path>" or a bare path (JSON snapshot)
func NewFromDSN(ctx context.Context, dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return pg.New(ctx, d)
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.New(ctx, strings.TrimPrefix(d, "sqlite://"))
	case strings.HasPrefix(ld, "file://"):
		return store.NewFileStore(strings.TrimPrefix(d, "file://")), nil
	default:
		return store.NewFileStore(d), nil
	}
}
