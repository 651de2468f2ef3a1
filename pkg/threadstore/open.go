package threadstore

import (
	"context"
	"fmt"
)

// Config selects and configures a backend.
type Config struct {
	Driver   string // file, sqlite, postgres
	Path     string
	DSN      string
	MaxConns int32
}

// Open builds the configured backend wrapped in instrumentation.
func Open(ctx context.Context, cfg Config, opts Options) (Store, error) {
	var (
		store Store
		err   error
	)

	switch cfg.Driver {
	case "file":
		store, err = NewFileStore(cfg.Path, opts)
	case "sqlite", "":
		store, err = NewSQLiteStore(cfg.Path, opts)
	case "postgres":
		store, err = NewPostgresStore(ctx, cfg.DSN, cfg.MaxConns, opts)
	default:
		return nil, fmt.Errorf("threadstore: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	return Instrument(store, opts.Logger), nil
}
