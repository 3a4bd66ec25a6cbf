package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/CZERTAINLY/ostrun/internal/service"
	"github.com/CZERTAINLY/ostrun/internal/store"
)

// newSupervisor wires reporters and the build history from the loaded
// config. The returned function releases both.
func newSupervisor(ctx context.Context, extra ...service.Option) (*service.Supervisor, func(), error) {
	db, err := openDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if db == nil {
			return
		}
		if err := db.Close(); err != nil {
			slog.ErrorContext(ctx, "closing build history", "error", err)
		}
	}

	reporters, err := service.Reporters(ctx, config.Service)
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("initializing reporters: %w", err)
	}
	opts := []service.Option{service.WithReporters(reporters...)}
	if db != nil {
		opts = append(opts, service.WithDB(db))
	}
	opts = append(opts, extra...)

	supervisor, err := service.NewSupervisor(config, opts...)
	if err != nil {
		for _, r := range reporters {
			if c, ok := r.(service.ReportCloser); ok {
				_ = c.Close()
			}
		}
		closeDB()
		return nil, nil, err
	}

	closeFn := func() {
		supervisor.Close(ctx)
		closeDB()
	}
	return supervisor, closeFn, nil
}

// openDB returns nil when service.db is not configured.
func openDB(ctx context.Context) (*sql.DB, error) {
	path := config.Service.DB
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating directory for service.db: %w", err)
	}
	db, err := store.InitDB(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("opening service.db: %w", err)
	}
	return db, nil
}

func printHistory(ctx context.Context, w io.Writer, db *sql.DB, limit int) error {
	rows, err := store.List(ctx, db, limit)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(w, row.String()); err != nil {
			return err
		}
	}
	return nil
}
