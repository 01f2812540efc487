package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq" // registers the "postgres" driver

	"github.com/couchcryptid/storm-bulletins/internal/adapter/memstore"
	"github.com/couchcryptid/storm-bulletins/internal/adapter/postgres"
	"github.com/couchcryptid/storm-bulletins/internal/adapter/sqlite"
	"github.com/couchcryptid/storm-bulletins/internal/config"
	"github.com/couchcryptid/storm-bulletins/internal/store"
)

// openBackend builds the configured document store. The returned func
// releases it.
func openBackend(ctx context.Context, cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) (store.Backend, func() error, error) {
	if cfg.StoreBackend != config.BackendPostgres {
		logger.Info("using in-memory document store")
		return memstore.New(clock), func() error { return nil }, nil
	}

	db, err := postgres.InitDatabase("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	pg := postgres.New(db, postgres.NewListener(cfg.DatabaseURL, logger), clock, logger)
	if err := pg.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}

	go func() {
		if err := pg.Run(ctx); err != nil {
			logger.Error("postgres change feed error", "error", err)
		}
	}()

	logger.Info("using postgres document store")
	return pg, func() error {
		return errors.Join(pg.Close(), db.Close())
	}, nil
}

type readinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// readiness is ready when every component is.
type readiness []readinessChecker

func (r readiness) CheckReadiness(ctx context.Context) error {
	for _, c := range r {
		if err := c.CheckReadiness(ctx); err != nil {
			return err
		}
	}
	return nil
}

type kvPinger struct {
	kv *sqlite.KV
}

func (p kvPinger) CheckReadiness(ctx context.Context) error {
	if err := p.kv.Ping(ctx); err != nil {
		return fmt.Errorf("device storage: %w", err)
	}
	return nil
}
