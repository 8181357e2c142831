//go:build sqlite && postgres

package main

import (
	"context"
	"os"

	"ssogate/internal/gate"
	"ssogate/internal/observability"
)

// selectSessionStore picks PostgreSQL if DATABASE_URL is set, otherwise SQLite.
func selectSessionStore(logger observability.Logger) gate.Store {
	if os.Getenv("DATABASE_URL") != "" {
		st, err := gate.NewPostgresStore(context.Background(), databaseURL())
		if err != nil {
			logger.Error("postgres session store init failed; falling back to sqlite", "error", err)
		} else {
			logger.Info("using postgres session store")
			return st
		}
	}
	dsn := sqliteDSN()
	st, err := gate.NewSQLiteStore(dsn)
	if err != nil {
		logger.Error("sqlite session store init failed; falling back to memory", "error", err)
		return gate.NewMemoryStore()
	}
	logger.Info("using sqlite session store", "dsn", dsn)
	return st
}
