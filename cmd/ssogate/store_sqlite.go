//go:build sqlite && !postgres

package main

import (
	"ssogate/internal/gate"
	"ssogate/internal/observability"
)

// selectSessionStore returns a SQLite-backed store when built with the 'sqlite' tag.
// Configure with env var SQLITE_DSN (e.g., file:ssogate.db).
func selectSessionStore(logger observability.Logger) gate.Store {
	dsn := sqliteDSN()
	st, err := gate.NewSQLiteStore(dsn)
	if err != nil {
		logger.Error("sqlite session store init failed; falling back to memory", "error", err)
		return gate.NewMemoryStore()
	}
	logger.Info("using sqlite session store", "dsn", dsn)
	return st
}
