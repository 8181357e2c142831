//go:build postgres && !sqlite

package main

import (
	"context"

	"ssogate/internal/gate"
	"ssogate/internal/observability"
)

// selectSessionStore returns a PostgreSQL-backed store when built with the
// 'postgres' tag. Configure with env var DATABASE_URL.
func selectSessionStore(logger observability.Logger) gate.Store {
	st, err := gate.NewPostgresStore(context.Background(), databaseURL())
	if err != nil {
		logger.Error("postgres session store init failed; falling back to memory", "error", err)
		return gate.NewMemoryStore()
	}
	logger.Info("using postgres session store")
	return st
}
