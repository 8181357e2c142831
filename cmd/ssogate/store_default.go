//go:build !sqlite && !postgres

package main

import (
	"os"

	"ssogate/internal/gate"
	"ssogate/internal/observability"
)

// selectSessionStore returns the in-memory store when built without the
// 'sqlite' or 'postgres' tags.
func selectSessionStore(logger observability.Logger) gate.Store {
	if os.Getenv("SQLITE_DSN") != "" || os.Getenv("DATABASE_URL") != "" {
		logger.Warn("database configured, but binary not built with -tags sqlite or postgres; using in-memory sessions")
	}
	return gate.NewMemoryStore()
}
