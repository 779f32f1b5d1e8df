package store

import (
	"context"
	"database/sql"
)

// SQLite relies on the single pooled connection for cross-writer ordering.
var SQLite = Dialect{
	name: "sqlite",
	lockDoc: func(context.Context, *sql.Tx, string) error {
		return nil
	},
}

// NewSQLiteStore wraps a database opened with OpenSQLite.
func NewSQLiteStore(db *sql.DB, opts ...Option) *Store {
	return newStore(db, SQLite, opts...)
}
