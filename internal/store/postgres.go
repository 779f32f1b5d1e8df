package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// Dialect carries the few statements that differ between backends.
type Dialect struct {
	name        string
	placeholder func(n int) string
	lockDoc     func(ctx context.Context, tx *sql.Tx, docID string) error
}

// Postgres serializes writers of one document across processes with a
// transaction-scoped advisory lock keyed by the document id.
var Postgres = Dialect{
	name:        "postgres",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	lockDoc: func(ctx context.Context, tx *sql.Tx, docID string) error {
		_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, docID)
		return err
	},
}

func (d Dialect) String() string {
	return d.name
}

// bind rewrites ? placeholders for the dialect. Queries never contain a
// literal question mark.
func (d Dialect) bind(query string) string {
	if d.placeholder == nil {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NewPostgresStore wraps a database opened with OpenPostgres.
func NewPostgresStore(db *sql.DB, opts ...Option) *Store {
	return newStore(db, Postgres, opts...)
}
