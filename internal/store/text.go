package store

import (
	"context"
	"strings"
)

// TextMatch is a document whose materialized text contains a query.
type TextMatch struct {
	DocID string
	Clock int64
	Body  string
}

// PutText stores the plain text of docID as of clock. Older clocks never
// overwrite newer text.
func (s *Store) PutText(ctx context.Context, docID string, clock int64, body string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.bind(`
		INSERT INTO document_text (doc_id, clock, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (doc_id) DO UPDATE SET clock = excluded.clock, body = excluded.body, updated_at = excluded.updated_at
		WHERE document_text.clock <= excluded.clock
	`), docID, clock, body, s.now().UnixMilli())
	if err != nil {
		return unavailable("write text", err)
	}
	return nil
}

// SearchText does a case-insensitive substring match over stored text.
func (s *Store) SearchText(ctx context.Context, query string, limit, offset int) ([]TextMatch, int, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, 0, nil
	}
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"

	var total int
	if err := s.db.QueryRowContext(ctx, s.dialect.bind(`
		SELECT COUNT(*) FROM document_text WHERE LOWER(body) LIKE ? ESCAPE '\'
	`), pattern).Scan(&total); err != nil {
		return nil, 0, unavailable("count text matches", err)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.bind(`
		SELECT doc_id, clock, body
		FROM document_text
		WHERE LOWER(body) LIKE ? ESCAPE '\'
		ORDER BY updated_at DESC, doc_id
		LIMIT ? OFFSET ?
	`), pattern, limit, offset)
	if err != nil {
		return nil, 0, unavailable("search text", err)
	}
	defer rows.Close()

	var matches []TextMatch
	for rows.Next() {
		var m TextMatch
		if err := rows.Scan(&m.DocID, &m.Clock, &m.Body); err != nil {
			return nil, 0, unavailable("scan text match", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, unavailable("search text", err)
	}
	return matches, total, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
