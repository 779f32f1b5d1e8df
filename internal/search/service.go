package search

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"collab/syncd/internal/store"
)

// TextStore is the substring fallback kept next to the update log.
type TextStore interface {
	PutText(ctx context.Context, docID string, clock int64, body string) error
	SearchText(ctx context.Context, query string, limit, offset int) ([]store.TextMatch, int, error)
}

// Service is the facade that tries Meilisearch first and falls back to the
// text table of the store.
type Service struct {
	meili    *Meili
	fallback TextStore
	logger   *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback TextStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{meili: meili, fallback: fallback, logger: logger}
}

// Search tries Meilisearch if healthy, otherwise falls back to the store.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to store", slog.String("error", err.Error()))
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	matches, total, err := s.fallback.SearchText(ctx, q.Text, q.Limit, q.Offset)
	if err != nil {
		s.logger.Error("text search failed", slog.String("error", err.Error()))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		results = append(results, Result{DocID: m.DocID, Clock: m.Clock, Snippet: snippet(m.Body, q.Text, 60)})
	}
	return Response{Results: results, Total: total, Query: q.Text}
}

// IndexDocument records the text of docID as of clock. The fallback is
// written synchronously; Meilisearch indexing is fire-and-forget.
func (s *Service) IndexDocument(ctx context.Context, docID string, clock int64, text string) error {
	if s.meili != nil && s.meili.Healthy() {
		record := DocumentRecord{
			ID:        RecordID(docID),
			DocID:     docID,
			Text:      text,
			Clock:     clock,
			UpdatedAt: time.Now().UnixMilli(),
		}
		go func() {
			if err := s.meili.IndexDocument(record); err != nil {
				s.logger.Warn("index document", slog.String("doc_id", docID), slog.String("error", err.Error()))
			}
		}()
	}
	if s.fallback == nil {
		return nil
	}
	return s.fallback.PutText(ctx, docID, clock, text)
}

// DeleteDocument removes a document from Meilisearch (fire-and-forget).
// The fallback rows go away with the document's log.
func (s *Service) DeleteDocument(docID string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteDocument(docID); err != nil {
			s.logger.Warn("delete document", slog.String("doc_id", docID), slog.String("error", err.Error()))
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

// snippet cuts body down to the first match of query plus up to radius runes
// of context on each side.
func snippet(body, query string, radius int) string {
	runes := []rune(body)
	lowered := []rune(strings.ToLower(body))
	needle := []rune(strings.ToLower(strings.TrimSpace(query)))
	at := indexRunes(lowered, needle)
	if at < 0 || len(lowered) != len(runes) {
		if len(runes) > 2*radius {
			return string(runes[:2*radius]) + "…"
		}
		return body
	}
	start := max(at-radius, 0)
	end := min(at+len(needle)+radius, len(runes))
	out := string(runes[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(runes) {
		out += "…"
	}
	return out
}

func indexRunes(haystack, needle []rune) int {
	if len(needle) == 0 {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
