package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"collab/syncd/internal/crdt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "syncd.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	s := NewSQLiteStore(db, WithClock(func() time.Time {
		return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	}))
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return s
}

func newPostgresTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SYNCD_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("SYNCD_TEST_DATABASE_URL is not set")
	}
	ctx := context.Background()
	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres() error = %v", err)
	}
	s := NewPostgresStore(db)
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return s
}

func textUpdate(t *testing.T, doc *crdt.Doc, index int, s string) []byte {
	t.Helper()
	update, err := doc.Transact(nil, func(tx *crdt.Txn) error {
		return doc.GetText("body").Insert(tx, index, s, nil)
	})
	if err != nil {
		t.Fatalf("Transact() error = %v", err)
	}
	return update
}

func TestAppendAssignsSequentialClocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		clock, err := s.AppendUpdate(ctx, "doc", []byte{byte(i)})
		if err != nil {
			t.Fatalf("AppendUpdate() error = %v", err)
		}
		if clock != int64(i) {
			t.Fatalf("AppendUpdate() clock = %d, want %d", clock, i)
		}
	}
	if clock, err := s.AppendUpdate(ctx, "other", []byte{9}); err != nil || clock != 1 {
		t.Fatalf("AppendUpdate(other) = %d, %v; want 1", clock, err)
	}

	records, err := s.Records(ctx, "doc")
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Records() len = %d, want 3", len(records))
	}
	for i, r := range records {
		if r.Clock != int64(i+1) || r.Payload[0] != byte(i+1) || r.Snapshot || r.DocID != "doc" {
			t.Fatalf("record %d = %+v", i, r)
		}
		if !r.CreatedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
			t.Fatalf("record %d created at %v", i, r.CreatedAt)
		}
	}
}

func TestConcurrentAppendsGetDistinctClocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.AppendUpdate(ctx, "doc", []byte{byte(i)}); err != nil {
				t.Errorf("AppendUpdate() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	updates, err := s.GetAllUpdates(ctx, "doc")
	if err != nil {
		t.Fatalf("GetAllUpdates() error = %v", err)
	}
	if len(updates) != n {
		t.Fatalf("GetAllUpdates() len = %d, want %d", len(updates), n)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetMeta(ctx, "doc", "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetMeta() error = %v, want ErrNotFound", err)
	}
	if err := s.SetMeta(ctx, "doc", "k", []byte("v1")); err != nil {
		t.Fatalf("SetMeta() error = %v", err)
	}
	if err := s.SetMeta(ctx, "doc", "k", []byte("v2")); err != nil {
		t.Fatalf("SetMeta() error = %v", err)
	}
	got, err := s.GetMeta(ctx, "doc", "k")
	if err != nil {
		t.Fatalf("GetMeta() error = %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("GetMeta() = %q, want v2", got)
	}
}

func TestReplacePrefixKeepsLaterRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := crdt.NewDoc(crdt.WithClientID(1))
	var updates [][]byte
	for i, part := range []string{"a", "b", "c", "d"} {
		updates = append(updates, textUpdate(t, doc, i, part))
	}
	for _, u := range updates {
		if _, err := s.AppendUpdate(ctx, "doc", u); err != nil {
			t.Fatalf("AppendUpdate() error = %v", err)
		}
	}

	prefix := crdt.NewDoc()
	for _, u := range updates[:3] {
		if err := prefix.ApplyUpdate(u, nil); err != nil {
			t.Fatalf("ApplyUpdate() error = %v", err)
		}
	}
	if err := s.ReplacePrefix(ctx, "doc", 3, prefix.EncodeStateAsUpdate(nil)); err != nil {
		t.Fatalf("ReplacePrefix() error = %v", err)
	}

	records, err := s.Records(ctx, "doc")
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(records) != 2 || !records[0].Snapshot || records[0].Clock != 3 || records[1].Clock != 4 {
		t.Fatalf("Records() = %+v", records)
	}

	next, err := s.AppendUpdate(ctx, "doc", textUpdate(t, doc, 4, "e"))
	if err != nil {
		t.Fatalf("AppendUpdate() error = %v", err)
	}
	if next != 5 {
		t.Fatalf("AppendUpdate() after compaction clock = %d, want 5", next)
	}

	loaded, err := LoadDocument(ctx, s, "doc")
	if err != nil {
		t.Fatalf("LoadDocument() error = %v", err)
	}
	if got := loaded.GetText("body").String(); got != "abcde" {
		t.Fatalf("LoadDocument() text = %q, want abcde", got)
	}

	meta, err := s.GetMeta(ctx, "doc", MetaLastCompactionClock)
	if err != nil {
		t.Fatalf("GetMeta() error = %v", err)
	}
	if string(meta) != "3" {
		t.Fatalf("last compaction clock = %q, want 3", meta)
	}
}

func TestReplacePrefixConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendUpdate(ctx, "doc", []byte{1}); err != nil {
		t.Fatalf("AppendUpdate() error = %v", err)
	}
	if err := s.ClearDocument(ctx, "doc"); err != nil {
		t.Fatalf("ClearDocument() error = %v", err)
	}
	err := s.ReplacePrefix(ctx, "doc", 1, crdt.EmptyUpdate())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("ReplacePrefix() error = %v, want ErrConflict", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatalf("ReplacePrefix() conflict must not be retryable: %v", err)
	}
}

func TestCompactionCandidatesAndDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.AppendUpdate(ctx, "busy", []byte("xx")); err != nil {
			t.Fatalf("AppendUpdate() error = %v", err)
		}
	}
	if _, err := s.AppendUpdate(ctx, "quiet", []byte("x")); err != nil {
		t.Fatalf("AppendUpdate() error = %v", err)
	}

	ids, err := s.CompactionCandidates(ctx, 3)
	if err != nil {
		t.Fatalf("CompactionCandidates() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "busy" {
		t.Fatalf("CompactionCandidates() = %v, want [busy]", ids)
	}

	docs, err := s.Documents(ctx)
	if err != nil {
		t.Fatalf("Documents() error = %v", err)
	}
	want := []DocumentInfo{
		{DocID: "busy", Records: 5, LatestClock: 5, Bytes: 10},
		{DocID: "quiet", Records: 1, LatestClock: 1, Bytes: 1},
	}
	if fmt.Sprint(docs) != fmt.Sprint(want) {
		t.Fatalf("Documents() = %+v, want %+v", docs, want)
	}
}

func TestLoadDocumentReplaysLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := crdt.NewDoc(crdt.WithClientID(1))
	b := crdt.NewDoc(crdt.WithClientID(2))
	ua := textUpdate(t, a, 0, "Hello")
	ub := textUpdate(t, b, 0, "World ")
	for _, u := range [][]byte{ub, ua} {
		if _, err := s.AppendUpdate(ctx, "doc", u); err != nil {
			t.Fatalf("AppendUpdate() error = %v", err)
		}
	}

	doc, err := LoadDocument(ctx, s, "doc")
	if err != nil {
		t.Fatalf("LoadDocument() error = %v", err)
	}
	if got := doc.GetText("body").String(); got != "HelloWorld " {
		t.Fatalf("LoadDocument() text = %q", got)
	}

	sv, err := s.GetStateVector(ctx, "doc")
	if err != nil {
		t.Fatalf("GetStateVector() error = %v", err)
	}
	if string(sv) != string(doc.EncodeStateVector()) {
		t.Fatalf("GetStateVector() = %v, want %v", sv, doc.EncodeStateVector())
	}

	empty, err := LoadDocument(ctx, s, "missing")
	if err != nil {
		t.Fatalf("LoadDocument(missing) error = %v", err)
	}
	if len(empty.StateVector()) != 0 {
		t.Fatalf("LoadDocument(missing) state = %v", empty.StateVector())
	}
}

func TestLoadDocumentRejectsCorruptRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.AppendUpdate(ctx, "doc", []byte{0xff, 0x01}); err != nil {
		t.Fatalf("AppendUpdate() error = %v", err)
	}
	if _, err := LoadDocument(ctx, s, "doc"); !errors.Is(err, crdt.ErrDecode) {
		t.Fatalf("LoadDocument() error = %v, want crdt.ErrDecode", err)
	}
}

func TestClosedDatabaseIsUnavailable(t *testing.T) {
	s := newTestStore(t)
	_ = s.DB().Close()
	if _, err := s.AppendUpdate(context.Background(), "doc", []byte{1}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("AppendUpdate() error = %v, want ErrUnavailable", err)
	}
}

func TestPostgresAppendAndReplace(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()
	docID := fmt.Sprintf("pg-test-%d", time.Now().UnixNano())
	t.Cleanup(func() { _ = s.ClearDocument(context.Background(), docID) })

	for i := 1; i <= 3; i++ {
		clock, err := s.AppendUpdate(ctx, docID, []byte{byte(i)})
		if err != nil {
			t.Fatalf("AppendUpdate() error = %v", err)
		}
		if clock != int64(i) {
			t.Fatalf("AppendUpdate() clock = %d, want %d", clock, i)
		}
	}
	if err := s.ReplacePrefix(ctx, docID, 2, []byte{7}); err != nil {
		t.Fatalf("ReplacePrefix() error = %v", err)
	}
	records, err := s.Records(ctx, docID)
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(records) != 2 || !records[0].Snapshot || records[0].Payload[0] != 7 {
		t.Fatalf("Records() = %+v", records)
	}
}

func TestSearchText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutText(ctx, "a", 5, "Quarterly Plan: 100% done"); err != nil {
		t.Fatalf("PutText() error = %v", err)
	}
	if err := s.PutText(ctx, "b", 1, "meeting notes"); err != nil {
		t.Fatalf("PutText() error = %v", err)
	}
	// stale text does not replace newer text
	if err := s.PutText(ctx, "a", 3, "old plan"); err != nil {
		t.Fatalf("PutText() error = %v", err)
	}

	tests := []struct {
		query string
		want  []string
	}{
		{"plan", []string{"a"}},
		{"PLAN", []string{"a"}},
		{"100%", []string{"a"}},
		{"0%d", nil},
		{"notes", []string{"b"}},
		{"old", nil},
		{"  ", nil},
	}
	for _, tt := range tests {
		matches, total, err := s.SearchText(ctx, tt.query, 10, 0)
		if err != nil {
			t.Fatalf("SearchText(%q) error = %v", tt.query, err)
		}
		var got []string
		for _, m := range matches {
			got = append(got, m.DocID)
		}
		if fmt.Sprint(got) != fmt.Sprint(tt.want) || total != len(tt.want) {
			t.Fatalf("SearchText(%q) = %v (total %d), want %v", tt.query, got, total, tt.want)
		}
	}

	if err := s.ClearDocument(ctx, "a"); err != nil {
		t.Fatalf("ClearDocument() error = %v", err)
	}
	if matches, _, err := s.SearchText(ctx, "plan", 10, 0); err != nil || len(matches) != 0 {
		t.Fatalf("SearchText() after clear = %v, %v", matches, err)
	}
}
