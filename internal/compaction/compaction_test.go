package compaction

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"collab/syncd/internal/crdt"
	"collab/syncd/internal/history"
	"collab/syncd/internal/search"
	"collab/syncd/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "syncd.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	s := store.NewSQLiteStore(db)
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return s
}

// editSession produces n updates from three replicas that edit concurrently
// and sync with each other now and then.
func editSession(t *testing.T, n int, seed uint64) [][]byte {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed+1))
	replicas := []*crdt.Doc{
		crdt.NewDoc(crdt.WithClientID(1)),
		crdt.NewDoc(crdt.WithClientID(2)),
		crdt.NewDoc(crdt.WithClientID(3)),
	}
	var log [][]byte
	delivered := make([]int, len(replicas))

	for len(log) < n {
		doc := replicas[rng.IntN(len(replicas))]
		update, err := doc.Transact(nil, func(tx *crdt.Txn) error {
			text := doc.GetText("body")
			switch op := rng.IntN(6); {
			case op <= 1 || text.Len() == 0:
				return text.Insert(tx, rng.IntN(text.Len()+1), string(rune('a'+rng.IntN(26))), nil)
			case op == 2:
				return text.Delete(tx, rng.IntN(text.Len()), 1)
			case op == 3:
				key := string(rune('k' + rng.IntN(4)))
				return doc.GetMap("meta").Set(tx, key, crdt.Number(rng.IntN(100)))
			case op == 4:
				return doc.GetArray("items").Push(tx, crdt.String(strings.Repeat("x", 1+rng.IntN(3))))
			default:
				items := doc.GetArray("items")
				if items.Len() == 0 {
					return text.Format(tx, 0, min(2, text.Len()), crdt.Attrs{"bold": crdt.Bool(true)})
				}
				return items.Delete(tx, rng.IntN(items.Len()), 1)
			}
		})
		if err != nil {
			t.Fatalf("Transact() error = %v", err)
		}
		if update != nil {
			log = append(log, update)
		}

		if rng.IntN(5) == 0 {
			i := rng.IntN(len(replicas))
			for _, u := range log[delivered[i]:] {
				if err := replicas[i].ApplyUpdate(u, "sync"); err != nil {
					t.Fatalf("ApplyUpdate() error = %v", err)
				}
			}
			delivered[i] = len(log)
		}
	}
	return log[:n]
}

func replay(t *testing.T, updates [][]byte) *crdt.Doc {
	t.Helper()
	doc := crdt.NewDoc()
	for _, u := range updates {
		if err := doc.ApplyUpdate(u, nil); err != nil {
			t.Fatalf("ApplyUpdate() error = %v", err)
		}
	}
	return doc
}

func assertSameDocument(t *testing.T, got, want *crdt.Doc) {
	t.Helper()
	if !reflect.DeepEqual(got.ToJSON(), want.ToJSON()) {
		t.Fatalf("document contents differ\n got = %v\nwant = %v", got.ToJSON(), want.ToJSON())
	}
	if string(got.EncodeStateVector()) != string(want.EncodeStateVector()) {
		t.Fatalf("state vectors differ: %v vs %v", got.StateVector(), want.StateVector())
	}
	if got.GetText("body").String() != want.GetText("body").String() {
		t.Fatalf("text differs: %q vs %q", got.GetText("body").String(), want.GetText("body").String())
	}
}

func TestCompactingFiveHundredOperations(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	updates := editSession(t, 500, 7)
	for _, u := range updates {
		if _, err := s.AppendUpdate(ctx, "doc", u); err != nil {
			t.Fatalf("AppendUpdate() error = %v", err)
		}
	}
	before, err := store.LoadDocument(ctx, s, "doc")
	if err != nil {
		t.Fatalf("LoadDocument() error = %v", err)
	}
	assertSameDocument(t, before, replay(t, updates))

	c := New(s, quietLogger())
	res, err := c.CompactDocument(ctx, "doc")
	if err != nil {
		t.Fatalf("CompactDocument() error = %v", err)
	}
	if res.Records != 500 || res.Upto != 500 || res.Skipped {
		t.Fatalf("CompactDocument() = %+v", res)
	}

	records, err := s.Records(ctx, "doc")
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(records) != 1 || !records[0].Snapshot {
		t.Fatalf("log after compaction has %d records", len(records))
	}

	after, err := store.LoadDocument(ctx, s, "doc")
	if err != nil {
		t.Fatalf("LoadDocument() error = %v", err)
	}
	assertSameDocument(t, after, before)
}

func TestCompactionInterleavedWithAppends(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	updates := editSession(t, 240, 11)
	c := New(s, quietLogger())

	for i, u := range updates {
		if _, err := s.AppendUpdate(ctx, "doc", u); err != nil {
			t.Fatalf("AppendUpdate() error = %v", err)
		}
		if i%60 == 59 {
			if _, err := c.CompactDocument(ctx, "doc"); err != nil {
				t.Fatalf("CompactDocument() error = %v", err)
			}
			loaded, err := store.LoadDocument(ctx, s, "doc")
			if err != nil {
				t.Fatalf("LoadDocument() error = %v", err)
			}
			assertSameDocument(t, loaded, replay(t, updates[:i+1]))
		}
	}
}

// racingLog appends a record right after the compactor has read the log.
type racingLog struct {
	*store.Store
	late []byte
}

func (r *racingLog) Records(ctx context.Context, docID string) ([]store.Record, error) {
	records, err := r.Store.Records(ctx, docID)
	if err != nil || r.late == nil {
		return records, err
	}
	if _, err := r.Store.AppendUpdate(ctx, docID, r.late); err != nil {
		return nil, err
	}
	r.late = nil
	return records, nil
}

func TestAppendDuringCompactionSurvives(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	updates := editSession(t, 30, 3)
	for _, u := range updates[:29] {
		if _, err := s.AppendUpdate(ctx, "doc", u); err != nil {
			t.Fatalf("AppendUpdate() error = %v", err)
		}
	}

	c := New(&racingLog{Store: s, late: updates[29]}, quietLogger())
	res, err := c.CompactDocument(ctx, "doc")
	if err != nil {
		t.Fatalf("CompactDocument() error = %v", err)
	}
	if res.Upto != 29 {
		t.Fatalf("CompactDocument() upto = %d, want 29", res.Upto)
	}

	records, err := s.Records(ctx, "doc")
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(records) != 2 || records[1].Clock != 30 || records[1].Snapshot {
		t.Fatalf("Records() = %+v", records)
	}
	loaded, err := store.LoadDocument(ctx, s, "doc")
	if err != nil {
		t.Fatalf("LoadDocument() error = %v", err)
	}
	assertSameDocument(t, loaded, replay(t, updates))
}

type failingLog struct {
	*store.Store
	failFor string
}

func (f failingLog) ReplacePrefix(ctx context.Context, docID string, upto int64, snapshot []byte) error {
	if docID == f.failFor {
		return errors.New("disk full")
	}
	return f.Store.ReplacePrefix(ctx, docID, upto, snapshot)
}

func TestFailedCompactionLeavesLogIntact(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, docID := range []string{"bad", "good"} {
		for _, u := range editSession(t, 5, 5) {
			if _, err := s.AppendUpdate(ctx, docID, u); err != nil {
				t.Fatalf("AppendUpdate() error = %v", err)
			}
		}
	}

	c := New(failingLog{Store: s, failFor: "bad"}, quietLogger(), WithMinRecords(3))
	n, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("RunOnce() compacted %d documents, want 1", n)
	}

	bad, err := s.Records(ctx, "bad")
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(bad) != 5 {
		t.Fatalf("failed compaction changed the log: %d records", len(bad))
	}
	good, err := s.Records(ctx, "good")
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(good) != 1 {
		t.Fatalf("good log has %d records, want 1", len(good))
	}
}

func TestSmallLogIsSkipped(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if _, err := s.AppendUpdate(ctx, "doc", editSession(t, 1, 1)[0]); err != nil {
		t.Fatalf("AppendUpdate() error = %v", err)
	}
	res, err := New(s, quietLogger()).CompactDocument(ctx, "doc")
	if err != nil {
		t.Fatalf("CompactDocument() error = %v", err)
	}
	if !res.Skipped {
		t.Fatalf("CompactDocument() = %+v, want skipped", res)
	}
}

type recordingSink struct {
	got []Snapshot
}

func (*recordingSink) Name() string { return "recording" }

func (r *recordingSink) Store(_ context.Context, snap Snapshot) error {
	r.got = append(r.got, snap)
	return errors.New("sink errors are logged only")
}

func TestSinksReceiveMaterializedSnapshot(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	doc := crdt.NewDoc(crdt.WithClientID(9))
	for _, part := range []string{"zebra ", "crossing"} {
		update, err := doc.Transact(nil, func(tx *crdt.Txn) error {
			return doc.GetText("body").Insert(tx, doc.GetText("body").Len(), part, nil)
		})
		if err != nil {
			t.Fatalf("Transact() error = %v", err)
		}
		if _, err := s.AppendUpdate(ctx, "team/doc", update); err != nil {
			t.Fatalf("AppendUpdate() error = %v", err)
		}
	}

	hist := history.New(t.TempDir(), "")
	idx := search.NewService(nil, s, quietLogger())
	rec := &recordingSink{}
	c := New(s, quietLogger(), WithSinks(rec, HistorySink{History: hist}, SearchSink{Search: idx}))

	if _, err := c.CompactDocument(ctx, "team/doc"); err != nil {
		t.Fatalf("CompactDocument() error = %v", err)
	}

	if len(rec.got) != 1 {
		t.Fatalf("sink called %d times", len(rec.got))
	}
	snap := rec.got[0]
	if snap.Clock != 2 || snap.Text != "zebra crossing" || string(snap.JSON) != `{"body":"zebra crossing"}` {
		t.Fatalf("snapshot = %+v (json %s)", snap, snap.JSON)
	}

	commits, err := hist.History("team/doc", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(commits) != 1 {
		t.Fatalf("History() = %+v", commits)
	}

	resp := idx.Search(ctx, search.Query{Text: "crossing"})
	if len(resp.Results) != 1 || resp.Results[0].DocID != "team/doc" {
		t.Fatalf("Search() = %+v", resp)
	}
}
