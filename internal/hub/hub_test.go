package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"collab/syncd/internal/access"
	"collab/syncd/internal/awareness"
	"collab/syncd/internal/clientid"
	"collab/syncd/internal/crdt"
	"collab/syncd/internal/protocol"
	"collab/syncd/internal/rbac"
	"collab/syncd/internal/reconcile"
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

func newHub(t *testing.T, log Log, checker access.Checker, opts ...Option) *Hub {
	t.Helper()
	h := New(log, checker, quietLogger(), opts...)
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })
	return h
}

// flakyLog fails the next appends with a retryable error.
type flakyLog struct {
	*store.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyLog) fail(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

func (f *flakyLog) AppendUpdate(ctx context.Context, docID string, update []byte) (int64, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return 0, fmt.Errorf("append update: %w", store.ErrUnavailable)
	}
	f.mu.Unlock()
	return f.Store.AppendUpdate(ctx, docID, update)
}

type peer struct {
	t        *testing.T
	conn     *Connection
	clientID uint64
	docs     map[string]*crdt.Doc
}

func connect(t *testing.T, h *Hub, clientID uint64) *peer {
	t.Helper()
	return connectAs(t, h, access.Principal{Subject: fmt.Sprintf("user-%d", clientID), Role: rbac.RoleEditor}, clientID)
}

func connectAs(t *testing.T, h *Hub, p access.Principal, clientID uint64) *peer {
	t.Helper()
	conn, err := h.Connect(p)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return &peer{t: t, conn: conn, clientID: clientID, docs: map[string]*crdt.Doc{}}
}

func (p *peer) doc(docID string) *crdt.Doc {
	d, ok := p.docs[docID]
	if !ok {
		d = crdt.NewDoc(crdt.WithClientID(p.clientID))
		p.docs[docID] = d
	}
	return d
}

func (p *peer) send(f protocol.Frame) {
	p.conn.Receive(context.Background(), protocol.Encode(f))
}

func (p *peer) expect(typ protocol.Type) protocol.Frame {
	p.t.Helper()
	select {
	case raw := <-p.conn.Outbound():
		f, err := protocol.Decode(raw)
		if err != nil {
			p.t.Fatalf("Decode() error = %v", err)
		}
		if f.Type != typ {
			if f.Type == protocol.TypeError {
				code, msg, _ := f.ErrorInfo()
				p.t.Fatalf("got error frame %s %q, want %s", code, msg, typ)
			}
			p.t.Fatalf("got %s frame, want %s", f.Type, typ)
		}
		return f
	case <-time.After(2 * time.Second):
		p.t.Fatalf("no %s frame arrived", typ)
	}
	return protocol.Frame{}
}

func (p *peer) expectError(code protocol.ErrorCode) {
	p.t.Helper()
	f := p.expect(protocol.TypeError)
	got, msg, err := f.ErrorInfo()
	if err != nil {
		p.t.Fatalf("ErrorInfo() error = %v", err)
	}
	if got != code {
		p.t.Fatalf("error code = %s (%q), want %s", got, msg, code)
	}
}

func (p *peer) expectNothing() {
	p.t.Helper()
	select {
	case raw := <-p.conn.Outbound():
		f, _ := protocol.Decode(raw)
		p.t.Fatalf("unexpected %s frame for %q", f.Type, f.DocID)
	case <-time.After(50 * time.Millisecond):
	}
}

// join runs the two step handshake for docID.
func (p *peer) join(docID string) {
	p.t.Helper()
	doc := p.doc(docID)
	p.send(protocol.SyncStep1(docID, doc.EncodeStateVector()))
	step2 := p.expect(protocol.TypeSyncStep2)
	if err := doc.ApplyUpdate(step2.Payload, "server"); err != nil {
		p.t.Fatalf("ApplyUpdate(sync-step2) error = %v", err)
	}
	step1 := p.expect(protocol.TypeSyncStep1)
	diff, err := reconcile.Diff(doc, step1.Payload)
	if err != nil {
		p.t.Fatalf("Diff() error = %v", err)
	}
	p.send(protocol.SyncStep2(docID, diff))
	if m := p.conn.Member(docID); m == nil || m.State() != Synced {
		p.t.Fatalf("member of %s not synced", docID)
	}
}

func (p *peer) insert(docID string, index int, s string) []byte {
	p.t.Helper()
	doc := p.doc(docID)
	update, err := doc.Transact(nil, func(tx *crdt.Txn) error {
		return doc.GetText("body").Insert(tx, index, s, nil)
	})
	if err != nil {
		p.t.Fatalf("Transact() error = %v", err)
	}
	return update
}

func (p *peer) apply(f protocol.Frame) {
	p.t.Helper()
	if err := p.doc(f.DocID).ApplyUpdate(f.Payload, "server"); err != nil {
		p.t.Fatalf("ApplyUpdate() error = %v", err)
	}
}

func (p *peer) text(docID string) string {
	return textOf(p.doc(docID))
}

func textOf(doc *crdt.Doc) string {
	var s string
	doc.Read(func() { s = doc.GetText("body").String() })
	return s
}

func recordCount(t *testing.T, s *store.Store, docID string) int {
	t.Helper()
	records, err := s.Records(context.Background(), docID)
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	return len(records)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJoinExchangesMissingState(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed := &peer{t: t, clientID: 1, docs: map[string]*crdt.Doc{}}
	if _, err := s.AppendUpdate(ctx, "doc", seed.insert("doc", 0, "Hello")); err != nil {
		t.Fatalf("AppendUpdate() error = %v", err)
	}
	h := newHub(t, s, nil)

	a := connect(t, h, 2)
	a.insert("doc", 0, "World ")
	a.join("doc")
	if got := a.text("doc"); got != "HelloWorld " {
		t.Fatalf("joined text = %q", got)
	}
	if got := recordCount(t, s, "doc"); got != 2 {
		t.Fatalf("log has %d records, want 2", got)
	}

	b := connect(t, h, 3)
	b.join("doc")
	if got := b.text("doc"); got != "HelloWorld " {
		t.Fatalf("second joiner text = %q", got)
	}
}

func TestUpdateIsStoredThenRelayed(t *testing.T) {
	s := newStore(t)
	h := newHub(t, s, nil)
	a := connect(t, h, 1)
	b := connect(t, h, 2)
	a.join("doc")
	b.join("doc")

	update := a.insert("doc", 0, "hi")
	a.send(protocol.Update("doc", update))

	b.apply(b.expect(protocol.TypeUpdate))
	if got := b.text("doc"); got != "hi" {
		t.Fatalf("relayed text = %q", got)
	}
	a.expectNothing()
	if got := recordCount(t, s, "doc"); got != 1 {
		t.Fatalf("log has %d records, want 1", got)
	}

	a.send(protocol.Update("doc", update))
	b.expectNothing()
	if got := recordCount(t, s, "doc"); got != 1 {
		t.Fatalf("duplicate update was stored: %d records", got)
	}
}

func TestReadOnlyMemberCannotWrite(t *testing.T) {
	s := newStore(t)
	h := newHub(t, s, access.RoleChecker{})
	viewer := connectAs(t, h, access.Principal{Subject: "v", Role: rbac.RoleViewer}, 5)
	viewer.join("doc")

	viewer.send(protocol.Update("doc", viewer.insert("doc", 0, "x")))
	viewer.expectError(protocol.CodeReadOnly)
	if got := recordCount(t, s, "doc"); got != 0 {
		t.Fatalf("read-only update was stored: %d records", got)
	}
}

func TestForbiddenDocument(t *testing.T) {
	s := newStore(t)
	h := newHub(t, s, access.RoleChecker{Restricted: []string{"private/"}})
	p := connect(t, h, 1)

	p.send(protocol.SyncStep1("private/plans", crdt.NewDoc().EncodeStateVector()))
	p.expectError(protocol.CodeForbidden)
	if p.conn.Member("private/plans") != nil {
		t.Fatal("denied connection became a member")
	}
	if len(h.Rooms()) != 0 {
		t.Fatalf("Rooms() = %+v, want none", h.Rooms())
	}
}

func TestSyncTimeoutTearsDownMember(t *testing.T) {
	s := newStore(t)
	h := newHub(t, s, nil, WithSyncTimeout(50*time.Millisecond))
	p := connect(t, h, 1)

	p.send(protocol.SyncStep1("doc", p.doc("doc").EncodeStateVector()))
	p.expect(protocol.TypeSyncStep2)
	p.expect(protocol.TypeSyncStep1)
	p.expectError(protocol.CodeSyncTimeout)

	waitFor(t, "member teardown", func() bool {
		return p.conn.Member("doc") == nil && len(h.Rooms()) == 0
	})
	select {
	case <-p.conn.Done():
		t.Fatal("sync timeout closed the whole connection")
	default:
	}

	p.join("doc")
}

func TestTeardownReleasesLeaseAndClearsAwareness(t *testing.T) {
	s := newStore(t)
	backend, err := clientid.OpenLocalBackend(t.TempDir(), quietLogger())
	if err != nil {
		t.Fatalf("OpenLocalBackend() error = %v", err)
	}
	defer backend.Close()
	ids := clientid.New(backend, quietLogger())
	h := newHub(t, s, nil, WithClientIDs(ids))

	a := connect(t, h, 0)
	a.send(protocol.ClientIDRequest("doc"))
	id, err := a.expect(protocol.TypeClientIDResponse).ClientID()
	if err != nil {
		t.Fatalf("ClientID() error = %v", err)
	}
	a.clientID = uint64(id)
	a.join("doc")

	a.send(protocol.ClientIDRequest("doc"))
	again, _ := a.expect(protocol.TypeClientIDResponse).ClientID()
	if again != id {
		t.Fatalf("second request returned %d, want %d", again, id)
	}

	b := connect(t, h, 0)
	b.send(protocol.ClientIDRequest("doc"))
	bid, _ := b.expect(protocol.TypeClientIDResponse).ClientID()
	if bid == id {
		t.Fatalf("two open replicas share client id %d", id)
	}
	b.clientID = uint64(bid)
	b.join("doc")

	a.send(protocol.Awareness("doc", awareness.Encode([]awareness.Entry{
		{ClientID: id, Clock: 1, State: json.RawMessage(`{"cursor":3}`)},
	})))
	entries, err := awareness.Decode(b.expect(protocol.TypeAwareness).Payload)
	if err != nil {
		t.Fatalf("awareness.Decode() error = %v", err)
	}
	if len(entries) != 1 || entries[0].ClientID != id || string(entries[0].State) != `{"cursor":3}` {
		t.Fatalf("relayed awareness = %+v", entries)
	}
	a.expectNothing()

	a.conn.Close(nil)
	entries, err = awareness.Decode(b.expect(protocol.TypeAwareness).Payload)
	if err != nil {
		t.Fatalf("awareness.Decode() error = %v", err)
	}
	if len(entries) != 1 || entries[0].ClientID != id || entries[0].State != nil {
		t.Fatalf("removal broadcast = %+v", entries)
	}
	if a.conn.Member("doc") != nil {
		t.Fatal("closed connection still has members")
	}

	lease, err := ids.Allocate(context.Background(), "doc")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	defer lease.Release()
	if lease.ClientID != id {
		t.Fatalf("Allocate() = %d, want released id %d", lease.ClientID, id)
	}
}

func TestAwarenessNeverTouchesDocument(t *testing.T) {
	s := newStore(t)
	h := newHub(t, s, nil)
	a := connect(t, h, 1)
	b := connect(t, h, 2)
	a.join("doc")
	b.join("doc")
	a.send(protocol.Update("doc", a.insert("doc", 0, "abc")))
	b.apply(b.expect(protocol.TypeUpdate))

	doc, err := h.Document(context.Background(), "doc")
	if err != nil {
		t.Fatalf("Document() error = %v", err)
	}
	before := string(doc.EncodeStateVector())

	a.send(protocol.Awareness("doc", awareness.Encode([]awareness.Entry{
		{ClientID: 1, Clock: 1, State: json.RawMessage(`{"name":"a"}`)},
	})))
	b.expect(protocol.TypeAwareness)
	a.send(protocol.Awareness("doc", []byte{0x05}))
	a.expectError(protocol.CodeMalformed)
	b.expectNothing()

	if string(doc.EncodeStateVector()) != before || textOf(doc) != "abc" {
		t.Fatal("awareness changed the document")
	}
	if got := recordCount(t, s, "doc"); got != 1 {
		t.Fatalf("awareness was stored: %d records", got)
	}
}

func TestMalformedFramesDisconnect(t *testing.T) {
	h := newHub(t, newStore(t), nil, WithMaxDecodeErrors(2))
	p := connect(t, h, 1)
	for i := 0; i < 3; i++ {
		p.conn.Receive(context.Background(), []byte{0xff})
	}
	select {
	case <-p.conn.Done():
	default:
		t.Fatal("connection still open after too many malformed frames")
	}
	if !errors.Is(p.conn.Err(), ErrTooManyErrors) {
		t.Fatalf("Err() = %v", p.conn.Err())
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	h := newHub(t, newStore(t), nil, WithOutboundQueue(3))
	a := connect(t, h, 1)
	a.join("doc")

	slow := connect(t, h, 2)
	slow.send(protocol.SyncStep1("doc", slow.doc("doc").EncodeStateVector()))
	for i := 0; i < 3; i++ {
		a.send(protocol.Update("doc", a.insert("doc", i, "x")))
	}

	select {
	case <-slow.conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow consumer was not disconnected")
	}
	if !errors.Is(slow.conn.Err(), ErrQueueOverflow) {
		t.Fatalf("Err() = %v", slow.conn.Err())
	}
	waitFor(t, "slow member removal", func() bool {
		rooms := h.Rooms()
		return len(rooms) == 1 && rooms[0].Members == 1
	})
}

func TestFailedAppendDropsOriginAndKeepsQueue(t *testing.T) {
	s := newStore(t)
	log := &flakyLog{Store: s}
	h := newHub(t, log, nil, WithPersistRetries(1))
	a := connect(t, h, 1)
	b := connect(t, h, 2)
	a.join("doc")
	b.join("doc")

	log.fail(2)
	a.send(protocol.Update("doc", a.insert("doc", 0, "first ")))
	a.expectError(protocol.CodeUnavailable)
	select {
	case <-a.conn.Done():
	default:
		t.Fatal("origin connection still open after failed append")
	}
	b.expectNothing()
	if got := recordCount(t, s, "doc"); got != 0 {
		t.Fatalf("log has %d records, want 0", got)
	}
	if rooms := h.Rooms(); len(rooms) != 1 || rooms[0].Pending != 1 {
		t.Fatalf("Rooms() = %+v, want one queued update", rooms)
	}

	b.send(protocol.Update("doc", b.insert("doc", 0, "second")))
	b.apply(b.expect(protocol.TypeUpdate))
	b.expectNothing()

	records, err := s.Records(context.Background(), "doc")
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("log has %d records, want 2", len(records))
	}
	first := crdt.NewDoc()
	if err := first.ApplyUpdate(records[0].Payload, nil); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	if textOf(first) != "first " {
		t.Fatalf("first stored record holds %q", textOf(first))
	}
	if b.text("doc") != textOf(mustLoad(t, s, "doc")) {
		t.Fatalf("peer %q and log %q diverged", b.text("doc"), textOf(mustLoad(t, s, "doc")))
	}
	if rooms := h.Rooms(); len(rooms) != 1 || rooms[0].Pending != 0 {
		t.Fatalf("Rooms() = %+v, want empty queue", rooms)
	}
}

func mustLoad(t *testing.T, s *store.Store, docID string) *crdt.Doc {
	t.Helper()
	doc, err := store.LoadDocument(context.Background(), s, docID)
	if err != nil {
		t.Fatalf("LoadDocument() error = %v", err)
	}
	return doc
}

func TestRoomClosesWhenLastMemberLeaves(t *testing.T) {
	s := newStore(t)
	h := newHub(t, s, nil)
	a := connect(t, h, 1)
	a.join("doc")
	a.send(protocol.Update("doc", a.insert("doc", 0, "persisted")))
	a.conn.Close(nil)

	if rooms := h.Rooms(); len(rooms) != 0 {
		t.Fatalf("Rooms() = %+v after last member left", rooms)
	}

	c := connect(t, h, 2)
	c.join("doc")
	if got := c.text("doc"); got != "persisted" {
		t.Fatalf("reopened room text = %q", got)
	}
}

func TestParkedUpdateSurvivesRestart(t *testing.T) {
	s := newStore(t)
	h := newHub(t, s, nil)
	writer := &peer{t: t, clientID: 7, docs: map[string]*crdt.Doc{}}
	first := writer.insert("doc", 0, "ab")
	second := writer.insert("doc", 2, "cd")

	a := connect(t, h, 1)
	b := connect(t, h, 2)
	a.join("doc")
	b.join("doc")
	a.send(protocol.Update("doc", second))
	if got := recordCount(t, s, "doc"); got != 1 {
		t.Fatalf("log has %d records after a parked update, want 1", got)
	}
	b.expectNothing()
	a.conn.Close(nil)
	b.conn.Close(nil)
	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	restarted := newHub(t, s, nil)
	doc, err := restarted.Document(context.Background(), "doc")
	if err != nil {
		t.Fatalf("Document() error = %v", err)
	}
	if got := doc.PendingCount(); got == 0 {
		t.Fatal("parked items were lost on restart")
	}
	if changed, err := restarted.ApplyUpdate(context.Background(), "doc", first); err != nil || !changed {
		t.Fatalf("ApplyUpdate(first) = %v, %v", changed, err)
	}
	doc, err = restarted.Document(context.Background(), "doc")
	if err != nil {
		t.Fatalf("Document() error = %v", err)
	}
	if got := textOf(doc); got != "abcd" {
		t.Fatalf("text = %q, want abcd", got)
	}
}

func TestOneConnectionManyDocuments(t *testing.T) {
	h := newHub(t, newStore(t), nil)
	p := connect(t, h, 1)
	q := connect(t, h, 2)
	p.join("one")
	p.join("two")
	q.join("two")

	p.send(protocol.Update("one", p.insert("one", 0, "solo")))
	q.expectNothing()

	p.send(protocol.Update("two", p.insert("two", 0, "shared")))
	f := q.expect(protocol.TypeUpdate)
	if f.DocID != "two" {
		t.Fatalf("relayed frame for %q", f.DocID)
	}
	q.apply(f)
	if got := q.text("two"); got != "shared" {
		t.Fatalf("text of two = %q", got)
	}
	if len(h.Rooms()) != 2 {
		t.Fatalf("Rooms() = %+v", h.Rooms())
	}
}

func TestApplyUpdateOutsideConnections(t *testing.T) {
	s := newStore(t)
	h := newHub(t, s, nil)
	ctx := context.Background()
	writer := &peer{t: t, clientID: 7, docs: map[string]*crdt.Doc{}}

	changed, err := h.ApplyUpdate(ctx, "cold", writer.insert("cold", 0, "x"))
	if err != nil || !changed {
		t.Fatalf("ApplyUpdate() = %v, %v", changed, err)
	}
	if got := recordCount(t, s, "cold"); got != 1 {
		t.Fatalf("log has %d records, want 1", got)
	}
	if _, err := h.ApplyUpdate(ctx, "cold", []byte{0xff, 0xff}); !errors.Is(err, crdt.ErrDecode) {
		t.Fatalf("ApplyUpdate(garbage) error = %v", err)
	}

	a := connect(t, h, 1)
	a.join("warm")
	update := writer.insert("warm", 0, "pushed")
	if changed, err := h.ApplyUpdate(ctx, "warm", update); err != nil || !changed {
		t.Fatalf("ApplyUpdate() = %v, %v", changed, err)
	}
	a.apply(a.expect(protocol.TypeUpdate))
	if got := a.text("warm"); got != "pushed" {
		t.Fatalf("member text = %q", got)
	}
	if changed, err := h.ApplyUpdate(ctx, "warm", update); err != nil || changed {
		t.Fatalf("repeated ApplyUpdate() = %v, %v", changed, err)
	}

	// a 14 byte update naming a deleted run of 1<<24 items
	tombstones := []byte{1, 1, 9, 1, 0, 0, 1, 't', 0, 0x80, 0x80, 0x80, 0x08, 0}
	for _, docID := range []string{"cold", "warm"} {
		if _, err := h.ApplyUpdate(ctx, docID, tombstones); !errors.Is(err, crdt.ErrDecode) {
			t.Fatalf("ApplyUpdate(%s, tombstones) error = %v, want ErrDecode", docID, err)
		}
	}
	if got := recordCount(t, s, "cold"); got != 1 {
		t.Fatalf("log has %d records after rejected update, want 1", got)
	}
}

func TestHubsShareUpdatesOverBus(t *testing.T) {
	s := newStore(t)
	bus := NewLocalBus(quietLogger())
	h1 := newHub(t, s, nil, WithBus(bus), WithNode("one"))
	h2 := newHub(t, s, nil, WithBus(bus), WithNode("two"))

	a := connect(t, h1, 1)
	b := connect(t, h2, 2)
	a.join("doc")
	b.join("doc")

	a.send(protocol.Update("doc", a.insert("doc", 0, "across nodes")))
	b.apply(b.expect(protocol.TypeUpdate))
	if got := b.text("doc"); got != "across nodes" {
		t.Fatalf("remote node text = %q", got)
	}
	if got := recordCount(t, s, "doc"); got != 1 {
		t.Fatalf("log has %d records, want 1", got)
	}

	a.send(protocol.Awareness("doc", awareness.Encode([]awareness.Entry{
		{ClientID: 1, Clock: 1, State: json.RawMessage(`{"name":"a"}`)},
	})))
	entries, err := awareness.Decode(b.expect(protocol.TypeAwareness).Payload)
	if err != nil {
		t.Fatalf("awareness.Decode() error = %v", err)
	}
	if len(entries) != 1 || entries[0].ClientID != 1 {
		t.Fatalf("remote awareness = %+v", entries)
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	h := New(newStore(t), nil, quietLogger())
	p := connect(t, h, 1)
	p.join("doc")
	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	select {
	case <-p.conn.Done():
	default:
		t.Fatal("connection open after Shutdown()")
	}
	if err := p.conn.Err(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Err() after Shutdown() = %v, want ErrClosed", err)
	}
	if _, err := h.Connect(access.Principal{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect() after Shutdown() error = %v", err)
	}
}
