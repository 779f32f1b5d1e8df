package crdt

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
)

// Doc is one replica of a document. Doc methods are safe for concurrent use;
// container views (Map, Array, Text) are not locked and must only be read or
// mutated inside Transact, Read or an observer callback.
type Doc struct {
	mu       sync.Mutex
	clientID uint64

	rootsMu sync.Mutex
	roots   map[string]*Type

	// clients holds every integrated item of a client at index == clock.
	clients map[uint64][]*item

	pending   map[ID]*item
	pendingDS deleteSet

	nextObserver int
	observers    map[int]func(Event)
	updateSubs   map[int]func(update []byte, origin any)
}

// Option configures a Doc.
type Option func(*Doc)

// WithClientID fixes the client id used for local edits. Without it a random
// 32 bit id is chosen.
func WithClientID(id uint64) Option {
	return func(d *Doc) {
		d.clientID = id
	}
}

func NewDoc(opts ...Option) *Doc {
	d := &Doc{
		clientID:   uint64(rand.Uint32()),
		roots:      make(map[string]*Type),
		clients:    make(map[uint64][]*item),
		pending:    make(map[ID]*item),
		pendingDS:  deleteSet{},
		observers:  make(map[int]func(Event)),
		updateSubs: make(map[int]func([]byte, any)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Doc) ClientID() uint64 {
	return d.clientID
}

func (d *Doc) root(name string, kind Kind) *Type {
	d.rootsMu.Lock()
	defer d.rootsMu.Unlock()
	t, ok := d.roots[name]
	if !ok {
		t = newType(d, kind)
		t.name = name
		d.roots[name] = t
	}
	if !t.kind.container() && kind.container() {
		t.kind = kind
	}
	return t
}

// GetMap returns the root map with the given name, creating it if needed.
func (d *Doc) GetMap(name string) *Map {
	return &Map{t: d.root(name, KindMap)}
}

func (d *Doc) GetArray(name string) *Array {
	return &Array{t: d.root(name, KindArray)}
}

func (d *Doc) GetText(name string) *Text {
	return &Text{t: d.root(name, KindText)}
}

func (d *Doc) rootNames() []string {
	d.rootsMu.Lock()
	defer d.rootsMu.Unlock()
	return sortedKeys(d.roots)
}

func (d *Doc) next(client uint64) uint64 {
	return uint64(len(d.clients[client]))
}

func (d *Doc) nextClock() uint64 {
	return d.next(d.clientID)
}

func (d *Doc) has(id ID) bool {
	return id.Clock < d.next(id.Client)
}

func (d *Doc) item(id ID) *item {
	items := d.clients[id.Client]
	if id.Clock >= uint64(len(items)) {
		return nil
	}
	return items[id.Clock]
}

func (d *Doc) stateVector() StateVector {
	sv := make(StateVector, len(d.clients))
	for client, items := range d.clients {
		if len(items) > 0 {
			sv[client] = uint64(len(items))
		}
	}
	return sv
}

// StateVector returns the next expected clock of every known client.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateVector()
}

func (d *Doc) EncodeStateVector() []byte {
	return EncodeStateVector(d.StateVector())
}

// EncodeStateAsUpdate encodes every item the holder of sv is missing plus the
// complete delete set. A nil vector encodes the whole document. Items and
// deletes still waiting for dependencies are included so that nothing
// received is lost when the result is stored.
func (d *Doc) EncodeStateAsUpdate(sv StateVector) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	ds := d.fullDeleteSet()
	ds.merge(d.pendingDS)
	return d.encodeUpdate(sv, ds, true)
}

// PendingCount reports how many decoded items wait for missing dependencies.
func (d *Doc) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// PendingClocks counts the parked items plus the parked deleted clocks. It
// only grows when an update parks something new.
func (d *Doc) PendingClocks() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := uint64(len(d.pending))
	for _, ranges := range d.pendingDS {
		for _, r := range ranges {
			n += r.length
		}
	}
	return n
}

// Read runs fn with the document locked so views can be read consistently.
func (d *Doc) Read(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn()
}

// Transact runs fn as one atomic local transaction and returns the update
// encoding its changes, or nil if nothing changed. When fn returns an error
// or panics, all of its changes are undone and no observer is notified.
func (d *Doc) Transact(origin any, fn func(tx *Txn) error) (update []byte, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx := d.begin(origin, true)
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		tx.rollback()
		return nil, err
	}
	return d.commit(tx), nil
}

// ApplyUpdate merges a remote update. Applying the same update twice is a
// no-op; items whose dependencies are missing wait until they arrive.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	_, err := d.Apply(update, origin)
	return err
}

// Apply merges a remote update and returns the effective delta: the part of
// the update that changed this replica, or nil for a no-op.
func (d *Doc) Apply(update []byte, origin any) ([]byte, error) {
	return d.apply(update, origin, false)
}

// ApplyBounded is Apply for updates from untrusted peers. It rejects with
// ErrDecode an update whose deleted runs decode to more tombstones than its
// encoded size allows.
func (d *Doc) ApplyBounded(update []byte, origin any) ([]byte, error) {
	return d.apply(update, origin, true)
}

func (d *Doc) apply(update []byte, origin any, bounded bool) ([]byte, error) {
	decoded, err := decodeUpdate(update, bounded)
	if err != nil {
		return nil, fmt.Errorf("apply update: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tx := d.begin(origin, false)
	d.integrateAll(tx, decoded.items)
	d.applyDeletes(tx, decoded.ds)
	return d.commit(tx), nil
}

// Observe registers fn for change events. Callbacks run with the document
// locked and must not call locking Doc methods.
func (d *Doc) Observe(fn func(Event)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextObserver
	d.nextObserver++
	d.observers[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, id)
	}
}

// OnUpdate registers fn to receive the update of every transaction that
// changed the document, local or remote.
func (d *Doc) OnUpdate(fn func(update []byte, origin any)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextObserver
	d.nextObserver++
	d.updateSubs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.updateSubs, id)
	}
}

// ToJSON materializes every root container that holds at least one item,
// live or deleted. Roots only ever named through GetMap, GetArray or GetText
// are left out, so replicas with the same items materialize the same JSON.
func (d *Doc) ToJSON() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]any)
	for _, name := range d.rootNames() {
		if t := d.root(name, KindNull); t.populated() {
			out[name] = toJSON(t.view())
		}
	}
	return out
}

// PlainText concatenates the root text containers in name order, separated
// by newlines.
func (d *Doc) PlainText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var parts []string
	for _, name := range d.rootNames() {
		t := d.root(name, KindNull)
		if t.populated() && t.effectiveKind() == KindText {
			parts = append(parts, (&Text{t: t}).String())
		}
	}
	return strings.Join(parts, "\n")
}

// Event describes the containers touched by one transaction.
type Event struct {
	Origin  any
	Local   bool
	Changes []Change
}

// Change names one touched container by its path from the root. Keys lists
// changed map keys; Sequence is set when array or text content changed.
type Change struct {
	Path     []string
	Keys     []string
	Sequence bool
}

func (d *Doc) begin(origin any, local bool) *Txn {
	return &Txn{
		doc:      d,
		origin:   origin,
		local:    local,
		beforeSV: d.stateVector(),
		changed:  make(map[*Type]*Change),
	}
}

func (d *Doc) commit(tx *Txn) []byte {
	tx.done = true
	after := d.stateVector()
	grew := false
	for client, clock := range after {
		if clock > tx.beforeSV[client] {
			grew = true
			break
		}
	}
	if !grew && len(tx.deleted) == 0 {
		return nil
	}

	ds := deleteSet{}
	for _, it := range tx.deleted {
		ds.add(it.id)
	}
	update := d.encodeUpdate(tx.beforeSV, ds, false)

	if len(d.observers) > 0 && len(tx.changed) > 0 {
		ev := Event{Origin: tx.origin, Local: tx.local}
		for t, change := range tx.changed {
			if t.item != nil && t.item.deleted {
				continue
			}
			c := *change
			c.Path = t.path()
			sort.Strings(c.Keys)
			ev.Changes = append(ev.Changes, c)
		}
		sort.Slice(ev.Changes, func(i, j int) bool {
			return strings.Join(ev.Changes[i].Path, "/") < strings.Join(ev.Changes[j].Path, "/")
		})
		for _, id := range sortedObserverIDs(d.observers) {
			d.observers[id](ev)
		}
	}
	for _, id := range sortedObserverIDs(d.updateSubs) {
		d.updateSubs[id](update, tx.origin)
	}
	return update
}

func sortedObserverIDs[F any](m map[int]F) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Txn is an open transaction. It is only valid inside the callback it was
// passed to.
type Txn struct {
	doc      *Doc
	origin   any
	local    bool
	done     bool
	beforeSV StateVector

	deleted []*item
	changed map[*Type]*Change
	undo    []undoEntry
}

func (tx *Txn) Origin() any {
	return tx.origin
}

type undoEntry struct {
	inserted *item
	deleted  *item
	prevHead *item
}

func (tx *Txn) touch(t *Type, it *item) {
	if t == nil {
		return
	}
	c, ok := tx.changed[t]
	if !ok {
		c = &Change{}
		tx.changed[t] = c
	}
	if it.keyed {
		for _, key := range c.Keys {
			if key == it.key {
				return
			}
		}
		c.Keys = append(c.Keys, it.key)
	} else if it.countable() || it.kind == contentFormat {
		c.Sequence = true
	}
}

// integrate links it between left and right, resolving concurrent inserts at
// the same position with the YATA rules: items with the same origin are
// ordered by ascending client id.
func (tx *Txn) integrate(it *item, left, right *item) {
	parent := it.parent
	if (left == nil && (right == nil || right.left != nil)) || (left != nil && left.right != right) {
		var o *item
		switch {
		case left != nil:
			o = left.right
		case it.keyed:
			o = firstOfKey(parent.keys[it.key])
		default:
			o = parent.start
		}
		conflicting := make(map[*item]struct{})
		beforeOrigin := make(map[*item]struct{})
		for o != nil && o != right {
			beforeOrigin[o] = struct{}{}
			conflicting[o] = struct{}{}
			if sameID(it.origin, o.origin) {
				if o.id.Client < it.id.Client {
					left = o
					clear(conflicting)
				} else if sameID(it.rightOrigin, o.rightOrigin) {
					break
				}
			} else if originItem := tx.originOf(o); originItem != nil && has(beforeOrigin, originItem) {
				if !has(conflicting, originItem) {
					left = o
					clear(conflicting)
				}
			} else {
				break
			}
			o = o.right
		}
	}

	it.left = left
	if left != nil {
		it.right = left.right
		left.right = it
	} else if it.keyed {
		it.right = firstOfKey(parent.keys[it.key])
	} else {
		it.right = parent.start
		parent.start = it
	}
	if it.right != nil {
		it.right.left = it
	}

	d := tx.doc
	d.clients[it.id.Client] = append(d.clients[it.id.Client], it)
	entry := undoEntry{inserted: it}
	if it.keyed {
		entry.prevHead = parent.keys[it.key]
	}
	tx.undo = append(tx.undo, entry)

	if it.kind == contentType {
		it.typ.doc = d
		it.typ.item = it
	}
	if !it.keyed && it.countable() && !it.deleted {
		parent.length++
	}
	if !it.deleted {
		tx.touch(parent, it)
	}

	if it.keyed {
		if it.right == nil {
			parent.keys[it.key] = it
			if left != nil {
				tx.deleteItem(left)
			}
		} else {
			tx.deleteItem(it)
		}
	}
	if parent.item != nil && parent.item.deleted {
		tx.deleteItem(it)
	}
}

func (tx *Txn) originOf(it *item) *item {
	if it.origin == nil {
		return nil
	}
	return tx.doc.item(*it.origin)
}

func has(set map[*item]struct{}, it *item) bool {
	_, ok := set[it]
	return ok
}

func firstOfKey(head *item) *item {
	if head == nil {
		return nil
	}
	for head.left != nil {
		head = head.left
	}
	return head
}

// deleteItem tombstones it; deleting a container deletes its content.
func (tx *Txn) deleteItem(it *item) {
	if it.deleted {
		return
	}
	it.deleted = true
	tx.deleted = append(tx.deleted, it)
	tx.undo = append(tx.undo, undoEntry{deleted: it})
	if it.parent != nil {
		if !it.keyed && it.countable() {
			it.parent.length--
		}
		tx.touch(it.parent, it)
	}
	if it.kind == contentType {
		for child := it.typ.start; child != nil; child = child.right {
			tx.deleteItem(child)
		}
		for _, key := range sortedKeys(it.typ.keys) {
			tx.deleteItem(it.typ.keys[key])
		}
	}
}

// rollback reverts every insert and delete of a local transaction.
func (tx *Txn) rollback() {
	tx.done = true
	d := tx.doc
	for i := len(tx.undo) - 1; i >= 0; i-- {
		entry := tx.undo[i]
		if it := entry.deleted; it != nil {
			it.deleted = false
			if it.parent != nil && !it.keyed && it.countable() {
				it.parent.length++
			}
			continue
		}
		it := entry.inserted
		parent := it.parent
		if it.left != nil {
			it.left.right = it.right
		} else if !it.keyed {
			parent.start = it.right
		}
		if it.right != nil {
			it.right.left = it.left
		}
		if it.keyed {
			if entry.prevHead != nil {
				parent.keys[it.key] = entry.prevHead
			} else {
				delete(parent.keys, it.key)
			}
		}
		if !it.keyed && it.countable() && !it.deleted {
			parent.length--
		}
		if it.kind == contentType {
			it.typ.doc = nil
			it.typ.item = nil
		}
		items := d.clients[it.id.Client]
		d.clients[it.id.Client] = items[:len(items)-1]
		if len(d.clients[it.id.Client]) == 0 {
			delete(d.clients, it.id.Client)
		}
		it.left, it.right = nil, nil
	}
	tx.undo = nil
	tx.deleted = nil
	tx.changed = nil
}

func (d *Doc) fullDeleteSet() deleteSet {
	ds := deleteSet{}
	for _, client := range d.stateVector().Clients() {
		for _, it := range d.clients[client] {
			if it.deleted {
				ds.add(it.id)
			}
		}
	}
	return ds
}
