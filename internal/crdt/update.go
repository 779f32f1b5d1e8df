package crdt

import (
	"sort"
)

const (
	infoKindMask       = 0x07
	infoHasOrigin      = 1 << 3
	infoHasRightOrigin = 1 << 4
	infoKeyed          = 1 << 5
	infoParentIsItem   = 1 << 6
)

type decodedUpdate struct {
	items []*item
	ds    deleteSet
}

func (u decodedUpdate) empty() bool {
	return len(u.items) == 0 && u.ds.empty()
}

// run is a slice of consecutive items of one client that share everything
// but their content; each item's origin is its predecessor.
type run struct {
	items []*item
}

func canExtend(prev, it *item) bool {
	kind := it.encodedKind()
	if kind != prev.encodedKind() || kind == contentType || kind == contentFormat {
		return false
	}
	if it.id.Clock != prev.id.Clock+1 || !sameID(it.origin, &prev.id) || !sameID(it.rightOrigin, prev.rightOrigin) {
		return false
	}
	if it.keyed != prev.keyed || it.key != prev.key {
		return false
	}
	return it.parentRef().equal(prev.parentRef())
}

// encodeUpdate writes every item at or above from and the given delete set.
// With withPending, items still waiting for dependencies are written too.
func (d *Doc) encodeUpdate(from StateVector, ds deleteSet, withPending bool) []byte {
	e := &encoder{buf: make([]byte, 0, 64)}
	e.byte(updateFormatV1)

	byClient := make(map[uint64][]*item, len(d.clients))
	for client, items := range d.clients {
		if start := from[client]; start < uint64(len(items)) {
			byClient[client] = items[start:]
		}
	}
	if withPending && len(d.pending) > 0 {
		for _, it := range d.pending {
			if it.id.Clock >= from[it.id.Client] {
				byClient[it.id.Client] = append(byClient[it.id.Client][:len(byClient[it.id.Client]):len(byClient[it.id.Client])], it)
			}
		}
		for client, items := range byClient {
			sort.SliceStable(items, func(i, j int) bool { return items[i].id.Clock < items[j].id.Clock })
			byClient[client] = items
		}
	}
	clients := make([]uint64, 0, len(byClient))
	for client := range byClient {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	type clientRuns struct {
		client uint64
		runs   []run
	}
	out := make([]clientRuns, 0, len(clients))
	for _, client := range clients {
		var runs []run
		for _, it := range byClient[client] {
			if n := len(runs); n > 0 {
				last := runs[n-1].items
				if canExtend(last[len(last)-1], it) {
					runs[n-1].items = append(last, it)
					continue
				}
			}
			runs = append(runs, run{items: []*item{it}})
		}
		out = append(out, clientRuns{client: client, runs: runs})
	}

	e.uvarint(uint64(len(out)))
	for _, cr := range out {
		e.uvarint(cr.client)
		e.uvarint(uint64(len(cr.runs)))
		for _, r := range cr.runs {
			encodeRun(e, r)
		}
	}
	ds.encode(e)
	return e.buf
}

func encodeRun(e *encoder, r run) {
	first := r.items[0]
	kind := first.encodedKind()
	ref := first.parentRef()

	info := byte(kind)
	if first.origin != nil {
		info |= infoHasOrigin
	}
	if first.rightOrigin != nil {
		info |= infoHasRightOrigin
	}
	if first.keyed {
		info |= infoKeyed
	}
	if ref.item != nil {
		info |= infoParentIsItem
	}

	e.uvarint(first.id.Clock)
	e.byte(info)
	if first.origin != nil {
		e.id(*first.origin)
	}
	if first.rightOrigin != nil {
		e.id(*first.rightOrigin)
	}
	if ref.item != nil {
		e.id(*ref.item)
	} else {
		e.string(ref.root)
		e.byte(byte(ref.rootKind))
	}
	if first.keyed {
		e.string(first.key)
	}
	e.uvarint(uint64(len(r.items)))

	switch kind {
	case contentRune:
		runes := make([]rune, len(r.items))
		for i, it := range r.items {
			runes[i] = it.r
		}
		e.string(string(runes))
	case contentAny:
		for _, it := range r.items {
			e.value(it.val)
		}
	case contentType:
		e.byte(byte(first.typ.kind))
	case contentFormat:
		e.string(first.fmtKey)
		e.value(first.fmtVal)
	}
}

// IsEmptyUpdate reports whether update carries neither items nor deletes.
// It applies the same tombstone budget as ApplyBounded.
func IsEmptyUpdate(update []byte) (bool, error) {
	decoded, err := decodeUpdate(update, true)
	if err != nil {
		return false, err
	}
	return decoded.empty(), nil
}

// EmptyUpdate returns the encoding of an update without changes.
func EmptyUpdate() []byte {
	return []byte{updateFormatV1, 0, 0}
}

// decodeUpdate parses raw. With bounded, deleted runs are limited by
// tombstoneBudget(len(raw)).
func decodeUpdate(raw []byte, bounded bool) (decodedUpdate, error) {
	d := newDecoder(raw)
	if bounded {
		d.tombstones = tombstoneBudget(len(raw))
	}
	version, err := d.byte()
	if err != nil {
		return decodedUpdate{}, err
	}
	if version != updateFormatV1 {
		return decodedUpdate{}, d.errorf("unsupported update version %d", version)
	}
	clientCount, err := d.length()
	if err != nil {
		return decodedUpdate{}, err
	}
	var out decodedUpdate
	seen := make(map[uint64]struct{}, clientCount)
	for i := 0; i < clientCount; i++ {
		client, err := d.uvarint()
		if err != nil {
			return decodedUpdate{}, err
		}
		if _, dup := seen[client]; dup {
			return decodedUpdate{}, d.errorf("duplicate client %d", client)
		}
		seen[client] = struct{}{}
		runCount, err := d.length()
		if err != nil {
			return decodedUpdate{}, err
		}
		var nextClock uint64
		for j := 0; j < runCount; j++ {
			items, err := decodeRun(d, client, nextClock, j == 0)
			if err != nil {
				return decodedUpdate{}, err
			}
			nextClock = items[len(items)-1].id.Clock + 1
			out.items = append(out.items, items...)
		}
	}
	out.ds, err = decodeDeleteSet(d)
	if err != nil {
		return decodedUpdate{}, err
	}
	if !d.done() {
		return decodedUpdate{}, d.errorf("trailing bytes")
	}
	return out, nil
}

func decodeRun(d *decoder, client, minClock uint64, first bool) ([]*item, error) {
	start, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if !first && start < minClock {
		return nil, d.errorf("run at clock %d overlaps previous run", start)
	}
	info, err := d.byte()
	if err != nil {
		return nil, err
	}
	if info&0x80 != 0 {
		return nil, d.errorf("unknown info bits %#x", info)
	}
	kind := contentKind(info & infoKindMask)
	if kind >= contentKindCount {
		return nil, d.errorf("unknown content kind %d", kind)
	}

	var origin, rightOrigin *ID
	if info&infoHasOrigin != 0 {
		id, err := d.id()
		if err != nil {
			return nil, err
		}
		origin = &id
	}
	if info&infoHasRightOrigin != 0 {
		id, err := d.id()
		if err != nil {
			return nil, err
		}
		rightOrigin = &id
	}
	var ref parentRef
	if info&infoParentIsItem != 0 {
		id, err := d.id()
		if err != nil {
			return nil, err
		}
		ref.item = &id
	} else {
		name, err := d.string()
		if err != nil {
			return nil, err
		}
		k, err := d.byte()
		if err != nil {
			return nil, err
		}
		if Kind(k) != KindNull && !Kind(k).container() {
			return nil, d.errorf("root %q has non-container kind %d", name, k)
		}
		ref.root = name
		ref.rootKind = Kind(k)
	}
	keyed := info&infoKeyed != 0
	var key string
	if keyed {
		if key, err = d.string(); err != nil {
			return nil, err
		}
	}
	count, err := d.length()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, d.errorf("empty run")
	}
	if (kind == contentType || kind == contentFormat) && count != 1 {
		return nil, d.errorf("run of %d %v items", count, kind)
	}
	if start+uint64(count) < start {
		return nil, d.errorf("clock overflow")
	}
	if kind != contentDeleted && count > len(d.buf)-d.pos {
		return nil, d.errorf("run of %d items exceeds input", count)
	}
	if kind == contentDeleted && d.tombstones >= 0 {
		if count > d.tombstones {
			return nil, d.errorf("deleted run of %d items exceeds tombstone budget", count)
		}
		d.tombstones -= count
	}

	items := make([]*item, count)
	for k := range items {
		it := &item{
			id:          ID{Client: client, Clock: start + uint64(k)},
			rightOrigin: rightOrigin,
			keyed:       keyed,
			key:         key,
			kind:        kind,
			want:        &ref,
		}
		if k == 0 {
			it.origin = origin
		} else {
			it.origin = idPtr(items[k-1].id)
		}
		if dependsOnSelf(it) {
			return nil, d.errorf("item %s depends on itself", it.id)
		}
		items[k] = it
	}

	switch kind {
	case contentDeleted:
		for _, it := range items {
			it.deleted = true
		}
	case contentRune:
		s, err := d.string()
		if err != nil {
			return nil, err
		}
		runes := []rune(s)
		if len(runes) != count {
			return nil, d.errorf("run holds %d runes, want %d", len(runes), count)
		}
		for i, it := range items {
			it.r = runes[i]
		}
	case contentAny:
		for _, it := range items {
			v, err := d.value(0)
			if err != nil {
				return nil, err
			}
			it.val = v
		}
	case contentType:
		k, err := d.byte()
		if err != nil {
			return nil, err
		}
		if !Kind(k).container() {
			return nil, d.errorf("nested container has kind %d", k)
		}
		items[0].typ = newType(nil, Kind(k))
	case contentFormat:
		fmtKey, err := d.string()
		if err != nil {
			return nil, err
		}
		v, err := d.value(0)
		if err != nil {
			return nil, err
		}
		items[0].fmtKey = fmtKey
		items[0].fmtVal = v
	}
	return items, nil
}

func dependsOnSelf(it *item) bool {
	for _, dep := range []*ID{it.origin, it.rightOrigin, it.want.item} {
		if dep != nil && dep.Client == it.id.Client && dep.Clock >= it.id.Clock {
			return true
		}
	}
	return false
}

func (k contentKind) String() string {
	switch k {
	case contentDeleted:
		return "deleted"
	case contentRune:
		return "rune"
	case contentAny:
		return "any"
	case contentType:
		return "type"
	case contentFormat:
		return "format"
	default:
		return "unknown"
	}
}

// missingDep returns the first dependency of it that is not integrated yet.
func (d *Doc) missingDep(it *item) (ID, bool) {
	if next := d.next(it.id.Client); it.id.Clock > next {
		return ID{Client: it.id.Client, Clock: it.id.Clock - 1}, true
	}
	for _, dep := range []*ID{it.origin, it.rightOrigin, it.want.item} {
		if dep != nil && !d.has(*dep) {
			return *dep, true
		}
	}
	return ID{}, false
}

type waiter struct {
	need ID
	it   *item
}

// integrateAll integrates decoded items together with previously pending
// ones. Items are taken in (client, clock) order; an item with a missing
// dependency waits until the dependency's client reaches the needed clock.
func (d *Doc) integrateAll(tx *Txn, items []*item) {
	work := make([]*item, 0, len(items)+len(d.pending))
	for _, it := range d.pending {
		work = append(work, it)
	}
	for _, it := range items {
		if d.has(it.id) {
			continue
		}
		if _, dup := d.pending[it.id]; dup {
			continue
		}
		work = append(work, it)
	}
	if len(work) == 0 {
		return
	}
	// reversed so popping from the end yields ascending order
	sort.Slice(work, func(i, j int) bool {
		a, b := work[i].id, work[j].id
		if a.Client != b.Client {
			return a.Client > b.Client
		}
		return a.Clock > b.Clock
	})

	waiting := make(map[uint64][]waiter)
	seen := make(map[ID]struct{}, len(work))
	for len(work) > 0 {
		it := work[len(work)-1]
		work = work[:len(work)-1]
		if d.has(it.id) {
			continue
		}
		if _, dup := seen[it.id]; dup {
			continue
		}
		if need, missing := d.missingDep(it); missing {
			waiting[need.Client] = insertWaiter(waiting[need.Client], waiter{need: need, it: it})
			continue
		}
		seen[it.id] = struct{}{}
		d.integrateRemote(tx, it)

		client := it.id.Client
		ws := waiting[client]
		n := 0
		for n < len(ws) && ws[n].need.Clock <= it.id.Clock {
			n++
		}
		for i := n - 1; i >= 0; i-- {
			work = append(work, ws[i].it)
		}
		if n == len(ws) {
			delete(waiting, client)
		} else {
			waiting[client] = ws[n:]
		}
	}

	d.pending = make(map[ID]*item)
	for _, ws := range waiting {
		for _, w := range ws {
			d.pending[w.it.id] = w.it
		}
	}
}

func insertWaiter(ws []waiter, w waiter) []waiter {
	i := sort.Search(len(ws), func(i int) bool { return ws[i].need.Clock > w.need.Clock })
	ws = append(ws, waiter{})
	copy(ws[i+1:], ws[i:])
	ws[i] = w
	return ws
}

// integrateRemote resolves the declared parent and neighbours of a decoded
// item. Items whose parent is not a container, or whose neighbours live in a
// different container, are kept as orphan tombstones.
func (d *Doc) integrateRemote(tx *Txn, it *item) {
	ref := it.want
	it.want = nil

	var parent *Type
	if ref.item != nil {
		if owner := d.item(*ref.item); owner != nil && owner.kind == contentType && owner.typ != nil {
			parent = owner.typ
		}
	} else {
		parent = d.root(ref.root, ref.rootKind)
	}

	var left, right *item
	if parent != nil && it.origin != nil {
		left = d.item(*it.origin)
		if !sameContainer(left, parent, it) {
			parent = nil
		}
	}
	if parent != nil && it.rightOrigin != nil && !it.keyed {
		right = d.item(*it.rightOrigin)
		if !sameContainer(right, parent, it) {
			parent = nil
		}
	}

	if parent == nil {
		d.storeOrphan(it, ref)
		return
	}
	it.parent = parent
	tx.integrate(it, left, right)
}

func sameContainer(other *item, parent *Type, it *item) bool {
	return other != nil && other.parent == parent && other.keyed == it.keyed && other.key == it.key
}

func (d *Doc) storeOrphan(it *item, ref *parentRef) {
	it.orphan = ref
	it.kind = contentDeleted
	it.typ = nil
	it.val = nil
	it.fmtVal = nil
	it.deleted = true
	d.clients[it.id.Client] = append(d.clients[it.id.Client], it)
}
