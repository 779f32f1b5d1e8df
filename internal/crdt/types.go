package crdt

import (
	"errors"
	"fmt"
)

var (
	ErrForeignTxn   = errors.New("crdt: transaction belongs to another document")
	ErrTxnDone      = errors.New("crdt: transaction already finished")
	ErrAttachedType = errors.New("crdt: container is already part of a document")
	ErrDetachedType = errors.New("crdt: container is not part of a document")
	ErrOutOfRange   = errors.New("crdt: index out of range")
)

// Type is the shared state behind Map, Array and Text.
type Type struct {
	doc  *Doc
	kind Kind
	name string
	item *item

	start  *item
	keys   map[string]*item
	length int
}

func newType(doc *Doc, kind Kind) *Type {
	return &Type{doc: doc, kind: kind, keys: make(map[string]*item)}
}

func (t *Type) ref() parentRef {
	if t.item != nil {
		return parentRef{item: idPtr(t.item.id)}
	}
	return parentRef{root: t.name, rootKind: t.kind}
}

// populated reports whether any item, live or deleted, was ever integrated
// into t.
func (t *Type) populated() bool {
	return t.start != nil || len(t.keys) > 0
}

func (t *Type) attached() bool {
	return t.doc != nil
}

// effectiveKind falls back to the shape of the data for roots that were only
// ever touched by remote updates without kind information.
func (t *Type) effectiveKind() Kind {
	if t.kind.container() {
		return t.kind
	}
	if len(t.keys) > 0 {
		return KindMap
	}
	return KindArray
}

func (t *Type) view() Value {
	switch t.effectiveKind() {
	case KindMap:
		return &Map{t: t}
	case KindText:
		return &Text{t: t}
	default:
		return &Array{t: t}
	}
}

func (t *Type) checkTxn(tx *Txn) error {
	if t.doc == nil {
		return ErrDetachedType
	}
	if tx == nil || tx.doc != t.doc {
		return ErrForeignTxn
	}
	if tx.done {
		return ErrTxnDone
	}
	return nil
}

// path returns the location of the container from its root: the root name
// followed by map keys or array indexes.
func (t *Type) path() []string {
	var reversed []string
	cur := t
	for cur != nil && cur.item != nil {
		owner := cur.item
		if owner.keyed {
			reversed = append(reversed, owner.key)
		} else {
			reversed = append(reversed, fmt.Sprint(owner.parent.indexOf(owner)))
		}
		cur = owner.parent
	}
	if cur != nil {
		reversed = append(reversed, cur.name)
	}
	out := make([]string, len(reversed))
	for i := range reversed {
		out[i] = reversed[len(reversed)-1-i]
	}
	return out
}

func (t *Type) indexOf(target *item) int {
	index := 0
	for it := t.start; it != nil; it = it.right {
		if it == target {
			return index
		}
		if !it.deleted && it.countable() {
			index++
		}
	}
	return -1
}

// itemAt returns the countable, visible item at index.
func (t *Type) itemAt(index int) *item {
	if index < 0 {
		return nil
	}
	for it := t.start; it != nil; it = it.right {
		if it.deleted || !it.countable() {
			continue
		}
		if index == 0 {
			return it
		}
		index--
	}
	return nil
}

// neighbours returns the left and right items for an insertion at index:
// the new item goes directly after the index-1'th visible item.
func (t *Type) neighbours(index int) (*item, *item, error) {
	if index < 0 || index > t.length {
		return nil, nil, fmt.Errorf("%w: insert at %d of %d", ErrOutOfRange, index, t.length)
	}
	if index == 0 {
		return nil, t.start, nil
	}
	left := t.itemAt(index - 1)
	if left == nil {
		return nil, nil, fmt.Errorf("%w: insert at %d", ErrOutOfRange, index)
	}
	return left, left.right, nil
}

func (t *Type) values() []Value {
	out := make([]Value, 0, t.length)
	for it := t.start; it != nil; it = it.right {
		if it.deleted || !it.countable() {
			continue
		}
		out = append(out, it.value())
	}
	return out
}

// insertSeq creates and integrates local items for values at index.
func (t *Type) insertSeq(tx *Txn, index int, contents []*item) error {
	left, right, err := t.neighbours(index)
	if err != nil {
		return err
	}
	for _, it := range contents {
		t.insertBetween(tx, left, right, it)
		left = it
	}
	return nil
}

func (t *Type) insertBetween(tx *Txn, left, right, it *item) {
	it.parent = t
	if left != nil {
		it.origin = idPtr(left.id)
	}
	if right != nil {
		it.rightOrigin = idPtr(right.id)
	}
	it.id = ID{Client: tx.doc.clientID, Clock: tx.doc.nextClock()}
	tx.integrate(it, left, right)
}

// deleteSeq tombstones length visible items starting at index.
func (t *Type) deleteSeq(tx *Txn, index, length int) error {
	if length == 0 {
		return nil
	}
	if index < 0 || length < 0 || index+length > t.length {
		return fmt.Errorf("%w: delete %d..%d of %d", ErrOutOfRange, index, index+length, t.length)
	}
	it := t.itemAt(index)
	for length > 0 && it != nil {
		next := it.right
		if !it.deleted && it.countable() {
			tx.deleteItem(it)
			length--
		}
		it = next
	}
	return nil
}

func (t *Type) setKey(tx *Txn, key string, it *item) {
	left := t.keys[key]
	it.parent = t
	it.key = key
	it.keyed = true
	if left != nil {
		it.origin = idPtr(left.id)
	}
	it.id = ID{Client: tx.doc.clientID, Clock: tx.doc.nextClock()}
	tx.integrate(it, left, nil)
}

func (t *Type) getKey(key string) (*item, bool) {
	it, ok := t.keys[key]
	if !ok || it.deleted {
		return nil, false
	}
	return it, true
}

// adopt turns a detached container into the content of a new item.
func adoptContainer(v Value) (*item, error) {
	var t *Type
	switch typed := v.(type) {
	case *Map:
		t = typed.t
	case *Array:
		t = typed.t
	case *Text:
		t = typed.t
	default:
		if err := validatePlain(v); err != nil {
			return nil, err
		}
		return &item{kind: contentAny, val: v}, nil
	}
	if t == nil {
		return nil, ErrDetachedType
	}
	if t.attached() || t.item != nil || t.name != "" {
		return nil, ErrAttachedType
	}
	return &item{kind: contentType, typ: t}, nil
}
