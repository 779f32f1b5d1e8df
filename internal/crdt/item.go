package crdt

type contentKind uint8

const (
	contentDeleted contentKind = iota
	contentRune
	contentAny
	contentType
	contentFormat
	contentKindCount
)

// item is one unit of a container: a rune of text, one array element, one
// map value, one nested container or one format marker. Items of a
// sequence form a doubly linked list in document order; items of a map key
// form their own list whose rightmost item is the current value.
type item struct {
	id          ID
	origin      *ID
	rightOrigin *ID

	parent *Type
	key    string
	keyed  bool

	left, right *item
	deleted     bool

	kind   contentKind
	r      rune
	val    Value
	typ    *Type
	fmtKey string
	fmtVal Value

	// want is the declared parent of a decoded item that is not integrated yet.
	want *parentRef
	// orphan holds the declared parent of an item whose parent turned out not
	// to be a container; such items are stored as tombstones only.
	orphan *parentRef
}

// countable items contribute to the length of a sequence.
func (it *item) countable() bool {
	return it.kind == contentRune || it.kind == contentAny || it.kind == contentType
}

// value returns the public representation of a rune/any/type item.
func (it *item) value() Value {
	switch it.kind {
	case contentRune:
		return String(string(it.r))
	case contentAny:
		return it.val
	case contentType:
		return it.typ.view()
	default:
		return nil
	}
}

// encodedKind is the content kind written to the wire: deleted plain
// content is sent as a bare tombstone.
func (it *item) encodedKind() contentKind {
	if it.deleted && it.kind != contentType {
		return contentDeleted
	}
	return it.kind
}

func (it *item) parentRef() parentRef {
	switch {
	case it.orphan != nil:
		return *it.orphan
	case it.parent != nil:
		return it.parent.ref()
	case it.want != nil:
		return *it.want
	default:
		return parentRef{}
	}
}

// parentRef names the container an item belongs to: a root by name or a
// nested container by the id of the item that holds it.
type parentRef struct {
	root     string
	rootKind Kind
	item     *ID
}

func (p parentRef) equal(o parentRef) bool {
	if p.item != nil || o.item != nil {
		return sameID(p.item, o.item)
	}
	return p.root == o.root
}
