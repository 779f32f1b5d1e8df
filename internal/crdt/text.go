package crdt

import (
	"fmt"
	"strings"
)

// Attrs are formatting attributes of a text range. A Null value removes the
// attribute.
type Attrs map[string]Value

// Span is a run of text sharing the same attributes.
type Span struct {
	Text  string
	Attrs Attrs
}

// Text is a replicated rich-text container. Formatting is stored as
// non-countable marker items in the character sequence: a marker sets one
// attribute for everything up to the next marker of the same key.
type Text struct {
	t *Type
}

// NewText returns a detached text that can be stored in another container.
func NewText() *Text {
	return &Text{t: newType(nil, KindText)}
}

func (*Text) Kind() Kind { return KindText }
func (*Text) sealed()    {}

// Len returns the number of characters.
func (x *Text) Len() int {
	return x.t.length
}

func (x *Text) String() string {
	var b strings.Builder
	for it := x.t.start; it != nil; it = it.right {
		if !it.deleted && it.kind == contentRune {
			b.WriteRune(it.r)
		}
	}
	return b.String()
}

// Delta returns the text as spans of equally formatted characters.
func (x *Text) Delta() []Span {
	var spans []Span
	var cur strings.Builder
	attrs := Attrs{}
	var curAttrs Attrs
	flush := func() {
		if cur.Len() > 0 {
			spans = append(spans, Span{Text: cur.String(), Attrs: curAttrs})
			cur.Reset()
		}
	}
	for it := x.t.start; it != nil; it = it.right {
		if it.deleted {
			continue
		}
		switch it.kind {
		case contentFormat:
			attrs.apply(it)
		case contentRune:
			if cur.Len() == 0 || !attrs.equal(curAttrs) {
				flush()
				curAttrs = attrs.clone()
			}
			cur.WriteRune(it.r)
		}
	}
	flush()
	return spans
}

// Insert adds s at index. With nil attrs the new characters take the
// formatting of the character before them; otherwise they carry exactly
// attrs.
func (x *Text) Insert(tx *Txn, index int, s string, attrs Attrs) error {
	if err := x.t.checkTxn(tx); err != nil {
		return err
	}
	if err := attrs.validate(); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	c, err := x.position(index)
	if err != nil {
		return err
	}
	var negated Attrs
	if attrs != nil {
		want := attrs.clone()
		for key := range c.attrs {
			if _, ok := want[key]; !ok {
				want[key] = Null{}
			}
		}
		c.skipMatching(want)
		negated = c.insertAttrs(tx, want)
	}
	for _, r := range s {
		c.insert(tx, &item{kind: contentRune, r: r})
	}
	c.insertNegated(tx, negated)
	return nil
}

// Delete removes length characters starting at index.
func (x *Text) Delete(tx *Txn, index, length int) error {
	if err := x.t.checkTxn(tx); err != nil {
		return err
	}
	return x.t.deleteSeq(tx, index, length)
}

// Format applies attrs to length characters starting at index. Markers for
// the same keys inside the range are removed.
func (x *Text) Format(tx *Txn, index, length int, attrs Attrs) error {
	if err := x.t.checkTxn(tx); err != nil {
		return err
	}
	if err := attrs.validate(); err != nil {
		return err
	}
	if length == 0 || len(attrs) == 0 {
		return nil
	}
	if length < 0 || index+length > x.t.length {
		return fmt.Errorf("%w: format %d..%d of %d", ErrOutOfRange, index, index+length, x.t.length)
	}
	c, err := x.position(index)
	if err != nil {
		return err
	}
	negated := c.insertAttrs(tx, attrs)
	for c.right != nil && (length > 0 || (len(negated) > 0 && (c.right.deleted || c.right.kind == contentFormat))) {
		it := c.right
		if !it.deleted {
			switch {
			case it.kind == contentFormat:
				if want, ok := attrs[it.fmtKey]; ok {
					if attrEqual(want, it.fmtVal) {
						delete(negated, it.fmtKey)
					} else {
						negated[it.fmtKey] = it.fmtVal
					}
					tx.deleteItem(it)
				}
			case it.countable():
				length--
			}
		}
		c.forward()
	}
	c.insertNegated(tx, negated)
	return nil
}

// cursor is an insertion point between two items together with the
// attributes in effect there.
type cursor struct {
	t           *Type
	left, right *item
	attrs       Attrs
}

// position places a cursor directly after the index'th character.
func (x *Text) position(index int) (*cursor, error) {
	if index < 0 || index > x.t.length {
		return nil, fmt.Errorf("%w: position %d of %d", ErrOutOfRange, index, x.t.length)
	}
	c := &cursor{t: x.t, right: x.t.start, attrs: Attrs{}}
	for c.right != nil && index > 0 {
		if !c.right.deleted && c.right.countable() {
			index--
		}
		c.forward()
	}
	return c, nil
}

func (c *cursor) forward() {
	if !c.right.deleted && c.right.kind == contentFormat {
		c.attrs.apply(c.right)
	}
	c.left = c.right
	c.right = c.right.right
}

func (c *cursor) insert(tx *Txn, it *item) {
	c.t.insertBetween(tx, c.left, c.right, it)
	c.left = it
}

// skipMatching moves past tombstones and markers that already set the
// wanted values.
func (c *cursor) skipMatching(want Attrs) {
	for c.right != nil {
		it := c.right
		if !it.deleted && (it.kind != contentFormat || !attrEqual(want[it.fmtKey], it.fmtVal)) {
			return
		}
		c.forward()
	}
}

// insertAttrs writes a marker for every attribute that differs from the
// current formatting and returns the values needed to restore it.
func (c *cursor) insertAttrs(tx *Txn, attrs Attrs) Attrs {
	negated := Attrs{}
	for _, key := range sortedKeys(attrs) {
		val := attrs[key]
		prev, ok := c.attrs[key]
		if !ok {
			prev = Null{}
		}
		if attrEqual(prev, val) {
			continue
		}
		negated[key] = prev
		c.insert(tx, &item{kind: contentFormat, fmtKey: key, fmtVal: val})
		c.attrs.set(key, val)
	}
	return negated
}

func (c *cursor) insertNegated(tx *Txn, negated Attrs) {
	for _, key := range sortedKeys(negated) {
		val := negated[key]
		c.insert(tx, &item{kind: contentFormat, fmtKey: key, fmtVal: val})
		c.attrs.set(key, val)
	}
}

func (a Attrs) validate() error {
	for key, v := range a {
		if err := validatePlain(v); err != nil {
			return fmt.Errorf("attribute %q: %w", key, err)
		}
	}
	return nil
}

func (a Attrs) apply(marker *item) {
	a.set(marker.fmtKey, marker.fmtVal)
}

func (a Attrs) set(key string, v Value) {
	if _, null := v.(Null); null || v == nil {
		delete(a, key)
		return
	}
	a[key] = v
}

func (a Attrs) clone() Attrs {
	out := make(Attrs, len(a))
	for key, v := range a {
		out[key] = v
	}
	return out
}

func (a Attrs) equal(b Attrs) bool {
	if len(a) != len(b) {
		return false
	}
	for key, v := range a {
		if w, ok := b[key]; !ok || !equalPlain(v, w) {
			return false
		}
	}
	return true
}

func attrEqual(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	return equalPlain(a, b)
}
