package crdt

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestStateVectorEncodingIsDeterministic(t *testing.T) {
	sv := StateVector{9: 4, 1: 12, 300: 1}
	raw := EncodeStateVector(sv)
	for i := 0; i < 10; i++ {
		if again := EncodeStateVector(sv.Clone()); !bytes.Equal(raw, again) {
			t.Fatalf("EncodeStateVector() not deterministic: %v vs %v", raw, again)
		}
	}
	decoded, err := DecodeStateVector(raw)
	if err != nil {
		t.Fatalf("DecodeStateVector() error = %v", err)
	}
	if !reflect.DeepEqual(decoded, sv) {
		t.Fatalf("DecodeStateVector() = %v, want %v", decoded, sv)
	}
}

func TestDecodeStateVectorRejectsMalformedInput(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
	}{
		{name: "unknown version", raw: []byte{2, 0}},
		{name: "truncated", raw: []byte{1, 2, 5}},
		{name: "duplicate client", raw: []byte{1, 2, 5, 1, 5, 2}},
		{name: "trailing bytes", raw: []byte{1, 0, 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeStateVector(tc.raw); !errors.Is(err, ErrDecode) {
				t.Fatalf("DecodeStateVector() error = %v, want ErrDecode", err)
			}
		})
	}
}

func TestApplyRejectsMalformedUpdates(t *testing.T) {
	src := NewDoc(WithClientID(5))
	valid := transact(t, src, func(tx *Txn) error {
		if err := src.GetText("t").Insert(tx, 0, "abc", nil); err != nil {
			return err
		}
		return src.GetMap("m").Set(tx, "k", Object{"n": Number(1)})
	})

	cases := []struct {
		name   string
		update []byte
	}{
		{name: "empty", update: nil},
		{name: "unknown version", update: []byte{9, 0, 0}},
		{name: "truncated", update: valid[:len(valid)-3]},
		{name: "trailing bytes", update: append(append([]byte{}, valid...), 0)},
		{name: "unknown content kind", update: []byte{1, 1, 5, 1, 0, 7, 1, 't', 0, 1, 0}},
		{name: "empty run", update: []byte{1, 1, 5, 1, 0, 1, 1, 't', 0, 0, 0}},
		{name: "self dependency", update: []byte{1, 1, 5, 1, 0, 1 | infoHasOrigin, 5, 0, 1, 't', 0, 1, 1, 'x', 0}},
		{name: "zero length delete", update: []byte{1, 0, 1, 5, 1, 0, 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDoc(WithClientID(6))
			if err := d.ApplyUpdate(tc.update, nil); !errors.Is(err, ErrDecode) {
				t.Fatalf("ApplyUpdate() error = %v, want ErrDecode", err)
			}
			if sv := d.StateVector(); len(sv) != 0 {
				t.Fatalf("malformed update changed state: %v", sv)
			}
			if got := d.PendingCount(); got != 0 {
				t.Fatalf("malformed update left %d pending items", got)
			}
		})
	}
}

func TestEncodingUsesRuns(t *testing.T) {
	d := NewDoc(WithClientID(1))
	text := strings.Repeat("x", 1000)
	update := transact(t, d, func(tx *Txn) error {
		return d.GetText("t").Insert(tx, 0, text, nil)
	})
	if len(update) > len(text)+32 {
		t.Fatalf("update of %d characters is %d bytes", len(text), len(update))
	}

	other := NewDoc(WithClientID(2))
	apply(t, other, update)
	if other.PlainText() != text {
		t.Fatal("run did not decode to the original text")
	}
}

func TestEncodeStateAsUpdateIsMinimal(t *testing.T) {
	a := NewDoc(WithClientID(1))
	b := NewDoc(WithClientID(2))
	apply(t, b, transact(t, a, func(tx *Txn) error {
		return a.GetText("t").Insert(tx, 0, strings.Repeat("base ", 50), nil)
	}))
	transact(t, a, func(tx *Txn) error {
		return a.GetText("t").Insert(tx, 0, "new", nil)
	})

	diff := a.EncodeStateAsUpdate(b.StateVector())
	full := a.EncodeStateAsUpdate(nil)
	if len(diff) >= len(full)/4 {
		t.Fatalf("diff is %d bytes, full state %d bytes", len(diff), len(full))
	}
	decoded, err := decodeUpdate(diff, false)
	if err != nil {
		t.Fatalf("decodeUpdate() error = %v", err)
	}
	if len(decoded.items) != 3 {
		t.Fatalf("diff carries %d items, want 3", len(decoded.items))
	}

	apply(t, b, diff)
	if a.PlainText() != b.PlainText() {
		t.Fatalf("replicas diverged: %q vs %q", a.PlainText(), b.PlainText())
	}
	if empty, err := IsEmptyUpdate(a.EncodeStateAsUpdate(b.StateVector())); err != nil || !empty {
		t.Fatalf("IsEmptyUpdate() = %v, %v; want true", empty, err)
	}
}

func TestEncodeStateAsUpdateIsDeterministic(t *testing.T) {
	build := func() *Doc {
		d := NewDoc(WithClientID(1))
		transact(t, d, func(tx *Txn) error {
			if err := d.GetMap("m").Set(tx, "z", Number(1)); err != nil {
				return err
			}
			if err := d.GetMap("m").Set(tx, "a", Object{"y": Bool(true), "b": Null{}}); err != nil {
				return err
			}
			return d.GetText("t").Insert(tx, 0, "text", Attrs{"bold": Bool(true)})
		})
		return d
	}
	first := build().EncodeStateAsUpdate(nil)
	for i := 0; i < 5; i++ {
		if again := build().EncodeStateAsUpdate(nil); !bytes.Equal(first, again) {
			t.Fatal("EncodeStateAsUpdate() is not deterministic")
		}
	}
}

func TestDeletedContentIsEncodedAsTombstones(t *testing.T) {
	a := NewDoc(WithClientID(1))
	transact(t, a, func(tx *Txn) error {
		return a.GetArray("a").Push(tx, String(strings.Repeat("payload", 100)))
	})
	transact(t, a, func(tx *Txn) error {
		return a.GetArray("a").Delete(tx, 0, 1)
	})
	full := a.EncodeStateAsUpdate(nil)
	if bytes.Contains(full, []byte("payload")) {
		t.Fatal("deleted content leaked into encoded state")
	}

	b := NewDoc(WithClientID(2))
	apply(t, b, full)
	if !reflect.DeepEqual(a.StateVector(), b.StateVector()) {
		t.Fatalf("state vectors differ: %v vs %v", a.StateVector(), b.StateVector())
	}
	if got := b.ToJSON()["a"]; !reflect.DeepEqual(got, []any{}) {
		t.Fatalf("array = %v, want empty", got)
	}
}

func TestOrphanedItemsBecomeTombstones(t *testing.T) {
	a := NewDoc(WithClientID(1))
	// a plain value item; nothing can be nested under it
	transact(t, a, func(tx *Txn) error { return a.GetArray("a").Push(tx, Number(1)) })

	// client 2 claims item 1:0 as its parent
	forged := []byte{1, 1, 2, 1, 0, byte(contentAny) | infoKeyed | infoParentIsItem, 1, 0, 1, 'k', 1, tagTrue, 0}
	b := NewDoc(WithClientID(3))
	apply(t, b, a.EncodeStateAsUpdate(nil))
	apply(t, b, forged)

	if sv := b.StateVector(); sv[2] != 1 {
		t.Fatalf("orphan not recorded in state vector: %v", sv)
	}
	if got := b.ToJSON()["a"]; !reflect.DeepEqual(got, []any{float64(1)}) {
		t.Fatalf("array = %v", got)
	}
	// a peer missing both still converges from the encoded state
	c := NewDoc(WithClientID(4))
	apply(t, c, b.EncodeStateAsUpdate(nil))
	if !reflect.DeepEqual(b.StateVector(), c.StateVector()) {
		t.Fatalf("state vectors differ: %v vs %v", b.StateVector(), c.StateVector())
	}
}

func TestApplyBoundedLimitsTombstoneRuns(t *testing.T) {
	// one client, one deleted run of 1<<24 items under root "t"
	huge := []byte{1, 1, 7, 1, 0, byte(contentDeleted), 1, 't', 0, 0x80, 0x80, 0x80, 0x08, 0}
	d := NewDoc(WithClientID(1))
	if _, err := d.ApplyBounded(huge, nil); !errors.Is(err, ErrDecode) {
		t.Fatalf("ApplyBounded() error = %v, want ErrDecode", err)
	}
	if _, err := IsEmptyUpdate(huge); !errors.Is(err, ErrDecode) {
		t.Fatalf("IsEmptyUpdate() error = %v, want ErrDecode", err)
	}
	if sv := d.StateVector(); len(sv) != 0 {
		t.Fatalf("rejected update changed state: %v", sv)
	}

	// a replica that typed and deleted a long text encodes it in a few bytes
	src := NewDoc(WithClientID(2))
	long := strings.Repeat("x", minTombstoneBudget+1)
	transact(t, src, func(tx *Txn) error { return src.GetText("t").Insert(tx, 0, long, nil) })
	transact(t, src, func(tx *Txn) error { return src.GetText("t").Delete(tx, 0, len(long)) })
	state := src.EncodeStateAsUpdate(nil)

	if _, err := NewDoc(WithClientID(3)).ApplyBounded(state, nil); !errors.Is(err, ErrDecode) {
		t.Fatalf("ApplyBounded(state) error = %v, want ErrDecode", err)
	}
	trusted := NewDoc(WithClientID(3))
	if err := trusted.ApplyUpdate(state, nil); err != nil {
		t.Fatalf("ApplyUpdate(state) error = %v", err)
	}
	if sv := trusted.StateVector(); sv[2] != uint64(len(long)) {
		t.Fatalf("state vector = %v, want client 2 at %d", sv, len(long))
	}

	// small edits stay well inside the budget
	small := transact(t, src, func(tx *Txn) error { return src.GetText("t").Insert(tx, 0, "ok", nil) })
	if _, err := trusted.ApplyBounded(small, nil); err != nil {
		t.Fatalf("ApplyBounded(small) error = %v", err)
	}
}
