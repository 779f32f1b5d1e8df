package crdt

import (
	"errors"
	"fmt"
	"sort"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindBytes
	KindRef
	KindList
	KindObject
	KindMap
	KindArray
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindRef:
		return "ref"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	case KindMap:
		return "map"
	case KindArray:
		return "array"
	case KindText:
		return "text"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) container() bool {
	return k == KindMap || k == KindArray || k == KindText
}

// Value is the closed set of things a container can hold. Plain values
// (Null through Object) are immutable; *Map, *Array and *Text are nested
// replicated containers.
type Value interface {
	Kind() Kind
	sealed()
}

type (
	Null   struct{}
	Bool   bool
	Number float64
	String string
	Bytes  []byte
	// Ref points at something outside the document, e.g. an asset or another docId.
	Ref    string
	List   []Value
	Object map[string]Value
)

func (Null) Kind() Kind   { return KindNull }
func (Bool) Kind() Kind   { return KindBool }
func (Number) Kind() Kind { return KindNumber }
func (String) Kind() Kind { return KindString }
func (Bytes) Kind() Kind  { return KindBytes }
func (Ref) Kind() Kind    { return KindRef }
func (List) Kind() Kind   { return KindList }
func (Object) Kind() Kind { return KindObject }

func (Null) sealed()   {}
func (Bool) sealed()   {}
func (Number) sealed() {}
func (String) sealed() {}
func (Bytes) sealed()  {}
func (Ref) sealed()    {}
func (List) sealed()   {}
func (Object) sealed() {}

var ErrInvalidValue = errors.New("invalid value")

// validatePlain rejects nil values and containers nested inside plain
// List/Object values; containers must be inserted as their own items.
func validatePlain(v Value) error {
	switch typed := v.(type) {
	case nil:
		return fmt.Errorf("%w: nil", ErrInvalidValue)
	case Null, Bool, Number, String, Bytes, Ref:
		return nil
	case List:
		for _, elem := range typed {
			if err := validatePlain(elem); err != nil {
				return err
			}
		}
		return nil
	case Object:
		for _, elem := range typed {
			if err := validatePlain(elem); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s cannot be nested in a plain value", ErrInvalidValue, v.Kind())
	}
}

// toJSON converts a value into the shapes encoding/json understands.
func toJSON(v Value) any {
	switch typed := v.(type) {
	case nil, Null:
		return nil
	case Bool:
		return bool(typed)
	case Number:
		return float64(typed)
	case String:
		return string(typed)
	case Bytes:
		return []byte(typed)
	case Ref:
		return map[string]any{"$ref": string(typed)}
	case List:
		out := make([]any, len(typed))
		for i, elem := range typed {
			out[i] = toJSON(elem)
		}
		return out
	case Object:
		out := make(map[string]any, len(typed))
		for key, elem := range typed {
			out[key] = toJSON(elem)
		}
		return out
	case *Map:
		return typed.ToJSON()
	case *Array:
		return typed.ToJSON()
	case *Text:
		return typed.String()
	default:
		return nil
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func equalPlain(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch ta := a.(type) {
	case Null:
		return true
	case Bool:
		return ta == b.(Bool)
	case Number:
		return ta == b.(Number)
	case String:
		return ta == b.(String)
	case Ref:
		return ta == b.(Ref)
	case Bytes:
		tb := b.(Bytes)
		if len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if ta[i] != tb[i] {
				return false
			}
		}
		return true
	case List:
		tb := b.(List)
		if len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !equalPlain(ta[i], tb[i]) {
				return false
			}
		}
		return true
	case Object:
		tb := b.(Object)
		if len(ta) != len(tb) {
			return false
		}
		for key, va := range ta {
			vb, ok := tb[key]
			if !ok || !equalPlain(va, vb) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
