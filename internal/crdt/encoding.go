package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// ErrDecode is returned for malformed updates and state vectors.
var ErrDecode = errors.New("crdt: decode")

const (
	updateFormatV1      = 1
	stateVectorFormatV1 = 1

	maxCollectionLen = 1 << 24
	maxValueDepth    = 64

	// A deleted run costs one item per clock but only a few bytes on the
	// wire. Updates from peers may carry at most this many tombstones per
	// encoded byte, with a floor for small updates.
	tombstonesPerByte  = 16
	minTombstoneBudget = 1 << 16
)

// tombstoneBudget is the number of deleted items a peer update of size bytes
// may decode to.
func tombstoneBudget(size int) int {
	return max(minTombstoneBudget, tombstonesPerByte*size)
}

type encoder struct {
	buf []byte
}

func (e *encoder) byte(b byte) {
	e.buf = append(e.buf, b)
}

func (e *encoder) uvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *encoder) bytes(b []byte) {
	e.uvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) string(s string) {
	e.uvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) float64(f float64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(f))
}

func (e *encoder) id(id ID) {
	e.uvarint(id.Client)
	e.uvarint(id.Clock)
}

const (
	tagNull byte = iota
	tagFalse
	tagTrue
	tagNumber
	tagString
	tagBytes
	tagRef
	tagList
	tagObject
)

func (e *encoder) value(v Value) {
	switch typed := v.(type) {
	case nil, Null:
		e.byte(tagNull)
	case Bool:
		if typed {
			e.byte(tagTrue)
		} else {
			e.byte(tagFalse)
		}
	case Number:
		e.byte(tagNumber)
		e.float64(float64(typed))
	case String:
		e.byte(tagString)
		e.string(string(typed))
	case Bytes:
		e.byte(tagBytes)
		e.bytes(typed)
	case Ref:
		e.byte(tagRef)
		e.string(string(typed))
	case List:
		e.byte(tagList)
		e.uvarint(uint64(len(typed)))
		for _, elem := range typed {
			e.value(elem)
		}
	case Object:
		e.byte(tagObject)
		keys := sortedKeys(typed)
		e.uvarint(uint64(len(keys)))
		for _, key := range keys {
			e.string(key)
			e.value(typed[key])
		}
	default:
		// containers never reach the plain value codec
		e.byte(tagNull)
	}
}

type decoder struct {
	buf []byte
	pos int

	// tombstones is the remaining deleted item budget; negative means
	// unlimited.
	tombstones int
}

func newDecoder(buf []byte) *decoder {
	return &decoder{buf: buf, tombstones: -1}
}

func (d *decoder) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", ErrDecode, fmt.Sprintf(format, args...), d.pos)
}

func (d *decoder) done() bool {
	return d.pos >= len(d.buf)
}

func (d *decoder) byte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, d.errorf("unexpected end of input")
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, d.errorf("invalid varint")
	}
	d.pos += n
	return v, nil
}

func (d *decoder) length() (int, error) {
	v, err := d.uvarint()
	if err != nil {
		return 0, err
	}
	if v > maxCollectionLen {
		return 0, d.errorf("length %d exceeds limit", v)
	}
	return int(v), nil
}

func (d *decoder) raw(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, d.errorf("truncated payload of %d bytes", n)
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.length()
	if err != nil {
		return nil, err
	}
	raw, err := d.raw(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (d *decoder) string() (string, error) {
	n, err := d.length()
	if err != nil {
		return "", err
	}
	raw, err := d.raw(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", d.errorf("invalid utf-8 string")
	}
	return string(raw), nil
}

func (d *decoder) float64() (float64, error) {
	raw, err := d.raw(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(raw)), nil
}

func (d *decoder) id() (ID, error) {
	client, err := d.uvarint()
	if err != nil {
		return ID{}, err
	}
	clock, err := d.uvarint()
	if err != nil {
		return ID{}, err
	}
	return ID{Client: client, Clock: clock}, nil
}

func (d *decoder) value(depth int) (Value, error) {
	if depth > maxValueDepth {
		return nil, d.errorf("value nesting too deep")
	}
	tag, err := d.byte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagNull:
		return Null{}, nil
	case tagFalse:
		return Bool(false), nil
	case tagTrue:
		return Bool(true), nil
	case tagNumber:
		f, err := d.float64()
		return Number(f), err
	case tagString:
		s, err := d.string()
		return String(s), err
	case tagBytes:
		b, err := d.bytes()
		return Bytes(b), err
	case tagRef:
		s, err := d.string()
		return Ref(s), err
	case tagList:
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		out := make(List, 0, min(n, 64))
		for i := 0; i < n; i++ {
			elem, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
		}
		return out, nil
	case tagObject:
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		out := make(Object, min(n, 64))
		for i := 0; i < n; i++ {
			key, err := d.string()
			if err != nil {
				return nil, err
			}
			elem, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}
			out[key] = elem
		}
		return out, nil
	default:
		return nil, d.errorf("unknown value tag %d", tag)
	}
}

// EncodeStateVector serializes a state vector with sorted client ids so the
// output is deterministic.
func EncodeStateVector(sv StateVector) []byte {
	e := &encoder{buf: make([]byte, 0, 2+len(sv)*8)}
	e.byte(stateVectorFormatV1)
	clients := sv.Clients()
	e.uvarint(uint64(len(clients)))
	for _, client := range clients {
		e.uvarint(client)
		e.uvarint(sv[client])
	}
	return e.buf
}

// DecodeStateVector parses the output of EncodeStateVector. An empty input
// decodes to an empty vector.
func DecodeStateVector(raw []byte) (StateVector, error) {
	sv := StateVector{}
	if len(raw) == 0 {
		return sv, nil
	}
	d := newDecoder(raw)
	version, err := d.byte()
	if err != nil {
		return nil, err
	}
	if version != stateVectorFormatV1 {
		return nil, d.errorf("unsupported state vector version %d", version)
	}
	n, err := d.length()
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		client, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		clock, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		if _, dup := sv[client]; dup {
			return nil, d.errorf("duplicate client %d", client)
		}
		sv[client] = clock
	}
	if !d.done() {
		return nil, d.errorf("trailing bytes")
	}
	return sv, nil
}
