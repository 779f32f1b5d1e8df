// Package protocol defines the frames exchanged over a sync connection.
//
// A frame is a varuint message type, a varuint-length-prefixed docId and the
// message payload, which runs to the end of the transport message. One
// connection may carry frames of many documents.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

var ErrDecode = errors.New("protocol: decode")

const MaxDocIDLength = 512

type Type uint64

const (
	TypeSyncStep1 Type = iota
	TypeSyncStep2
	TypeUpdate
	TypeAwareness
	TypeClientIDRequest
	TypeClientIDResponse
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeSyncStep1:
		return "sync-step1"
	case TypeSyncStep2:
		return "sync-step2"
	case TypeUpdate:
		return "update"
	case TypeAwareness:
		return "awareness"
	case TypeClientIDRequest:
		return "client-id-request"
	case TypeClientIDResponse:
		return "client-id-response"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("type(%d)", uint64(t))
	}
}

// ErrorCode classifies error frames.
type ErrorCode uint64

const (
	CodeInternal ErrorCode = iota + 1
	CodeForbidden
	CodeReadOnly
	CodeMalformed
	CodeUnavailable
	CodeSyncTimeout
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInternal:
		return "internal"
	case CodeForbidden:
		return "forbidden"
	case CodeReadOnly:
		return "read_only"
	case CodeMalformed:
		return "malformed"
	case CodeUnavailable:
		return "unavailable"
	case CodeSyncTimeout:
		return "sync_timeout"
	default:
		return fmt.Sprintf("code(%d)", uint64(c))
	}
}

type Frame struct {
	Type    Type
	DocID   string
	Payload []byte
}

func SyncStep1(docID string, stateVector []byte) Frame {
	return Frame{Type: TypeSyncStep1, DocID: docID, Payload: stateVector}
}

func SyncStep2(docID string, update []byte) Frame {
	return Frame{Type: TypeSyncStep2, DocID: docID, Payload: update}
}

func Update(docID string, update []byte) Frame {
	return Frame{Type: TypeUpdate, DocID: docID, Payload: update}
}

func Awareness(docID string, entries []byte) Frame {
	return Frame{Type: TypeAwareness, DocID: docID, Payload: entries}
}

func ClientIDRequest(docID string) Frame {
	return Frame{Type: TypeClientIDRequest, DocID: docID}
}

func ClientIDResponse(docID string, clientID uint32) Frame {
	return Frame{Type: TypeClientIDResponse, DocID: docID, Payload: binary.AppendUvarint(nil, uint64(clientID))}
}

func Error(docID string, code ErrorCode, message string) Frame {
	payload := binary.AppendUvarint(nil, uint64(code))
	payload = binary.AppendUvarint(payload, uint64(len(message)))
	payload = append(payload, message...)
	return Frame{Type: TypeError, DocID: docID, Payload: payload}
}

// ClientID reads the payload of a client-id-response frame.
func (f Frame) ClientID() (uint32, error) {
	if f.Type != TypeClientIDResponse {
		return 0, fmt.Errorf("%w: %s frame carries no client id", ErrDecode, f.Type)
	}
	v, n := binary.Uvarint(f.Payload)
	if n <= 0 || n != len(f.Payload) || v > 1<<32-1 {
		return 0, fmt.Errorf("%w: invalid client id", ErrDecode)
	}
	return uint32(v), nil
}

// ErrorInfo reads the payload of an error frame.
func (f Frame) ErrorInfo() (ErrorCode, string, error) {
	if f.Type != TypeError {
		return 0, "", fmt.Errorf("%w: %s frame carries no error", ErrDecode, f.Type)
	}
	code, n := binary.Uvarint(f.Payload)
	if n <= 0 {
		return 0, "", fmt.Errorf("%w: invalid error code", ErrDecode)
	}
	rest := f.Payload[n:]
	size, m := binary.Uvarint(rest)
	if m <= 0 || size != uint64(len(rest)-m) {
		return 0, "", fmt.Errorf("%w: invalid error message", ErrDecode)
	}
	return ErrorCode(code), string(rest[m:]), nil
}

func Encode(f Frame) []byte {
	buf := make([]byte, 0, 2+len(f.DocID)+len(f.Payload)+binary.MaxVarintLen64)
	buf = binary.AppendUvarint(buf, uint64(f.Type))
	buf = binary.AppendUvarint(buf, uint64(len(f.DocID)))
	buf = append(buf, f.DocID...)
	return append(buf, f.Payload...)
}

func Decode(raw []byte) (Frame, error) {
	t, n := binary.Uvarint(raw)
	if n <= 0 {
		return Frame{}, fmt.Errorf("%w: invalid frame type", ErrDecode)
	}
	if Type(t) > TypeError {
		return Frame{}, fmt.Errorf("%w: unknown frame type %d", ErrDecode, t)
	}
	raw = raw[n:]
	size, n := binary.Uvarint(raw)
	if n <= 0 {
		return Frame{}, fmt.Errorf("%w: invalid doc id length", ErrDecode)
	}
	raw = raw[n:]
	if size == 0 || size > MaxDocIDLength || size > uint64(len(raw)) {
		return Frame{}, fmt.Errorf("%w: doc id length %d", ErrDecode, size)
	}
	docID := raw[:size]
	if !utf8.Valid(docID) {
		return Frame{}, fmt.Errorf("%w: doc id is not utf-8", ErrDecode)
	}
	payload := make([]byte, len(raw)-int(size))
	copy(payload, raw[size:])
	return Frame{Type: Type(t), DocID: string(docID), Payload: payload}, nil
}
