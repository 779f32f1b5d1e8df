// Package awareness keeps the ephemeral per-client presence state of one
// document: cursors, selections, user names. Entries are last-write-wins per
// client by clock, expire when not refreshed, and never touch the replicated
// document.
package awareness

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var ErrDecode = errors.New("awareness: decode")

const (
	DefaultTimeout = 30 * time.Second

	maxEntries    = 1 << 16
	maxStateBytes = 64 << 10
)

// Entry is the presence state of one client. A nil State marks a removed
// client.
type Entry struct {
	ClientID  uint32
	Clock     uint64
	State     json.RawMessage
	UpdatedAt time.Time
}

type record struct {
	Entry
	connID string
}

// Register holds the awareness entries of one document.
type Register struct {
	mu        sync.Mutex
	timeout   time.Duration
	now       func() time.Time
	entries   map[uint32]*record
	observers []func(map[uint32]Entry)
}

type Option func(*Register)

func WithTimeout(d time.Duration) Option {
	return func(r *Register) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Register) {
		r.now = now
	}
}

func New(opts ...Option) *Register {
	r := &Register{
		timeout: DefaultTimeout,
		now:     time.Now,
		entries: make(map[uint32]*record),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnChange registers fn to receive the active entries after every change.
// Callbacks run with the register locked.
func (r *Register) OnChange(fn func(map[uint32]Entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// SetLocalState replaces the state of clientID and returns the encoded
// update to broadcast.
func (r *Register) SetLocalState(connID string, clientID uint32, state json.RawMessage) ([]byte, error) {
	if state != nil && !json.Valid(state) {
		return nil, fmt.Errorf("set awareness state: invalid json")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.bump(connID, clientID)
	rec.State = cloneRaw(state)
	r.notify()
	return encode([]Entry{rec.Entry}), nil
}

// SetLocalField sets one top-level field of the client's state object.
func (r *Register) SetLocalField(connID string, clientID uint32, field string, value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal awareness field %q: %w", field, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	fields := map[string]json.RawMessage{}
	if rec, ok := r.entries[clientID]; ok && rec.State != nil {
		if err := json.Unmarshal(rec.State, &fields); err != nil {
			fields = map[string]json.RawMessage{}
		}
	}
	fields[field] = raw
	state, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal awareness state: %w", err)
	}
	rec := r.bump(connID, clientID)
	rec.State = state
	r.notify()
	return encode([]Entry{rec.Entry}), nil
}

func (r *Register) bump(connID string, clientID uint32) *record {
	rec, ok := r.entries[clientID]
	if !ok {
		rec = &record{Entry: Entry{ClientID: clientID}}
		r.entries[clientID] = rec
	}
	rec.claim(connID)
	rec.Clock++
	rec.UpdatedAt = r.now()
	return rec
}

// claim makes connID the owner of a client that has no live entry. A live
// entry keeps its owner whoever refreshes it, so only the owner's departure
// removes it.
func (rec *record) claim(connID string) {
	if rec.connID == "" || rec.State == nil {
		rec.connID = connID
	}
}

// Apply merges an encoded update received from connID. An entry replaces the
// stored one when its clock is newer, or when it removes the client at the
// same clock. It returns the update restricted to the entries that changed,
// or nil.
func (r *Register) Apply(connID string, update []byte) ([]byte, error) {
	incoming, err := Decode(update)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var changed []Entry
	for _, in := range incoming {
		cur, ok := r.entries[in.ClientID]
		if ok && !(in.Clock > cur.Clock || (in.Clock == cur.Clock && in.State == nil && cur.State != nil)) {
			continue
		}
		if !ok {
			cur = &record{Entry: Entry{ClientID: in.ClientID}}
			r.entries[in.ClientID] = cur
		}
		cur.claim(connID)
		cur.Clock = in.Clock
		cur.State = in.State
		cur.UpdatedAt = now
		changed = append(changed, cur.Entry)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	r.notify()
	return encode(changed), nil
}

// RemoveConnection removes every live client owned by connID and returns the
// removal update to broadcast, or nil.
func (r *Register) RemoveConnection(connID string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uint32
	for id, rec := range r.entries {
		if rec.connID == connID && rec.State != nil {
			ids = append(ids, id)
		}
	}
	return r.remove(ids)
}

// Remove removes the given clients and returns the removal update, or nil.
func (r *Register) Remove(clientIDs ...uint32) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remove(clientIDs)
}

func (r *Register) remove(ids []uint32) []byte {
	var removed []Entry
	for _, id := range ids {
		rec, ok := r.entries[id]
		if !ok || rec.State == nil {
			continue
		}
		rec.Clock++
		rec.State = nil
		rec.UpdatedAt = r.now()
		removed = append(removed, rec.Entry)
	}
	if len(removed) == 0 {
		return nil
	}
	r.notify()
	return encode(removed)
}

// Sweep removes entries not refreshed within the timeout and returns the
// removal update, or nil. Removed entries older than the timeout are
// forgotten entirely.
func (r *Register) Sweep(now time.Time) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []uint32
	for id, rec := range r.entries {
		if now.Sub(rec.UpdatedAt) < r.timeout {
			continue
		}
		if rec.State == nil {
			delete(r.entries, id)
			continue
		}
		expired = append(expired, id)
	}
	return r.remove(expired)
}

// Run sweeps on every interval until ctx is done and hands removal updates
// to broadcast.
func (r *Register) Run(ctx context.Context, interval time.Duration, broadcast func([]byte)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if update := r.Sweep(r.now()); update != nil && broadcast != nil {
				broadcast(update)
			}
		}
	}
}

// States returns the active entries.
func (r *Register) States() map[uint32]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active()
}

// Snapshot encodes every active entry, for peers that just joined.
func (r *Register) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := r.active()
	if len(active) == 0 {
		return nil
	}
	entries := make([]Entry, 0, len(active))
	for _, e := range active {
		entries = append(entries, e)
	}
	return encode(entries)
}

func (r *Register) active() map[uint32]Entry {
	out := make(map[uint32]Entry, len(r.entries))
	for id, rec := range r.entries {
		if rec.State != nil {
			out[id] = rec.Entry
		}
	}
	return out
}

func (r *Register) notify() {
	if len(r.observers) == 0 {
		return
	}
	active := r.active()
	for _, fn := range r.observers {
		fn(active)
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

var null = []byte("null")

// Encode writes entries as count, then client, clock and state JSON per
// entry, sorted by client id.
func Encode(entries []Entry) []byte {
	return encode(entries)
}

func encode(entries []Entry) []byte {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ClientID < sorted[j].ClientID })
	buf := binary.AppendUvarint(nil, uint64(len(sorted)))
	for _, e := range sorted {
		state := []byte(e.State)
		if state == nil {
			state = null
		}
		buf = binary.AppendUvarint(buf, uint64(e.ClientID))
		buf = binary.AppendUvarint(buf, e.Clock)
		buf = binary.AppendUvarint(buf, uint64(len(state)))
		buf = append(buf, state...)
	}
	return buf
}

func Decode(raw []byte) ([]Entry, error) {
	next := func(what string) (uint64, error) {
		v, n := binary.Uvarint(raw)
		if n <= 0 {
			return 0, fmt.Errorf("%w: invalid %s", ErrDecode, what)
		}
		raw = raw[n:]
		return v, nil
	}
	count, err := next("entry count")
	if err != nil {
		return nil, err
	}
	if count > maxEntries {
		return nil, fmt.Errorf("%w: %d entries", ErrDecode, count)
	}
	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		client, err := next("client id")
		if err != nil {
			return nil, err
		}
		if client > 1<<32-1 {
			return nil, fmt.Errorf("%w: client id %d out of range", ErrDecode, client)
		}
		clock, err := next("clock")
		if err != nil {
			return nil, err
		}
		size, err := next("state length")
		if err != nil {
			return nil, err
		}
		if size > maxStateBytes || size > uint64(len(raw)) {
			return nil, fmt.Errorf("%w: state of %d bytes", ErrDecode, size)
		}
		state := raw[:size]
		raw = raw[size:]
		if !json.Valid(state) {
			return nil, fmt.Errorf("%w: state of client %d is not json", ErrDecode, client)
		}
		e := Entry{ClientID: uint32(client), Clock: clock}
		if string(state) != "null" {
			e.State = append(json.RawMessage(nil), state...)
		}
		entries = append(entries, e)
	}
	if len(raw) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrDecode)
	}
	return entries, nil
}
