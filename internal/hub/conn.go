package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"collab/syncd/internal/access"
	"collab/syncd/internal/awareness"
	"collab/syncd/internal/crdt"
	"collab/syncd/internal/protocol"
	"collab/syncd/internal/reconcile"
	"collab/syncd/internal/util"
)

// Connection is one physical peer connection. It may carry many documents.
// The transport calls Receive for every inbound message from a single
// goroutine and writes everything from Outbound until Done is closed.
type Connection struct {
	hub       *Hub
	id        string
	principal access.Principal
	logger    *slog.Logger

	out     chan []byte
	done    chan struct{}
	closing atomic.Bool
	strikes atomic.Int32
	once    sync.Once

	mu      sync.Mutex
	closed  bool
	err     error
	members map[string]*Member
}

func newConnection(h *Hub, p access.Principal) *Connection {
	id := util.NewID("conn")
	return &Connection{
		hub:       h,
		id:        id,
		principal: p,
		logger:    h.logger.With(slog.String("conn_id", id)),
		out:       make(chan []byte, h.outboundQueue),
		done:      make(chan struct{}),
		members:   make(map[string]*Member),
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Principal() access.Principal {
	return c.principal
}

// Outbound yields encoded frames to write to the peer.
func (c *Connection) Outbound() <-chan []byte {
	return c.out
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection closed, or nil if the peer went away.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Member returns the membership of docID, or nil.
func (c *Connection) Member(docID string) *Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members[docID]
}

// Close tears down every membership of the connection. It must not be called
// while holding a room lock.
func (c *Connection) Close(reason error) {
	c.once.Do(func() {
		c.closing.Store(true)
		c.mu.Lock()
		c.closed = true
		c.err = reason
		members := make([]*Member, 0, len(c.members))
		for _, m := range c.members {
			members = append(members, m)
		}
		c.mu.Unlock()

		close(c.done)
		for _, m := range members {
			m.teardown(reason)
		}
		c.hub.forget(c)

		if reason != nil {
			c.logger.Info("connection closed", slog.String("reason", reason.Error()))
		} else {
			c.logger.Debug("connection closed")
		}
	})
}

func (c *Connection) closeAsync(reason error) {
	if c.closing.CompareAndSwap(false, true) {
		go c.Close(reason)
	}
}

func (c *Connection) dropMember(m *Member) {
	c.mu.Lock()
	if c.members[m.docID] == m {
		delete(c.members, m.docID)
	}
	c.mu.Unlock()
}

func (c *Connection) send(f protocol.Frame) bool {
	return c.sendRaw(protocol.Encode(f))
}

// sendRaw queues raw without blocking. A full queue closes the connection;
// the peer resyncs when it reconnects.
func (c *Connection) sendRaw(raw []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- raw:
		return true
	default:
		c.logger.Warn("outbound queue full", slog.Int("capacity", cap(c.out)))
		c.closeAsync(ErrQueueOverflow)
		return false
	}
}

// Receive handles one inbound message.
func (c *Connection) Receive(ctx context.Context, raw []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	f, err := protocol.Decode(raw)
	if err != nil {
		c.strike("", err)
		return
	}
	switch f.Type {
	case protocol.TypeSyncStep1:
		c.handleSyncStep1(ctx, f)
	case protocol.TypeSyncStep2:
		c.handleSyncStep2(f)
	case protocol.TypeUpdate:
		c.handleUpdate(f)
	case protocol.TypeAwareness:
		c.handleAwareness(f)
	case protocol.TypeClientIDRequest:
		c.handleClientIDRequest(ctx, f)
	case protocol.TypeError:
		code, msg, err := f.ErrorInfo()
		if err != nil {
			c.strike(f.DocID, err)
			return
		}
		c.logger.Info("peer reported error", slog.String("doc_id", f.DocID), slog.String("code", code.String()), slog.String("message", msg))
	default:
		c.strike(f.DocID, fmt.Errorf("%w: unexpected %s frame", protocol.ErrDecode, f.Type))
	}
}

// strike counts a malformed frame. Past the limit the connection is closed.
func (c *Connection) strike(docID string, err error) {
	n := int(c.strikes.Add(1))
	c.logger.Warn("malformed frame dropped",
		slog.String("doc_id", docID),
		slog.Int("strikes", n),
		slog.String("error", err.Error()),
	)
	if docID != "" {
		c.send(protocol.Error(docID, protocol.CodeMalformed, err.Error()))
	}
	if n > c.hub.maxDecodeErrors {
		c.Close(ErrTooManyErrors)
	}
}

// ensureMember returns the membership of docID, creating it after an access
// check.
func (c *Connection) ensureMember(ctx context.Context, docID string) (*Member, error) {
	if m := c.Member(docID); m != nil {
		return m, nil
	}

	decision, err := c.hub.access.CanAccess(ctx, c.principal, docID)
	if err != nil {
		c.logger.Error("access check failed", slog.String("doc_id", docID), slog.String("error", err.Error()))
		c.send(protocol.Error(docID, protocol.CodeUnavailable, "access check failed"))
		return nil, err
	}
	if !decision.Allowed {
		c.logger.Info("access denied", slog.String("doc_id", docID), slog.String("subject", c.principal.Subject))
		c.send(protocol.Error(docID, protocol.CodeForbidden, "forbidden"))
		return nil, access.ErrDenied
	}

	m := newMember(c, docID, decision)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if existing := c.members[docID]; existing != nil {
		c.mu.Unlock()
		return existing, nil
	}
	c.members[docID] = m
	c.mu.Unlock()

	m.startTimer(c.hub.syncTimeout)
	return m, nil
}

// joined returns the member of docID if it is in its room.
func (c *Connection) joined(docID string) *Member {
	m := c.Member(docID)
	if m == nil {
		return nil
	}
	switch m.State() {
	case Syncing, Synced:
		if m.currentRoom() != nil {
			return m
		}
	}
	return nil
}

func (c *Connection) handleSyncStep1(ctx context.Context, f protocol.Frame) {
	m, err := c.ensureMember(ctx, f.DocID)
	if err != nil {
		return
	}
	if m.State() != Connecting {
		if r := m.currentRoom(); r != nil {
			if err := r.resync(m, f.Payload); err != nil {
				c.strike(f.DocID, err)
			}
		}
		return
	}

	for attempt := 0; attempt < 3; attempt++ {
		r, err := c.hub.room(ctx, f.DocID)
		if err != nil {
			c.logger.Error("room unavailable", slog.String("doc_id", f.DocID), slog.String("error", err.Error()))
			c.send(protocol.Error(f.DocID, protocol.CodeUnavailable, "document unavailable"))
			m.teardown(err)
			return
		}
		err = r.add(m, f.Payload)
		switch {
		case err == nil:
			m.attach(r)
			c.logger.Debug("member joined", slog.String("doc_id", f.DocID), slog.Bool("read_only", m.ReadOnly()))
			return
		case errors.Is(err, errRoomClosed):
			continue
		case errors.Is(err, errMemberClosed):
			return
		default:
			c.strike(f.DocID, err)
			return
		}
	}
	c.send(protocol.Error(f.DocID, protocol.CodeUnavailable, "document unavailable"))
	m.teardown(errRoomClosed)
}

func (c *Connection) handleSyncStep2(f protocol.Frame) {
	m := c.joined(f.DocID)
	if m == nil {
		c.strike(f.DocID, fmt.Errorf("%w: sync-step2 before sync-step1", protocol.ErrDecode))
		return
	}
	if !reconcile.IsNoop(f.Payload) {
		if m.ReadOnly() {
			c.send(protocol.Error(f.DocID, protocol.CodeReadOnly, "document is read-only"))
		} else if !c.merge(m, f.Payload) {
			return
		}
	}
	if m.state.CompareAndSwap(int32(Syncing), int32(Synced)) {
		m.stopTimer()
		c.logger.Debug("member synced", slog.String("doc_id", f.DocID))
	}
}

func (c *Connection) handleUpdate(f protocol.Frame) {
	m := c.joined(f.DocID)
	if m == nil {
		c.send(protocol.Error(f.DocID, protocol.CodeMalformed, "not joined"))
		return
	}
	if m.ReadOnly() {
		c.send(protocol.Error(f.DocID, protocol.CodeReadOnly, "document is read-only"))
		return
	}
	c.merge(m, f.Payload)
}

// merge applies an update from m to its room and reports whether it was
// accepted.
func (c *Connection) merge(m *Member, update []byte) bool {
	r := m.currentRoom()
	if r == nil {
		return false
	}
	_, err := r.applyUpdate(m, update)
	switch {
	case err == nil:
		return true
	case errors.Is(err, crdt.ErrDecode):
		c.strike(m.docID, err)
	default:
		c.logger.Error("update not persisted", slog.String("doc_id", m.docID), slog.String("error", err.Error()))
		c.send(protocol.Error(m.docID, protocol.CodeUnavailable, "update could not be stored"))
		c.Close(err)
	}
	return false
}

func (c *Connection) handleAwareness(f protocol.Frame) {
	m := c.joined(f.DocID)
	if m == nil {
		c.send(protocol.Error(f.DocID, protocol.CodeMalformed, "not joined"))
		return
	}
	if err := m.currentRoom().applyAwareness(m, f.Payload); err != nil {
		if errors.Is(err, awareness.ErrDecode) {
			c.strike(f.DocID, err)
			return
		}
		c.logger.Warn("awareness update dropped", slog.String("doc_id", f.DocID), slog.String("error", err.Error()))
	}
}

func (c *Connection) handleClientIDRequest(ctx context.Context, f protocol.Frame) {
	m, err := c.ensureMember(ctx, f.DocID)
	if err != nil {
		return
	}
	if id, ok := m.ClientID(); ok {
		c.send(protocol.ClientIDResponse(f.DocID, id))
		return
	}
	if c.hub.ids == nil {
		c.send(protocol.Error(f.DocID, protocol.CodeInternal, "client ids are not allocated by this server"))
		return
	}
	lease, err := c.hub.ids.Allocate(ctx, f.DocID)
	if err != nil {
		c.logger.Error("client id allocation failed", slog.String("doc_id", f.DocID), slog.String("error", err.Error()))
		c.send(protocol.Error(f.DocID, protocol.CodeUnavailable, "client id allocation failed"))
		return
	}
	if !m.holdLease(lease) {
		return
	}
	c.send(protocol.ClientIDResponse(f.DocID, lease.ClientID))
}
