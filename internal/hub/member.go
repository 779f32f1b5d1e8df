package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"collab/syncd/internal/access"
	"collab/syncd/internal/clientid"
	"collab/syncd/internal/protocol"
)

// State is the sync state of one document on one connection.
type State int32

const (
	Connecting State = iota
	Syncing
	Synced
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Member is the membership of one connection in one document.
type Member struct {
	conn     *Connection
	docID    string
	decision access.Decision

	state atomic.Int32

	mu    sync.Mutex
	room  *Room
	lease *clientid.Lease
	timer *time.Timer

	once sync.Once
}

func newMember(c *Connection, docID string, decision access.Decision) *Member {
	return &Member{conn: c, docID: docID, decision: decision}
}

func (m *Member) State() State {
	return State(m.state.Load())
}

func (m *Member) DocID() string {
	return m.docID
}

func (m *Member) ReadOnly() bool {
	return m.decision.ReadOnly
}

// ClientID returns the leased client id, if one was requested.
func (m *Member) ClientID() (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lease == nil {
		return 0, false
	}
	return m.lease.ClientID, true
}

func (m *Member) startTimer(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timer = time.AfterFunc(d, m.expire)
}

func (m *Member) stopTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
}

func (m *Member) expire() {
	switch m.State() {
	case Synced, Closed:
		return
	}
	m.conn.send(protocol.Error(m.docID, protocol.CodeSyncTimeout, "sync did not complete in time"))
	m.teardown(ErrSyncTimeout)
}

func (m *Member) currentRoom() *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

// attach records the room m joined. A member torn down while joining is
// removed again.
func (m *Member) attach(r *Room) {
	m.mu.Lock()
	if m.State() != Closed {
		m.room = r
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	r.remove(m)
}

// holdLease keeps lease for the lifetime of the membership. It reports false
// and releases the lease when m already closed.
func (m *Member) holdLease(lease *clientid.Lease) bool {
	m.mu.Lock()
	if m.State() != Closed && m.lease == nil {
		m.lease = lease
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()
	lease.Release()
	return false
}

// teardown unregisters m from its room, which clears and broadcasts the
// removal of its awareness entries, and releases its client id lease. It runs
// once no matter how many paths close the member.
func (m *Member) teardown(reason error) {
	m.once.Do(func() {
		prev := m.State()
		m.state.Store(int32(Closed))

		m.mu.Lock()
		room, lease, timer := m.room, m.lease, m.timer
		m.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		if room != nil {
			room.remove(m)
		}
		lease.Release()
		m.conn.dropMember(m)

		attrs := []any{
			slog.String("conn_id", m.conn.id),
			slog.String("doc_id", m.docID),
			slog.String("state", prev.String()),
		}
		if reason != nil {
			attrs = append(attrs, slog.String("reason", reason.Error()))
		}
		m.conn.logger.Debug("member closed", attrs...)
	})
}
