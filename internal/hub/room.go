package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"collab/syncd/internal/awareness"
	"collab/syncd/internal/crdt"
	"collab/syncd/internal/protocol"
	"collab/syncd/internal/reconcile"
	"collab/syncd/internal/store"
)

var errMemberClosed = errors.New("hub: member closed")

type pendingUpdate struct {
	update []byte
	from   *Member
	// parked updates only wait for missing dependencies; they are stored
	// but not relayed.
	parked bool
}

// Room is a loaded document and the members subscribed to it. Its mutex is
// the serialization point for merge, append and relay of that document.
type Room struct {
	hub       *Hub
	docID     string
	doc       *crdt.Doc
	awareness *awareness.Register
	logger    *slog.Logger

	mu        sync.Mutex
	members   map[*Member]struct{}
	queue     []pendingUpdate
	lastClock int64
	closed    bool
	retry     *time.Timer

	stopOnce    sync.Once
	cancel      context.CancelFunc
	unsubscribe func()
}

func newRoom(h *Hub, docID string, doc *crdt.Doc) *Room {
	var opts []awareness.Option
	if h.awarenessTimeout > 0 {
		opts = append(opts, awareness.WithTimeout(h.awarenessTimeout))
	}
	return &Room{
		hub:       h,
		docID:     docID,
		doc:       doc,
		awareness: awareness.New(opts...),
		logger:    h.logger.With(slog.String("doc_id", docID)),
		members:   make(map[*Member]struct{}),
	}
}

// start runs the awareness sweeper and joins the bus. It is called before
// the room becomes visible to connections.
func (r *Room) start() {
	ctx, cancel := context.WithCancel(r.hub.baseCtx)
	r.cancel = cancel
	go r.awareness.Run(ctx, r.hub.awarenessInterval, func(update []byte) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.relayLocked(protocol.Encode(protocol.Awareness(r.docID, update)), nil)
		r.publish(protocol.TypeAwareness, update)
	})

	if r.hub.bus == nil {
		return
	}
	unsubscribe, err := r.hub.bus.Subscribe(ctx, r.docID, r.fromBus)
	if err != nil {
		r.logger.Warn("bus subscribe failed", slog.String("error", err.Error()))
		return
	}
	r.unsubscribe = unsubscribe
	r.catchUp(ctx)
}

// catchUp replays the log once more so that updates other nodes stored
// between the load and the subscription are not missed.
func (r *Room) catchUp(ctx context.Context) {
	records, err := r.hub.log.Records(ctx, r.docID)
	if err != nil {
		r.logger.Warn("room catch-up failed", slog.String("error", err.Error()))
		return
	}
	for _, rec := range records {
		if err := r.doc.ApplyUpdate(rec.Payload, nil); err != nil {
			r.logger.Warn("room catch-up failed", slog.Int64("clock", rec.Clock), slog.String("error", err.Error()))
			return
		}
	}
}

func (r *Room) stop() {
	r.stopOnce.Do(func() {
		if r.retry != nil {
			r.retry.Stop()
		}
		if r.cancel != nil {
			r.cancel()
		}
		if r.unsubscribe != nil {
			r.unsubscribe()
		}
	})
}

// add registers m and sends it the diff against its state vector followed
// by the room's own state vector and the current awareness.
func (r *Room) add(m *Member, stateVector []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRoomClosed
	}
	diff, err := reconcile.Diff(r.doc, stateVector)
	if err != nil {
		return err
	}
	if !m.state.CompareAndSwap(int32(Connecting), int32(Syncing)) {
		return errMemberClosed
	}
	r.members[m] = struct{}{}
	m.conn.send(protocol.SyncStep2(r.docID, diff))
	m.conn.send(protocol.SyncStep1(r.docID, r.doc.EncodeStateVector()))
	if snapshot := r.awareness.Snapshot(); snapshot != nil {
		m.conn.send(protocol.Awareness(r.docID, snapshot))
	}
	return nil
}

// resync answers a repeated sync-step1 of a joined member.
func (r *Room) resync(m *Member, stateVector []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	diff, err := reconcile.Diff(r.doc, stateVector)
	if err != nil {
		return err
	}
	m.conn.send(protocol.SyncStep2(r.docID, diff))
	return nil
}

// applyUpdate merges update into the replica, stores the effective delta
// and relays it to every other member once stored. from is nil for updates
// that did not come from a member.
func (r *Room) applyUpdate(from *Member, update []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, errRoomClosed
	}
	var origin any
	if from != nil {
		origin = from.conn.id
	}
	parked := r.doc.PendingClocks()
	delta, err := r.doc.ApplyBounded(update, origin)
	if err != nil {
		return false, err
	}
	switch {
	case delta != nil:
		r.queue = append(r.queue, pendingUpdate{update: delta, from: from})
	case r.doc.PendingClocks() > parked:
		r.queue = append(r.queue, pendingUpdate{update: update, from: from, parked: true})
	}
	if err := r.flushLocked(r.hub.baseCtx); err != nil {
		return delta != nil, err
	}
	return delta != nil, nil
}

// flushLocked appends queued deltas in order and relays each one after it
// is stored. On failure the rest of the queue is kept for the next attempt.
func (r *Room) flushLocked(ctx context.Context) error {
	for len(r.queue) > 0 {
		next := r.queue[0]
		clock, err := r.persist(ctx, next.update)
		if err != nil {
			return err
		}
		r.queue[0] = pendingUpdate{}
		r.queue = r.queue[1:]
		r.lastClock = clock
		if next.parked {
			continue
		}

		var except *Member
		if next.from != nil && next.from.State() != Closed {
			except = next.from
		}
		r.relayLocked(protocol.Encode(protocol.Update(r.docID, next.update)), except)
		r.publish(protocol.TypeUpdate, next.update)
	}
	return nil
}

func (r *Room) persist(ctx context.Context, update []byte) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.hub.persistTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.hub.persistRetries)), ctx)

	var clock int64
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		c, err := r.hub.log.AppendUpdate(ctx, r.docID, update)
		if err != nil {
			if !errors.Is(err, store.ErrUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		}
		clock = c
		return nil
	}, retry)
	if err != nil {
		r.logger.Error("append failed", slog.Int("attempts", attempts), slog.Int("queued", len(r.queue)), slog.String("error", err.Error()))
		return 0, fmt.Errorf("append update to %s: %w", r.docID, err)
	}
	return clock, nil
}

func (r *Room) relayLocked(raw []byte, except *Member) {
	for m := range r.members {
		if m == except {
			continue
		}
		m.conn.sendRaw(raw)
	}
}

// applyAwareness routes an awareness update to the register only and relays
// the entries that changed.
func (r *Room) applyAwareness(from *Member, update []byte) error {
	changed, err := r.awareness.Apply(from.conn.id, update)
	if err != nil || changed == nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relayLocked(protocol.Encode(protocol.Awareness(r.docID, changed)), from)
	r.publish(protocol.TypeAwareness, changed)
	return nil
}

// remove unregisters m, clears its awareness entries and broadcasts their
// removal. The room closes when m was the last member.
func (r *Room) remove(m *Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[m]; !ok {
		return
	}
	delete(r.members, m)
	if removal := r.awareness.RemoveConnection(m.conn.id); removal != nil {
		r.relayLocked(protocol.Encode(protocol.Awareness(r.docID, removal)), nil)
		r.publish(protocol.TypeAwareness, removal)
	}
	r.closeLocked()
}

func (r *Room) closeLocked() {
	if r.closed || len(r.members) > 0 {
		return
	}
	if err := r.flushLocked(r.hub.baseCtx); err != nil {
		if r.hub.baseCtx.Err() != nil {
			r.logger.Error("room closed with unstored updates", slog.Int("queued", len(r.queue)))
		} else {
			r.logger.Warn("room close deferred", slog.Int("queued", len(r.queue)), slog.String("error", err.Error()))
			if r.retry == nil {
				r.retry = time.AfterFunc(r.hub.persistTimeout, r.tryClose)
			} else {
				r.retry.Reset(r.hub.persistTimeout)
			}
			return
		}
	}
	r.closed = true
	r.stop()
	r.hub.dropRoom(r)
	r.logger.Info("room closed", slog.Int64("clock", r.lastClock))
}

func (r *Room) tryClose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
}

// shutdown flushes the queue with ctx and closes the room regardless of
// members.
func (r *Room) shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.flushLocked(ctx)
	if !r.closed {
		r.closed = true
		r.stop()
		r.hub.dropRoom(r)
	}
	return err
}

func (r *Room) fromBus(msg Message) {
	if msg.Node == r.hub.node {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	switch msg.Type {
	case protocol.TypeUpdate:
		delta, err := r.doc.Apply(msg.Payload, msg.Node)
		if err != nil {
			r.logger.Warn("bus update dropped", slog.String("node", msg.Node), slog.String("error", err.Error()))
			return
		}
		if delta != nil {
			r.relayLocked(protocol.Encode(protocol.Update(r.docID, delta)), nil)
		}
	case protocol.TypeAwareness:
		changed, err := r.awareness.Apply("node:"+msg.Node, msg.Payload)
		if err != nil {
			r.logger.Warn("bus awareness dropped", slog.String("node", msg.Node), slog.String("error", err.Error()))
			return
		}
		if changed != nil {
			r.relayLocked(protocol.Encode(protocol.Awareness(r.docID, changed)), nil)
		}
	}
}

func (r *Room) publish(t protocol.Type, payload []byte) {
	if r.hub.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.hub.baseCtx, time.Second)
	defer cancel()
	if err := r.hub.bus.Publish(ctx, r.docID, Message{Node: r.hub.node, Type: t, Payload: payload}); err != nil {
		r.logger.Warn("bus publish failed", slog.String("type", t.String()), slog.String("error", err.Error()))
	}
}

func (r *Room) info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomInfo{DocID: r.docID, Members: len(r.members), Pending: len(r.queue)}
}
