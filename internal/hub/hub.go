// Package hub fans document updates and awareness out to every connection
// subscribed to a document. Each loaded document is a Room whose mutex
// serializes merge, append and relay; rooms of different documents run
// independently.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"collab/syncd/internal/access"
	"collab/syncd/internal/clientid"
	"collab/syncd/internal/crdt"
	"collab/syncd/internal/store"
	"collab/syncd/internal/util"
)

const (
	DefaultSyncTimeout       = 10 * time.Second
	DefaultMaxDecodeErrors   = 8
	DefaultOutboundQueue     = 256
	DefaultPersistRetries    = 5
	DefaultPersistTimeout    = 10 * time.Second
	DefaultAwarenessInterval = 5 * time.Second
)

var (
	ErrClosed        = errors.New("hub: closed")
	ErrQueueOverflow = errors.New("hub: outbound queue overflow")
	ErrTooManyErrors = errors.New("hub: too many malformed frames")
	ErrSyncTimeout   = errors.New("hub: sync timeout")

	errRoomClosed = errors.New("hub: room closed")
)

// Log is the part of the update log store the hub needs.
type Log interface {
	store.RecordReader
	AppendUpdate(ctx context.Context, docID string, update []byte) (int64, error)
}

type Hub struct {
	log     Log
	access  access.Checker
	ids     *clientid.Allocator
	bus     Bus
	logger  *slog.Logger
	node    string
	baseCtx context.Context
	cancel  context.CancelFunc

	syncTimeout       time.Duration
	maxDecodeErrors   int
	outboundQueue     int
	persistRetries    int
	persistTimeout    time.Duration
	awarenessTimeout  time.Duration
	awarenessInterval time.Duration

	loads singleflight.Group

	mu     sync.Mutex
	rooms  map[string]*Room
	conns  map[*Connection]struct{}
	closed bool
}

type Option func(*Hub)

func WithClientIDs(ids *clientid.Allocator) Option {
	return func(h *Hub) { h.ids = ids }
}

// WithBus relays updates and awareness between nodes serving the same
// documents.
func WithBus(bus Bus) Option {
	return func(h *Hub) { h.bus = bus }
}

func WithSyncTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.syncTimeout = d
		}
	}
}

func WithMaxDecodeErrors(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxDecodeErrors = n
		}
	}
}

func WithOutboundQueue(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.outboundQueue = n
		}
	}
}

// WithPersistRetries sets how many times a failed append is retried before
// the originating connection is dropped.
func WithPersistRetries(n int) Option {
	return func(h *Hub) {
		if n >= 0 {
			h.persistRetries = n
		}
	}
}

func WithPersistTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.persistTimeout = d
		}
	}
}

func WithAwareness(timeout, interval time.Duration) Option {
	return func(h *Hub) {
		if timeout > 0 {
			h.awarenessTimeout = timeout
		}
		if interval > 0 {
			h.awarenessInterval = interval
		}
	}
}

func WithNode(name string) Option {
	return func(h *Hub) {
		if name != "" {
			h.node = name
		}
	}
}

func New(log Log, checker access.Checker, logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if checker == nil {
		checker = access.AllowAll{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		log:               log,
		access:            checker,
		logger:            logger,
		node:              util.NewID("node"),
		baseCtx:           ctx,
		cancel:            cancel,
		syncTimeout:       DefaultSyncTimeout,
		maxDecodeErrors:   DefaultMaxDecodeErrors,
		outboundQueue:     DefaultOutboundQueue,
		persistRetries:    DefaultPersistRetries,
		persistTimeout:    DefaultPersistTimeout,
		awarenessInterval: DefaultAwarenessInterval,
		rooms:             make(map[string]*Room),
		conns:             make(map[*Connection]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Node() string {
	return h.node
}

// Connect registers a new connection for principal. The transport feeds it
// inbound messages with Receive and drains Outbound until Done is closed.
func (h *Hub) Connect(principal access.Principal) (*Connection, error) {
	c := newConnection(h, principal)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.conns[c] = struct{}{}
	h.logger.Debug("connection opened", slog.String("conn_id", c.id), slog.String("subject", principal.Subject))
	return c, nil
}

func (h *Hub) forget(c *Connection) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// room returns the loaded room of docID, loading it from the log once no
// matter how many connections ask concurrently.
func (h *Hub) room(ctx context.Context, docID string) (*Room, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if r, ok := h.rooms[docID]; ok {
		h.mu.Unlock()
		return r, nil
	}
	h.mu.Unlock()

	v, err, _ := h.loads.Do(docID, func() (any, error) {
		h.mu.Lock()
		if r, ok := h.rooms[docID]; ok {
			h.mu.Unlock()
			return r, nil
		}
		h.mu.Unlock()

		doc, err := store.LoadDocument(ctx, h.log, docID, crdt.WithClientID(0))
		if err != nil {
			return nil, fmt.Errorf("load room %s: %w", docID, err)
		}
		r := newRoom(h, docID, doc)
		r.start()

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			r.stop()
			return nil, ErrClosed
		}
		h.rooms[docID] = r
		h.mu.Unlock()

		h.logger.Info("room opened", slog.String("doc_id", docID), slog.Int("pending", doc.PendingCount()))
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

func (h *Hub) loadedRoom(docID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[docID]
}

// dropRoom is called with r.mu held.
func (h *Hub) dropRoom(r *Room) {
	h.mu.Lock()
	if h.rooms[r.docID] == r {
		delete(h.rooms, r.docID)
	}
	h.mu.Unlock()
}

// Document returns the current state of docID: the live replica if the room
// is open, otherwise a replica rebuilt from the log.
func (h *Hub) Document(ctx context.Context, docID string) (*crdt.Doc, error) {
	if r := h.loadedRoom(docID); r != nil {
		return r.doc, nil
	}
	return store.LoadDocument(ctx, h.log, docID)
}

// ApplyUpdate merges an update that arrived outside any connection, such as
// server to server ingestion. It reports whether the document changed.
func (h *Hub) ApplyUpdate(ctx context.Context, docID string, update []byte) (bool, error) {
	for {
		if r := h.loadedRoom(docID); r != nil {
			changed, err := r.applyUpdate(nil, update)
			if errors.Is(err, errRoomClosed) {
				continue
			}
			return changed, err
		}
		if empty, err := crdt.IsEmptyUpdate(update); err != nil {
			return false, err
		} else if empty {
			return false, nil
		}
		if _, err := h.log.AppendUpdate(ctx, docID, update); err != nil {
			return false, err
		}
		return true, nil
	}
}

type RoomInfo struct {
	DocID   string `json:"docId"`
	Members int    `json:"members"`
	Pending int    `json:"pending"`
}

// Rooms lists the open rooms.
func (h *Hub) Rooms() []RoomInfo {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.info())
	}
	return out
}

// Shutdown closes every connection and flushes every room. It returns the
// first persistence error left after the final flush.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close(ErrClosed)
	}

	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	var firstErr error
	for _, r := range rooms {
		if err := r.shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.cancel()
	return firstErr
}
