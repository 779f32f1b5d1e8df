// Package provider is a peer replica that keeps one document in sync with a
// server over a WebSocket, reconnecting when the connection drops.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"collab/syncd/internal/awareness"
	"collab/syncd/internal/crdt"
	"collab/syncd/internal/protocol"
	"collab/syncd/internal/reconcile"
)

var ErrForbidden = errors.New("provider: access to document denied")

const (
	outboundQueue     = 256
	awarenessInterval = 15 * time.Second
	localConn         = "local"
	serverConn        = "server"
)

type remoteOrigin struct{}

type Options struct {
	// URL is the WebSocket endpoint, e.g. ws://host/api/docs/notes/sync.
	URL   string
	DocID string
	Token string
	// ClientID fixes the replica's client id. When zero and RequestClientID
	// is set the id is leased from the server on first connect; otherwise a
	// random id is used.
	ClientID        uint32
	RequestClientID bool
	Dialer          *websocket.Dialer
	Logger          *slog.Logger
}

type Provider struct {
	opts   Options
	logger *slog.Logger

	awareness *awareness.Register

	mu       sync.Mutex
	doc      *crdt.Doc
	ready    chan struct{}
	out      chan []byte
	synced   chan struct{}
	isSynced bool
}

func New(opts Options) *Provider {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	p := &Provider{
		opts:      opts,
		logger:    opts.Logger.With(slog.String("doc_id", opts.DocID)),
		awareness: awareness.New(),
		ready:     make(chan struct{}),
		synced:    make(chan struct{}),
	}
	if opts.ClientID != 0 || !opts.RequestClientID {
		var docOpts []crdt.Option
		if opts.ClientID != 0 {
			docOpts = append(docOpts, crdt.WithClientID(uint64(opts.ClientID)))
		}
		p.setDoc(crdt.NewDoc(docOpts...))
	}
	return p
}

func (p *Provider) setDoc(doc *crdt.Doc) {
	p.mu.Lock()
	p.doc = doc
	p.mu.Unlock()
	doc.OnUpdate(func(update []byte, origin any) {
		if _, remote := origin.(remoteOrigin); remote {
			return
		}
		p.enqueue(protocol.Update(p.opts.DocID, update))
	})
	close(p.ready)
}

// Doc returns the local replica once it exists.
func (p *Provider) Doc(ctx context.Context) (*crdt.Doc, error) {
	select {
	case <-p.ready:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.doc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Provider) ClientID() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return 0
	}
	return uint32(p.doc.ClientID())
}

// Awareness returns the presence states known to this replica.
func (p *Provider) Awareness() map[uint32]awareness.Entry {
	return p.awareness.States()
}

// SetAwarenessField sets one field of the local presence state.
func (p *Provider) SetAwarenessField(field string, value any) error {
	id := p.ClientID()
	if id == 0 {
		return errors.New("provider: replica not ready")
	}
	update, err := p.awareness.SetLocalField(localConn, id, field, value)
	if err != nil {
		return err
	}
	p.enqueue(protocol.Awareness(p.opts.DocID, update))
	return nil
}

func (p *Provider) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isSynced
}

// WaitSynced blocks until the current connection finished its handshake.
func (p *Provider) WaitSynced(ctx context.Context) error {
	p.mu.Lock()
	ch := p.synced
	p.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) enqueue(f protocol.Frame) {
	p.mu.Lock()
	out := p.out
	p.mu.Unlock()
	if out == nil {
		// Offline edits reach the server through the next handshake.
		return
	}
	select {
	case out <- protocol.Encode(f):
	default:
		p.logger.Warn("provider outbound queue full, frame dropped until resync")
	}
}

// Run keeps the replica connected until ctx is done. It returns nil on
// cancellation and ErrForbidden when the server refuses the document.
func (p *Provider) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0

	for {
		synced, err := p.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrForbidden) {
			return err
		}
		if synced {
			policy.Reset()
		}
		wait := policy.NextBackOff()
		p.logger.Info("provider disconnected", slog.Duration("retry_in", wait), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session runs one connection. It reports whether the handshake completed.
func (p *Provider) session(ctx context.Context) (bool, error) {
	header := http.Header{}
	if p.opts.Token != "" {
		header.Set("Authorization", "Bearer "+p.opts.Token)
	}
	ws, resp, err := p.opts.Dialer.DialContext(ctx, p.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized) {
			return false, fmt.Errorf("%w: status %d", ErrForbidden, resp.StatusCode)
		}
		return false, fmt.Errorf("dial %s: %w", p.opts.URL, err)
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	out := make(chan []byte, outboundQueue)
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- p.writeLoop(ctx, ws, out)
	}()

	frames := make(chan protocol.Frame)
	readErr := make(chan error, 1)
	go func() {
		readErr <- p.readLoop(ctx, ws, frames)
	}()

	send := func(f protocol.Frame) {
		select {
		case out <- protocol.Encode(f):
		case <-ctx.Done():
		}
	}

	defer p.disconnected()

	// A leased id is held per connection, so it is requested again after
	// every reconnect.
	if p.opts.RequestClientID && p.opts.ClientID == 0 {
		send(protocol.ClientIDRequest(p.opts.DocID))
	}
	if p.isReady() {
		p.startSync(out, send)
	}

	ticker := time.NewTicker(awarenessInterval)
	defer ticker.Stop()
	var gotStep2, sentStep2 bool

	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return gotStep2 && sentStep2, nil
		case err := <-readErr:
			return gotStep2 && sentStep2, err
		case err := <-writeErr:
			return gotStep2 && sentStep2, err
		case <-ticker.C:
			p.refreshAwareness(send)
		case f := <-frames:
			if f.DocID != p.opts.DocID {
				continue
			}
			switch f.Type {
			case protocol.TypeClientIDResponse:
				id, err := f.ClientID()
				if err != nil {
					return false, err
				}
				if !p.isReady() {
					p.setDoc(crdt.NewDoc(crdt.WithClientID(uint64(id))))
					p.startSync(out, send)
				} else if uint32(id) != p.ClientID() {
					p.logger.Warn("server leased a different client id after reconnect",
						slog.Uint64("leased", uint64(id)), slog.Uint64("using", uint64(p.ClientID())))
				}
			case protocol.TypeSyncStep2:
				if err := p.mustDoc().ApplyUpdate(f.Payload, remoteOrigin{}); err != nil {
					return false, fmt.Errorf("apply sync-step2: %w", err)
				}
				gotStep2 = true
			case protocol.TypeSyncStep1:
				diff, err := reconcile.Diff(p.mustDoc(), f.Payload)
				if err != nil {
					return false, err
				}
				send(protocol.SyncStep2(p.opts.DocID, diff))
				sentStep2 = true
			case protocol.TypeUpdate:
				if err := p.mustDoc().ApplyUpdate(f.Payload, remoteOrigin{}); err != nil {
					p.logger.Warn("remote update dropped", slog.String("error", err.Error()))
				}
			case protocol.TypeAwareness:
				if _, err := p.awareness.Apply(serverConn, f.Payload); err != nil {
					p.logger.Warn("remote awareness dropped", slog.String("error", err.Error()))
				}
			case protocol.TypeError:
				code, msg, _ := f.ErrorInfo()
				if code == protocol.CodeForbidden {
					return false, ErrForbidden
				}
				p.logger.Warn("server reported error", slog.String("code", code.String()), slog.String("message", msg))
			}
			if gotStep2 && sentStep2 {
				p.markSynced()
			}
		}
	}
}

func (p *Provider) isReady() bool {
	select {
	case <-p.ready:
		return true
	default:
		return false
	}
}

func (p *Provider) mustDoc() *crdt.Doc {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc
}

// startSync publishes the outbound queue for local edits and sends the
// first handshake step plus the local presence.
func (p *Provider) startSync(out chan []byte, send func(protocol.Frame)) {
	p.mu.Lock()
	p.out = out
	doc := p.doc
	p.mu.Unlock()
	send(protocol.SyncStep1(p.opts.DocID, doc.EncodeStateVector()))
	p.refreshAwareness(send)
}

func (p *Provider) refreshAwareness(send func(protocol.Frame)) {
	id := p.ClientID()
	if id == 0 {
		return
	}
	entry, ok := p.awareness.States()[id]
	if !ok {
		return
	}
	update, err := p.awareness.SetLocalState(localConn, id, json.RawMessage(entry.State))
	if err != nil {
		return
	}
	send(protocol.Awareness(p.opts.DocID, update))
}

func (p *Provider) markSynced() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isSynced {
		p.isSynced = true
		close(p.synced)
		p.logger.Debug("provider synced")
	}
}

func (p *Provider) disconnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = nil
	if p.isSynced {
		p.isSynced = false
		p.synced = make(chan struct{})
	}
	// Presence of other peers is stale once the connection is gone.
	for id := range p.awareness.States() {
		if p.doc == nil || id != uint32(p.doc.ClientID()) {
			p.awareness.Remove(id)
		}
	}
}

func (p *Provider) readLoop(ctx context.Context, ws *websocket.Conn, frames chan<- protocol.Frame) error {
	for {
		mt, raw, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := protocol.Decode(raw)
		if err != nil {
			p.logger.Warn("malformed frame from server", slog.String("error", err.Error()))
			continue
		}
		select {
		case frames <- f:
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Provider) writeLoop(ctx context.Context, ws *websocket.Conn, out <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-out:
			_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.BinaryMessage, raw); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}
