// Package clientid allocates the client ids that replicas embed in their
// operations. Ids come from a small persisted pool and are reused over time;
// an advisory lock scoped to (docId, clientId) keeps two open replicas of
// one document from sharing an id.
package clientid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
)

var ErrExhausted = errors.New("clientid: no id could be locked")

// Backend persists the pool and provides the non-blocking locks.
type Backend interface {
	// Pool returns every id minted so far.
	Pool(ctx context.Context) ([]uint32, error)
	// AddToPool records a freshly minted id; added is false when the id was
	// already present, which means another allocator minted it concurrently.
	AddToPool(ctx context.Context, id uint32) (added bool, err error)
	// TryLock acquires the (docID, id) lock without waiting. ok is false when
	// the lock is held elsewhere.
	TryLock(ctx context.Context, docID string, id uint32) (release func(), ok bool, err error)
}

// Lease is an allocated id. It must be released when the replica closes.
type Lease struct {
	DocID    string
	ClientID uint32
	// Degraded leases were minted without pool or lock because the backend
	// failed; uniqueness within the document is only probabilistic.
	Degraded bool

	once    sync.Once
	release func()
}

// Release unlocks the id; it stays in the pool for later reuse. Safe to call
// more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}

type Allocator struct {
	backend     Backend
	logger      *slog.Logger
	mintRetries int
	random      func() uint32
}

type AllocatorOption func(*Allocator)

// WithMintRetries bounds how many fresh ids are tried when every pooled id is
// locked.
func WithMintRetries(n int) AllocatorOption {
	return func(a *Allocator) {
		if n > 0 {
			a.mintRetries = n
		}
	}
}

func WithRandom(fn func() uint32) AllocatorOption {
	return func(a *Allocator) {
		a.random = fn
	}
}

func New(backend Backend, logger *slog.Logger, opts ...AllocatorOption) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Allocator{
		backend:     backend,
		logger:      logger,
		mintRetries: 8,
		random:      rand.Uint32,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate returns a lease on a client id no other open lease of docID holds.
// Pooled ids are tried first; when all are taken a new id is minted. Backend
// failures degrade to a random unlocked id.
func (a *Allocator) Allocate(ctx context.Context, docID string) (*Lease, error) {
	lease, err := a.allocate(ctx, docID)
	if err == nil {
		return lease, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	id := a.mint()
	a.logger.Warn("client id allocation degraded",
		slog.String("doc_id", docID),
		slog.Uint64("client_id", uint64(id)),
		slog.String("error", err.Error()),
	)
	return &Lease{DocID: docID, ClientID: id, Degraded: true}, nil
}

func (a *Allocator) allocate(ctx context.Context, docID string) (*Lease, error) {
	pool, err := a.backend.Pool(ctx)
	if err != nil {
		return nil, fmt.Errorf("read client id pool: %w", err)
	}
	for _, id := range pool {
		release, ok, err := a.backend.TryLock(ctx, docID, id)
		if err != nil {
			return nil, fmt.Errorf("lock client id %d: %w", id, err)
		}
		if ok {
			return &Lease{DocID: docID, ClientID: id, release: release}, nil
		}
	}

	for attempt := 0; attempt < a.mintRetries; attempt++ {
		id := a.mint()
		if slices.Contains(pool, id) {
			continue
		}
		added, err := a.backend.AddToPool(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("add client id %d to pool: %w", id, err)
		}
		if !added {
			continue
		}
		release, ok, err := a.backend.TryLock(ctx, docID, id)
		if err != nil {
			return nil, fmt.Errorf("lock client id %d: %w", id, err)
		}
		if ok {
			a.logger.Debug("minted client id", slog.String("doc_id", docID), slog.Uint64("client_id", uint64(id)))
			return &Lease{DocID: docID, ClientID: id, release: release}, nil
		}
	}
	return nil, ErrExhausted
}

func (a *Allocator) mint() uint32 {
	for {
		if id := a.random(); id != 0 {
			return id
		}
	}
}
