package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"collab/syncd/internal/protocol"
)

// Message is an update or awareness change relayed between nodes. Updates
// are published only after the publishing node stored them.
type Message struct {
	Node    string        `json:"node"`
	Type    protocol.Type `json:"type"`
	Payload []byte        `json:"payload"`
}

// Bus carries messages between hubs serving the same documents. Handlers
// are called from a goroutine owned by the bus, in publish order.
type Bus interface {
	Publish(ctx context.Context, docID string, msg Message) error
	Subscribe(ctx context.Context, docID string, fn func(Message)) (unsubscribe func(), err error)
}

const localBusBuffer = 1024

// LocalBus connects hubs living in one process.
type LocalBus struct {
	mu     sync.Mutex
	next   int
	subs   map[string]map[int]chan Message
	logger *slog.Logger
}

func NewLocalBus(logger *slog.Logger) *LocalBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBus{subs: make(map[string]map[int]chan Message), logger: logger}
}

func (b *LocalBus) Publish(_ context.Context, docID string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[docID] {
		select {
		case ch <- msg:
		default:
			b.logger.Warn("local bus subscriber is full, message dropped", slog.String("doc_id", docID))
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, docID string, fn func(Message)) (func(), error) {
	ch := make(chan Message, localBusBuffer)
	b.mu.Lock()
	id := b.next
	b.next++
	if b.subs[docID] == nil {
		b.subs[docID] = make(map[int]chan Message)
	}
	b.subs[docID][id] = ch
	b.mu.Unlock()

	go func() {
		for msg := range ch {
			fn(msg)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[docID], id)
			if len(b.subs[docID]) == 0 {
				delete(b.subs, docID)
			}
			close(ch)
		})
	}, nil
}

// RedisBus relays messages through Redis pub/sub, one channel per document.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisBus(client *redis.Client, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, prefix: "syncd:doc:", logger: logger}
}

func (b *RedisBus) channel(docID string) string {
	return b.prefix + docID
}

func (b *RedisBus) Publish(ctx context.Context, docID string, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(docID), raw).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel(docID), err)
	}
	return nil
}

// Subscribe returns once Redis confirmed the subscription.
func (b *RedisBus) Subscribe(ctx context.Context, docID string, fn func(Message)) (func(), error) {
	pubsub := b.client.Subscribe(ctx, b.channel(docID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel(docID), err)
	}

	ch := pubsub.Channel()
	go func() {
		for m := range ch {
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.logger.Warn("bus message dropped", slog.String("channel", m.Channel), slog.String("error", err.Error()))
				continue
			}
			fn(msg)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { _ = pubsub.Close() })
	}, nil
}
