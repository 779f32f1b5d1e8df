package clientid

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLockTTL = 30 * time.Second

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisBackend keeps the pool in a Redis set and locks ids with expiring
// keys owned by a random token. Held locks are refreshed until released.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisBackend connects to redisURL and checks the connection.
func NewRedisBackend(redisURL string, logger *slog.Logger) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBackendWithClient(client, logger), nil
}

// NewRedisBackendWithClient creates a backend from an existing client.
func NewRedisBackendWithClient(client *redis.Client, logger *slog.Logger) *RedisBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBackend{
		client: client,
		prefix: "clientid:",
		ttl:    defaultLockTTL,
		logger: logger,
	}
}

// WithLockTTL sets how long an unrefreshed lock survives its holder.
func (b *RedisBackend) WithLockTTL(ttl time.Duration) *RedisBackend {
	if ttl > 0 {
		b.ttl = ttl
	}
	return b
}

func (b *RedisBackend) poolKey() string {
	return b.prefix + "pool"
}

func (b *RedisBackend) lockKey(docID string, id uint32) string {
	return b.prefix + "lock:" + docID + ":" + strconv.FormatUint(uint64(id), 10)
}

func (b *RedisBackend) Pool(ctx context.Context) ([]uint32, error) {
	members, err := b.client.SMembers(ctx, b.poolKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read pool: %w", err)
	}
	ids := make([]uint32, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 32)
		if err != nil {
			b.logger.Warn("skipping malformed pooled client id", slog.String("member", m))
			continue
		}
		ids = append(ids, uint32(id))
	}
	sortIDs(ids)
	return ids, nil
}

func (b *RedisBackend) AddToPool(ctx context.Context, id uint32) (bool, error) {
	n, err := b.client.SAdd(ctx, b.poolKey(), strconv.FormatUint(uint64(id), 10)).Result()
	if err != nil {
		return false, fmt.Errorf("add to pool: %w", err)
	}
	return n == 1, nil
}

func (b *RedisBackend) TryLock(ctx context.Context, docID string, id uint32) (func(), bool, error) {
	key := b.lockKey(docID, id)
	token := uuid.NewString()
	ok, err := b.client.SetNX(ctx, key, token, b.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go b.refresh(key, token, stop, done)

	release := func() {
		close(stop)
		<-done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, b.client, []string{key}, token).Err(); err != nil {
			b.logger.Warn("release client id lock", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
	return release, true, nil
}

func (b *RedisBackend) refresh(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), b.ttl/3)
			res, err := refreshScript.Run(ctx, b.client, []string{key}, token, b.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				b.logger.Warn("refresh client id lock", slog.String("key", key), slog.String("error", err.Error()))
				continue
			}
			if res == 0 {
				b.logger.Warn("client id lock lost", slog.String("key", key))
				return
			}
		}
	}
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
