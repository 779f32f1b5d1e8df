package clientid

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestLocalBackendAllocation(t *testing.T) {
	dir := t.TempDir()
	backend, err := OpenLocalBackend(dir, discardLogger())
	if err != nil {
		t.Fatalf("OpenLocalBackend() error = %v", err)
	}
	defer backend.Close()

	alloc := New(backend, discardLogger())
	ctx := context.Background()
	a, err := alloc.Allocate(ctx, "doc/with/slashes")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	b, err := alloc.Allocate(ctx, "doc/with/slashes")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if a.Degraded || b.Degraded {
		t.Fatalf("unexpected degraded lease: %+v %+v", a, b)
	}
	if a.ClientID == b.ClientID {
		t.Fatalf("two open leases share client id %d", a.ClientID)
	}

	b.Release()
	c, err := alloc.Allocate(ctx, "doc/with/slashes")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if c.ClientID != b.ClientID {
		t.Fatalf("Allocate() after release = %d, want %d", c.ClientID, b.ClientID)
	}
	a.Release()
	c.Release()
}

func TestLocalBackendPoolSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	backend, err := OpenLocalBackend(dir, discardLogger())
	if err != nil {
		t.Fatalf("OpenLocalBackend() error = %v", err)
	}
	ctx := context.Background()
	if added, err := backend.AddToPool(ctx, 42); err != nil || !added {
		t.Fatalf("AddToPool() = %v, %v", added, err)
	}
	if added, err := backend.AddToPool(ctx, 42); err != nil || added {
		t.Fatalf("second AddToPool() = %v, %v; want not added", added, err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := OpenLocalBackend(dir, discardLogger())
	if err != nil {
		t.Fatalf("OpenLocalBackend() error = %v", err)
	}
	defer reopened.Close()
	pool, err := reopened.Pool(ctx)
	if err != nil {
		t.Fatalf("Pool() error = %v", err)
	}
	if len(pool) != 1 || pool[0] != 42 {
		t.Fatalf("Pool() = %v, want [42]", pool)
	}
}

func setupRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	backend, err := NewRedisBackend("redis://"+s.Addr(), discardLogger())
	if err != nil {
		t.Fatalf("NewRedisBackend() error = %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return backend, s
}

func TestRedisBackendAllocation(t *testing.T) {
	backend, s := setupRedisBackend(t)
	alloc := New(backend, discardLogger())
	ctx := context.Background()

	a, err := alloc.Allocate(ctx, "doc")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	b, err := alloc.Allocate(ctx, "doc")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if a.ClientID == b.ClientID || a.Degraded || b.Degraded {
		t.Fatalf("leases = %+v, %+v", a, b)
	}
	members, err := s.Members("clientid:pool")
	if err != nil {
		t.Fatalf("Members() error = %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("pool = %v, want 2 members", members)
	}

	a.Release()
	if s.Exists(backend.lockKey("doc", a.ClientID)) {
		t.Fatal("lock key still present after release")
	}
	if !s.Exists(backend.lockKey("doc", b.ClientID)) {
		t.Fatal("lock key of open lease missing")
	}
	b.Release()
}

func TestRedisBackendReleaseKeepsForeignLock(t *testing.T) {
	backend, s := setupRedisBackend(t)
	ctx := context.Background()

	release, ok, err := backend.TryLock(ctx, "doc", 9)
	if err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v", ok, err)
	}
	// the lock expires and another holder takes it over
	s.FastForward(defaultLockTTL + time.Second)
	key := backend.lockKey("doc", 9)
	if err := s.Set(key, "someone-else"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	release()
	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "someone-else" {
		t.Fatalf("lock value = %q, release removed a foreign lock", got)
	}
}

func TestRedisBackendUnavailableDegrades(t *testing.T) {
	backend, s := setupRedisBackend(t)
	s.Close()

	lease, err := New(backend, discardLogger()).Allocate(context.Background(), "doc")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if !lease.Degraded {
		t.Fatalf("lease = %+v, want degraded", lease)
	}
}
