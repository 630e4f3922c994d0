package session

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mnehpets/cartserve/cart"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestRedisLazyCreateAndPersist(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	s := NewRedisStore(client)
	ctx := context.Background()
	id := uuid.NewString()

	lease, err := s.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.Cart().Len() != 0 {
		t.Errorf("got %d items in fresh cart, want 0", lease.Cart().Len())
	}
	lease.Cart().Add(cart.Item{ProductID: 7, Quantity: 2})
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	lease, err = s.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release(ctx)
	items := lease.Cart().Snapshot().Items
	if len(items) != 1 || items[0].ProductID != 7 || items[0].Quantity != 2 {
		t.Errorf("got %v, want [{7 2}]", items)
	}
}

func TestRedisStrictPolicy(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	s := NewRedisStore(client, WithRedisResolvePolicy(Strict))
	ctx := context.Background()

	if _, err := s.Acquire(ctx, uuid.NewString()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}

	id, err := s.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	lease, err := s.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("Acquire after Create: %v", err)
	}
	lease.Release(ctx)
}

func TestRedisLeaseIsExclusive(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	s := NewRedisStore(client)
	ctx := context.Background()
	id := uuid.NewString()

	lease, err := s.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := s.Acquire(waitCtx, id); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Acquire: got %v, want DeadlineExceeded", err)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	lease2, err := s.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
	lease2.Release(ctx)
}

func TestRedisStaleLockIsNotReleasedByOldHolder(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	s := NewRedisStore(client, WithLockTTL(50*time.Millisecond))
	ctx := context.Background()
	id := uuid.NewString()

	stale, err := s.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Let the lock expire and a new holder take over.
	time.Sleep(80 * time.Millisecond)
	fresh, err := s.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("Acquire after lock expiry: %v", err)
	}

	// The stale holder's release must not delete the fresh holder's lock.
	stale.Release(ctx)
	if n, err := client.Exists(ctx, lockKeyPrefix+id).Result(); err != nil || n != 1 {
		t.Errorf("fresh lock gone after stale release: n=%d err=%v", n, err)
	}
	fresh.Release(ctx)
}
