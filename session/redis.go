package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mnehpets/cartserve/cart"
)

const (
	cartKeyPrefix = "cart:data:"
	lockKeyPrefix = "cart:lock:"

	// DefaultLockTTL bounds how long a crashed holder can keep a session
	// locked before the lock self-expires.
	DefaultLockTTL = 30 * time.Second

	// DefaultLockRetry is the poll interval while waiting for a held lock.
	DefaultLockRetry = 25 * time.Millisecond
)

// unlockScript deletes the lock key only if it still carries the caller's
// token, so an expired-and-reacquired lock is never released by the old
// holder.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore keeps carts in Redis, CBOR-encoded, one lock key per session.
//
// The per-session lock is a SET NX key holding a random token; release is a
// compare-and-delete Lua script. Cart records carry the configured TTL, so
// session expiry is delegated to Redis itself.
type RedisStore struct {
	client *redis.Client

	policy    ResolvePolicy
	ttl       time.Duration
	lockTTL   time.Duration
	lockRetry time.Duration
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithRedisResolvePolicy sets how unknown session IDs are resolved.
func WithRedisResolvePolicy(p ResolvePolicy) RedisStoreOption {
	return func(s *RedisStore) {
		s.policy = p
	}
}

// WithRedisTTL sets the cart record lifetime. Zero disables expiry.
func WithRedisTTL(d time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		s.ttl = d
	}
}

// WithLockTTL sets the session lock lifetime.
func WithLockTTL(d time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		s.lockTTL = d
	}
}

// NewRedisStore creates a store backed by client.
func NewRedisStore(client *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		policy:    LazyCreate,
		ttl:       DefaultTTL,
		lockTTL:   DefaultLockTTL,
		lockRetry: DefaultLockRetry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire implements Store.
func (s *RedisStore) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	lockKey := lockKeyPrefix + sessionID
	token := uuid.NewString()

	if err := s.lock(ctx, lockKey, token); err != nil {
		return nil, err
	}

	c, err := s.load(ctx, sessionID)
	if err != nil {
		s.unlock(ctx, lockKey, token)
		return nil, err
	}

	return NewLease(sessionID, c, func(ctx context.Context) error {
		// The lock must come back even when the request was cancelled
		// mid-flight, so releasing runs on a detached context.
		ctx = context.WithoutCancel(ctx)
		err := s.save(ctx, sessionID, c)
		s.unlock(ctx, lockKey, token)
		return err
	}), nil
}

// Create implements Store. The new session's empty cart is written
// immediately so Strict stores can resolve it.
func (s *RedisStore) Create(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if err := s.save(ctx, id, cart.New()); err != nil {
		return "", err
	}
	return id, nil
}

func (s *RedisStore) lock(ctx context.Context, key, token string) error {
	for {
		ok, err := s.client.SetNX(ctx, key, token, s.lockTTL).Result()
		if err != nil {
			return fmt.Errorf("session: acquire lock: %w", err)
		}
		if ok {
			return nil
		}
		select {
		case <-time.After(s.lockRetry):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *RedisStore) unlock(ctx context.Context, key, token string) {
	// Best effort: if this fails the lock key still expires via its TTL.
	_ = unlockScript.Run(ctx, s.client, []string{key}, token).Err()
}

func (s *RedisStore) load(ctx context.Context, sessionID string) (*cart.Cart, error) {
	data, err := s.client.Get(ctx, cartKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		if s.policy == Strict {
			return nil, ErrSessionNotFound
		}
		return cart.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: load cart: %w", err)
	}
	var snap cart.Snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("session: decode cart: %w", err)
	}
	return cart.FromSnapshot(snap), nil
}

func (s *RedisStore) save(ctx context.Context, sessionID string, c *cart.Cart) error {
	data, err := cbor.Marshal(c.Snapshot())
	if err != nil {
		return fmt.Errorf("session: encode cart: %w", err)
	}
	if err := s.client.Set(ctx, cartKeyPrefix+sessionID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("session: save cart: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
