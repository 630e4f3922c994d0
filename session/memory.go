package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mnehpets/cartserve/cart"
)

// DefaultTTL is the default idle lifetime of an in-memory session.
const DefaultTTL = 24 * time.Hour

// MemoryStore keeps carts in process memory, one exclusive lock per session.
//
// Locks are buffered channels so that lock waits can be abandoned when the
// caller's context is cancelled. Expiry is idle-based: every Acquire and
// Release pushes the session's deadline out by the configured TTL, and
// expired sessions are dropped either on next access or by Sweep.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memSession

	policy ResolvePolicy
	ttl    time.Duration
}

type memSession struct {
	lock    chan struct{} // buffered size 1; full while a lease is out
	cart    *cart.Cart
	expires time.Time // guarded by MemoryStore.mu
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithResolvePolicy sets how unknown session IDs are resolved.
func WithResolvePolicy(p ResolvePolicy) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.policy = p
	}
}

// WithTTL sets the idle session lifetime. Zero disables expiry.
func WithTTL(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.ttl = d
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*memSession),
		policy:   LazyCreate,
		ttl:      DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire implements Store.
func (s *MemoryStore) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for {
		ms, err := s.lookup(sessionID)
		if err != nil {
			return nil, err
		}

		select {
		case ms.lock <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// The entry may have been evicted between lookup and lock
		// acquisition. Holding the lock of an orphaned entry grants
		// exclusivity over nothing, so drop it and start over.
		s.mu.Lock()
		if s.sessions[sessionID] == ms {
			s.touch(ms)
			s.mu.Unlock()
			return NewLease(sessionID, ms.cart, func(context.Context) error {
				s.mu.Lock()
				if s.sessions[sessionID] == ms {
					s.touch(ms)
				}
				s.mu.Unlock()
				<-ms.lock
				return nil
			}), nil
		}
		s.mu.Unlock()
		<-ms.lock
	}
}

// Create implements Store. The returned ID is a random UUID.
func (s *MemoryStore) Create(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	s.mu.Lock()
	ms := &memSession{lock: make(chan struct{}, 1), cart: cart.New()}
	s.touch(ms)
	s.sessions[id] = ms
	s.mu.Unlock()
	return id, nil
}

// lookup finds or materializes the entry for sessionID according to the
// store's resolve policy, dropping it first if it has expired unlocked.
func (s *MemoryStore) lookup(sessionID string) (*memSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.sessions[sessionID]
	if ok && s.expired(ms) {
		select {
		case ms.lock <- struct{}{}:
			delete(s.sessions, sessionID)
			<-ms.lock
			ok = false
		default:
			// A lease is out; the session is in use, so it stays live
			// and will have its deadline extended on release.
		}
	}
	if !ok {
		if s.policy == Strict {
			return nil, ErrSessionNotFound
		}
		ms = &memSession{lock: make(chan struct{}, 1), cart: cart.New()}
		s.touch(ms)
		s.sessions[sessionID] = ms
	}
	return ms, nil
}

// touch extends the session deadline. Caller holds the map lock.
func (s *MemoryStore) touch(ms *memSession) {
	if s.ttl > 0 {
		ms.expires = time.Now().Add(s.ttl)
	}
}

func (s *MemoryStore) expired(ms *memSession) bool {
	return s.ttl > 0 && time.Now().After(ms.expires)
}

// Sweep drops expired sessions whose lock is not currently held and returns
// the number removed. Intended to be called periodically by the host.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, ms := range s.sessions {
		if !s.expired(ms) {
			continue
		}
		select {
		case ms.lock <- struct{}{}:
			delete(s.sessions, id)
			<-ms.lock
			removed++
		default:
		}
	}
	return removed
}

// Len reports the number of live sessions, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

var _ Store = (*MemoryStore)(nil)
