// Package session provides per-client cart storage with lease-scoped
// exclusive access.
//
// A Store maps an opaque session ID to a mutable cart. Access is only ever
// granted through a Lease: Acquire blocks until the caller holds the
// session's exclusive lock (or the context is cancelled), and Release gives
// the lock back and persists any changes. Two leases for the same session
// never exist at the same time; leases for different sessions never contend.
//
// Stores can resolve missing sessions in one of two ways, chosen at
// construction time:
//
//   - LazyCreate (the default): an unknown session ID materializes a fresh
//     empty cart on first touch.
//   - Strict: Acquire fails with ErrSessionNotFound for IDs that were not
//     previously created via Create.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/mnehpets/cartserve/cart"
)

// ErrSessionNotFound is returned by Acquire when the store is configured
// with the Strict policy and no session exists for the given ID.
var ErrSessionNotFound = errors.New("session: not found")

// ResolvePolicy controls how a Store treats unknown session IDs.
type ResolvePolicy int

const (
	// LazyCreate materializes an empty cart on first access.
	LazyCreate ResolvePolicy = iota
	// Strict rejects unknown session IDs with ErrSessionNotFound.
	Strict
)

// Store grants lease-scoped exclusive access to per-session carts.
type Store interface {
	// Acquire resolves sessionID to its cart and takes the session's
	// exclusive lock. It blocks while another lease for the same session is
	// outstanding; cancellation of ctx unwinds the wait without leaking the
	// lock. The returned lease must be released exactly once.
	Acquire(ctx context.Context, sessionID string) (*Lease, error)

	// Create registers a new session with an empty cart and returns its ID.
	// Under LazyCreate this is optional; under Strict it is the only way a
	// session comes into existence.
	Create(ctx context.Context) (string, error)
}

// Lease is exclusive access to one session's cart for the duration of one
// request. The cart obtained from Cart must not be retained past Release.
type Lease struct {
	id      string
	cart    *cart.Cart
	release func(ctx context.Context) error

	once sync.Once
}

// NewLease builds a lease around an already-locked cart. release is invoked
// at most once, from Release. Intended for Store implementations.
func NewLease(id string, c *cart.Cart, release func(ctx context.Context) error) *Lease {
	return &Lease{id: id, cart: c, release: release}
}

// SessionID returns the ID of the leased session.
func (l *Lease) SessionID() string {
	return l.id
}

// Cart returns the leased cart. Valid only between Acquire and Release.
func (l *Lease) Cart() *cart.Cart {
	return l.cart
}

// Release persists the cart and gives back the session lock. It is
// idempotent; only the first call has effect. ctx bounds any I/O the store
// performs while persisting.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		if l.release != nil {
			err = l.release(ctx)
		}
	})
	return err
}

// sessionIDKey is an unexported unique key for storing the session ID in a
// context.
type sessionIDKey struct{}

// WithSessionID stores id in ctx and returns the derived context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

// SessionIDFromContext returns the session ID stored in ctx, if any.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
