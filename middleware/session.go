package middleware

// Session-ID cookie middleware for the endpoint processor chain.
//
// Unlike a data-bearing session cookie, the cookie issued here carries only
// the opaque session identifier; the cart itself lives server-side in a
// session.Store. The cookie value is sealed (see SecureCookie) so clients
// cannot mint or swap session IDs.

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mnehpets/cartserve/endpoint"
	"github.com/mnehpets/cartserve/session"
)

// DefaultCookieName is the default name for the session-ID cookie.
const DefaultCookieName = "CSID"

// DefaultCookiePeriod is the default lifetime of the session-ID cookie. It
// should be at least the session store's TTL, or carts will outlive the
// client's ability to name them.
const DefaultCookiePeriod = 24 * time.Hour

// sessionIDPayload is the sealed cookie contents.
type sessionIDPayload struct {
	ID string `cbor:"1,keysasint"`
}

// SessionIDProcessor reads the caller's session ID from the sealed cookie,
// minting a fresh one when the cookie is absent, expired, or tampered with,
// and exposes it to downstream handlers via the request context
// (session.SessionIDFromContext).
//
// A Set-Cookie header for newly minted IDs is registered with endpoint.Defer
// so it is written with the response regardless of the request's outcome.
type SessionIDProcessor struct {
	cookie *SecureCookie
	period time.Duration
	newID  func(ctx context.Context) (string, error)
}

// SessionIDOption configures the SessionIDProcessor.
type SessionIDOption func(*sessionIDConfig)

type sessionIDConfig struct {
	cookieName    string
	cookieOptions []SecureCookieOption
	period        time.Duration
	newID         func(ctx context.Context) (string, error)
}

// WithCookieName sets the name of the session-ID cookie.
func WithCookieName(name string) SessionIDOption {
	return func(c *sessionIDConfig) {
		c.cookieName = name
	}
}

// WithCookieOptions adds SecureCookieOptions to the cookie configuration.
func WithCookieOptions(opts ...SecureCookieOption) SessionIDOption {
	return func(c *sessionIDConfig) {
		c.cookieOptions = append(c.cookieOptions, opts...)
	}
}

// WithCookiePeriod sets the cookie lifetime.
func WithCookiePeriod(d time.Duration) SessionIDOption {
	return func(c *sessionIDConfig) {
		c.period = d
	}
}

// WithNewID sets the generator for fresh session IDs. The default generates
// a random UUID; stores running in strict resolution mode should pass their
// Create method so minted IDs actually resolve.
func WithNewID(fn func(ctx context.Context) (string, error)) SessionIDOption {
	return func(c *sessionIDConfig) {
		c.newID = fn
	}
}

// NewSessionIDProcessor creates a SessionIDProcessor sealing cookies with
// the given key set.
func NewSessionIDProcessor(keyID string, keys map[string][]byte, opts ...SessionIDOption) (*SessionIDProcessor, error) {
	cfg := sessionIDConfig{
		cookieName: DefaultCookieName,
		period:     DefaultCookiePeriod,
		newID: func(context.Context) (string, error) {
			return uuid.NewString(), nil
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	cookie, err := NewSecureCookie(cfg.cookieName, keyID, keys, cfg.cookieOptions...)
	if err != nil {
		return nil, err
	}
	return &SessionIDProcessor{
		cookie: cookie,
		period: cfg.period,
		newID:  cfg.newID,
	}, nil
}

// Process implements endpoint.Processor.
func (p *SessionIDProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	var id string

	if c, err := r.Cookie(p.cookie.Name()); err == nil {
		var payload sessionIDPayload
		if err := p.cookie.Decode(c, &payload); err == nil {
			id = payload.ID
		}
		// Undecodable cookies (tampered, stale key) fall through to minting
		// a fresh session; the new cookie replaces the bad one.
	}

	if id == "" {
		newID, err := p.newID(r.Context())
		if err != nil {
			return endpoint.Error(http.StatusInternalServerError, "session creation failed", err)
		}
		id = newID

		endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
			c, err := p.cookie.Encode(sessionIDPayload{ID: id}, int(p.period.Seconds()))
			if err == nil {
				http.SetCookie(w, c)
			}
		})
	}

	*r = *r.WithContext(session.WithSessionID(r.Context(), id))
	return next(w, r)
}

var _ endpoint.Processor = (*SessionIDProcessor)(nil)
