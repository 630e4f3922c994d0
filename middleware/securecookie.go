// Package middleware provides processors for the endpoint pipeline:
// a sealed session-ID cookie and API security headers.
package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid session cookie format")
	ErrCookieInvalid = errors.New("invalid session cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// maxCookieLen bounds the amount of attacker-controlled data we will decode
// for a cookie value. Browsers typically cap individual cookie values around
// 4KB; we enforce our own limit regardless.
const maxCookieLen = 8192

// DefaultAEADKeySize is the key size (in bytes) for the default AEAD
// (chacha20poly1305).
const DefaultAEADKeySize = chacha20poly1305.KeySize

// SecureCookie seals and opens cookie values with authenticated encryption.
//
// Wire format: [keyID] "." [base64url(nonce || AEAD.Seal(plaintext, aad))],
// where the additional data binds the cookie name, domain, path, and secure
// flag to the sealed value. Keys holds every accepted decryption key; KeyID
// selects the one used for sealing, which is how keys rotate.
type SecureCookie struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite

	keyID string
	keys  map[string][]byte

	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
	newAEAD   func([]byte) (cipher.AEAD, error)
}

// SecureCookieOption configures a SecureCookie.
type SecureCookieOption func(*SecureCookie)

// WithPath sets the cookie path.
func WithPath(path string) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.path = path
	}
}

// WithDomain sets the cookie domain.
func WithDomain(domain string) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.domain = domain
	}
}

// WithSecure sets the cookie Secure flag.
func WithSecure(secure bool) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.secure = secure
	}
}

// WithSameSite sets the cookie SameSite attribute.
func WithSameSite(sameSite http.SameSite) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.sameSite = sameSite
	}
}

// WithAEAD sets a custom AEAD factory (e.g. AES-GCM).
func WithAEAD(f func([]byte) (cipher.AEAD, error)) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.newAEAD = f
	}
}

// NewSecureCookie creates a SecureCookie.
//
// Defaults: CBOR payload encoding, XChaCha20-Poly1305 sealing, Path "/",
// HttpOnly, Secure, SameSite Lax.
func NewSecureCookie(cookieName, keyID string, keys map[string][]byte, opts ...SecureCookieOption) (*SecureCookie, error) {
	if cookieName == "" {
		return nil, ErrCookieConfig
	}
	if keys == nil {
		return nil, errors.New("keys must not be nil")
	}
	if _, ok := keys[keyID]; !ok {
		return nil, errors.New("keyID not found in keys")
	}

	sc := &SecureCookie{
		name:      cookieName,
		path:      "/",
		secure:    true,
		sameSite:  http.SameSiteLaxMode,
		keyID:     keyID,
		keys:      keys,
		marshal:   cbor.Marshal,
		unmarshal: cbor.Unmarshal,
		newAEAD:   chacha20poly1305.NewX,
	}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.path == "" {
		sc.path = "/"
	}

	// Validate keys up front so sealing cannot fail on a bad key later.
	for id, k := range sc.keys {
		if _, err := sc.newAEAD(k); err != nil {
			return nil, fmt.Errorf("invalid key %s: %w", id, err)
		}
	}
	return sc, nil
}

// Name returns the cookie name.
func (sc *SecureCookie) Name() string {
	if sc == nil {
		return ""
	}
	return sc.name
}

// aad binds the cookie's identity to the sealed value so a value cannot be
// replayed under a different name, domain, path, or secure flag.
func (sc *SecureCookie) aad() []byte {
	secureStr := "f"
	if sc.secure {
		secureStr = "t"
	}
	return []byte(sc.name + ":" + sc.domain + ":" + sc.path + ":" + secureStr)
}

// Encode marshals and seals plain and returns an http.Cookie carrying the
// value. maxAge must be positive.
func (sc *SecureCookie) Encode(plain any, maxAge int) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, ErrCookieInvalid
	}
	key, ok := sc.keys[sc.keyID]
	if !ok {
		return nil, ErrCookieConfig
	}

	plainBytes, err := sc.marshal(plain)
	if err != nil {
		return nil, err
	}

	aead, err := sc.newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nonce, nonce, plainBytes, sc.aad())

	return &http.Cookie{
		Name:     sc.name,
		Value:    sc.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed),
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   maxAge,
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
		Expires:  time.Now().Add(time.Duration(maxAge) * time.Second),
	}, nil
}

// Decode opens the cookie value and unmarshals it into v.
func (sc *SecureCookie) Decode(cookie *http.Cookie, v any) error {
	if cookie == nil {
		return ErrCookieFormat
	}
	value := cookie.Value
	if len(value) == 0 || len(value) > maxCookieLen {
		return ErrCookieFormat
	}
	keyID, encB64, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || encB64 == "" {
		return ErrCookieFormat
	}
	key, ok := sc.keys[keyID]
	if !ok {
		return ErrCookieInvalid
	}

	sealed, err := base64.RawURLEncoding.DecodeString(encB64)
	if err != nil {
		return ErrCookieFormat
	}

	aead, err := sc.newAEAD(key)
	if err != nil {
		return err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plainBytes, err := aead.Open(nil, nonce, ciphertext, sc.aad())
	if err != nil {
		return ErrCookieInvalid
	}
	return sc.unmarshal(plainBytes, v)
}

// Clear returns a cookie that clears this cookie in the client.
func (sc *SecureCookie) Clear() *http.Cookie {
	if sc == nil {
		return nil
	}
	return &http.Cookie{
		Name:     sc.name,
		Domain:   sc.domain,
		Path:     sc.path,
		HttpOnly: true,
		Secure:   sc.secure,
		SameSite: sc.sameSite,
		Value:    "",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	}
}
