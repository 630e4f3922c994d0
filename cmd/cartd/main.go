// Command cartd serves the session-backed shopping-cart JSON-RPC API.
//
// Configuration is taken from the environment (a .env file is loaded when
// present):
//
//	CARTD_ADDR                       listen address (default ":8080")
//	CARTD_SESSION_BACKEND            "memory" or "redis" (default "memory")
//	CARTD_REDIS_ADDR                 redis address for the redis backend (default "localhost:6379")
//	CARTD_SESSION_KEY                base64 cookie sealing key, 32 bytes decoded
//	CARTD_SESSION_KEY_ID             key identifier for rotation (default "v1")
//	CARTD_SESSION_TTL                session lifetime (default 24h)
//	CARTD_SESSION_STRICT             reject unknown session IDs (default false)
//	CARTD_COALESCE_ITEMS             merge duplicate product IDs on add (default false)
//	CARTD_REQUIRE_POSITIVE_QUANTITY  reject zero quantities (default true)
//	CARTD_COOKIE_SECURE              set the cookie Secure flag (default true)
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/mnehpets/cartserve/cartrpc"
	"github.com/mnehpets/cartserve/endpoint"
	"github.com/mnehpets/cartserve/jsonrpc"
	"github.com/mnehpets/cartserve/middleware"
	"github.com/mnehpets/cartserve/session"
)

func main() {
	if err := run(); err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	addr := envString("CARTD_ADDR", ":8080")
	ttl := envDuration("CARTD_SESSION_TTL", session.DefaultTTL)
	policy := session.LazyCreate
	if envBool("CARTD_SESSION_STRICT", false) {
		policy = session.Strict
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, policy, ttl)
	if err != nil {
		return err
	}

	keyID, keys, err := sessionKeys()
	if err != nil {
		return err
	}

	sessOpts := []middleware.SessionIDOption{
		middleware.WithCookiePeriod(ttl),
		middleware.WithCookieOptions(
			middleware.WithSecure(envBool("CARTD_COOKIE_SECURE", true)),
		),
	}
	if policy == session.Strict {
		// Minted IDs must exist in the store, or every fresh client would be
		// rejected with SessionNotFound.
		sessOpts = append(sessOpts, middleware.WithNewID(store.Create))
	}
	sessProc, err := middleware.NewSessionIDProcessor(keyID, keys, sessOpts...)
	if err != nil {
		return err
	}

	d := jsonrpc.NewDispatcher(store)
	cartrpc.Register(d, cartrpc.Options{
		CoalesceItems:           envBool("CARTD_COALESCE_ITEMS", false),
		RequirePositiveQuantity: envBool("CARTD_REQUIRE_POSITIVE_QUANTITY", true),
	})

	headers := middleware.NewAPISecurityHeadersProcessor()

	mux := http.NewServeMux()
	mux.Handle("/jsonrpc", endpoint.Handler(d.Endpoint, headers, sessProc))
	mux.Handle("GET /ping", endpoint.Handler(func(w http.ResponseWriter, r *http.Request) (endpoint.Renderer, error) {
		return &endpoint.JSONRenderer{Value: map[string]string{"status": "ok"}}, nil
	}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if ms, ok := store.(*session.MemoryStore); ok {
		go sweepLoop(ctx, ms, ttl)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func buildStore(ctx context.Context, policy session.ResolvePolicy, ttl time.Duration) (session.Store, error) {
	switch backend := envString("CARTD_SESSION_BACKEND", "memory"); backend {
	case "memory":
		return session.NewMemoryStore(
			session.WithResolvePolicy(policy),
			session.WithTTL(ttl),
		), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: envString("CARTD_REDIS_ADDR", "localhost:6379"),
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		return session.NewRedisStore(client,
			session.WithRedisResolvePolicy(policy),
			session.WithRedisTTL(ttl),
		), nil
	default:
		return nil, errors.New("unknown CARTD_SESSION_BACKEND: " + backend)
	}
}

// sessionKeys loads the cookie sealing key set. Without a configured key a
// random one is generated, which invalidates all cookies on restart.
func sessionKeys() (string, map[string][]byte, error) {
	keyID := envString("CARTD_SESSION_KEY_ID", "v1")
	if enc := os.Getenv("CARTD_SESSION_KEY"); enc != "" {
		key, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return "", nil, err
		}
		if len(key) != middleware.DefaultAEADKeySize {
			return "", nil, errors.New("CARTD_SESSION_KEY must decode to " + strconv.Itoa(middleware.DefaultAEADKeySize) + " bytes")
		}
		return keyID, map[string][]byte{keyID: key}, nil
	}

	slog.Warn("CARTD_SESSION_KEY not set, generating ephemeral key; sessions will not survive restarts")
	key := make([]byte, middleware.DefaultAEADKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", nil, err
	}
	return keyID, map[string][]byte{keyID: key}, nil
}

// sweepLoop periodically drops expired in-memory sessions.
func sweepLoop(ctx context.Context, store *session.MemoryStore, ttl time.Duration) {
	interval := ttl / 4
	if interval <= 0 || interval > time.Hour {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.Sweep(); n > 0 {
				slog.Info("swept expired sessions", "count", n)
			}
		}
	}
}

func envString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envBool(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid boolean in environment, using default", "name", name, "value", v)
		return fallback
	}
	return b
}

func envDuration(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration in environment, using default", "name", name, "value", v)
		return fallback
	}
	return d
}
