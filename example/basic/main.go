package main

import (
	"crypto/rand"
	"log"
	"net/http"

	"github.com/mnehpets/cartserve/cartrpc"
	"github.com/mnehpets/cartserve/endpoint"
	"github.com/mnehpets/cartserve/jsonrpc"
	"github.com/mnehpets/cartserve/middleware"
	"github.com/mnehpets/cartserve/session"
)

func main() {
	store := session.NewMemoryStore()

	d := jsonrpc.NewDispatcher(store)
	cartrpc.Register(d, cartrpc.Options{})

	// For example purposes the sealing key is random. In production it must
	// be persisted, or cookies will not survive a restart.
	key := make([]byte, middleware.DefaultAEADKeySize)
	if _, err := rand.Read(key); err != nil {
		log.Fatal(err)
	}

	// Allow non-https cookies, for http://localhost:8080.
	sessProc, err := middleware.NewSessionIDProcessor(
		"key1",
		map[string][]byte{"key1": key},
		middleware.WithCookieOptions(middleware.WithSecure(false)),
	)
	if err != nil {
		log.Fatal(err)
	}

	http.Handle("/jsonrpc", endpoint.Handler(d.Endpoint, sessProc))

	log.Println("Starting server on :8080")
	log.Fatal(http.ListenAndServe(":8080", nil))
}
