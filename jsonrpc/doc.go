// Package jsonrpc provides a JSON-RPC 2.0 dispatcher over session-scoped
// shopping carts, integrated with the endpoint processor chain.
//
// This package implements the JSON-RPC 2.0 specification
// (https://www.jsonrpc.org/specification) and JSON-RPC over HTTP
// (https://www.simple-is-better.org/json-rpc/transport_http.html).
//
// # Basic Usage
//
// Create a dispatcher around a session store, register handlers, and serve
// via HTTP:
//
//	d := jsonrpc.NewDispatcher(store)
//	d.Register("get_cart", getCart)
//	http.Handle("/jsonrpc", endpoint.Handler(d.Endpoint, sessionProcessor))
//	http.ListenAndServe(":8080", nil)
//
// Handlers are plain functions registered under a method name:
//
//	func getCart(ctx context.Context, params json.RawMessage, c *cart.Cart) (any, error) {
//		return c.Snapshot(), nil
//	}
//
// Registration is a compile-time affair: the dispatch table is a closed map
// from method name to handler, populated during startup. There is no
// reflection and no runtime discovery of methods.
//
// # Sessions
//
// The dispatcher resolves the caller's session (taken from the request
// context, see the session package) before any handler runs, and holds that
// session's exclusive lease for the whole request, batches included. A
// handler therefore always sees a cart no other request is mutating.
//
// # Error Handling
//
// All expected partiality is carried inside the response envelope: unknown
// methods, malformed params, and (under strict resolution) missing sessions
// each map to an error member, never to an HTTP failure. Handlers return
// *jsonrpc.Error for protocol-level errors:
//
//	return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid params")
//
// Standard error codes are defined as constants:
//   - CodeParseError (-32700)
//   - CodeInvalidRequest (-32600)
//   - CodeMethodNotFound (-32601)
//   - CodeInvalidParams (-32602)
//   - CodeInternalError (-32603)
//   - CodeSessionNotFound (-32001, server-defined)
//
// Only infrastructure failures — the session store being unreachable, or the
// lock wait being cancelled — surface as errors from the endpoint itself and
// become HTTP-level responses.
package jsonrpc
