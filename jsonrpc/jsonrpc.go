package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/mnehpets/cartserve/cart"
	"github.com/mnehpets/cartserve/endpoint"
	"github.com/mnehpets/cartserve/session"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeSessionNotFound is a server-defined code reported when the session
	// store runs in strict resolution mode and the caller's session does not
	// exist.
	CodeSessionNotFound = -32001
)

// maxBodyBytes bounds how much request body the endpoint will read.
const maxBodyBytes = 1 << 20

// Error is a JSON-RPC error object. Handlers return *Error to control the
// code reported to the caller; any other error becomes CodeInternalError.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Request is the JSON-RPC 2.0 request envelope.
//
// ID is decoded loosely (any JSON value) and echoed back verbatim. A nil ID
// marks a notification: the request is executed but no response is produced
// for it.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// Response is the JSON-RPC 2.0 response envelope. Exactly one of Result and
// Err is populated.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Err     interface{} `json:"error,omitempty"`
	ID      interface{} `json:"id,omitempty"`
}

// HandlerFunc is a method implementation. It receives the raw params payload
// and the caller's exclusively-leased cart. Returning a *Error reports that
// exact code to the caller; other errors map to CodeInternalError.
type HandlerFunc func(ctx context.Context, params json.RawMessage, c *cart.Cart) (interface{}, error)

// Dispatcher maps method names to handlers and resolves the per-request
// session lease.
//
// For every request it can parse, Dispatch produces a well-formed response:
// unknown methods, bad params, and handler failures all land in the error
// member of the envelope rather than escaping the dispatch call.
type Dispatcher struct {
	store session.Store

	mu      sync.RWMutex
	methods map[string]HandlerFunc
}

// NewDispatcher creates a dispatcher with an empty method table.
func NewDispatcher(store session.Store) *Dispatcher {
	return &Dispatcher{
		store:   store,
		methods: make(map[string]HandlerFunc),
	}
}

// Register adds a handler under the given method name.
// Registering the same name twice panics; the table is meant to be populated
// once during startup.
func (d *Dispatcher) Register(name string, fn HandlerFunc) {
	if name == "" || fn == nil {
		panic("jsonrpc: Register requires a method name and handler")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.methods[name]; exists {
		panic("jsonrpc: method name collision: " + name)
	}
	d.methods[name] = fn
}

// Dispatch executes a single parsed request against c and reports whether a
// response should be sent (false for notifications). It never fails:
// every expected error is folded into the returned envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, c *cart.Cart) (Response, bool) {
	if req.JSONRPC != "2.0" {
		return Response{JSONRPC: "2.0", Err: NewError(CodeInvalidRequest, "Invalid Request"), ID: req.ID}, true
	}
	if req.Method == "" {
		return Response{JSONRPC: "2.0", Err: NewError(CodeInvalidRequest, "Invalid Request"), ID: req.ID}, true
	}

	result, err := d.invoke(ctx, req.Method, req.Params, c)

	// Notification: no id means no response expected.
	if req.ID == nil {
		return Response{}, false
	}

	resp := Response{JSONRPC: "2.0", ID: req.ID}
	if err != nil {
		resp.Err = asError(err)
	} else {
		resp.Result = result
	}
	return resp, true
}

func (d *Dispatcher) invoke(ctx context.Context, name string, params json.RawMessage, c *cart.Cart) (result interface{}, err error) {
	d.mu.RLock()
	fn, ok := d.methods[name]
	d.mu.RUnlock()

	if !ok {
		return nil, NewError(CodeMethodNotFound, "Method not found")
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("jsonrpc handler panic", "method", name, "panic", r)
			err = NewError(CodeInternalError, "Internal error")
		}
	}()

	return fn(ctx, params, c)
}

// Endpoint processes JSON-RPC requests over HTTP. Pass to endpoint.Handler
// to create an http.Handler.
//
// Protocol failures are carried in the error member of a 200 response. The
// HTTP status diverges only where JSON-RPC over HTTP requires it: 405 for
// non-POST, 415 for a non-JSON Content-Type, and 204 when every request in
// the body was a notification.
func (d *Dispatcher) Endpoint(w http.ResponseWriter, r *http.Request) (endpoint.Renderer, error) {
	if r.Method != http.MethodPost {
		return nil, endpoint.Error(http.StatusMethodNotAllowed, "JSON-RPC requires POST method", nil)
	}

	// Per JSON-RPC over HTTP, Content-Type must be application/json.
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		return nil, endpoint.Error(http.StatusUnsupportedMediaType, "Content-Type must be application/json", nil)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, endpoint.Error(http.StatusRequestEntityTooLarge, "request body too large", err)
		}
		return nil, endpoint.Error(http.StatusBadRequest, "failed to read request body", err)
	}

	ctx := r.Context()
	sid, ok := session.SessionIDFromContext(ctx)
	if !ok {
		// The session processor did not run; that is a wiring bug, not a
		// protocol error.
		return nil, endpoint.Error(http.StatusInternalServerError, "no session on request", nil)
	}

	lease, err := d.store.Acquire(ctx, sid)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return d.handleBody(ctx, body, func(ctx context.Context, req Request) (Response, bool) {
				if req.ID == nil {
					return Response{}, false
				}
				return Response{JSONRPC: "2.0", Err: NewError(CodeSessionNotFound, "Session not found"), ID: req.ID}, true
			}), nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, endpoint.Error(http.StatusServiceUnavailable, "session lock wait cancelled", err)
		}
		return nil, endpoint.Error(http.StatusServiceUnavailable, "session store unavailable", err)
	}
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil {
			slog.Error("session release failed", "session_id", sid, "error", rerr)
		}
	}()

	return d.handleBody(ctx, body, func(ctx context.Context, req Request) (Response, bool) {
		return d.Dispatch(ctx, req, lease.Cart())
	}), nil
}

// handleBody parses the request body, applies exec to each request in it,
// and returns a renderer for the collected responses. Batch envelopes are
// detected by a leading '['.
func (d *Dispatcher) handleBody(ctx context.Context, body []byte, exec func(context.Context, Request) (Response, bool)) endpoint.Renderer {
	var reqs []json.RawMessage
	var single bool

	trimmed := strings.TrimLeft(string(body), " \t\r\n")
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &reqs); err != nil {
			return &rpcRenderer{failure: NewError(CodeParseError, "Parse error")}
		}
	} else {
		reqs = []json.RawMessage{body}
		single = true
	}

	if len(reqs) == 0 {
		return &rpcRenderer{failure: NewError(CodeInvalidRequest, "Invalid Request")}
	}

	responses := make([]Response, 0, len(reqs))
	for _, raw := range reqs {
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			responses = append(responses, Response{
				JSONRPC: "2.0",
				Err:     NewError(CodeParseError, "Parse error"),
				ID:      nil,
			})
			continue
		}

		resp, respond := exec(ctx, req)
		if respond {
			responses = append(responses, resp)
		}
	}

	// No responses means all requests were notifications.
	if len(responses) == 0 {
		return &rpcRenderer{noContent: true}
	}

	return &rpcRenderer{responses: responses, single: single}
}

// asError converts any error to a JSON-RPC error object. *Error values
// preserve their code; other errors become CodeInternalError.
func asError(err error) interface{} {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{
		Code:    CodeInternalError,
		Message: err.Error(),
	}
}

// rpcRenderer renders JSON-RPC responses.
type rpcRenderer struct {
	responses []Response
	single    bool
	noContent bool
	failure   *Error
}

func (r *rpcRenderer) Render(w http.ResponseWriter, req *http.Request) error {
	w.Header().Set("Content-Type", "application/json")

	if r.failure != nil {
		w.WriteHeader(http.StatusOK)
		return json.NewEncoder(w).Encode(Response{
			JSONRPC: "2.0",
			Err:     r.failure,
			ID:      nil,
		})
	}

	if r.noContent {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	w.WriteHeader(http.StatusOK)
	if r.single {
		return json.NewEncoder(w).Encode(r.responses[0])
	}
	return json.NewEncoder(w).Encode(r.responses)
}
