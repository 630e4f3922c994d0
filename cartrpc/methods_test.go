package cartrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mnehpets/cartserve/endpoint"
	"github.com/mnehpets/cartserve/jsonrpc"
	"github.com/mnehpets/cartserve/session"
)

func newHandler(opts Options) http.Handler {
	store := session.NewMemoryStore()
	d := jsonrpc.NewDispatcher(store)
	Register(d, opts)
	// Session is chosen per request via the rpc-session header so tests can
	// exercise multiple sessions against one handler.
	proc := endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		*r = *r.WithContext(session.WithSessionID(r.Context(), r.Header.Get("rpc-session")))
		return next(w, r)
	})
	return endpoint.Handler(d.Endpoint, proc)
}

func call(t *testing.T, h http.Handler, sessionID, body string) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/jsonrpc", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("rpc-session", sessionID)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, body %q", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func items(t *testing.T, resp map[string]interface{}) []interface{} {
	t.Helper()
	result, ok := resp["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("no result object in %v", resp)
	}
	list, ok := result["items"].([]interface{})
	if !ok {
		t.Fatalf("no items array in %v", result)
	}
	return list
}

func TestGetCartOnFreshSession(t *testing.T) {
	h := newHandler(Options{})

	resp := call(t, h, "fresh", `{"jsonrpc":"2.0","method":"get_cart","params":null,"id":1}`)
	if got := items(t, resp); len(got) != 0 {
		t.Errorf("got %v, want empty items", got)
	}
	if resp["id"].(float64) != 1 {
		t.Errorf("got id %v, want 1", resp["id"])
	}
}

func TestAddThenGet(t *testing.T) {
	h := newHandler(Options{})

	resp := call(t, h, "s", `{"jsonrpc":"2.0","method":"add_to_cart","params":{"product_id":7,"quantity":2},"id":2}`)
	got := items(t, resp)
	if len(got) != 1 {
		t.Fatalf("got %d items, want 1", len(got))
	}

	resp = call(t, h, "s", `{"jsonrpc":"2.0","method":"get_cart","params":null,"id":3}`)
	got = items(t, resp)
	if len(got) != 1 {
		t.Fatalf("got %d items, want 1", len(got))
	}
	entry := got[0].(map[string]interface{})
	if entry["product_id"].(float64) != 7 || entry["quantity"].(float64) != 2 {
		t.Errorf("got %v, want {product_id:7 quantity:2}", entry)
	}
}

func TestUnregisteredMethod(t *testing.T) {
	h := newHandler(Options{})

	resp := call(t, h, "s", `{"jsonrpc":"2.0","method":"checkout","params":null,"id":5}`)
	errObj, ok := resp["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("no error member in %v", resp)
	}
	if errObj["code"].(float64) != jsonrpc.CodeMethodNotFound {
		t.Errorf("got code %v, want %d", errObj["code"], jsonrpc.CodeMethodNotFound)
	}
	if errObj["message"] != "Method not found" {
		t.Errorf("got message %q, want 'Method not found'", errObj["message"])
	}
	if resp["id"].(float64) != 5 {
		t.Errorf("got id %v, want 5", resp["id"])
	}
}

func TestGetCartIsIdempotent(t *testing.T) {
	h := newHandler(Options{})

	call(t, h, "s", `{"jsonrpc":"2.0","method":"add_to_cart","params":{"product_id":1,"quantity":1},"id":1}`)
	call(t, h, "s", `{"jsonrpc":"2.0","method":"add_to_cart","params":{"product_id":2,"quantity":2},"id":2}`)

	first := call(t, h, "s", `{"jsonrpc":"2.0","method":"get_cart","id":3}`)
	second := call(t, h, "s", `{"jsonrpc":"2.0","method":"get_cart","id":3}`)
	a, _ := json.Marshal(first["result"])
	b, _ := json.Marshal(second["result"])
	if !bytes.Equal(a, b) {
		t.Errorf("consecutive get_cart snapshots differ: %s vs %s", a, b)
	}
}

func TestSessionIsolation(t *testing.T) {
	h := newHandler(Options{})

	call(t, h, "alice", `{"jsonrpc":"2.0","method":"add_to_cart","params":{"product_id":1,"quantity":1},"id":1}`)

	resp := call(t, h, "bob", `{"jsonrpc":"2.0","method":"get_cart","id":2}`)
	if got := items(t, resp); len(got) != 0 {
		t.Errorf("session bob sees alice's items: %v", got)
	}
}

func TestConcurrentAddsAreNotLost(t *testing.T) {
	h := newHandler(Options{})
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"jsonrpc":"2.0","method":"add_to_cart","params":{"product_id":%d,"quantity":1},"id":%d}`, i, i)
			req := httptest.NewRequest(http.MethodPost, "/jsonrpc", bytes.NewReader([]byte(body)))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("rpc-session", "shared")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
		}(i)
	}
	wg.Wait()

	resp := call(t, h, "shared", `{"jsonrpc":"2.0","method":"get_cart","id":99}`)
	if got := items(t, resp); len(got) != n {
		t.Errorf("got %d items, want %d", len(got), n)
	}
}

func TestAddInvalidParams(t *testing.T) {
	h := newHandler(Options{})

	tests := []struct {
		name   string
		params string
	}{
		{"missing quantity", `{"product_id":7}`},
		{"missing product_id", `{"quantity":2}`},
		{"null params", `null`},
		{"negative quantity", `{"product_id":7,"quantity":-1}`},
		{"wrong types", `{"product_id":"seven","quantity":2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, h, "s", `{"jsonrpc":"2.0","method":"add_to_cart","params":`+tt.params+`,"id":1}`)
			errObj, ok := resp["error"].(map[string]interface{})
			if !ok {
				t.Fatalf("no error member in %v", resp)
			}
			if errObj["code"].(float64) != jsonrpc.CodeInvalidParams {
				t.Errorf("got code %v, want %d", errObj["code"], jsonrpc.CodeInvalidParams)
			}
		})
	}
}

func TestZeroQuantityPolicy(t *testing.T) {
	body := `{"jsonrpc":"2.0","method":"add_to_cart","params":{"product_id":7,"quantity":0},"id":1}`

	// Default: the source behavior, zero quantities pass through.
	h := newHandler(Options{})
	resp := call(t, h, "s", body)
	if _, ok := resp["error"]; ok {
		t.Errorf("permissive handler rejected zero quantity: %v", resp["error"])
	}

	h = newHandler(Options{RequirePositiveQuantity: true})
	resp = call(t, h, "s", body)
	errObj, ok := resp["error"].(map[string]interface{})
	if !ok {
		t.Fatal("strict handler accepted zero quantity")
	}
	if errObj["code"].(float64) != jsonrpc.CodeInvalidParams {
		t.Errorf("got code %v, want %d", errObj["code"], jsonrpc.CodeInvalidParams)
	}
}

func TestCoalescePolicy(t *testing.T) {
	add := `{"jsonrpc":"2.0","method":"add_to_cart","params":{"product_id":7,"quantity":2},"id":1}`

	// Default: duplicates accumulate.
	h := newHandler(Options{})
	call(t, h, "s", add)
	resp := call(t, h, "s", add)
	if got := items(t, resp); len(got) != 2 {
		t.Errorf("got %d entries, want 2 separate entries", len(got))
	}

	h = newHandler(Options{CoalesceItems: true})
	call(t, h, "s", add)
	resp = call(t, h, "s", add)
	got := items(t, resp)
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1 merged entry", len(got))
	}
	entry := got[0].(map[string]interface{})
	if entry["quantity"].(float64) != 4 {
		t.Errorf("got quantity %v, want 4", entry["quantity"])
	}
}

func TestRemoveFromCart(t *testing.T) {
	h := newHandler(Options{})

	call(t, h, "s", `{"jsonrpc":"2.0","method":"add_to_cart","params":{"product_id":1,"quantity":1},"id":1}`)
	call(t, h, "s", `{"jsonrpc":"2.0","method":"add_to_cart","params":{"product_id":2,"quantity":2},"id":2}`)
	call(t, h, "s", `{"jsonrpc":"2.0","method":"add_to_cart","params":{"product_id":1,"quantity":3},"id":3}`)

	resp := call(t, h, "s", `{"jsonrpc":"2.0","method":"remove_from_cart","params":{"product_id":1},"id":4}`)
	got := items(t, resp)
	if len(got) != 1 {
		t.Fatalf("got %d items, want 1", len(got))
	}
	if got[0].(map[string]interface{})["product_id"].(float64) != 2 {
		t.Errorf("wrong item survived removal: %v", got[0])
	}
}

func TestClearCart(t *testing.T) {
	h := newHandler(Options{})

	call(t, h, "s", `{"jsonrpc":"2.0","method":"add_to_cart","params":{"product_id":1,"quantity":1},"id":1}`)
	resp := call(t, h, "s", `{"jsonrpc":"2.0","method":"clear_cart","id":2}`)
	if got := items(t, resp); len(got) != 0 {
		t.Errorf("got %v after clear, want empty", got)
	}
}

func TestWireFormatScenarios(t *testing.T) {
	h := newHandler(Options{})

	// Fresh session: exact envelope shape.
	req := httptest.NewRequest(http.MethodPost, "/jsonrpc", bytes.NewReader([]byte(`{"jsonrpc":"2.0","method":"get_cart","params":null,"id":1}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("rpc-session", "wire")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	want := `{"jsonrpc":"2.0","result":{"items":[]},"id":1}` + "\n"
	if rec.Body.String() != want {
		t.Errorf("got %q, want %q", rec.Body.String(), want)
	}
}
