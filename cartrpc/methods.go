// Package cartrpc registers the shopping-cart method set on a JSON-RPC
// dispatcher.
//
// Methods:
//
//	get_cart         () -> {"items": [...]}
//	add_to_cart      {"product_id", "quantity"} -> snapshot after append
//	remove_from_cart {"product_id"} -> snapshot after removal
//	clear_cart       () -> empty snapshot
//
// Item validation and duplicate handling are policy decisions surfaced as
// Options rather than baked in: by default quantities are not validated and
// duplicate product IDs accumulate as separate entries.
package cartrpc

import (
	"context"
	"encoding/json"

	"github.com/mnehpets/cartserve/cart"
	"github.com/mnehpets/cartserve/jsonrpc"
)

// Options selects cart mutation policy.
type Options struct {
	// CoalesceItems merges add_to_cart calls for an already-present product
	// into the existing entry instead of appending a duplicate.
	CoalesceItems bool

	// RequirePositiveQuantity rejects add_to_cart calls with a zero quantity
	// as invalid params. Negative quantities are always rejected since the
	// wire type is unsigned.
	RequirePositiveQuantity bool
}

type methods struct {
	opts Options
}

// Register adds the cart method set to d.
func Register(d *jsonrpc.Dispatcher, opts Options) {
	m := &methods{opts: opts}
	d.Register("get_cart", m.getCart)
	d.Register("add_to_cart", m.addToCart)
	d.Register("remove_from_cart", m.removeFromCart)
	d.Register("clear_cart", m.clearCart)
}

func (m *methods) getCart(ctx context.Context, params json.RawMessage, c *cart.Cart) (interface{}, error) {
	return c.Snapshot(), nil
}

type addParams struct {
	ProductID *uint64 `json:"product_id"`
	Quantity  *uint64 `json:"quantity"`
}

func (m *methods) addToCart(ctx context.Context, params json.RawMessage, c *cart.Cart) (interface{}, error) {
	var p addParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid params")
	}
	if p.ProductID == nil || p.Quantity == nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid params")
	}
	if m.opts.RequirePositiveQuantity && *p.Quantity == 0 {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "quantity must be positive")
	}

	it := cart.Item{ProductID: *p.ProductID, Quantity: *p.Quantity}
	if m.opts.CoalesceItems {
		c.Merge(it)
	} else {
		c.Add(it)
	}
	return c.Snapshot(), nil
}

type removeParams struct {
	ProductID *uint64 `json:"product_id"`
}

func (m *methods) removeFromCart(ctx context.Context, params json.RawMessage, c *cart.Cart) (interface{}, error) {
	var p removeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid params")
	}
	if p.ProductID == nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid params")
	}
	c.Remove(*p.ProductID)
	return c.Snapshot(), nil
}

func (m *methods) clearCart(ctx context.Context, params json.RawMessage, c *cart.Cart) (interface{}, error) {
	c.Clear()
	return c.Snapshot(), nil
}
