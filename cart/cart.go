// Package cart models the per-session shopping cart.
//
// A Cart is an ordered sequence of Items. Insertion order is preserved and,
// unless the caller opts into merging, multiple entries for the same product
// simply accumulate. A Cart is not safe for concurrent use; callers are
// expected to hold an exclusive session lease (see the session package) while
// reading or mutating it.
package cart

// Item is a single cart entry. Items are immutable values; mutating a cart
// replaces or appends entries rather than editing them in place.
type Item struct {
	ProductID uint64 `json:"product_id" cbor:"1,keysasint"`
	Quantity  uint64 `json:"quantity" cbor:"2,keysasint"`
}

// Snapshot is a point-in-time copy of a cart's contents, suitable for
// serialization. Items is never nil so an empty cart encodes as
// {"items":[]} rather than {"items":null}.
type Snapshot struct {
	Items []Item `json:"items" cbor:"1,keysasint"`
}

// Cart holds the items selected within one session.
type Cart struct {
	items []Item
}

// New returns an empty cart.
func New() *Cart {
	return &Cart{}
}

// FromSnapshot reconstructs a cart from a previously taken snapshot.
// The snapshot's items are copied; later mutations of the cart do not
// alias the snapshot.
func FromSnapshot(s Snapshot) *Cart {
	c := &Cart{}
	if len(s.Items) > 0 {
		c.items = append(c.items, s.Items...)
	}
	return c
}

// Len returns the number of entries in the cart.
func (c *Cart) Len() int {
	return len(c.items)
}

// Add appends it to the cart. Duplicate product IDs are kept as separate
// entries in insertion order.
func (c *Cart) Add(it Item) {
	c.items = append(c.items, it)
}

// Merge adds it to the cart, coalescing with an existing entry for the same
// product if one is present. When merging, the existing entry keeps its
// position and its quantity is increased by it.Quantity.
func (c *Cart) Merge(it Item) {
	for i := range c.items {
		if c.items[i].ProductID == it.ProductID {
			c.items[i].Quantity += it.Quantity
			return
		}
	}
	c.items = append(c.items, it)
}

// Remove deletes every entry for productID, preserving the relative order of
// the remaining entries. It returns the number of entries removed.
func (c *Cart) Remove(productID uint64) int {
	kept := c.items[:0]
	removed := 0
	for _, it := range c.items {
		if it.ProductID == productID {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	c.items = kept
	return removed
}

// Clear empties the cart.
func (c *Cart) Clear() {
	c.items = nil
}

// Snapshot returns a copy of the cart's current contents.
func (c *Cart) Snapshot() Snapshot {
	items := make([]Item, len(c.items))
	copy(items, c.items)
	return Snapshot{Items: items}
}
