// Package iterator provides positioned cursors over item keys. Cursors
// are built on any source with ordered Next and Prev lookups, such as a
// committed snapshot or an open transaction.
package iterator

import (
	"context"

	"github.com/pkg/errors"

	"github.com/scoutfs/scoutfs/pkg/btree"
	"github.com/scoutfs/scoutfs/pkg/format"
)

// Iterator defines the interface for walking items in key order.
type Iterator interface {
	// SeekToFirst positions the iterator at the first key
	SeekToFirst()

	// SeekToLast positions the iterator at the last key
	SeekToLast()

	// Seek positions the iterator at the first key >= target
	Seek(target format.Key) bool

	// Next advances the iterator to the next key
	Next() bool

	// Prev moves the iterator to the previous key
	Prev() bool

	// Key returns the current key
	Key() format.Key

	// Value returns the current value
	Value() []byte

	// Valid returns true if the iterator is positioned at a valid entry
	Valid() bool

	// Err returns the first error that stopped the iterator
	Err() error
}

// Source looks up neighbouring items.
type Source interface {
	// Next returns the first item with a key >= key.
	Next(ctx context.Context, key format.Key) (btree.Item, error)
	// Prev returns the last item with a key <= key.
	Prev(ctx context.Context, key format.Key) (btree.Item, error)
}

// Cursor is an Iterator over a Source. Each step is one lookup, so a
// cursor over a snapshot stays consistent while a cursor over a
// transaction sees the transaction's changes as they're made.
type Cursor struct {
	ctx   context.Context
	src   Source
	item  btree.Item
	valid bool
	err   error
}

// NewCursor returns an unpositioned cursor over src.
func NewCursor(ctx context.Context, src Source) *Cursor {
	return &Cursor{ctx: ctx, src: src}
}

func (c *Cursor) set(item btree.Item, err error) bool {
	c.item = item
	c.valid = err == nil
	if err != nil && !errors.Is(err, btree.ErrNotFound) && c.err == nil {
		c.err = err
	}
	return c.valid
}

// SeekToFirst positions at the first item.
func (c *Cursor) SeekToFirst() {
	c.Seek(format.MinKey)
}

// SeekToLast positions at the last item.
func (c *Cursor) SeekToLast() {
	c.set(c.src.Prev(c.ctx, format.MaxKey))
}

// Seek positions at the first item with a key >= target.
func (c *Cursor) Seek(target format.Key) bool {
	if c.err != nil {
		return false
	}
	return c.set(c.src.Next(c.ctx, target))
}

// SeekForPrev positions at the last item with a key <= target.
func (c *Cursor) SeekForPrev(target format.Key) bool {
	if c.err != nil {
		return false
	}
	return c.set(c.src.Prev(c.ctx, target))
}

// Next advances to the following item.
func (c *Cursor) Next() bool {
	if !c.valid || c.err != nil {
		return false
	}
	if c.item.Key == format.MaxKey {
		c.valid = false
		return false
	}
	return c.set(c.src.Next(c.ctx, c.item.Key.Inc()))
}

// Prev moves to the preceding item.
func (c *Cursor) Prev() bool {
	if !c.valid || c.err != nil {
		return false
	}
	if c.item.Key == format.MinKey {
		c.valid = false
		return false
	}
	return c.set(c.src.Prev(c.ctx, c.item.Key.Dec()))
}

// Key returns the current key.
func (c *Cursor) Key() format.Key {
	if !c.Valid() {
		return format.Key{}
	}
	return c.item.Key
}

// Value returns the current value.
func (c *Cursor) Value() []byte {
	if !c.Valid() {
		return nil
	}
	return c.item.Value
}

// Valid returns true if the cursor is positioned at an item.
func (c *Cursor) Valid() bool {
	return c.valid && c.err == nil
}

// Err returns the lookup error that stopped the cursor, if any. Running
// off either end isn't an error.
func (c *Cursor) Err() error {
	return c.err
}
