package engine

import (
	"context"

	"github.com/scoutfs/scoutfs/pkg/btree"
	"github.com/scoutfs/scoutfs/pkg/format"
	"github.com/scoutfs/scoutfs/pkg/super"
)

// Snapshot reads one committed generation. It is not safe for concurrent
// use; take one per goroutine.
type Snapshot struct {
	e    *Engine
	sb   super.Superblock
	free uint64
	tree *btree.Tree
}

// Super returns the generation's superblock.
func (s *Snapshot) Super() super.Superblock {
	return s.sb
}

// FreeBlocks returns the generation's free block count.
func (s *Snapshot) FreeBlocks() uint64 {
	return s.free
}

// Lookup returns the value at key.
func (s *Snapshot) Lookup(ctx context.Context, key format.Key) ([]byte, error) {
	return s.tree.Lookup(ctx, key)
}

// Get returns the item at key.
func (s *Snapshot) Get(ctx context.Context, key format.Key) (btree.Item, error) {
	return s.tree.Get(ctx, key)
}

// Next returns the first item at or after key.
func (s *Snapshot) Next(ctx context.Context, key format.Key) (btree.Item, error) {
	return s.tree.Next(ctx, key)
}

// Prev returns the last item at or before key.
func (s *Snapshot) Prev(ctx context.Context, key format.Key) (btree.Item, error) {
	return s.tree.Prev(ctx, key)
}

// Iterate calls fn for each item in [first, last] in key order.
func (s *Snapshot) Iterate(ctx context.Context, first, last format.Key, fn func(btree.Item) (bool, error)) error {
	return s.tree.Iterate(ctx, first, last, fn)
}

// ReadData reads a data block.
func (s *Snapshot) ReadData(ctx context.Context, blkno uint64) ([]byte, error) {
	return s.e.store.ReadRaw(ctx, blkno)
}
