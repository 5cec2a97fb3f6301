package bounded

import (
	"github.com/scoutfs/scoutfs/pkg/common/iterator"
	"github.com/scoutfs/scoutfs/pkg/format"
)

// BoundedIterator wraps an iterator and limits it to the inclusive key
// range [start, end].
type BoundedIterator struct {
	iterator.Iterator
	start format.Key
	end   format.Key
}

// NewBoundedIterator creates a new bounded iterator
func NewBoundedIterator(iter iterator.Iterator, start, end format.Key) *BoundedIterator {
	return &BoundedIterator{Iterator: iter, start: start, end: end}
}

// InodeRange bounds an iterator to every item of one inode.
func InodeRange(iter iterator.Iterator, ino uint64) *BoundedIterator {
	return NewBoundedIterator(iter,
		format.Key{Ino: ino},
		format.Key{Ino: ino, Type: format.MaxKey.Type, Offset: format.MaxKey.Offset})
}

// SetBounds sets the start and end bounds for the iterator
func (b *BoundedIterator) SetBounds(start, end format.Key) {
	b.start = start
	b.end = end
}

// SeekToFirst positions at the first key in the bounded range
func (b *BoundedIterator) SeekToFirst() {
	b.Iterator.Seek(b.start)
}

// SeekToLast positions at the last key in the bounded range
func (b *BoundedIterator) SeekToLast() {
	if c, ok := b.Iterator.(interface{ SeekForPrev(format.Key) bool }); ok {
		c.SeekForPrev(b.end)
		return
	}
	b.Iterator.SeekToLast()
	for b.Iterator.Valid() && b.end.Less(b.Iterator.Key()) {
		b.Iterator.Prev()
	}
}

// Seek positions at the first key >= target within bounds
func (b *BoundedIterator) Seek(target format.Key) bool {
	if target.Less(b.start) {
		target = b.start
	}
	b.Iterator.Seek(target)
	return b.checkBounds()
}

// Next advances to the next key within bounds
func (b *BoundedIterator) Next() bool {
	if !b.checkBounds() {
		return false
	}
	if !b.Iterator.Next() {
		return false
	}
	return b.checkBounds()
}

// Prev moves to the previous key within bounds
func (b *BoundedIterator) Prev() bool {
	if !b.checkBounds() {
		return false
	}
	if !b.Iterator.Prev() {
		return false
	}
	return b.checkBounds()
}

// Valid returns true if the iterator is positioned at a valid entry within bounds
func (b *BoundedIterator) Valid() bool {
	return b.checkBounds()
}

// Key returns the current key if within bounds
func (b *BoundedIterator) Key() format.Key {
	if !b.Valid() {
		return format.Key{}
	}
	return b.Iterator.Key()
}

// Value returns the current value if within bounds
func (b *BoundedIterator) Value() []byte {
	if !b.Valid() {
		return nil
	}
	return b.Iterator.Value()
}

// checkBounds reports whether the current position is within the bounds.
func (b *BoundedIterator) checkBounds() bool {
	if !b.Iterator.Valid() {
		return false
	}
	k := b.Iterator.Key()
	return !k.Less(b.start) && !b.end.Less(k)
}
