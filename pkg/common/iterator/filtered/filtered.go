// Package filtered provides iterators that filter keys based on different criteria
package filtered

import (
	"github.com/scoutfs/scoutfs/pkg/common/iterator"
	"github.com/scoutfs/scoutfs/pkg/format"
)

// KeyFilterFunc is a function type for filtering keys
type KeyFilterFunc func(key format.Key) bool

// FilteredIterator wraps an iterator and skips keys the filter rejects.
type FilteredIterator struct {
	iterator.Iterator
	keyFilter KeyFilterFunc
}

// NewFilteredIterator creates a new iterator with a key filter
func NewFilteredIterator(iter iterator.Iterator, filter KeyFilterFunc) *FilteredIterator {
	return &FilteredIterator{Iterator: iter, keyFilter: filter}
}

// Next advances to the next key that passes the filter
func (fi *FilteredIterator) Next() bool {
	for fi.Iterator.Next() {
		if fi.keyFilter(fi.Iterator.Key()) {
			return true
		}
	}
	return false
}

// Prev moves to the previous key that passes the filter
func (fi *FilteredIterator) Prev() bool {
	for fi.Iterator.Prev() {
		if fi.keyFilter(fi.Iterator.Key()) {
			return true
		}
	}
	return false
}

// Valid returns true if the iterator is at a valid position
func (fi *FilteredIterator) Valid() bool {
	return fi.Iterator.Valid() && fi.keyFilter(fi.Iterator.Key())
}

// SeekToFirst positions at the first key that passes the filter
func (fi *FilteredIterator) SeekToFirst() {
	fi.Iterator.SeekToFirst()
	if fi.Iterator.Valid() && !fi.keyFilter(fi.Iterator.Key()) {
		fi.Next()
	}
}

// SeekToLast positions at the last key that passes the filter
func (fi *FilteredIterator) SeekToLast() {
	fi.Iterator.SeekToLast()
	if fi.Iterator.Valid() && !fi.keyFilter(fi.Iterator.Key()) {
		fi.Prev()
	}
}

// Seek positions at the first key >= target that passes the filter
func (fi *FilteredIterator) Seek(target format.Key) bool {
	if !fi.Iterator.Seek(target) {
		return false
	}
	if !fi.keyFilter(fi.Iterator.Key()) {
		return fi.Next()
	}
	return true
}

// TypeFilterFunc creates a filter function for keys of one type
func TypeFilterFunc(typ uint8) KeyFilterFunc {
	return func(key format.Key) bool {
		return key.Type == typ
	}
}

// NewTypeIterator returns an iterator over keys of one type
func NewTypeIterator(iter iterator.Iterator, typ uint8) *FilteredIterator {
	return NewFilteredIterator(iter, TypeFilterFunc(typ))
}
