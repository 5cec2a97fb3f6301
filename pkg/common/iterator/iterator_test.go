package iterator

import (
	"context"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutfs/scoutfs/pkg/btree"
	"github.com/scoutfs/scoutfs/pkg/format"
)

// mockSource is a sorted in-memory item list.
type mockSource struct {
	items []btree.Item
	err   error
}

func newMockSource(keys ...format.Key) *mockSource {
	s := &mockSource{}
	for _, k := range keys {
		s.items = append(s.items, btree.Item{Key: k, Value: []byte(k.String())})
	}
	sort.Slice(s.items, func(i, j int) bool { return s.items[i].Key.Less(s.items[j].Key) })
	return s
}

func (s *mockSource) Next(_ context.Context, key format.Key) (btree.Item, error) {
	if s.err != nil {
		return btree.Item{}, s.err
	}
	i := sort.Search(len(s.items), func(i int) bool { return !s.items[i].Key.Less(key) })
	if i == len(s.items) {
		return btree.Item{}, btree.ErrNotFound
	}
	return s.items[i], nil
}

func (s *mockSource) Prev(_ context.Context, key format.Key) (btree.Item, error) {
	if s.err != nil {
		return btree.Item{}, s.err
	}
	i := sort.Search(len(s.items), func(i int) bool { return key.Less(s.items[i].Key) })
	if i == 0 {
		return btree.Item{}, btree.ErrNotFound
	}
	return s.items[i-1], nil
}

func k(ino uint64, typ uint8, off uint64) format.Key {
	return format.Key{Ino: ino, Type: typ, Offset: off}
}

func collect(it Iterator) []format.Key {
	var keys []format.Key
	for ; it.Valid(); it.Next() {
		keys = append(keys, it.Key())
	}
	return keys
}

func TestCursorForward(t *testing.T) {
	src := newMockSource(k(1, 1, 0), k(1, 2, 5), k(2, 1, 0), k(3, 8, 1))
	c := NewCursor(context.Background(), src)

	assert.False(t, c.Valid(), "unpositioned")
	c.SeekToFirst()
	assert.Equal(t, []format.Key{k(1, 1, 0), k(1, 2, 5), k(2, 1, 0), k(3, 8, 1)}, collect(c))
	assert.False(t, c.Next(), "stays off the end")
	assert.NoError(t, c.Err())

	require.True(t, c.Seek(k(1, 2, 0)))
	assert.Equal(t, k(1, 2, 5), c.Key())
	assert.Equal(t, []byte(k(1, 2, 5).String()), c.Value())

	assert.False(t, c.Seek(k(4, 0, 0)))
	assert.Equal(t, format.Key{}, c.Key())
	assert.Nil(t, c.Value())
}

func TestCursorBackward(t *testing.T) {
	src := newMockSource(k(1, 1, 0), k(1, 2, 5), k(2, 1, 0))
	c := NewCursor(context.Background(), src)

	c.SeekToLast()
	var keys []format.Key
	for ; c.Valid(); c.Prev() {
		keys = append(keys, c.Key())
	}
	assert.Equal(t, []format.Key{k(2, 1, 0), k(1, 2, 5), k(1, 1, 0)}, keys)

	require.True(t, c.SeekForPrev(k(1, 2, 4)))
	assert.Equal(t, k(1, 1, 0), c.Key())
}

func TestCursorAtKeySpaceEnds(t *testing.T) {
	src := newMockSource(format.MinKey, format.MaxKey)
	c := NewCursor(context.Background(), src)

	c.SeekToFirst()
	assert.Equal(t, []format.Key{format.MinKey, format.MaxKey}, collect(c))

	c.SeekToLast()
	require.True(t, c.Prev())
	assert.Equal(t, format.MinKey, c.Key())
	assert.False(t, c.Prev())
}

func TestCursorError(t *testing.T) {
	src := newMockSource(k(1, 1, 0), k(1, 1, 1))
	c := NewCursor(context.Background(), src)
	c.SeekToFirst()
	require.True(t, c.Valid())

	boom := errors.New("read failed")
	src.err = boom
	assert.False(t, c.Next())
	assert.False(t, c.Valid())
	assert.Equal(t, boom, c.Err())

	// The first error sticks.
	src.err = nil
	assert.False(t, c.Seek(format.MinKey))
	assert.Equal(t, boom, c.Err())
}
