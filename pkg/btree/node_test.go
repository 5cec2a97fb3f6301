package btree

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutfs/scoutfs/pkg/block"
	"github.com/scoutfs/scoutfs/pkg/format"
)

func randomItems(rng *rand.Rand, n int) []Item {
	items := make([]Item, n)
	for i := range items {
		val := make([]byte, rng.Intn(100))
		rng.Read(val)
		items[i] = Item{Key: key(uint64(i), 1, uint64(rng.Intn(9))), Seq: uint64(rng.Intn(5) + 1), Value: val}
	}
	return items
}

func TestBlockRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	items := randomItems(rng, 30)

	buf, err := EncodeBlock(items)
	require.NoError(t, err)
	decoded, err := DecodeBlock(buf)
	require.NoError(t, err)
	require.Len(t, decoded, len(items))
	for i := range items {
		assert.Equal(t, items[i].Key, decoded[i].Key)
		assert.Equal(t, items[i].Seq, decoded[i].Seq)
		assert.Equal(t, items[i].Value, decoded[i].Value)
	}

	again, err := EncodeBlock(decoded)
	require.NoError(t, err)
	assert.Equal(t, buf, again)
}

func TestCompactMatchesEncoding(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	n := node(make([]byte, format.BlockSize))
	initNode(n)
	for _, it := range randomItems(rng, 30) {
		pos, _ := n.search(it.Key)
		fits, _ := n.room(it.size())
		require.True(t, fits)
		n.insertAt(pos, it)
	}
	for i := 0; i < 15; i++ {
		n.removeAt(rng.Intn(n.nr()))
		require.NoError(t, validate(n))
	}
	assert.Greater(t, n.reclaim(), 0)

	items, err := DecodeBlock(n)
	require.NoError(t, err)
	want, err := EncodeBlock(items)
	require.NoError(t, err)

	n.compact()
	require.NoError(t, validate(n))
	assert.Equal(t, 0, n.reclaim())
	assert.Equal(t, []byte(want[format.HeaderSize:]), []byte(n[format.HeaderSize:]))
}

func TestSpaceAccounting(t *testing.T) {
	n := node(make([]byte, format.BlockSize))
	initNode(n)
	assert.Equal(t, UsableSize, n.contigFree())

	n.insertAt(0, Item{Key: key(1, 1, 0), Value: make([]byte, 10)})
	n.insertAt(1, Item{Key: key(2, 1, 0), Value: make([]byte, 20)})
	assert.Equal(t, format.BlockSize-ItemHeaderSize*2-30, n.freeEnd())
	assert.Equal(t, UsableSize, n.used()+offSize*n.nr()+n.contigFree()+n.reclaim())

	// removing the first inserted item leaves a hole above free_end
	n.removeAt(0)
	assert.Equal(t, ItemHeaderSize+10, n.reclaim())
	assert.Equal(t, UsableSize, n.used()+offSize*n.nr()+n.contigFree()+n.reclaim())

	n.removeAt(0)
	assert.Equal(t, format.BlockSize, n.freeEnd())
	assert.Equal(t, 0, n.reclaim())
	require.NoError(t, validate(n))
}

func TestDecodeRejectsBadStructure(t *testing.T) {
	items := []Item{
		{Key: key(1, 1, 0), Value: []byte("one")},
		{Key: key(2, 1, 0), Value: []byte("two")},
	}

	cases := map[string]func(n node){
		"free_end past block": func(n node) { n.setFreeEnd(format.BlockSize + 1) },
		"free_end low":        func(n node) { n.setFreeEnd(n.freeEnd() - 1) },
		"reclaim":             func(n node) { n.setReclaim(7) },
		"item count":          func(n node) { n.setNr(3) },
		"key order":           func(n node) { n.setKey(1, key(0, 1, 0)) },
		"value length": func(n node) {
			binary.LittleEndian.PutUint16(n[n.off(0)+format.KeySize+8:], format.BlockSize)
		},
	}
	for name, mangle := range cases {
		t.Run(name, func(t *testing.T) {
			buf, err := EncodeBlock(items)
			require.NoError(t, err)
			mangle(node(buf))
			_, err = DecodeBlock(buf)
			assert.True(t, errors.Is(err, ErrCorrupt))
			assert.True(t, errors.Is(err, block.ErrBlockCorrupt))
		})
	}
}

func TestEncodeRejectsUnsorted(t *testing.T) {
	_, err := EncodeBlock([]Item{{Key: key(2, 1, 0)}, {Key: key(1, 1, 0)}})
	assert.Error(t, err)
	_, err = EncodeBlock([]Item{{Key: key(1, 1, 0), Value: make([]byte, format.MaxItemLen+1)}})
	assert.True(t, errors.Is(err, ErrValueTooLong))

	var many []Item
	for i := 0; i < 20; i++ {
		many = append(many, Item{Key: key(uint64(i), 1, 0), Value: make([]byte, 400)})
	}
	_, err = EncodeBlock(many)
	assert.Error(t, err)
}
