package btree

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/scoutfs/scoutfs/pkg/block"
	"github.com/scoutfs/scoutfs/pkg/format"
)

// A tree block is a header followed by a sorted array of item offsets that
// grows up from the header. Items are packed down from the end of the
// block. free_end is the offset of the lowest item; free_reclaim counts
// dead item bytes between free_end and the end of the block.
const (
	freeEndOff = format.HeaderSize
	reclaimOff = freeEndOff + 2
	nrItemsOff = reclaimOff + 2

	// HeaderSize is the size of a tree block header.
	HeaderSize = nrItemsOff + 1
	// UsableSize is the space shared by offsets, items and free space.
	UsableSize = format.BlockSize - HeaderSize

	// ItemHeaderSize is the size of an item without its value.
	ItemHeaderSize = format.KeySize + 8 + 2

	offSize = 2

	// parentItemSpace is what one more child reference costs a parent.
	parentItemSpace = ItemHeaderSize + format.RefSize + offSize
)

// Item is a key, value and the sequence number of the transaction that
// last set the value.
type Item struct {
	Key   format.Key
	Seq   uint64
	Value []byte
}

func (it Item) size() int {
	return ItemHeaderSize + len(it.Value)
}

type node []byte

func initNode(n node) {
	clear(n[format.HeaderSize:])
	n.setFreeEnd(format.BlockSize)
}

func (n node) nr() int          { return int(n[nrItemsOff]) }
func (n node) setNr(v int)      { n[nrItemsOff] = uint8(v) }
func (n node) freeEnd() int     { return int(binary.LittleEndian.Uint16(n[freeEndOff:])) }
func (n node) setFreeEnd(v int) { binary.LittleEndian.PutUint16(n[freeEndOff:], uint16(v)) }
func (n node) reclaim() int     { return int(binary.LittleEndian.Uint16(n[reclaimOff:])) }
func (n node) setReclaim(v int) { binary.LittleEndian.PutUint16(n[reclaimOff:], uint16(v)) }

func (n node) off(i int) int {
	return int(binary.LittleEndian.Uint16(n[HeaderSize+offSize*i:]))
}

func (n node) setOff(i, off int) {
	binary.LittleEndian.PutUint16(n[HeaderSize+offSize*i:], uint16(off))
}

func (n node) key(i int) format.Key {
	return format.DecodeKey(n[n.off(i):])
}

func (n node) setKey(i int, k format.Key) {
	k.Encode(n[n.off(i):])
}

func (n node) seq(i int) uint64 {
	return binary.LittleEndian.Uint64(n[n.off(i)+format.KeySize:])
}

func (n node) valLen(i int) int {
	return int(binary.LittleEndian.Uint16(n[n.off(i)+format.KeySize+8:]))
}

func (n node) val(i int) []byte {
	start := n.off(i) + ItemHeaderSize
	return n[start : start+n.valLen(i)]
}

func (n node) item(i int) Item {
	v := make([]byte, n.valLen(i))
	copy(v, n.val(i))
	return Item{Key: n.key(i), Seq: n.seq(i), Value: v}
}

func (n node) itemSize(i int) int {
	return ItemHeaderSize + n.valLen(i)
}

func (n node) child(i int) format.BlockRef {
	return format.DecodeRef(n.val(i))
}

func (n node) setChild(i int, ref format.BlockRef) {
	ref.Encode(n.val(i))
}

func (n node) lastKey() format.Key {
	return n.key(n.nr() - 1)
}

func (n node) used() int {
	sum := 0
	for i := 0; i < n.nr(); i++ {
		sum += n.itemSize(i)
	}
	return sum
}

func (n node) contigFree() int {
	return n.freeEnd() - (HeaderSize + offSize*n.nr())
}

func (n node) totalFree() int {
	return n.contigFree() + n.reclaim()
}

// search returns the position of the first item with a key >= k and
// whether that item's key equals k.
func (n node) search(k format.Key) (int, bool) {
	nr := n.nr()
	pos := sort.Search(nr, func(i int) bool {
		return n.key(i).Compare(k) >= 0
	})
	return pos, pos < nr && n.key(pos) == k
}

// settle recomputes free_end and free_reclaim after items were removed.
func (n node) settle() {
	end := format.BlockSize
	for i := 0; i < n.nr(); i++ {
		if off := n.off(i); off < end {
			end = off
		}
	}
	n.setFreeEnd(end)
	n.setReclaim(format.BlockSize - end - n.used())
}

// compact repacks the live items in key order against the end of the
// block, turning all reclaimable bytes into contiguous free space.
func (n node) compact() {
	nr := n.nr()
	items := make([]Item, nr)
	for i := range items {
		items[i] = n.item(i)
	}
	end := format.BlockSize
	for i, it := range items {
		end -= it.size()
		writeItem(n[end:], it)
		n.setOff(i, end)
	}
	clear(n[HeaderSize+offSize*nr : end])
	n.setFreeEnd(end)
	n.setReclaim(0)
}

func writeItem(b []byte, it Item) {
	it.Key.Encode(b)
	binary.LittleEndian.PutUint64(b[format.KeySize:], it.Seq)
	binary.LittleEndian.PutUint16(b[format.KeySize+8:], uint16(len(it.Value)))
	copy(b[ItemHeaderSize:], it.Value)
}

// room makes sure an item of size bytes plus its offset fits in contiguous
// free space, compacting if that's enough. It reports whether the item fits
// and whether a compaction was needed.
func (n node) room(size int) (fits bool, compacted bool) {
	need := size + offSize
	if n.contigFree() >= need {
		return true, false
	}
	if n.totalFree() < need {
		return false, false
	}
	n.compact()
	return true, true
}

// insertAt stores it at position pos. The caller must have made room.
func (n node) insertAt(pos int, it Item) {
	nr := n.nr()
	off := n.freeEnd() - it.size()
	writeItem(n[off:], it)

	offs := n[HeaderSize : HeaderSize+offSize*(nr+1)]
	copy(offs[offSize*(pos+1):], offs[offSize*pos:offSize*nr])
	n.setNr(nr + 1)
	n.setOff(pos, off)
	n.setFreeEnd(off)
}

// removeAt deletes the item at pos.
func (n node) removeAt(pos int) {
	nr := n.nr()
	offs := n[HeaderSize : HeaderSize+offSize*nr]
	copy(offs[offSize*pos:], offs[offSize*(pos+1):])
	clear(offs[offSize*(nr-1):])
	n.setNr(nr - 1)
	n.settle()
}

// truncate drops every item from pos on.
func (n node) truncate(pos int) {
	clear(n[HeaderSize+offSize*pos : HeaderSize+offSize*n.nr()])
	n.setNr(pos)
	n.settle()
}

// validate checks the structure of a block read from disk.
func validate(n node) error {
	nr := n.nr()
	end := n.freeEnd()
	if HeaderSize+offSize*nr > end || end > format.BlockSize {
		return errors.Wrapf(ErrCorrupt, "%d items with free_end %d", nr, end)
	}
	if n.reclaim() > format.BlockSize-end {
		return errors.Wrapf(ErrCorrupt, "free_reclaim %d past free_end %d", n.reclaim(), end)
	}

	type span struct{ start, end int }
	spans := make([]span, nr)
	used := 0
	for i := 0; i < nr; i++ {
		off := n.off(i)
		if off < end || off+ItemHeaderSize > format.BlockSize {
			return errors.Wrapf(ErrCorrupt, "item %d offset %d outside items", i, off)
		}
		vlen := n.valLen(i)
		if vlen > format.MaxItemLen || off+ItemHeaderSize+vlen > format.BlockSize {
			return errors.Wrapf(ErrCorrupt, "item %d value length %d", i, vlen)
		}
		if i > 0 && n.key(i-1).Compare(n.key(i)) >= 0 {
			return errors.Wrapf(ErrCorrupt, "item %d key %s out of order", i, n.key(i))
		}
		spans[i] = span{off, off + ItemHeaderSize + vlen}
		used += ItemHeaderSize + vlen
	}

	if nr == 0 && end != format.BlockSize {
		return errors.Wrapf(ErrCorrupt, "empty block with free_end %d", end)
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := range spans {
		if i == 0 && spans[i].start != end {
			return errors.Wrapf(ErrCorrupt, "lowest item at %d, free_end %d", spans[i].start, end)
		}
		if i > 0 && spans[i].start < spans[i-1].end {
			return errors.Wrapf(ErrCorrupt, "items overlap at %d", spans[i].start)
		}
	}
	if used+offSize*nr+n.contigFree()+n.reclaim() != UsableSize {
		return errors.Wrapf(ErrCorrupt, "space accounting: used %d offsets %d free %d reclaim %d",
			used, offSize*nr, n.contigFree(), n.reclaim())
	}
	return nil
}

// EncodeBlock packs items, which must be sorted and unique, into a new
// block. The header is left for the block store to stamp.
func EncodeBlock(items []Item) ([]byte, error) {
	n := node(make([]byte, format.BlockSize))
	initNode(n)
	for i, it := range items {
		if len(it.Value) > format.MaxItemLen {
			return nil, errors.Wrapf(ErrValueTooLong, "item %s", it.Key)
		}
		if i > 0 && items[i-1].Key.Compare(it.Key) >= 0 {
			return nil, errors.Errorf("item %d key %s out of order", i, it.Key)
		}
		if fits, _ := n.room(it.size()); !fits {
			return nil, errors.Errorf("%d items don't fit in a block", len(items))
		}
		n.insertAt(i, it)
	}
	return n, nil
}

// DecodeBlock validates a block and returns its items in key order.
func DecodeBlock(buf []byte) ([]Item, error) {
	if len(buf) != format.BlockSize {
		return nil, errors.Wrapf(ErrCorrupt, "block of %d bytes", len(buf))
	}
	n := node(buf)
	if err := validate(n); err != nil {
		return nil, err
	}
	items := make([]Item, n.nr())
	for i := range items {
		items[i] = n.item(i)
	}
	return items, nil
}

// ErrCorrupt means a block verified but its tree structure is invalid.
var ErrCorrupt = errors.Wrap(block.ErrBlockCorrupt, "btree")
