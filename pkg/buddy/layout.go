package buddy

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/scoutfs/scoutfs/pkg/format"
)

// A leaf block is a header, a free run count per order and a bitmap. The
// bitmap holds one region per order. Order 0 takes the first half of the
// bits and orders 1 through 7 are stacked in the second half, each half
// the size of the one before. A clear bit is a free run of exactly that
// order; a set bit is either allocated or tracked at another order.
const (
	leafCountsOff = format.HeaderSize
	leafBitsOff   = leafCountsOff + format.BuddyOrders*4

	// Order0Bits is the number of blocks each leaf manages.
	Order0Bits = (format.BlockSize - leafBitsOff) * 8 / 2

	TopOrder = format.BuddyOrders - 1
)

// The indirect block holds per-order free totals for the whole device and
// one slot per leaf.
const (
	indTotalsOff = format.HeaderSize
	indSlotsOff  = indTotalsOff + format.BuddyOrders*8
	slotSize     = 1 + format.RefSize

	// Slots is the maximum number of leaves.
	Slots = (format.BlockSize - indSlotsOff) / slotSize
)

const bmBitsOff = format.HeaderSize

var (
	ErrDeviceTooSmall = errors.New("device too small")
	ErrDeviceTooLarge = errors.New("device too large for buddy index")
)

var orderBitOff [format.BuddyOrders]int

func init() {
	off := 0
	for k := range orderBitOff {
		orderBitOff[k] = off
		off += Order0Bits >> k
	}
}

// Layout is the placement of allocator metadata and managed blocks on a
// device.
type Layout struct {
	TotalBlocks uint64
	Leaves      int
	// Start is the first block managed by the allocator.
	Start   uint64
	Managed uint64
}

// NewLayout sizes the allocator for a device of total blocks. Each leaf
// costs a pair of metadata blocks after the indirect pair.
func NewLayout(total uint64) (Layout, error) {
	base := uint64(format.BuddyLeafBaseBlkno)
	if total <= base+2 {
		return Layout{}, errors.Wrapf(ErrDeviceTooSmall, "%d blocks", total)
	}
	avail := total - base
	per := uint64(Order0Bits + 2)

	leaves := (avail + per - 1) / per
	managed := avail - 2*leaves
	if leaves > 1 && managed <= (leaves-1)*Order0Bits {
		leaves--
		managed = avail - 2*leaves
	}
	if managed > leaves*Order0Bits {
		managed = leaves * Order0Bits
	}
	if managed == 0 {
		return Layout{}, errors.Wrapf(ErrDeviceTooSmall, "%d blocks", total)
	}
	if leaves > Slots {
		return Layout{}, errors.Wrapf(ErrDeviceTooLarge, "%d blocks needs %d leaves", total, leaves)
	}

	return Layout{
		TotalBlocks: total,
		Leaves:      int(leaves),
		Start:       base + 2*leaves,
		Managed:     managed,
	}, nil
}

// LeafBlocks is the number of blocks managed by leaf s.
func (l Layout) LeafBlocks(s int) int {
	rem := l.Managed - uint64(s)*Order0Bits
	if rem > Order0Bits {
		return Order0Bits
	}
	return int(rem)
}

// leafBlkno returns the block of the given half of leaf s's pair.
func leafBlkno(s int, half int) uint64 {
	return uint64(format.BuddyLeafBaseBlkno + 2*s + half)
}

type leafBlock []byte

func (l leafBlock) count(k int) uint32 {
	return binary.LittleEndian.Uint32(l[leafCountsOff+4*k:])
}

func (l leafBlock) setCount(k int, v uint32) {
	binary.LittleEndian.PutUint32(l[leafCountsOff+4*k:], v)
}

func (l leafBlock) pos(k, i int) (int, byte) {
	n := orderBitOff[k] + i
	return leafBitsOff + n/8, 1 << (n % 8)
}

func (l leafBlock) isSet(k, i int) bool {
	b, m := l.pos(k, i)
	return l[b]&m != 0
}

func (l leafBlock) set(k, i int) {
	b, m := l.pos(k, i)
	l[b] |= m
}

func (l leafBlock) clear(k, i int) {
	b, m := l.pos(k, i)
	l[b] &^= m
}

// firstClear returns the first free run at order k, or -1.
func (l leafBlock) firstClear(k int) int {
	nbits := Order0Bits >> k
	for i := 0; i < nbits; {
		n := orderBitOff[k] + i
		if n%8 == 0 && i+8 <= nbits && l[leafBitsOff+n/8] == 0xff {
			i += 8
			continue
		}
		if !l.isSet(k, i) {
			return i
		}
		i++
	}
	return -1
}

// freeOrders is the mask of orders with at least one free run.
func (l leafBlock) freeOrders() uint8 {
	var mask uint8
	for k := 0; k < format.BuddyOrders; k++ {
		if l.count(k) > 0 {
			mask |= 1 << k
		}
	}
	return mask
}

// initLeaf marks every run allocated and then frees the largest aligned
// runs that cover the leaf's blocks.
func initLeaf(l leafBlock, blocks int) {
	for i := leafCountsOff; i < leafBitsOff; i++ {
		l[i] = 0
	}
	for i := leafBitsOff; i < len(l); i++ {
		l[i] = 0xff
	}
	for off := 0; off < blocks; {
		k := TopOrder
		for k > 0 && (off%(1<<k) != 0 || off+(1<<k) > blocks) {
			k--
		}
		l.clear(k, off>>k)
		l.setCount(k, l.count(k)+1)
		off += 1 << k
	}
}

type indBlock []byte

func (d indBlock) total(k int) uint64 {
	return binary.LittleEndian.Uint64(d[indTotalsOff+8*k:])
}

func (d indBlock) addTotal(k int, delta int64) {
	binary.LittleEndian.PutUint64(d[indTotalsOff+8*k:], uint64(int64(d.total(k))+delta))
}

func (d indBlock) slot(s int) (uint8, format.BlockRef) {
	off := indSlotsOff + s*slotSize
	return d[off], format.DecodeRef(d[off+1:])
}

func (d indBlock) setSlot(s int, mask uint8, ref format.BlockRef) {
	off := indSlotsOff + s*slotSize
	d[off] = mask
	ref.Encode(d[off+1:])
}

func (d indBlock) setMask(s int, mask uint8) {
	d[indSlotsOff+s*slotSize] = mask
}

type bmBlock []byte

// half returns which block of pair p is current.
func (b bmBlock) half(p int) int {
	return int(b[bmBitsOff+p/8]>>(p%8)) & 1
}

func (b bmBlock) flip(p int) {
	b[bmBitsOff+p/8] ^= 1 << (p % 8)
}
