// Package format defines the scoutfs on-disk layout: block geometry, fixed
// block locations, the common block header, block references and item keys.
// All multi-byte fields are little endian.
package format

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

const (
	BlockShift = 12
	BlockSize  = 1 << BlockShift

	// The first 64KiB are left for boot loaders and partition labels.
	SuperBlkno = (64 * 1024) >> BlockShift
	SuperNR    = 2

	BuddyBMBlkno = SuperBlkno + SuperNR
	BuddyBMNR    = 2

	// The indirect block and every leaf live in fixed pairs of blocks. The
	// bitmap block records which half of each pair is current.
	BuddyIndBlkno      = BuddyBMBlkno + BuddyBMNR
	BuddyLeafBaseBlkno = BuddyIndBlkno + 2

	BuddyOrders = 8

	// A transaction may not dirty more than 128MiB of blocks.
	MaxTransBlocks = (128 * 1024 * 1024) >> BlockShift
	// MinTransBlocks covers the worst case of one item operation at
	// maximum depth: the cow'd path, siblings, and the buddy leaves their
	// allocations dirty.
	MinTransBlocks = 4*BTreeMaxDepth + 6

	MaxItemLen    = 512
	BTreeMaxDepth = 10

	// SuperID is "scoutfs." read as a little endian u64.
	SuperID = 0x2e736674756f6373

	UUIDBytes = 16
	RootIno   = 1

	// BlockMapCount is the number of data blocks described by one block
	// map item.
	BlockMapCount = 8
	BlockMapShift = 3
)

// BlockHeader starts every metadata block.
type BlockHeader struct {
	Checksum uint64
	Fsid     uint64
	Seq      uint64
	Blkno    uint64
}

// HeaderSize is the encoded size of a BlockHeader.
const HeaderSize = 32

// Encode writes the header into the first HeaderSize bytes of b.
func (h *BlockHeader) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], h.Checksum)
	binary.LittleEndian.PutUint64(b[8:16], h.Fsid)
	binary.LittleEndian.PutUint64(b[16:24], h.Seq)
	binary.LittleEndian.PutUint64(b[24:32], h.Blkno)
}

// DecodeHeader reads the header stored at the front of b.
func DecodeHeader(b []byte) BlockHeader {
	return BlockHeader{
		Checksum: binary.LittleEndian.Uint64(b[0:8]),
		Fsid:     binary.LittleEndian.Uint64(b[8:16]),
		Seq:      binary.LittleEndian.Uint64(b[16:24]),
		Blkno:    binary.LittleEndian.Uint64(b[24:32]),
	}
}

// Checksum covers the whole block after the checksum field.
func Checksum(b []byte) uint64 {
	return xxhash.Sum64(b[8:])
}

// BlockRef names a specific version of a block.
type BlockRef struct {
	Blkno uint64
	Seq   uint64
}

// RefSize is the encoded size of a BlockRef.
const RefSize = 16

// IsZero reports whether the ref points nowhere.
func (r BlockRef) IsZero() bool {
	return r.Blkno == 0
}

// Encode writes the ref into b.
func (r BlockRef) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], r.Blkno)
	binary.LittleEndian.PutUint64(b[8:16], r.Seq)
}

// DecodeRef reads a ref from b.
func DecodeRef(b []byte) BlockRef {
	return BlockRef{
		Blkno: binary.LittleEndian.Uint64(b[0:8]),
		Seq:   binary.LittleEndian.Uint64(b[8:16]),
	}
}

// BTreeRoot is the persistent root of the item tree. A height of zero
// means the tree is empty; a height of one means the root is a leaf.
type BTreeRoot struct {
	Height uint8
	Ref    BlockRef
}

// RootSize is the encoded size of a BTreeRoot.
const RootSize = 1 + RefSize

// Encode writes the root into b.
func (r BTreeRoot) Encode(b []byte) {
	b[0] = r.Height
	r.Ref.Encode(b[1:])
}

// DecodeRoot reads a root from b.
func DecodeRoot(b []byte) BTreeRoot {
	return BTreeRoot{Height: b[0], Ref: DecodeRef(b[1:])}
}
