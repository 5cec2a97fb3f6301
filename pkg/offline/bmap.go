package offline

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/scoutfs/scoutfs/pkg/block"
	"github.com/scoutfs/scoutfs/pkg/format"
)

// State is the state of one logical file block.
type State uint8

const (
	// Hole blocks read as zeros.
	Hole State = iota
	// Online blocks are backed by a data block.
	Online
	// Offline blocks were released and read only after they're staged.
	Offline
)

func (s State) String() string {
	switch s {
	case Hole:
		return "hole"
	case Online:
		return "online"
	case Offline:
		return "offline"
	}
	return "unknown"
}

// Entry maps one logical block.
type Entry struct {
	Blkno    uint64
	Checksum uint64
	State    State
}

const (
	entrySize = 8 + 8 + 1
	bmapSize  = format.BlockMapCount * entrySize
)

// bmap is the decoded value of a block map item.
type bmap [format.BlockMapCount]Entry

func bmapKey(ino, blk uint64) format.Key {
	return format.Key{Ino: ino, Type: format.BmapKey, Offset: blk >> format.BlockMapShift}
}

func versionKey(ino uint64) format.Key {
	return format.Key{Ino: ino, Type: format.DataVersionKey}
}

func (m *bmap) encode() []byte {
	b := make([]byte, bmapSize)
	for i, e := range m {
		off := i * entrySize
		binary.LittleEndian.PutUint64(b[off:], e.Blkno)
		binary.LittleEndian.PutUint64(b[off+8:], e.Checksum)
		b[off+16] = uint8(e.State)
	}
	return b
}

func decodeBmap(b []byte) (bmap, error) {
	var m bmap
	if len(b) != bmapSize {
		return m, errors.Wrapf(block.ErrBlockCorrupt, "block map item of %d bytes", len(b))
	}
	for i := range m {
		off := i * entrySize
		m[i] = Entry{
			Blkno:    binary.LittleEndian.Uint64(b[off:]),
			Checksum: binary.LittleEndian.Uint64(b[off+8:]),
			State:    State(b[off+16]),
		}
		if m[i].State > Offline {
			return m, errors.Wrapf(block.ErrBlockCorrupt, "block map entry state %d", m[i].State)
		}
	}
	return m, nil
}

func encodeVersion(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func decodeVersion(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.Wrapf(block.ErrBlockCorrupt, "data version item of %d bytes", len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}
