package format

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Item key types. Keys sort by inode, then type, then offset, so all the
// items of an inode are stored together.
const (
	InodeKey         uint8 = 1
	XattrKey         uint8 = 2
	XattrNameHashKey uint8 = 3
	XattrValHashKey  uint8 = 4
	DirentKey        uint8 = 5
	LinkBackrefKey   uint8 = 6
	SymlinkKey       uint8 = 7
	BmapKey          uint8 = 8
	OrphanKey        uint8 = 9
	DataVersionKey   uint8 = 10

	MaxKeyType = DataVersionKey
)

// ErrInvalidKey is returned for keys that can't be stored.
var ErrInvalidKey = errors.New("invalid key")

// Key identifies an item.
type Key struct {
	Ino    uint64
	Type   uint8
	Offset uint64
}

// KeySize is the encoded size of a Key.
const KeySize = 17

var (
	MinKey = Key{}
	MaxKey = Key{Ino: math.MaxUint64, Type: math.MaxUint8, Offset: math.MaxUint64}
)

// Compare returns -1, 0 or 1 as k sorts before, equal to, or after o.
func (k Key) Compare(o Key) int {
	switch {
	case k.Ino < o.Ino:
		return -1
	case k.Ino > o.Ino:
		return 1
	case k.Type < o.Type:
		return -1
	case k.Type > o.Type:
		return 1
	case k.Offset < o.Offset:
		return -1
	case k.Offset > o.Offset:
		return 1
	}
	return 0
}

// Less reports whether k sorts before o.
func (k Key) Less(o Key) bool {
	return k.Compare(o) < 0
}

// Inc returns the smallest key greater than k. MaxKey is returned unchanged.
func (k Key) Inc() Key {
	if k.Offset != math.MaxUint64 {
		k.Offset++
		return k
	}
	k.Offset = 0
	if k.Type != math.MaxUint8 {
		k.Type++
		return k
	}
	k.Type = 0
	if k.Ino != math.MaxUint64 {
		k.Ino++
		return k
	}
	return MaxKey
}

// Dec returns the greatest key less than k. MinKey is returned unchanged.
func (k Key) Dec() Key {
	if k.Offset != 0 {
		k.Offset--
		return k
	}
	k.Offset = math.MaxUint64
	if k.Type != 0 {
		k.Type--
		return k
	}
	k.Type = math.MaxUint8
	if k.Ino != 0 {
		k.Ino--
		return k
	}
	return MinKey
}

// Validate checks that k can name a stored item.
func (k Key) Validate() error {
	if k.Type == 0 || k.Type > MaxKeyType {
		return errors.Wrapf(ErrInvalidKey, "key %s has unknown type", k)
	}
	return nil
}

// Encode writes the key into b in sort order: big endian comparisons of the
// encoded form match Compare.
func (k Key) Encode(b []byte) {
	binary.BigEndian.PutUint64(b[0:8], k.Ino)
	b[8] = k.Type
	binary.BigEndian.PutUint64(b[9:17], k.Offset)
}

// DecodeKey reads a key written by Encode.
func DecodeKey(b []byte) Key {
	return Key{
		Ino:    binary.BigEndian.Uint64(b[0:8]),
		Type:   b[8],
		Offset: binary.BigEndian.Uint64(b[9:17]),
	}
}

// TypeName returns a short name for a key type.
func TypeName(t uint8) string {
	switch t {
	case InodeKey:
		return "inode"
	case XattrKey:
		return "xattr"
	case XattrNameHashKey:
		return "xattr_name_hash"
	case XattrValHashKey:
		return "xattr_val_hash"
	case DirentKey:
		return "dirent"
	case LinkBackrefKey:
		return "link_backref"
	case SymlinkKey:
		return "symlink"
	case BmapKey:
		return "bmap"
	case OrphanKey:
		return "orphan"
	case DataVersionKey:
		return "data_version"
	}
	return fmt.Sprintf("type%d", t)
}

// ParseType is the inverse of TypeName.
func ParseType(s string) (uint8, bool) {
	for t := uint8(1); t <= MaxKeyType; t++ {
		if TypeName(t) == s {
			return t, true
		}
	}
	return 0, false
}

func (k Key) String() string {
	return fmt.Sprintf("%d.%s.%d", k.Ino, TypeName(k.Type), k.Offset)
}
