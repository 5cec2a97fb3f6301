package block

import (
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/scoutfs/scoutfs/pkg/format"
)

// Device is the block device or image file underneath a Store.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Close() error
	// Size returns the device size in bytes.
	Size() int64
}

// FileDevice is a Device backed by a regular file or block device node.
type FileDevice struct {
	f    *os.File
	size int64
}

// OpenFile opens an existing device image.
func OpenFile(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open device")
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat device")
	}
	return &FileDevice{f: f, size: st.Size()}, nil
}

// CreateFile creates (or truncates) an image file of the given number of blocks.
func CreateFile(path string, blocks uint64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "create device")
	}
	size := int64(blocks) << format.BlockShift
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "size device")
	}
	return &FileDevice{f: f, size: size}, nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }
func (d *FileDevice) Sync() error                              { return d.f.Sync() }
func (d *FileDevice) Close() error                             { return d.f.Close() }
func (d *FileDevice) Size() int64                              { return d.size }

// ErrInjected is returned by a MemDevice once an injected fault fires.
var ErrInjected = errors.New("injected device fault")

// MemDevice is a sparse in-memory Device with fault injection for crash
// tests. Every write is immediately durable; a crash is modelled by making
// a chosen write fail, optionally after applying part of it, and rejecting
// every write after that until Recover is called.
type MemDevice struct {
	mu        sync.Mutex
	blocks    map[int64][]byte
	size      int64
	writes    int
	failAt    int
	torn      int
	crashed   bool
	readFails int
}

// NewMemDevice returns a zeroed device of the given number of blocks.
func NewMemDevice(blocks uint64) *MemDevice {
	return &MemDevice{
		blocks: make(map[int64][]byte),
		size:   int64(blocks) << format.BlockShift,
		failAt: -1,
	}
}

// TornPrefix is a torn write length that covers a block header and the
// first superblock fields but not the rest of the block.
const TornPrefix = 48

// CrashAfter lets n more writes succeed and fails the one after. The
// failing write leaves its first torn bytes on the device.
func (d *MemDevice) CrashAfter(n int, torn int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAt = d.writes + n
	d.torn = torn
}

// FailReads makes the next n reads return ErrInjected.
func (d *MemDevice) FailReads(n int) {
	d.mu.Lock()
	d.readFails = n
	d.mu.Unlock()
}

// Recover clears any pending or fired fault, as after a reboot.
func (d *MemDevice) Recover() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAt = -1
	d.crashed = false
	d.torn = 0
	d.readFails = 0
}

// Crashed reports whether an injected write fault has fired.
func (d *MemDevice) Crashed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.crashed
}

// Writes returns the number of successful writes so far.
func (d *MemDevice) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

// Corrupt flips a byte of a block on the device.
func (d *MemDevice) Corrupt(blkno uint64, off int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.block(int64(blkno))[off] ^= 0xff
}

// Block returns a copy of a block's current device contents.
func (d *MemDevice) Block(blkno uint64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.block(int64(blkno))...)
}

func (d *MemDevice) block(blkno int64) []byte {
	b, ok := d.blocks[blkno]
	if !ok {
		b = make([]byte, format.BlockSize)
		d.blocks[blkno] = b
	}
	return b
}

// span calls fn for each block touched by len bytes at off with the byte
// range inside that block and the matching range of the caller's buffer.
func span(off int64, n int, fn func(blkno int64, bs, be, ps int)) {
	for done := 0; done < n; {
		pos := off + int64(done)
		blkno := pos >> format.BlockShift
		bs := int(pos & (format.BlockSize - 1))
		be := bs + n - done
		if be > format.BlockSize {
			be = format.BlockSize
		}
		fn(blkno, bs, be, done)
		done += be - bs
	}
}

func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readFails > 0 {
		d.readFails--
		return 0, ErrInjected
	}
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, errors.Errorf("read past end of device at %d", off)
	}
	span(off, len(p), func(blkno int64, bs, be, ps int) {
		if b, ok := d.blocks[blkno]; ok {
			copy(p[ps:], b[bs:be])
		} else {
			clear(p[ps : ps+be-bs])
		}
	})
	return len(p), nil
}

func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.crashed {
		return 0, ErrInjected
	}
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, errors.Errorf("write past end of device at %d", off)
	}
	if d.failAt >= 0 && d.writes == d.failAt {
		d.crashed = true
		if d.torn > 0 {
			d.write(p[:min(d.torn, len(p))], off)
		}
		return 0, ErrInjected
	}
	d.writes++
	d.write(p, off)
	return len(p), nil
}

func (d *MemDevice) write(p []byte, off int64) {
	span(off, len(p), func(blkno int64, bs, be, ps int) {
		copy(d.block(blkno)[bs:be], p[ps:])
	})
}

func (d *MemDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.crashed {
		return ErrInjected
	}
	return nil
}

func (d *MemDevice) Close() error {
	return nil
}

func (d *MemDevice) Size() int64 {
	return d.size
}
