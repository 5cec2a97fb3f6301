// Package super manages the two redundant superblock slots.
//
// A commit always writes the slot that isn't currently authoritative and
// only then makes it current, so a torn superblock write leaves the
// previous generation to be found by the next mount.
package super

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/scoutfs/scoutfs/pkg/block"
	"github.com/scoutfs/scoutfs/pkg/common/log"
	"github.com/scoutfs/scoutfs/pkg/format"
	"github.com/scoutfs/scoutfs/pkg/stats"
)

var (
	// ErrNoValidSuper means neither slot held a usable superblock.
	ErrNoValidSuper = errors.New("no valid superblock")
	// ErrSeqRegress means a commit didn't advance the sequence number.
	ErrSeqRegress = errors.New("superblock sequence did not advance")
)

const (
	idOff          = format.HeaderSize
	uuidOff        = idOff + 8
	nextInoOff     = uuidOff + format.UUIDBytes
	totalBlocksOff = nextInoOff + 8
	buddyBlocksOff = totalBlocksOff + 8
	rootOff        = buddyBlocksOff + 4
	buddyIndOff    = rootOff + format.RootSize
	buddyBMOff     = buddyIndOff + format.RefSize

	// Size is the number of bytes of a superblock that carry fields.
	Size = buddyBMOff + format.RefSize
)

// Superblock is the root of a committed generation.
type Superblock struct {
	// Seq and FSID live in the block header.
	Seq  uint64
	FSID uint64

	ID          uint64
	UUID        uuid.UUID
	NextIno     uint64
	TotalBlocks uint64
	// BuddyBlocks is the number of buddy leaf blocks.
	BuddyBlocks uint32
	Root        format.BTreeRoot
	BuddyInd    format.BlockRef
	BuddyBM     format.BlockRef
}

// Encode writes the superblock fields after the block header.
func (s *Superblock) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b[idOff:], s.ID)
	copy(b[uuidOff:uuidOff+format.UUIDBytes], s.UUID[:])
	binary.LittleEndian.PutUint64(b[nextInoOff:], s.NextIno)
	binary.LittleEndian.PutUint64(b[totalBlocksOff:], s.TotalBlocks)
	binary.LittleEndian.PutUint32(b[buddyBlocksOff:], s.BuddyBlocks)
	s.Root.Encode(b[rootOff:])
	s.BuddyInd.Encode(b[buddyIndOff:])
	s.BuddyBM.Encode(b[buddyBMOff:])
}

// Decode parses a verified superblock.
func Decode(b []byte) Superblock {
	hdr := format.DecodeHeader(b)
	s := Superblock{
		Seq:         hdr.Seq,
		FSID:        hdr.Fsid,
		ID:          binary.LittleEndian.Uint64(b[idOff:]),
		NextIno:     binary.LittleEndian.Uint64(b[nextInoOff:]),
		TotalBlocks: binary.LittleEndian.Uint64(b[totalBlocksOff:]),
		BuddyBlocks: binary.LittleEndian.Uint32(b[buddyBlocksOff:]),
		Root:        format.DecodeRoot(b[rootOff:]),
		BuddyInd:    format.DecodeRef(b[buddyIndOff:]),
		BuddyBM:     format.DecodeRef(b[buddyBMOff:]),
	}
	copy(s.UUID[:], b[uuidOff:uuidOff+format.UUIDBytes])
	return s
}

func slotBlkno(slot int) uint64 {
	return uint64(format.SuperBlkno + slot)
}

// Manager tracks the authoritative superblock slot.
type Manager struct {
	store *block.Store
	sync  bool

	mu   sync.RWMutex
	cur  Superblock
	slot int

	logger  log.Logger
	metrics Metrics
	stats   stats.Collector
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the manager metrics.
func WithMetrics(mt Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithStats sets the statistics collector.
func WithStats(c stats.Collector) Option {
	return func(m *Manager) { m.stats = c }
}

// WithSync controls whether Commit syncs the device after writing the
// superblock. It defaults to true.
func WithSync(on bool) Option {
	return func(m *Manager) { m.sync = on }
}

func newManager(store *block.Store, opts []Option) *Manager {
	m := &Manager{
		store:   store,
		sync:    true,
		logger:  log.GetDefaultLogger().WithField("component", "super"),
		metrics: NewNoopMetrics(),
		stats:   stats.NewAtomicCollector(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Format writes sb to slot 0 and clears slot 1. The store's fsid must
// already be set to sb.FSID.
func Format(ctx context.Context, store *block.Store, sb Superblock) error {
	sb.ID = format.SuperID
	buf := make([]byte, format.BlockSize)
	sb.Encode(buf)
	if err := store.Write(ctx, slotBlkno(0), buf, sb.Seq); err != nil {
		return errors.Wrap(err, "write superblock slot 0")
	}
	if err := store.WriteRaw(ctx, slotBlkno(1), make([]byte, format.BlockSize)); err != nil {
		return errors.Wrap(err, "clear superblock slot 1")
	}
	return store.Sync(ctx)
}

// Mount reads both slots and makes the valid one with the highest sequence
// number current. A non-zero fsid rejects superblocks of other
// filesystems. The store's fsid is set from the chosen superblock.
func Mount(ctx context.Context, store *block.Store, fsid uint64, opts ...Option) (*Manager, error) {
	m := newManager(store, opts)
	start := m.stats.StartMount()

	best := -1
	var lastErr error
	for slot := 0; slot < format.SuperNR; slot++ {
		sb, err := m.readSlot(ctx, slot, fsid)
		if err != nil {
			m.logger.WithField("slot", slot).Warn("ignoring superblock: %v", err)
			lastErr = err
			continue
		}
		if best < 0 || sb.Seq > m.cur.Seq {
			best = slot
			m.cur = sb
		}
	}
	if best < 0 {
		return nil, errors.Wrapf(ErrNoValidSuper, "last error: %v", lastErr)
	}

	m.slot = best
	store.SetFSID(m.cur.FSID)
	m.stats.FinishMount(start, best, m.cur.Seq)
	m.metrics.RecordMount(ctx, best, time.Since(start))
	m.logger.WithFields(map[string]interface{}{
		"slot": best,
		"seq":  m.cur.Seq,
		"fsid": m.cur.FSID,
	}).Info("mounted superblock")
	return m, nil
}

func (m *Manager) readSlot(ctx context.Context, slot int, fsid uint64) (Superblock, error) {
	blkno := slotBlkno(slot)
	buf, err := m.store.ReadRaw(ctx, blkno)
	if err != nil {
		return Superblock{}, err
	}
	if err := block.Verify(buf, blkno, fsid, 0).Err(blkno); err != nil {
		return Superblock{}, err
	}
	sb := Decode(buf)
	if sb.ID != format.SuperID {
		return Superblock{}, errors.Wrapf(block.ErrBlockCorrupt, "superblock id %#x", sb.ID)
	}
	return sb, nil
}

// Super returns the current superblock.
func (m *Manager) Super() Superblock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Slot returns the index of the authoritative slot.
func (m *Manager) Slot() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slot
}

// Commit writes next to the inactive slot and makes it authoritative once
// it is durable. On error the current superblock is unchanged.
func (m *Manager) Commit(ctx context.Context, next Superblock) (err error) {
	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	other := 1 - m.slot
	defer func() { m.metrics.RecordCommit(ctx, other, time.Since(start), err) }()

	if next.Seq <= m.cur.Seq {
		return errors.Wrapf(ErrSeqRegress, "seq %d after %d", next.Seq, m.cur.Seq)
	}
	next.ID = format.SuperID
	next.FSID = m.store.FSID()

	buf := make([]byte, format.BlockSize)
	next.Encode(buf)
	if err := m.store.Write(ctx, slotBlkno(other), buf, next.Seq); err != nil {
		return errors.Wrapf(err, "write superblock slot %d", other)
	}
	if m.sync {
		if err := m.store.Sync(ctx); err != nil {
			return err
		}
	}

	m.cur = next
	m.slot = other
	m.logger.WithFields(map[string]interface{}{"slot": other, "seq": next.Seq}).Debug("committed superblock")
	return nil
}
