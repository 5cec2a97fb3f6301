// Package offline manages file data that has been moved out of the
// filesystem by an archiving tool.
//
// Each inode's logical blocks are described by block map items of
// format.BlockMapCount entries. Releasing a range frees its backing
// blocks and marks the entries offline; reads of offline blocks wait until
// the archiver stages the data back or reports that it can't. The inode's
// data version, bumped by every data-modifying write, guards release and
// stage against content that changed after the archiver looked at it.
package offline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/scoutfs/scoutfs/pkg/block"
	"github.com/scoutfs/scoutfs/pkg/btree"
	"github.com/scoutfs/scoutfs/pkg/common/log"
	"github.com/scoutfs/scoutfs/pkg/engine"
	"github.com/scoutfs/scoutfs/pkg/format"
	"github.com/scoutfs/scoutfs/pkg/stats"
)

var (
	// ErrVersionMismatch means the inode's data changed since the caller
	// read its data version.
	ErrVersionMismatch = errors.New("data version mismatch")
	// ErrNotOffline means a stage covered a block that wasn't released.
	ErrNotOffline = errors.New("block is not offline")
	// ErrInvalidErrno means a stage error code outside [-MaxErrno, -1].
	ErrInvalidErrno = errors.New("invalid errno")
	// ErrUnaligned means a byte offset that isn't block aligned.
	ErrUnaligned = errors.New("offset not block aligned")
	// ErrInvalidRange means an empty or overflowing block range.
	ErrInvalidRange = errors.New("invalid block range")
)

// MaxErrno is the largest error number a stage error may carry.
const MaxErrno = 4095

// StageError is returned to readers of blocks the archiver failed to stage.
type StageError struct {
	Ino   uint64
	Start uint64
	End   uint64
	Errno int
}

func (e *StageError) Error() string {
	return fmt.Sprintf("staging inode %d blocks %d-%d failed with errno %d", e.Ino, e.Start, e.End, e.Errno)
}

type waiter struct {
	blk uint64
	ch  chan error
}

// Manager runs offline data operations against a mounted engine.
type Manager struct {
	e *engine.Engine

	mu      sync.Mutex
	waiters map[uint64]map[*waiter]struct{}

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

// New returns a manager for e.
func New(e *engine.Engine, opts ...Option) *Manager {
	m := &Manager{
		e:       e,
		waiters: make(map[uint64]map[*waiter]struct{}),
		logger:  log.GetDefaultLogger().WithField("component", "offline"),
		metrics: NewNoopMetrics(),
		stats:   stats.NewAtomicCollector(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) done(ctx context.Context, op stats.OperationType, blocks int, start time.Time, err error) {
	m.metrics.RecordOp(ctx, string(op), blocks, time.Since(start), err)
	if err != nil {
		m.stats.TrackError("offline_" + string(op))
		return
	}
	m.stats.TrackOperationWithLatency(op, uint64(time.Since(start).Nanoseconds()))
}

// update runs fn in a transaction without early commits; fn places its
// own checkpoints.
func (m *Manager) update(ctx context.Context, fn func(*engine.Tx) error) error {
	tx, err := m.e.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit(ctx)
}

type itemReader interface {
	Lookup(ctx context.Context, key format.Key) ([]byte, error)
}

func readVersion(ctx context.Context, r itemReader, ino uint64) (uint64, error) {
	v, err := r.Lookup(ctx, versionKey(ino))
	if errors.Is(err, btree.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeVersion(v)
}

func readBmap(ctx context.Context, r itemReader, ino, blk uint64) (bmap, error) {
	v, err := r.Lookup(ctx, bmapKey(ino, blk))
	if errors.Is(err, btree.ErrNotFound) {
		return bmap{}, nil
	}
	if err != nil {
		return bmap{}, err
	}
	return decodeBmap(v)
}

func checkVersion(ctx context.Context, tx *engine.Tx, ino, vers uint64) error {
	cur, err := readVersion(ctx, tx, ino)
	if err != nil {
		return err
	}
	if cur != vers {
		return errors.Wrapf(ErrVersionMismatch, "inode %d is at data version %d, not %d", ino, cur, vers)
	}
	return nil
}

func checkRange(blk, count uint64) error {
	if count == 0 || blk+count < blk {
		return errors.Wrapf(ErrInvalidRange, "%d blocks at %d", count, blk)
	}
	return nil
}

// DataVersion returns the committed data version of ino. Inodes that have
// never been written are at version zero.
func (m *Manager) DataVersion(ctx context.Context, ino uint64) (uint64, error) {
	return readVersion(ctx, m.e, ino)
}

// BlockMap returns the committed map entry of logical block blk of ino.
func (m *Manager) BlockMap(ctx context.Context, ino, blk uint64) (Entry, error) {
	bm, err := readBmap(ctx, m.e, ino, blk)
	if err != nil {
		return Entry{}, err
	}
	return bm[blk%format.BlockMapCount], nil
}

// Write stores data as logical block blk of ino and bumps the data
// version, which it returns.
func (m *Manager) Write(ctx context.Context, ino, blk uint64, data []byte) (vers uint64, err error) {
	start := time.Now()
	defer func() { m.metrics.RecordOp(ctx, "write", 1, time.Since(start), err) }()

	if len(data) > format.BlockSize {
		return 0, errors.Wrapf(ErrInvalidRange, "write of %d bytes", len(data))
	}
	err = m.update(ctx, func(tx *engine.Tx) error {
		bm, err := readBmap(ctx, tx, ino, blk)
		if err != nil {
			return err
		}
		ent := &bm[blk%format.BlockMapCount]

		blkno, sum, err := m.writeBlock(ctx, tx, data)
		if err != nil {
			return err
		}
		if ent.State == Online {
			if err := tx.FreeData(ctx, ent.Blkno, 0); err != nil {
				return err
			}
		}
		*ent = Entry{Blkno: blkno, Checksum: sum, State: Online}
		if err := tx.Insert(ctx, bmapKey(ino, blk), bm.encode()); err != nil {
			return err
		}

		cur, err := readVersion(ctx, tx, ino)
		if err != nil {
			return err
		}
		vers = cur + 1
		if err := tx.Insert(ctx, versionKey(ino), encodeVersion(vers)); err != nil {
			return err
		}
		tx.OnCommit(func() { m.wake(ino, blk, blk, nil) })
		return nil
	})
	return vers, err
}

// writeBlock allocates a data block and writes data to it, zero padded.
func (m *Manager) writeBlock(ctx context.Context, tx *engine.Tx, data []byte) (uint64, uint64, error) {
	blkno, err := tx.AllocData(ctx, 0)
	if err != nil {
		return 0, 0, err
	}
	buf := make([]byte, format.BlockSize)
	copy(buf, data)
	if err := tx.WriteData(ctx, blkno, buf); err != nil {
		return 0, 0, err
	}
	return blkno, xxhash.Sum64(buf), nil
}

// Release frees the backing blocks of count logical blocks of ino starting
// at blk and marks them offline. Holes stay holes. vers must be the
// inode's current data version.
func (m *Manager) Release(ctx context.Context, ino, blk, count, vers uint64) (err error) {
	start := time.Now()
	released := 0
	defer func() { m.done(ctx, stats.OpRelease, released, start, err) }()

	if err := checkRange(blk, count); err != nil {
		return err
	}
	err = m.update(ctx, func(tx *engine.Tx) error {
		if err := checkVersion(ctx, tx, ino, vers); err != nil {
			return err
		}
		end := blk + count
		for cur := blk; cur < end; {
			if err := tx.Checkpoint(ctx); err != nil {
				return err
			}
			bm, err := readBmap(ctx, tx, ino, cur)
			if err != nil {
				return err
			}
			changed := false
			for ; cur < end; cur++ {
				ent := &bm[cur%format.BlockMapCount]
				if ent.State == Online {
					if err := tx.FreeData(ctx, ent.Blkno, 0); err != nil {
						return err
					}
					*ent = Entry{State: Offline}
					changed = true
					released++
				}
				if cur%format.BlockMapCount == format.BlockMapCount-1 {
					cur++
					break
				}
			}
			if changed {
				if err := tx.Insert(ctx, bmapKey(ino, cur-1), bm.encode()); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err == nil {
		m.logger.WithFields(map[string]interface{}{
			"ino":      ino,
			"block":    blk,
			"count":    count,
			"released": released,
		}).Debug("released")
	}
	return err
}

// Stage writes data back into released blocks of ino starting at byte
// offset off and brings them online, waking readers once the blocks are
// committed. off must be block aligned; data may end in a partial block,
// which is zero padded. Every block covered must be offline and vers must
// be the inode's current data version.
func (m *Manager) Stage(ctx context.Context, ino, vers, off uint64, data []byte) (err error) {
	start := time.Now()
	staged := 0
	defer func() { m.done(ctx, stats.OpStage, staged, start, err) }()

	if off%format.BlockSize != 0 {
		return errors.Wrapf(ErrUnaligned, "stage at byte %d", off)
	}
	first := off >> format.BlockShift
	count := (uint64(len(data)) + format.BlockSize - 1) >> format.BlockShift
	if err := checkRange(first, count); err != nil {
		return err
	}
	last := first + count - 1

	err = m.update(ctx, func(tx *engine.Tx) error {
		if err := checkVersion(ctx, tx, ino, vers); err != nil {
			return err
		}
		for blk := first; blk <= last; blk++ {
			bm, err := readBmap(ctx, tx, ino, blk)
			if err != nil {
				return err
			}
			if st := bm[blk%format.BlockMapCount].State; st != Offline {
				return errors.Wrapf(ErrNotOffline, "inode %d block %d is %s", ino, blk, st)
			}
		}

		for blk := first; blk <= last; {
			if err := tx.Checkpoint(ctx); err != nil {
				return err
			}
			bm, err := readBmap(ctx, tx, ino, blk)
			if err != nil {
				return err
			}
			for ; blk <= last; blk++ {
				pos := (blk - first) << format.BlockShift
				chunk := data[pos:min(pos+format.BlockSize, uint64(len(data)))]
				blkno, sum, err := m.writeBlock(ctx, tx, chunk)
				if err != nil {
					return err
				}
				bm[blk%format.BlockMapCount] = Entry{Blkno: blkno, Checksum: sum, State: Online}
				staged++
				if blk%format.BlockMapCount == format.BlockMapCount-1 {
					blk++
					break
				}
			}
			if err := tx.Insert(ctx, bmapKey(ino, blk-1), bm.encode()); err != nil {
				return err
			}
		}
		tx.OnCommit(func() { m.wake(ino, first, last, nil) })
		return nil
	})
	if err == nil {
		m.logger.WithFields(map[string]interface{}{
			"ino":   ino,
			"block": first,
			"count": count,
		}).Debug("staged")
	}
	return err
}

// StageErr fails the reads waiting on blocks start through end of ino
// with a StageError carrying errno, which must be in [-MaxErrno, -1]. It
// returns the number of readers woken. Nothing is written; vers must still
// match the inode's committed data version.
func (m *Manager) StageErr(ctx context.Context, ino, vers, start, end uint64, errno int) (woken int, err error) {
	began := time.Now()
	defer func() { m.done(ctx, stats.OpStageErr, woken, began, err) }()

	if errno < -MaxErrno || errno > -1 {
		return 0, errors.Wrapf(ErrInvalidErrno, "%d", errno)
	}
	if end < start {
		return 0, errors.Wrapf(ErrInvalidRange, "blocks %d-%d", start, end)
	}
	cur, err := m.DataVersion(ctx, ino)
	if err != nil {
		return 0, err
	}
	if cur != vers {
		return 0, errors.Wrapf(ErrVersionMismatch, "inode %d is at data version %d, not %d", ino, cur, vers)
	}

	woken = m.wake(ino, start, end, &StageError{Ino: ino, Start: start, End: end, Errno: errno})
	m.logger.WithFields(map[string]interface{}{
		"ino":   ino,
		"start": start,
		"end":   end,
		"errno": errno,
		"woken": woken,
	}).Info("stage error")
	return woken, nil
}

// Read returns logical block blk of ino. Holes read as zeros. Reads of
// offline blocks wait until the block is staged, a stage error covers it,
// or ctx is done.
func (m *Manager) Read(ctx context.Context, ino, blk uint64) ([]byte, error) {
	for {
		w := m.addWaiter(ino, blk)
		ent, err := m.BlockMap(ctx, ino, blk)
		if err != nil {
			m.removeWaiter(ino, w)
			return nil, err
		}

		if ent.State != Offline {
			m.removeWaiter(ino, w)
			data, retry, err := m.readEntry(ctx, ino, blk, ent)
			if retry {
				continue
			}
			return data, err
		}

		start := time.Now()
		select {
		case err := <-w.ch:
			if err != nil {
				m.metrics.RecordWait(ctx, time.Since(start), "error")
				return nil, err
			}
			m.metrics.RecordWait(ctx, time.Since(start), "staged")
		case <-ctx.Done():
			m.removeWaiter(ino, w)
			m.metrics.RecordWait(ctx, time.Since(start), "canceled")
			return nil, ctx.Err()
		}
	}
}

// readEntry reads the data of a hole or online entry. retry is set if the
// block changed under the read.
func (m *Manager) readEntry(ctx context.Context, ino, blk uint64, ent Entry) (data []byte, retry bool, err error) {
	if ent.State == Hole {
		return make([]byte, format.BlockSize), false, nil
	}
	data, err = m.e.ReadData(ctx, ent.Blkno)
	if err != nil {
		return nil, false, err
	}
	if xxhash.Sum64(data) == ent.Checksum {
		m.stats.TrackBytes(false, uint64(len(data)))
		return data, false, nil
	}

	now, err := m.BlockMap(ctx, ino, blk)
	if err != nil {
		return nil, false, err
	}
	if now != ent {
		return nil, true, nil
	}
	m.stats.TrackError("offline_data_checksum")
	return nil, false, errors.Wrapf(block.ErrBlockCorrupt, "inode %d block %d data blkno %d checksum", ino, blk, ent.Blkno)
}

func (m *Manager) addWaiter(ino, blk uint64) *waiter {
	w := &waiter{blk: blk, ch: make(chan error, 1)}
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.waiters[ino]
	if !ok {
		ws = make(map[*waiter]struct{})
		m.waiters[ino] = ws
	}
	ws[w] = struct{}{}
	return w
}

func (m *Manager) removeWaiter(ino uint64, w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.waiters[ino]; ok {
		delete(ws, w)
		if len(ws) == 0 {
			delete(m.waiters, ino)
		}
	}
}

// wake sends err to every waiter on blocks first through last of ino and
// returns how many there were.
func (m *Manager) wake(ino, first, last uint64, err error) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for w := range m.waiters[ino] {
		if w.blk < first || w.blk > last {
			continue
		}
		w.ch <- err
		delete(m.waiters[ino], w)
		n++
	}
	if len(m.waiters[ino]) == 0 {
		delete(m.waiters, ino)
	}
	return n
}

// Waiting returns the number of reads waiting on blocks of ino.
func (m *Manager) Waiting(ino uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters[ino])
}
