// Package engine mounts a scoutfs device and runs transactions against it.
//
// One transaction may be open at a time. It collects copy-on-write tree
// blocks and allocator changes in memory and commits them as a new
// generation: dirty blocks are written to freshly allocated locations, the
// allocator metadata to the inactive halves of its pairs, and finally the
// superblock to the inactive slot. Readers never wait for the writer; they
// walk the tree of the most recently committed generation.
package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/scoutfs/scoutfs/pkg/block"
	"github.com/scoutfs/scoutfs/pkg/btree"
	"github.com/scoutfs/scoutfs/pkg/buddy"
	"github.com/scoutfs/scoutfs/pkg/common/log"
	"github.com/scoutfs/scoutfs/pkg/config"
	"github.com/scoutfs/scoutfs/pkg/format"
	"github.com/scoutfs/scoutfs/pkg/stats"
	"github.com/scoutfs/scoutfs/pkg/super"
	"github.com/scoutfs/scoutfs/pkg/telemetry"
)

// Engine is a mounted filesystem.
type Engine struct {
	store *block.Store
	super *super.Manager
	alloc *buddy.Allocator

	maxTrans   int
	syncCommit bool

	// writer holds a token while a transaction is open
	writer chan struct{}
	snap   atomic.Pointer[snapshot]

	closed   atomic.Bool
	failed   atomic.Pointer[error]
	closeMu  sync.Mutex
	ownsTel  bool
	tel      telemetry.Telemetry
	metrics  EngineMetrics
	treeMet  btree.Metrics
	logger   log.Logger
	stats    stats.Collector
	openedAt time.Time
}

// snapshot is a committed generation.
type snapshot struct {
	sb   super.Superblock
	free uint64
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger log.Logger
	tel    telemetry.Telemetry
	stats  stats.Collector
}

// WithLogger sets the engine logger. By default one is built from the
// configured log level.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTelemetry sets the telemetry the engine and its components record
// through. By default it is built from the configuration and shut down by
// Close.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *options) { o.tel = tel }
}

// WithStats sets the statistics collector.
func WithStats(c stats.Collector) Option {
	return func(o *options) { o.stats = c }
}

// Open mounts the device named by cfg.DevicePath.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dev, err := block.OpenFile(cfg.DevicePath)
	if err != nil {
		return nil, err
	}
	e, err := OpenDevice(ctx, dev, cfg, opts...)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return e, nil
}

// OpenDevice mounts dev. Close closes dev.
func OpenDevice(ctx context.Context, dev block.Device, cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		maxTrans:   cfg.MaxTransBlocks,
		syncCommit: cfg.SyncOnCommit,
		writer:     make(chan struct{}, 1),
		logger:     o.logger,
		tel:        o.tel,
		stats:      o.stats,
		openedAt:   time.Now(),
	}
	if e.logger == nil {
		level, _ := log.ParseLevel(cfg.LogLevel)
		e.logger = log.NewStandardLogger(log.WithLevel(level))
	}
	e.logger = e.logger.WithField("component", "engine")
	if e.tel == nil {
		tel, err := telemetry.New(cfg.Telemetry)
		if err != nil {
			return nil, errors.Wrap(err, "create telemetry")
		}
		e.tel = tel
		e.ownsTel = true
	}
	if e.stats == nil {
		e.stats = stats.NewAtomicCollector()
	}
	e.metrics = NewEngineMetrics(e.tel)
	e.treeMet = btree.NewMetrics(e.tel)

	start := time.Now()
	err := e.mount(ctx, dev, cfg)
	e.metrics.RecordMount(ctx, time.Since(start), err)
	if err != nil {
		if e.ownsTel {
			e.tel.Shutdown(ctx)
		}
		return nil, err
	}
	return e, nil
}

func (e *Engine) mount(ctx context.Context, dev block.Device, cfg *config.Config) error {
	e.store = block.NewStore(dev,
		block.WithRetries(cfg.IORetries, cfg.IORetryDelay()),
		block.WithLogger(e.logger.WithField("component", "block")),
		block.WithMetrics(block.NewMetrics(e.tel)),
	)

	sm, err := super.Mount(ctx, e.store, cfg.ExpectedFSID,
		super.WithLogger(e.logger.WithField("component", "super")),
		super.WithMetrics(super.NewMetrics(e.tel)),
		super.WithStats(e.stats),
		super.WithSync(cfg.SyncOnCommit),
	)
	if err != nil {
		return errors.Wrap(err, "mount superblock")
	}
	e.super = sm
	sb := sm.Super()

	if sb.TotalBlocks > e.store.TotalBlocks() {
		return errors.Wrapf(block.ErrBlockCorrupt, "superblock claims %d blocks, device has %d",
			sb.TotalBlocks, e.store.TotalBlocks())
	}
	if sb.Root.Height > format.BTreeMaxDepth {
		return errors.Wrapf(block.ErrBlockCorrupt, "btree root height %d", sb.Root.Height)
	}
	layout, err := buddy.NewLayout(sb.TotalBlocks)
	if err != nil {
		return err
	}
	if layout.Leaves != int(sb.BuddyBlocks) {
		return errors.Wrapf(buddy.ErrInconsistent, "superblock has %d buddy leaves, layout needs %d",
			sb.BuddyBlocks, layout.Leaves)
	}

	e.alloc, err = buddy.Open(ctx, e.store, layout, buddy.Roots{Indirect: sb.BuddyInd, Bitmap: sb.BuddyBM},
		buddy.WithLogger(e.logger.WithField("component", "buddy")),
		buddy.WithMetrics(buddy.NewMetrics(e.tel)),
		buddy.WithStats(e.stats),
	)
	if err != nil {
		return errors.Wrap(err, "open buddy allocator")
	}

	e.snap.Store(&snapshot{sb: sb, free: e.alloc.FreeBlocks()})
	e.logger.WithFields(map[string]interface{}{
		"seq":         sb.Seq,
		"fsid":        sb.FSID,
		"free_blocks": e.alloc.FreeBlocks(),
	}).Info("mounted")
	return nil
}

func (e *Engine) usable() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if p := e.failed.Load(); p != nil {
		return errors.Wrap(ErrEngineFailed, (*p).Error())
	}
	return nil
}

func (e *Engine) fail(err error) {
	e.failed.CompareAndSwap(nil, &err)
	e.logger.Error("commit failed with unknown on-disk state: %v", err)
}

// Begin opens the transaction, waiting for the open one to finish. The
// wait is abandoned if ctx is done.
func (e *Engine) Begin(ctx context.Context) (*Tx, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	select {
	case e.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := e.usable(); err != nil {
		<-e.writer
		return nil, err
	}

	tx := &Tx{e: e}
	tx.start()
	e.stats.TrackOperation(stats.OpTxBegin)
	return tx, nil
}

func (e *Engine) release() {
	<-e.writer
}

// Update runs fn in a transaction and commits it if fn returns nil. The
// transaction commits early whenever it fills, so fn's changes are only
// atomic if they fit in one transaction.
func (e *Engine) Update(ctx context.Context, fn func(*Tx) error) error {
	tx, err := e.Begin(ctx)
	if err != nil {
		return err
	}
	tx.autoCommit = true

	if err := fn(tx); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit(ctx)
}

// View runs fn against the most recently committed generation.
func (e *Engine) View(ctx context.Context, fn func(*Snapshot) error) error {
	if err := e.usable(); err != nil {
		return err
	}
	return fn(e.snapshot())
}

// Snapshot returns a read-only view of the most recently committed
// generation. Blocks it references may be reused once two more
// generations commit, after which reads fail with block.ErrBlockStale.
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot()
}

func (e *Engine) snapshot() *Snapshot {
	s := e.snap.Load()
	return &Snapshot{
		e:    e,
		sb:   s.sb,
		free: s.free,
		tree: btree.New(storeSource{e.store}, s.sb.Root,
			btree.WithLogger(e.logger),
			btree.WithMetrics(e.treeMet),
			btree.WithStats(e.stats),
		),
	}
}

// read runs fn on the current snapshot. A stale block means a commit
// reused a block of the snapshot while fn walked it; fn is run once more
// on the newest snapshot.
func (e *Engine) read(ctx context.Context, op string, fn func(*Snapshot) error) error {
	if err := e.usable(); err != nil {
		return err
	}
	start := time.Now()
	err := fn(e.snapshot())
	if errors.Is(err, block.ErrBlockStale) {
		e.logger.Debug("retrying %s after stale block: %v", op, err)
		err = fn(e.snapshot())
		e.metrics.RecordStaleRetry(ctx, !errors.Is(err, block.ErrBlockStale))
	}
	if err != nil && !errors.Is(err, btree.ErrNotFound) {
		e.stats.TrackError("engine_" + op)
	}
	e.metrics.RecordEngineOperation(ctx, op, time.Since(start), err)
	return err
}

// Lookup returns the committed value at key.
func (e *Engine) Lookup(ctx context.Context, key format.Key) ([]byte, error) {
	var val []byte
	err := e.read(ctx, telemetry.OpTypeLookup, func(s *Snapshot) error {
		var err error
		val, err = s.Lookup(ctx, key)
		return err
	})
	return val, err
}

// Next returns the first committed item at or after key.
func (e *Engine) Next(ctx context.Context, key format.Key) (btree.Item, error) {
	var it btree.Item
	err := e.read(ctx, telemetry.OpTypeNext, func(s *Snapshot) error {
		var err error
		it, err = s.Next(ctx, key)
		return err
	})
	return it, err
}

// Prev returns the last committed item at or before key.
func (e *Engine) Prev(ctx context.Context, key format.Key) (btree.Item, error) {
	var it btree.Item
	err := e.read(ctx, "prev", func(s *Snapshot) error {
		var err error
		it, err = s.Prev(ctx, key)
		return err
	})
	return it, err
}

// ReadData reads a data block. Data blocks carry no header; their
// integrity is checked by the caller against the checksum it stored.
func (e *Engine) ReadData(ctx context.Context, blkno uint64) ([]byte, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	return e.store.ReadRaw(ctx, blkno)
}

// Super returns the committed superblock.
func (e *Engine) Super() super.Superblock {
	return e.snap.Load().sb
}

// Layout returns the allocator geometry of the device.
func (e *Engine) Layout() buddy.Layout {
	return e.alloc.Layout()
}

// FreeBlocks returns the number of free blocks in the committed generation.
func (e *Engine) FreeBlocks() uint64 {
	return e.snap.Load().free
}

// CheckResult summarises a successful Check.
type CheckResult struct {
	Tree       btree.Summary
	FreeBlocks uint64
	Totals     [format.BuddyOrders]uint64
}

// Check verifies the committed generation: the tree structure, the
// allocator's counts and bitmaps, and that no tree block is also free. It
// waits for the open transaction to finish.
func (e *Engine) Check(ctx context.Context) (CheckResult, error) {
	var res CheckResult
	if err := e.usable(); err != nil {
		return res, err
	}
	select {
	case e.writer <- struct{}{}:
	case <-ctx.Done():
		return res, ctx.Err()
	}
	defer e.release()

	sum, err := e.snapshot().tree.Check(ctx)
	if err != nil {
		return res, errors.Wrap(err, "btree")
	}
	if err := e.alloc.Check(ctx); err != nil {
		return res, errors.Wrap(err, "buddy")
	}

	refs := append([]format.BlockRef(nil), sum.Refs...)
	sort.Slice(refs, func(i, j int) bool { return refs[i].Blkno < refs[j].Blkno })
	for i, ref := range refs {
		if i > 0 && refs[i-1].Blkno == ref.Blkno {
			return res, errors.Wrapf(block.ErrBlockCorrupt, "btree block %d referenced twice", ref.Blkno)
		}
		free, err := e.alloc.IsFree(ctx, ref.Blkno)
		if err != nil {
			return res, err
		}
		if free {
			return res, errors.Wrapf(buddy.ErrInconsistent, "btree block %d is free", ref.Blkno)
		}
	}

	res.Tree = sum
	res.FreeBlocks = e.alloc.FreeBlocks()
	res.Totals = e.alloc.Totals()
	return res, nil
}

// GetStats returns engine statistics.
func (e *Engine) GetStats() map[string]interface{} {
	out := e.stats.GetStats()
	s := e.snap.Load()
	out["seq"] = s.sb.Seq
	out["next_ino"] = s.sb.NextIno
	out["total_blocks"] = s.sb.TotalBlocks
	out["free_blocks"] = s.free
	out["btree_height"] = s.sb.Root.Height
	out["super_slot"] = e.super.Slot()
	out["uptime_seconds"] = int64(time.Since(e.openedAt).Seconds())
	return out
}

// Close waits for the open transaction, then closes the device. Close is
// idempotent.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed.Load() {
		return nil
	}

	e.writer <- struct{}{}
	e.closed.Store(true)
	<-e.writer

	err := e.store.Close()
	if e.ownsTel {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if terr := e.tel.Shutdown(ctx); terr != nil && err == nil {
			err = terr
		}
	}
	e.logger.Info("closed")
	return err
}

// storeSource reads committed tree blocks straight from the store.
type storeSource struct {
	store *block.Store
}

func (s storeSource) Read(ctx context.Context, ref format.BlockRef) ([]byte, error) {
	return s.store.ReadRef(ctx, ref)
}
