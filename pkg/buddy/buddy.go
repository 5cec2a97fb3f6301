// Package buddy implements the two level buddy allocator that tracks free
// blocks across the device.
//
// Leaf bitmap blocks track free runs of 2^order blocks for a fixed range of
// the device. A single indirect block summarizes, per leaf, which orders
// have free runs and keeps free totals per order. Alloc scans the indirect
// slots first-fit and splits larger runs down to the requested order; Free
// coalesces a run with its buddy as far up as possible.
//
// Allocator metadata is not allocated from itself. Each metadata block has
// a fixed pair of block locations and a transaction writes its changes to
// the half of the pair that isn't referenced by the committed generation.
// A bitmap block, itself stored in a pair, records the current half of
// every pair.
package buddy

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/scoutfs/scoutfs/pkg/block"
	"github.com/scoutfs/scoutfs/pkg/common/log"
	"github.com/scoutfs/scoutfs/pkg/format"
	"github.com/scoutfs/scoutfs/pkg/stats"
)

var (
	// ErrNoSpace means no free run of the requested order exists.
	ErrNoSpace = errors.New("no space")
	// ErrInvalidOrder means an order outside 0 through TopOrder.
	ErrInvalidOrder = errors.New("invalid buddy order")
	// ErrInvalidFree means a free of a run that isn't currently allocated.
	ErrInvalidFree = errors.New("invalid buddy free")
	// ErrInconsistent means allocator metadata disagrees with itself.
	ErrInconsistent = errors.New("buddy metadata inconsistent")
)

// Roots are the superblock references to the allocator metadata.
type Roots struct {
	Indirect format.BlockRef
	Bitmap   format.BlockRef
}

// Allocator manages free space. It is not safe for concurrent use; the
// single open transaction owns it.
type Allocator struct {
	store  *block.Store
	layout Layout

	// committed generation
	roots  Roots
	bm     bmBlock
	ind    indBlock
	leaves map[int]leafBlock

	// open transaction
	seq     uint64
	dbm     bmBlock
	dind    indBlock
	dleaves map[int]leafBlock

	logger  log.Logger
	metrics Metrics
	stats   stats.Collector
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the allocator logger.
func WithLogger(l log.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

// WithMetrics sets the allocator metrics.
func WithMetrics(m Metrics) Option {
	return func(a *Allocator) { a.metrics = m }
}

// WithStats sets the statistics collector.
func WithStats(c stats.Collector) Option {
	return func(a *Allocator) { a.stats = c }
}

// Format writes initial allocator metadata with every managed block free
// and returns the references for the superblock.
func Format(ctx context.Context, store *block.Store, layout Layout, seq uint64) (Roots, error) {
	ind := indBlock(make([]byte, format.BlockSize))
	for s := 0; s < layout.Leaves; s++ {
		lf := leafBlock(make([]byte, format.BlockSize))
		initLeaf(lf, layout.LeafBlocks(s))
		blkno := leafBlkno(s, 0)
		if err := store.Write(ctx, blkno, lf, seq); err != nil {
			return Roots{}, errors.Wrapf(err, "write buddy leaf %d", s)
		}
		for k := 0; k < format.BuddyOrders; k++ {
			ind.addTotal(k, int64(lf.count(k)))
		}
		ind.setSlot(s, lf.freeOrders(), format.BlockRef{Blkno: blkno, Seq: seq})
	}

	roots := Roots{
		Indirect: format.BlockRef{Blkno: format.BuddyIndBlkno, Seq: seq},
		Bitmap:   format.BlockRef{Blkno: format.BuddyBMBlkno, Seq: seq},
	}
	if err := store.Write(ctx, roots.Indirect.Blkno, ind, seq); err != nil {
		return Roots{}, errors.Wrap(err, "write buddy indirect")
	}
	bm := make([]byte, format.BlockSize)
	if err := store.Write(ctx, roots.Bitmap.Blkno, bm, seq); err != nil {
		return Roots{}, errors.Wrap(err, "write buddy bitmap")
	}
	return roots, nil
}

// Open loads the committed allocator metadata named by roots.
func Open(ctx context.Context, store *block.Store, layout Layout, roots Roots, opts ...Option) (*Allocator, error) {
	a := &Allocator{
		store:   store,
		layout:  layout,
		leaves:  make(map[int]leafBlock),
		dleaves: make(map[int]leafBlock),
		logger:  log.GetDefaultLogger().WithField("component", "buddy"),
		metrics: NewNoopMetrics(),
		stats:   stats.NewAtomicCollector(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if roots.Bitmap.Blkno != format.BuddyBMBlkno && roots.Bitmap.Blkno != format.BuddyBMBlkno+1 {
		return nil, errors.Wrapf(ErrInconsistent, "bitmap ref blkno %d", roots.Bitmap.Blkno)
	}
	bm, err := store.ReadRef(ctx, roots.Bitmap)
	if err != nil {
		return nil, errors.Wrap(err, "read buddy bitmap")
	}
	a.bm = bm

	if want := uint64(format.BuddyIndBlkno + a.bm.half(0)); roots.Indirect.Blkno != want {
		return nil, errors.Wrapf(ErrInconsistent, "indirect ref blkno %d, bitmap says %d", roots.Indirect.Blkno, want)
	}
	ind, err := store.ReadRef(ctx, roots.Indirect)
	if err != nil {
		return nil, errors.Wrap(err, "read buddy indirect")
	}
	a.ind = ind
	a.roots = roots
	return a, nil
}

// Layout returns the allocator geometry.
func (a *Allocator) Layout() Layout {
	return a.layout
}

// Roots returns the committed metadata references.
func (a *Allocator) Roots() Roots {
	return a.roots
}

// Begin starts tracking changes for a transaction that will commit with seq.
func (a *Allocator) Begin(seq uint64) {
	a.Abort()
	a.seq = seq
}

func (a *Allocator) curInd() indBlock {
	if a.dind != nil {
		return a.dind
	}
	return a.ind
}

func (a *Allocator) curBM() bmBlock {
	if a.dbm != nil {
		return a.dbm
	}
	return a.bm
}

func (a *Allocator) dirtyBM() bmBlock {
	if a.dbm == nil {
		a.dbm = append(bmBlock(nil), a.bm...)
	}
	return a.dbm
}

func (a *Allocator) dirtyInd() indBlock {
	if a.dind == nil {
		a.dind = append(indBlock(nil), a.ind...)
		a.dirtyBM().flip(0)
	}
	return a.dind
}

// leaf returns the current contents of leaf s, dirty or committed.
func (a *Allocator) leaf(ctx context.Context, s int) (leafBlock, error) {
	if lf, ok := a.dleaves[s]; ok {
		return lf, nil
	}
	if lf, ok := a.leaves[s]; ok {
		return lf, nil
	}

	_, ref := a.ind.slot(s)
	if want := leafBlkno(s, a.bm.half(1+s)); ref.Blkno != want {
		return nil, errors.Wrapf(ErrInconsistent, "leaf %d ref blkno %d, bitmap says %d", s, ref.Blkno, want)
	}
	buf, err := a.store.ReadRef(ctx, ref)
	if err != nil {
		return nil, errors.Wrapf(err, "read buddy leaf %d", s)
	}
	a.leaves[s] = buf
	return buf, nil
}

func (a *Allocator) dirtyLeaf(ctx context.Context, s int) (leafBlock, error) {
	if lf, ok := a.dleaves[s]; ok {
		return lf, nil
	}
	committed, err := a.leaf(ctx, s)
	if err != nil {
		return nil, err
	}
	lf := append(leafBlock(nil), committed...)
	a.dleaves[s] = lf

	ind := a.dirtyInd()
	bm := a.dirtyBM()
	bm.flip(1 + s)
	mask, _ := ind.slot(s)
	ind.setSlot(s, mask, format.BlockRef{Blkno: leafBlkno(s, bm.half(1+s)), Seq: a.seq})
	return lf, nil
}

// Alloc allocates a run of 2^order blocks and returns its first block.
func (a *Allocator) Alloc(ctx context.Context, order int) (uint64, error) {
	start := time.Now()
	blkno, err := a.alloc(ctx, order)
	a.metrics.RecordAlloc(ctx, order, time.Since(start), err)
	if err == nil {
		a.stats.TrackOperationWithLatency(stats.OpAlloc, uint64(time.Since(start).Nanoseconds()))
	} else if errors.Is(err, ErrNoSpace) {
		a.stats.TrackError("buddy_no_space")
	}
	return blkno, err
}

func (a *Allocator) alloc(ctx context.Context, order int) (uint64, error) {
	if order < 0 || order > TopOrder {
		return 0, errors.Wrapf(ErrInvalidOrder, "order %d", order)
	}

	ind := a.curInd()
	s := -1
	for i := 0; i < a.layout.Leaves; i++ {
		if mask, _ := ind.slot(i); mask>>order != 0 {
			s = i
			break
		}
	}
	if s < 0 {
		return 0, errors.Wrapf(ErrNoSpace, "order %d", order)
	}

	lf, err := a.dirtyLeaf(ctx, s)
	if err != nil {
		return 0, err
	}
	ind = a.dirtyInd()

	k := order
	for k <= TopOrder && lf.count(k) == 0 {
		k++
	}
	if k > TopOrder {
		return 0, errors.Wrapf(ErrInconsistent, "leaf %d mask has no free run at order >= %d", s, order)
	}
	i := lf.firstClear(k)
	if i < 0 {
		return 0, errors.Wrapf(ErrInconsistent, "leaf %d order %d count %d but no clear bit", s, k, lf.count(k))
	}

	lf.set(k, i)
	lf.setCount(k, lf.count(k)-1)
	ind.addTotal(k, -1)
	for j := k - 1; j >= order; j-- {
		i <<= 1
		lf.clear(j, i+1)
		lf.setCount(j, lf.count(j)+1)
		ind.addTotal(j, 1)
	}
	ind.setMask(s, lf.freeOrders())

	blkno := a.layout.Start + uint64(s)*Order0Bits + uint64(i)<<order
	a.logger.Debug("alloc order %d blkno %d from order %d in leaf %d", order, blkno, k, s)
	return blkno, nil
}

// Free returns a run of 2^order blocks starting at blkno.
func (a *Allocator) Free(ctx context.Context, blkno uint64, order int) error {
	start := time.Now()
	err := a.free(ctx, blkno, order)
	a.metrics.RecordFree(ctx, order, time.Since(start), err)
	if err == nil {
		a.stats.TrackOperationWithLatency(stats.OpFree, uint64(time.Since(start).Nanoseconds()))
	}
	return err
}

func (a *Allocator) free(ctx context.Context, blkno uint64, order int) error {
	if order < 0 || order > TopOrder {
		return errors.Wrapf(ErrInvalidOrder, "order %d", order)
	}
	if blkno < a.layout.Start || blkno >= a.layout.Start+a.layout.Managed {
		return errors.Wrapf(ErrInvalidFree, "blkno %d outside managed blocks", blkno)
	}
	rel := blkno - a.layout.Start
	s := int(rel / Order0Bits)
	off := int(rel % Order0Bits)
	if off%(1<<order) != 0 || off+(1<<order) > a.layout.LeafBlocks(s) {
		return errors.Wrapf(ErrInvalidFree, "blkno %d order %d misaligned", blkno, order)
	}

	cur, err := a.leaf(ctx, s)
	if err != nil {
		return err
	}
	i := off >> order
	if !allocated(cur, order, i) {
		return errors.Wrapf(ErrInvalidFree, "blkno %d order %d is already free", blkno, order)
	}

	lf, err := a.dirtyLeaf(ctx, s)
	if err != nil {
		return err
	}
	ind := a.dirtyInd()

	j := order
	for j < TopOrder {
		buddy := i ^ 1
		if lf.isSet(j, buddy) {
			break
		}
		lf.set(j, buddy)
		lf.setCount(j, lf.count(j)-1)
		ind.addTotal(j, -1)
		i >>= 1
		j++
	}
	lf.clear(j, i)
	lf.setCount(j, lf.count(j)+1)
	ind.addTotal(j, 1)
	ind.setMask(s, lf.freeOrders())

	a.logger.Debug("free order %d blkno %d coalesced to order %d", order, blkno, j)
	return nil
}

// allocated reports whether no part of run i at order k is free.
func allocated(lf leafBlock, k, i int) bool {
	for j := k; j <= TopOrder; j++ {
		if !lf.isSet(j, i>>(j-k)) {
			return false
		}
	}
	for j := 0; j < k; j++ {
		first := i << (k - j)
		for t := first; t < first+(1<<(k-j)); t++ {
			if !lf.isSet(j, t) {
				return false
			}
		}
	}
	return true
}

// IsFree reports whether blkno lies in a free run.
func (a *Allocator) IsFree(ctx context.Context, blkno uint64) (bool, error) {
	if blkno < a.layout.Start || blkno >= a.layout.Start+a.layout.Managed {
		return false, nil
	}
	rel := blkno - a.layout.Start
	lf, err := a.leaf(ctx, int(rel/Order0Bits))
	if err != nil {
		return false, err
	}
	off := int(rel % Order0Bits)
	for k := 0; k <= TopOrder; k++ {
		if !lf.isSet(k, off>>k) {
			return true, nil
		}
	}
	return false, nil
}

// Totals returns the number of free runs at each order.
func (a *Allocator) Totals() [format.BuddyOrders]uint64 {
	var t [format.BuddyOrders]uint64
	ind := a.curInd()
	for k := range t {
		t[k] = ind.total(k)
	}
	return t
}

// FreeBlocks returns the number of free blocks.
func (a *Allocator) FreeBlocks() uint64 {
	var n uint64
	for k, t := range a.Totals() {
		n += t << k
	}
	return n
}

// LeafCounts returns the free run counts recorded in leaf s.
func (a *Allocator) LeafCounts(ctx context.Context, s int) ([format.BuddyOrders]uint32, error) {
	var c [format.BuddyOrders]uint32
	lf, err := a.leaf(ctx, s)
	if err != nil {
		return c, err
	}
	for k := range c {
		c[k] = lf.count(k)
	}
	return c, nil
}

// Dirty reports whether the open transaction changed allocator metadata.
func (a *Allocator) Dirty() bool {
	return a.dbm != nil
}

// DirtyCount is the number of metadata blocks the open transaction will write.
func (a *Allocator) DirtyCount() int {
	n := len(a.dleaves)
	if a.dind != nil {
		n++
	}
	if a.dbm != nil {
		n++
	}
	return n
}

// Flush writes the transaction's metadata blocks to the halves of their
// pairs that the committed generation doesn't reference. It returns the
// roots that the new superblock must reference. The committed state is
// unchanged until Commit.
func (a *Allocator) Flush(ctx context.Context) (Roots, error) {
	if !a.Dirty() {
		return a.roots, nil
	}

	bm := a.dbm
	for s, lf := range a.dleaves {
		if err := a.store.Write(ctx, leafBlkno(s, bm.half(1+s)), lf, a.seq); err != nil {
			return Roots{}, errors.Wrapf(err, "write buddy leaf %d", s)
		}
	}

	roots := a.roots
	if a.dind != nil {
		blkno := uint64(format.BuddyIndBlkno + bm.half(0))
		if err := a.store.Write(ctx, blkno, a.dind, a.seq); err != nil {
			return Roots{}, errors.Wrap(err, "write buddy indirect")
		}
		roots.Indirect = format.BlockRef{Blkno: blkno, Seq: a.seq}
	}

	bmBlkno := uint64(format.BuddyBMBlkno)
	if a.roots.Bitmap.Blkno == bmBlkno {
		bmBlkno++
	}
	if err := a.store.Write(ctx, bmBlkno, bm, a.seq); err != nil {
		return Roots{}, errors.Wrap(err, "write buddy bitmap")
	}
	roots.Bitmap = format.BlockRef{Blkno: bmBlkno, Seq: a.seq}
	return roots, nil
}

// Commit makes the flushed transaction state the committed state once the
// superblock referencing roots is durable.
func (a *Allocator) Commit(roots Roots) {
	if a.dbm != nil {
		a.bm = a.dbm
	}
	if a.dind != nil {
		a.ind = a.dind
	}
	for s, lf := range a.dleaves {
		a.leaves[s] = lf
	}
	a.roots = roots
	a.dbm = nil
	a.dind = nil
	a.dleaves = make(map[int]leafBlock)
}

// Abort discards every change made since Begin, returning any blocks
// allocated in the transaction to the free pool.
func (a *Allocator) Abort() {
	a.dbm = nil
	a.dind = nil
	if len(a.dleaves) > 0 {
		a.dleaves = make(map[int]leafBlock)
	}
}
