package engine

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/scoutfs/scoutfs/pkg/btree"
	"github.com/scoutfs/scoutfs/pkg/buddy"
	"github.com/scoutfs/scoutfs/pkg/format"
	"github.com/scoutfs/scoutfs/pkg/stats"
	"github.com/scoutfs/scoutfs/pkg/super"
)

// Tx is the open transaction. It is the tree's block writer: committed
// blocks are copied to new locations the first time they're dirtied and
// their old locations are freed when the transaction commits.
//
// A Tx is not safe for concurrent use.
type Tx struct {
	e    *Engine
	seq  uint64
	sb   super.Superblock
	ino  uint64
	tree *btree.Tree

	// dirty holds the tree blocks written by this transaction
	dirty map[uint64][]byte
	// runs holds the data runs allocated by this transaction by first block
	runs map[uint64]int
	// deferred holds committed blocks that are freed at commit
	deferred []extent

	onCommit   []func()
	autoCommit bool
	started    time.Time

	done     bool
	released bool
	err      error
}

type extent struct {
	blkno uint64
	order int
}

var _ btree.Writer = (*Tx)(nil)

func (t *Tx) start() {
	cur := t.e.snap.Load()
	t.sb = cur.sb
	t.ino = cur.sb.NextIno
	t.seq = cur.sb.Seq + 1
	t.dirty = make(map[uint64][]byte)
	t.runs = make(map[uint64]int)
	t.deferred = nil
	t.started = time.Now()
	t.e.alloc.Begin(t.seq)
	t.tree = btree.New(t, t.sb.Root,
		btree.WithLogger(t.e.logger),
		btree.WithMetrics(t.e.treeMet),
		btree.WithStats(t.e.stats),
	)
}

func (t *Tx) usable() error {
	if t.err != nil {
		return errors.Wrap(ErrTxAborted, t.err.Error())
	}
	if t.done {
		return ErrTxDone
	}
	return nil
}

// Seq is the sequence number of the generation the transaction will commit.
func (t *Tx) Seq() uint64 {
	return t.seq
}

// Super returns the superblock as the transaction has changed it so far.
func (t *Tx) Super() super.Superblock {
	sb := t.sb
	sb.Root = t.tree.Root()
	return sb
}

// FreeBlocks returns the free blocks left to the transaction.
func (t *Tx) FreeBlocks() uint64 {
	return t.e.alloc.FreeBlocks()
}

// DirtyBlocks is the number of blocks the transaction will write on commit.
func (t *Tx) DirtyBlocks() int {
	return len(t.dirty) + t.e.alloc.DirtyCount()
}

// reserve is the most blocks one item operation can allocate: a copy of
// every block on the path, a split sibling at every level and a new root.
func (t *Tx) reserve() int {
	return 2*int(t.tree.Root().Height) + 2
}

// Full reports whether the transaction must commit before the next item
// operation. Allocations may also dirty one allocator leaf each, plus the
// allocator's indirect and bitmap blocks.
func (t *Tx) Full() bool {
	return t.DirtyBlocks()+2*t.reserve()+2 > t.e.maxTrans
}

// OnCommit registers fn to run after the transaction's changes are
// committed. Callbacks are dropped if the transaction aborts.
func (t *Tx) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

// prepare makes sure an item operation can run to completion without
// exhausting free space or the dirty block ceiling. Transactions run by
// Update commit instead of failing when that would make room.
func (t *Tx) prepare(ctx context.Context, need int) error {
	if t.DirtyBlocks()+2*need+2 > t.e.maxTrans {
		if !t.autoCommit {
			return errors.Wrapf(ErrTransFull, "%d dirty blocks", t.DirtyBlocks())
		}
		if err := t.restart(ctx); err != nil {
			return err
		}
	}
	free := t.e.alloc.FreeBlocks()
	if free < uint64(need) && t.autoCommit && len(t.deferred) > 0 {
		if err := t.restart(ctx); err != nil {
			return err
		}
		free = t.e.alloc.FreeBlocks()
	}
	if free < uint64(need) {
		return errors.Wrapf(buddy.ErrNoSpace, "%d free blocks, operation may need %d", free, need)
	}
	return nil
}

// restart commits the changes so far and carries on in a new generation.
func (t *Tx) restart(ctx context.Context) error {
	if err := t.commit(ctx); err != nil {
		return err
	}
	t.start()
	return nil
}

// Checkpoint commits the changes made so far and carries on in a new
// generation if the transaction is full, or if committing its pending
// frees would let the next item operation run. Callers place checkpoints
// between groups of operations that must commit together.
func (t *Tx) Checkpoint(ctx context.Context) error {
	if err := t.usable(); err != nil {
		return err
	}
	short := t.e.alloc.FreeBlocks() < uint64(t.reserve()) && len(t.deferred) > 0
	if !t.Full() && !short {
		return nil
	}
	return t.restart(ctx)
}

// mutate aborts the transaction if err could have left it half changed.
func (t *Tx) mutate(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, btree.ErrNotFound),
		errors.Is(err, btree.ErrValueTooLong),
		errors.Is(err, btree.ErrTooDeep),
		errors.Is(err, format.ErrInvalidKey):
		return err
	}
	return t.fail(ctx, err)
}

// Read returns a tree block, preferring the transaction's dirty copy.
func (t *Tx) Read(ctx context.Context, ref format.BlockRef) ([]byte, error) {
	if buf, ok := t.dirty[ref.Blkno]; ok && ref.Seq == t.seq {
		return buf, nil
	}
	return t.e.store.ReadRef(ctx, ref)
}

// Dirty returns a writable copy of the referenced block. A committed block
// is copied to a newly allocated block and its old location freed at
// commit.
func (t *Tx) Dirty(ctx context.Context, ref format.BlockRef) (format.BlockRef, []byte, error) {
	if buf, ok := t.dirty[ref.Blkno]; ok && ref.Seq == t.seq {
		return ref, buf, nil
	}
	old, err := t.e.store.ReadRef(ctx, ref)
	if err != nil {
		return format.BlockRef{}, nil, err
	}
	nref, buf, err := t.New(ctx)
	if err != nil {
		return format.BlockRef{}, nil, err
	}
	copy(buf, old)
	t.deferred = append(t.deferred, extent{blkno: ref.Blkno})
	return nref, buf, nil
}

// New allocates an empty tree block.
func (t *Tx) New(ctx context.Context) (format.BlockRef, []byte, error) {
	blkno, err := t.e.alloc.Alloc(ctx, 0)
	if err != nil {
		return format.BlockRef{}, nil, err
	}
	buf := make([]byte, format.BlockSize)
	t.dirty[blkno] = buf
	t.e.stats.TrackDirtyBlocks(uint64(t.DirtyBlocks()))
	return format.BlockRef{Blkno: blkno, Seq: t.seq}, buf, nil
}

// Free releases a tree block. Blocks allocated by this transaction are
// reusable at once; committed blocks only after commit.
func (t *Tx) Free(ctx context.Context, ref format.BlockRef) error {
	if _, ok := t.dirty[ref.Blkno]; ok && ref.Seq == t.seq {
		delete(t.dirty, ref.Blkno)
		return t.e.alloc.Free(ctx, ref.Blkno, 0)
	}
	t.deferred = append(t.deferred, extent{blkno: ref.Blkno})
	return nil
}

// Lookup returns the value at key.
func (t *Tx) Lookup(ctx context.Context, key format.Key) ([]byte, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	return t.tree.Lookup(ctx, key)
}

// Get returns the item at key.
func (t *Tx) Get(ctx context.Context, key format.Key) (btree.Item, error) {
	if err := t.usable(); err != nil {
		return btree.Item{}, err
	}
	return t.tree.Get(ctx, key)
}

// Next returns the first item at or after key.
func (t *Tx) Next(ctx context.Context, key format.Key) (btree.Item, error) {
	if err := t.usable(); err != nil {
		return btree.Item{}, err
	}
	return t.tree.Next(ctx, key)
}

// Prev returns the last item at or before key.
func (t *Tx) Prev(ctx context.Context, key format.Key) (btree.Item, error) {
	if err := t.usable(); err != nil {
		return btree.Item{}, err
	}
	return t.tree.Prev(ctx, key)
}

// Iterate calls fn for each item in [first, last] in key order. fn must
// not change the tree.
func (t *Tx) Iterate(ctx context.Context, first, last format.Key, fn func(btree.Item) (bool, error)) error {
	if err := t.usable(); err != nil {
		return err
	}
	return t.tree.Iterate(ctx, first, last, fn)
}

// Insert stores val at key. ErrNoSpace and ErrTransFull are returned
// before anything is changed.
func (t *Tx) Insert(ctx context.Context, key format.Key, val []byte) error {
	if err := t.usable(); err != nil {
		return err
	}
	if err := key.Validate(); err != nil {
		return err
	}
	if len(val) > format.MaxItemLen {
		return errors.Wrapf(btree.ErrValueTooLong, "%d bytes", len(val))
	}
	if err := t.prepare(ctx, t.reserve()); err != nil {
		return err
	}
	return t.mutate(ctx, t.tree.Insert(ctx, key, val))
}

// Delete removes the item at key.
func (t *Tx) Delete(ctx context.Context, key format.Key) error {
	if err := t.usable(); err != nil {
		return err
	}
	if err := key.Validate(); err != nil {
		return err
	}
	if err := t.prepare(ctx, t.reserve()); err != nil {
		return err
	}
	return t.mutate(ctx, t.tree.Delete(ctx, key))
}

// AllocIno returns an unused inode number.
func (t *Tx) AllocIno(ctx context.Context) (uint64, error) {
	if err := t.usable(); err != nil {
		return 0, err
	}
	ino := t.sb.NextIno
	t.sb.NextIno++
	return ino, nil
}

// AllocData allocates a run of 2^order data blocks.
func (t *Tx) AllocData(ctx context.Context, order int) (uint64, error) {
	if err := t.usable(); err != nil {
		return 0, err
	}
	if err := t.prepare(ctx, 1); err != nil {
		return 0, err
	}
	blkno, err := t.e.alloc.Alloc(ctx, order)
	if err != nil {
		if errors.Is(err, buddy.ErrNoSpace) || errors.Is(err, buddy.ErrInvalidOrder) {
			return 0, err
		}
		return 0, t.fail(ctx, err)
	}
	t.runs[blkno] = order
	return blkno, nil
}

// FreeData frees a run of data blocks. Runs allocated by this transaction
// are reusable at once; committed runs only after commit.
func (t *Tx) FreeData(ctx context.Context, blkno uint64, order int) error {
	if err := t.usable(); err != nil {
		return err
	}
	if o, ok := t.runs[blkno]; ok && o == order {
		delete(t.runs, blkno)
		return t.mutate(ctx, t.e.alloc.Free(ctx, blkno, order))
	}
	t.deferred = append(t.deferred, extent{blkno: blkno, order: order})
	return nil
}

func (t *Tx) ownsData(blkno uint64) bool {
	start := t.e.alloc.Layout().Start
	if blkno < start {
		return false
	}
	rel := blkno - start
	for k := 0; k <= buddy.TopOrder; k++ {
		first := start + rel&^(uint64(1)<<k-1)
		if o, ok := t.runs[first]; ok && o == k {
			return true
		}
	}
	return false
}

// WriteData writes a data block allocated by this transaction. Short
// buffers are zero padded.
func (t *Tx) WriteData(ctx context.Context, blkno uint64, data []byte) error {
	if err := t.usable(); err != nil {
		return err
	}
	if !t.ownsData(blkno) {
		return errors.Wrapf(ErrNotDataBlock, "blkno %d", blkno)
	}
	if len(data) > format.BlockSize {
		return errors.Errorf("data block write of %d bytes", len(data))
	}
	buf := make([]byte, format.BlockSize)
	copy(buf, data)
	if err := t.e.store.WriteRaw(ctx, blkno, buf); err != nil {
		return err
	}
	t.e.stats.TrackBytes(true, uint64(len(data)))
	return nil
}

// ReadData reads a data block.
func (t *Tx) ReadData(ctx context.Context, blkno uint64) ([]byte, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	return t.e.store.ReadRaw(ctx, blkno)
}

func (t *Tx) modified() bool {
	return len(t.dirty) > 0 || len(t.deferred) > 0 || t.e.alloc.Dirty() || t.sb.NextIno != t.ino
}

// Commit writes the transaction as a new generation.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.usable(); err != nil {
		return err
	}
	defer t.release()
	if err := t.commit(ctx); err != nil {
		return err
	}
	t.done = true
	return nil
}

func (t *Tx) commit(ctx context.Context) (err error) {
	e := t.e
	start := time.Now()
	if !t.modified() {
		t.committed()
		return nil
	}

	for _, x := range t.deferred {
		if err := e.alloc.Free(ctx, x.blkno, x.order); err != nil {
			return t.fail(ctx, errors.Wrapf(err, "free blkno %d order %d", x.blkno, x.order))
		}
	}
	t.deferred = nil

	blocks := t.DirtyBlocks() + 1
	defer func() { e.metrics.RecordCommit(ctx, t.seq, blocks, time.Since(start), err) }()

	blknos := make([]uint64, 0, len(t.dirty))
	for blkno := range t.dirty {
		blknos = append(blknos, blkno)
	}
	sort.Slice(blknos, func(i, j int) bool { return blknos[i] < blknos[j] })
	for _, blkno := range blknos {
		if err := e.store.Write(ctx, blkno, t.dirty[blkno], t.seq); err != nil {
			return t.fail(ctx, err)
		}
	}

	roots, err := e.alloc.Flush(ctx)
	if err != nil {
		return t.fail(ctx, err)
	}
	if e.syncCommit {
		if err := e.store.Sync(ctx); err != nil {
			return t.fail(ctx, err)
		}
	}

	next := t.Super()
	next.Seq = t.seq
	next.BuddyInd = roots.Indirect
	next.BuddyBM = roots.Bitmap
	if err := e.super.Commit(ctx, next); err != nil {
		e.fail(err)
		return t.fail(ctx, err)
	}

	e.alloc.Commit(roots)
	e.snap.Store(&snapshot{sb: e.super.Super(), free: e.alloc.FreeBlocks()})

	e.stats.TrackCommit(t.seq, uint64(blocks))
	e.stats.TrackDirtyBlocks(0)
	e.metrics.RecordDirtyBlocks(ctx, blocks)
	e.logger.WithFields(map[string]interface{}{
		"seq":    t.seq,
		"blocks": blocks,
		"height": next.Root.Height,
	}).Debug("committed")
	t.committed()
	return nil
}

func (t *Tx) committed() {
	t.e.stats.TrackOperationWithLatency(stats.OpTxCommit, uint64(time.Since(t.started).Nanoseconds()))
	fns := t.onCommit
	t.onCommit = nil
	t.dirty = nil
	t.runs = nil
	for _, fn := range fns {
		fn()
	}
}

// Abort discards the transaction. Aborting a finished transaction does
// nothing.
func (t *Tx) Abort() {
	if t.done {
		return
	}
	t.abort(context.Background(), "requested")
}

func (t *Tx) abort(ctx context.Context, reason string) {
	t.e.alloc.Abort()
	t.dirty = nil
	t.runs = nil
	t.deferred = nil
	t.onCommit = nil
	t.done = true
	t.e.stats.TrackOperation(stats.OpTxAbort)
	t.e.metrics.RecordAbort(ctx, reason)
	t.release()
}

// fail aborts the transaction after an error that may have left it
// inconsistent.
func (t *Tx) fail(ctx context.Context, err error) error {
	t.err = err
	t.e.logger.Warn("aborting transaction %d: %v", t.seq, err)
	t.e.stats.TrackError("tx_aborted")
	t.abort(ctx, "error")
	return err
}

func (t *Tx) release() {
	if t.released {
		return
	}
	t.released = true
	t.e.release()
}
