// Package btree implements the copy-on-write B+tree that holds all
// filesystem metadata items.
//
// Leaves hold items. Parent blocks hold one item per child whose key is the
// greatest key that may be found in that child and whose value is a block
// reference to it. A tree of height zero is empty; at height one the root is
// a leaf.
//
// Mutations descend from the root and fix up nodes on the way down: an
// insert splits any block that couldn't take another item, a delete merges
// or redistributes any block that is less than half full. Every block on the
// path is first made dirty through the Writer, which gives the transaction
// a chance to copy committed blocks before they're changed.
package btree

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/scoutfs/scoutfs/pkg/common/log"
	"github.com/scoutfs/scoutfs/pkg/format"
	"github.com/scoutfs/scoutfs/pkg/stats"
)

var (
	// ErrNotFound means no item matched.
	ErrNotFound = errors.New("item not found")
	// ErrValueTooLong means a value longer than format.MaxItemLen.
	ErrValueTooLong = errors.New("value too long")
	// ErrReadOnly means a mutation was attempted through a read-only source.
	ErrReadOnly = errors.New("btree is read-only")
	// ErrTooDeep means the tree can't grow past format.BTreeMaxDepth.
	ErrTooDeep = errors.New("btree too deep")
)

// Source reads tree blocks.
type Source interface {
	Read(ctx context.Context, ref format.BlockRef) ([]byte, error)
}

// Writer is a Source that can also change blocks. Dirty returns a
// writable copy of the referenced block, which may have moved. New
// allocates an empty writable block and Free releases a block that is no
// longer referenced.
type Writer interface {
	Source
	Dirty(ctx context.Context, ref format.BlockRef) (format.BlockRef, []byte, error)
	New(ctx context.Context) (format.BlockRef, []byte, error)
	Free(ctx context.Context, ref format.BlockRef) error
	// Seq is stored in every item set through this writer.
	Seq() uint64
}

// Tree is a handle on a tree root. It is not safe for concurrent use.
type Tree struct {
	src     Source
	root    format.BTreeRoot
	logger  log.Logger
	metrics Metrics
	stats   stats.Collector
}

// Option configures a Tree.
type Option func(*Tree)

// WithLogger sets the tree logger.
func WithLogger(l log.Logger) Option {
	return func(t *Tree) { t.logger = l }
}

// WithMetrics sets the tree metrics.
func WithMetrics(m Metrics) Option {
	return func(t *Tree) { t.metrics = m }
}

// WithStats sets the statistics collector.
func WithStats(c stats.Collector) Option {
	return func(t *Tree) { t.stats = c }
}

// New returns a tree rooted at root reading blocks from src. The tree can
// be modified if src is a Writer.
func New(src Source, root format.BTreeRoot, opts ...Option) *Tree {
	t := &Tree{
		src:     src,
		root:    root,
		logger:  log.GetDefaultLogger().WithField("component", "btree"),
		metrics: NewNoopMetrics(),
		stats:   stats.NewAtomicCollector(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Root returns the current root.
func (t *Tree) Root() format.BTreeRoot {
	return t.root
}

func (t *Tree) writer() (Writer, error) {
	w, ok := t.src.(Writer)
	if !ok {
		return nil, ErrReadOnly
	}
	return w, nil
}

func (t *Tree) checkHeight() error {
	if t.root.Height > format.BTreeMaxDepth {
		return errors.Wrapf(ErrCorrupt, "root height %d", t.root.Height)
	}
	return nil
}

func (t *Tree) read(ctx context.Context, ref format.BlockRef) (node, error) {
	buf, err := t.src.Read(ctx, ref)
	if err != nil {
		return nil, err
	}
	n := node(buf)
	if err := validate(n); err != nil {
		return nil, errors.Wrapf(err, "blkno %d", ref.Blkno)
	}
	return n, nil
}

func (t *Tree) dirty(ctx context.Context, w Writer, ref format.BlockRef) (format.BlockRef, node, error) {
	nref, buf, err := w.Dirty(ctx, ref)
	if err != nil {
		return format.BlockRef{}, nil, err
	}
	return nref, node(buf), nil
}

func (t *Tree) newNode(ctx context.Context, w Writer) (format.BlockRef, node, error) {
	ref, buf, err := w.New(ctx)
	if err != nil {
		return format.BlockRef{}, nil, err
	}
	n := node(buf)
	initNode(n)
	return ref, n, nil
}

func (t *Tree) done(ctx context.Context, op stats.OperationType, start time.Time, err error) {
	t.metrics.RecordOp(ctx, string(op), int(t.root.Height), time.Since(start), err)
	if err == nil || errors.Is(err, ErrNotFound) {
		t.stats.TrackOperationWithLatency(op, uint64(time.Since(start).Nanoseconds()))
	} else {
		t.stats.TrackError("btree_" + string(op))
	}
}

// Lookup returns a copy of the value stored at key.
func (t *Tree) Lookup(ctx context.Context, key format.Key) (val []byte, err error) {
	start := time.Now()
	defer func() { t.done(ctx, stats.OpLookup, start, err) }()

	it, err := t.get(ctx, key)
	if err != nil {
		return nil, err
	}
	return it.Value, nil
}

// Get returns the item stored at key.
func (t *Tree) Get(ctx context.Context, key format.Key) (Item, error) {
	return t.get(ctx, key)
}

func (t *Tree) get(ctx context.Context, key format.Key) (Item, error) {
	if err := key.Validate(); err != nil {
		return Item{}, err
	}
	if err := t.checkHeight(); err != nil {
		return Item{}, err
	}
	ref := t.root.Ref
	for level := int(t.root.Height); level > 0; level-- {
		n, err := t.read(ctx, ref)
		if err != nil {
			return Item{}, err
		}
		pos, found := n.search(key)
		if level == 1 {
			if !found {
				break
			}
			return n.item(pos), nil
		}
		if pos == n.nr() {
			break
		}
		ref = n.child(pos)
	}
	return Item{}, errors.Wrapf(ErrNotFound, "key %s", key)
}

// Next returns the first item with a key >= key.
func (t *Tree) Next(ctx context.Context, key format.Key) (it Item, err error) {
	start := time.Now()
	defer func() { t.done(ctx, stats.OpNext, start, err) }()

	if err := t.checkHeight(); err != nil {
		return Item{}, err
	}
	for {
		ref := t.root.Ref
		var bound format.Key
		bounded := false

		for level := int(t.root.Height); level > 0; level-- {
			n, err := t.read(ctx, ref)
			if err != nil {
				return Item{}, err
			}
			pos, _ := n.search(key)
			if level == 1 {
				if pos < n.nr() {
					return n.item(pos), nil
				}
				break
			}
			if pos == n.nr() {
				return Item{}, errors.Wrapf(ErrNotFound, "after %s", key)
			}
			bound = n.key(pos)
			bounded = true
			ref = n.child(pos)
		}

		// The leaf held nothing >= key, so continue past the subtree's
		// upper bound.
		if !bounded || bound == format.MaxKey {
			return Item{}, errors.Wrapf(ErrNotFound, "after %s", key)
		}
		key = bound.Inc()
	}
}

// Prev returns the last item with a key <= key.
func (t *Tree) Prev(ctx context.Context, key format.Key) (Item, error) {
	if err := t.checkHeight(); err != nil {
		return Item{}, err
	}
	for {
		ref := t.root.Ref
		var low format.Key
		lowered := false

		for level := int(t.root.Height); level > 0; level-- {
			n, err := t.read(ctx, ref)
			if err != nil {
				return Item{}, err
			}
			pos, found := n.search(key)
			if level == 1 {
				if found {
					return n.item(pos), nil
				}
				if pos > 0 {
					return n.item(pos - 1), nil
				}
				break
			}
			if pos == n.nr() {
				pos--
			}
			if pos > 0 {
				low = n.key(pos - 1)
				lowered = true
			}
			ref = n.child(pos)
		}

		// Everything <= key in earlier subtrees is <= their upper bound.
		if !lowered {
			return Item{}, errors.Wrapf(ErrNotFound, "before %s", key)
		}
		key = low
	}
}

// Iterate calls fn for each item with first <= key <= last in key order
// until fn returns false or an error.
func (t *Tree) Iterate(ctx context.Context, first, last format.Key, fn func(Item) (bool, error)) error {
	key := first
	for key.Compare(last) <= 0 {
		it, err := t.Next(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if it.Key.Compare(last) > 0 {
			return nil
		}
		more, err := fn(it)
		if err != nil || !more {
			return err
		}
		if it.Key == format.MaxKey {
			return nil
		}
		key = it.Key.Inc()
	}
	return nil
}

// hasRoom reports whether a block at level can take one more item of
// size bytes without splitting.
func hasRoom(n node, level int, size int) bool {
	if level > 1 {
		return n.totalFree() >= parentItemSpace
	}
	return n.totalFree() >= size+offSize
}

// Insert stores val at key, replacing any existing value.
func (t *Tree) Insert(ctx context.Context, key format.Key, val []byte) (err error) {
	start := time.Now()
	defer func() { t.done(ctx, stats.OpInsert, start, err) }()

	if err := key.Validate(); err != nil {
		return err
	}
	if len(val) > format.MaxItemLen {
		return errors.Wrapf(ErrValueTooLong, "%d bytes", len(val))
	}
	if err := t.checkHeight(); err != nil {
		return err
	}
	w, err := t.writer()
	if err != nil {
		return err
	}
	it := Item{Key: key, Seq: w.Seq(), Value: val}

	if t.root.Height == 0 {
		ref, n, err := t.newNode(ctx, w)
		if err != nil {
			return err
		}
		n.insertAt(0, it)
		t.root = format.BTreeRoot{Height: 1, Ref: ref}
		return nil
	}

	ref, cur, err := t.dirty(ctx, w, t.root.Ref)
	if err != nil {
		return err
	}
	t.root.Ref = ref
	level := int(t.root.Height)

	if !hasRoom(cur, level, it.size()) {
		if level >= format.BTreeMaxDepth {
			return errors.Wrapf(ErrTooDeep, "height %d", level)
		}
		pref, parent, err := t.newNode(ctx, w)
		if err != nil {
			return err
		}
		parent.insertAt(0, childItem(cur.lastKey(), ref))
		level++
		t.root = format.BTreeRoot{Height: uint8(level), Ref: pref}
		cur = parent
		t.logger.Debug("tree grew to height %d", level)
	}

	for ; level > 1; level-- {
		pos, _ := cur.search(key)
		if pos == cur.nr() {
			pos--
			cur.setKey(pos, key)
		}
		cref, child, err := t.dirty(ctx, w, cur.child(pos))
		if err != nil {
			return err
		}
		cur.setChild(pos, cref)

		if !hasRoom(child, level-1, it.size()) {
			child, err = t.split(ctx, w, cur, pos, child, key)
			if err != nil {
				return err
			}
		}
		cur = child
	}

	pos, found := cur.search(key)
	if found {
		if cur.valLen(pos) == len(val) {
			writeItem(cur[cur.off(pos):], it)
			return nil
		}
		cur.removeAt(pos)
	}
	if fits, compacted := cur.room(it.size()); !fits {
		return errors.Wrapf(ErrCorrupt, "leaf has no room for %d byte item", it.size())
	} else if compacted {
		t.stats.TrackOperation(stats.OpCompact)
	}
	cur.insertAt(pos, it)
	return nil
}

func childItem(key format.Key, ref format.BlockRef) Item {
	val := make([]byte, format.RefSize)
	ref.Encode(val)
	return Item{Key: key, Value: val}
}

// split moves the upper half of child, found at pos in parent, into a new
// right sibling. The new block takes over child's parent item and a new
// item for child is inserted before it. It returns the half that key
// belongs in.
func (t *Tree) split(ctx context.Context, w Writer, parent node, pos int, child node, key format.Key) (node, error) {
	rref, right, err := t.newNode(ctx, w)
	if err != nil {
		return nil, err
	}

	nr := child.nr()
	total := child.used() + offSize*nr
	at, acc := 0, 0
	for at < nr-1 && acc < total/2 {
		acc += child.itemSize(at) + offSize
		at++
	}
	if at == 0 {
		at = 1
	}
	for i := at; i < nr; i++ {
		right.insertAt(i-at, child.item(i))
	}
	child.truncate(at)

	lref := parent.child(pos)
	parent.setChild(pos, rref)
	if fits, _ := parent.room(parentItemSpace - offSize); !fits {
		return nil, errors.Wrapf(ErrCorrupt, "parent has no room for split")
	}
	parent.insertAt(pos, childItem(child.lastKey(), lref))

	t.stats.TrackOperation(stats.OpSplit)
	t.metrics.RecordRebalance(ctx, "split")
	if key.Compare(child.lastKey()) <= 0 {
		return child, nil
	}
	return right, nil
}

// Delete removes the item at key.
func (t *Tree) Delete(ctx context.Context, key format.Key) (err error) {
	start := time.Now()
	defer func() { t.done(ctx, stats.OpDelete, start, err) }()

	if _, err := t.get(ctx, key); err != nil {
		return err
	}
	w, err := t.writer()
	if err != nil {
		return err
	}

	ref, cur, err := t.dirty(ctx, w, t.root.Ref)
	if err != nil {
		return err
	}
	t.root.Ref = ref

	for level := int(t.root.Height); level > 1; level-- {
		pos, _ := cur.search(key)
		if pos == cur.nr() {
			return errors.Wrapf(ErrCorrupt, "key %s past parent keys", key)
		}
		cref, child, err := t.dirty(ctx, w, cur.child(pos))
		if err != nil {
			return err
		}
		cur.setChild(pos, cref)

		if child.totalFree() > UsableSize/2 && cur.nr() > 1 {
			child, err = t.rebalance(ctx, w, cur, pos, child, key)
			if err != nil {
				return err
			}
		}
		cur = child
	}

	pos, found := cur.search(key)
	if !found {
		return errors.Wrapf(ErrCorrupt, "key %s missing from leaf", key)
	}
	cur.removeAt(pos)

	return t.shrink(ctx, w)
}

// rebalance merges child, at pos in parent, with a sibling or moves items
// from the sibling into it. It returns the block that now covers key.
func (t *Tree) rebalance(ctx context.Context, w Writer, parent node, pos int, child node, key format.Key) (node, error) {
	sibPos := pos + 1
	if sibPos == parent.nr() {
		sibPos = pos - 1
	}
	sref, sib, err := t.dirty(ctx, w, parent.child(sibPos))
	if err != nil {
		return nil, err
	}
	parent.setChild(sibPos, sref)

	lpos, left, right := pos, child, sib
	if sibPos < pos {
		lpos, left, right = sibPos, sib, child
	}
	rpos := lpos + 1

	if left.used()+right.used()+offSize*(left.nr()+right.nr()) <= UsableSize {
		for i := 0; i < right.nr(); i++ {
			it := right.item(i)
			left.room(it.size())
			left.insertAt(left.nr(), it)
		}
		rightRef := parent.child(rpos)
		parent.setKey(lpos, parent.key(rpos))
		parent.removeAt(rpos)
		if err := w.Free(ctx, rightRef); err != nil {
			return nil, err
		}
		t.stats.TrackOperation(stats.OpMerge)
		t.metrics.RecordRebalance(ctx, "merge")
		return left, nil
	}

	if sibPos > pos {
		// pull from the front of the right sibling
		for right.nr() > 1 {
			it := right.item(0)
			if left.used() >= right.used()-it.size() || !hasRoom(left, 1, it.size()) {
				break
			}
			left.room(it.size())
			left.insertAt(left.nr(), it)
			right.removeAt(0)
		}
	} else {
		// push the tail of the left sibling
		for left.nr() > 1 {
			it := left.item(left.nr() - 1)
			if right.used() >= left.used()-it.size() || !hasRoom(right, 1, it.size()) {
				break
			}
			right.room(it.size())
			right.insertAt(0, it)
			left.removeAt(left.nr() - 1)
		}
	}
	parent.setKey(lpos, left.lastKey())
	t.metrics.RecordRebalance(ctx, "redistribute")

	if key.Compare(left.lastKey()) <= 0 {
		return left, nil
	}
	return right, nil
}

// shrink drops roots that have a single child and empties the tree when
// its last item is gone.
func (t *Tree) shrink(ctx context.Context, w Writer) error {
	for t.root.Height > 0 {
		n, err := t.read(ctx, t.root.Ref)
		if err != nil {
			return err
		}
		switch {
		case t.root.Height == 1 && n.nr() == 0:
			if err := w.Free(ctx, t.root.Ref); err != nil {
				return err
			}
			t.root = format.BTreeRoot{}
			return nil
		case t.root.Height > 1 && n.nr() == 1:
			child := n.child(0)
			if err := w.Free(ctx, t.root.Ref); err != nil {
				return err
			}
			t.root = format.BTreeRoot{Height: t.root.Height - 1, Ref: child}
			t.logger.Debug("tree shrank to height %d", t.root.Height)
		default:
			return nil
		}
	}
	return nil
}
