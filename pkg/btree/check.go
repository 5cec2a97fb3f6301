package btree

import (
	"context"

	"github.com/pkg/errors"

	"github.com/scoutfs/scoutfs/pkg/format"
)

// Summary describes a tree that passed Check.
type Summary struct {
	Height uint8
	Items  int
	Blocks int
	// Refs holds every block in the tree, root first.
	Refs []format.BlockRef
}

// Check walks the whole tree and verifies that every block is well formed,
// that all leaves are at the same depth and that every key lies within the
// bounds set by the parent items above it.
func (t *Tree) Check(ctx context.Context) (Summary, error) {
	sum := Summary{Height: t.root.Height}
	if err := t.checkHeight(); err != nil {
		return sum, err
	}
	if t.root.Height == 0 {
		return sum, nil
	}
	err := t.check(ctx, t.root.Ref, int(t.root.Height), nil, nil, &sum)
	return sum, err
}

func (t *Tree) check(ctx context.Context, ref format.BlockRef, level int, lo, hi *format.Key, sum *Summary) error {
	n, err := t.read(ctx, ref)
	if err != nil {
		return err
	}
	sum.Blocks++
	sum.Refs = append(sum.Refs, ref)

	nr := n.nr()
	if level > 1 && nr == 0 {
		return errors.Wrapf(ErrCorrupt, "parent blkno %d has no children", ref.Blkno)
	}
	for i := 0; i < nr; i++ {
		k := n.key(i)
		if lo != nil && k.Compare(*lo) <= 0 {
			return errors.Wrapf(ErrCorrupt, "blkno %d key %s not above %s", ref.Blkno, k, *lo)
		}
		if hi != nil && k.Compare(*hi) > 0 {
			return errors.Wrapf(ErrCorrupt, "blkno %d key %s above %s", ref.Blkno, k, *hi)
		}
	}

	if level == 1 {
		sum.Items += nr
		return nil
	}
	for i := 0; i < nr; i++ {
		if n.valLen(i) != format.RefSize {
			return errors.Wrapf(ErrCorrupt, "blkno %d parent item %d value length %d", ref.Blkno, i, n.valLen(i))
		}
		clo := lo
		if i > 0 {
			k := n.key(i - 1)
			clo = &k
		}
		chi := n.key(i)
		if err := t.check(ctx, n.child(i), level-1, clo, &chi, sum); err != nil {
			return err
		}
	}
	return nil
}
