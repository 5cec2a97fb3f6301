package buddy

import (
	"context"

	"github.com/pkg/errors"

	"github.com/scoutfs/scoutfs/pkg/format"
)

// Check verifies the allocator metadata: each leaf's per-order counts must
// equal the clear bits in that order's region, free runs must lie inside
// the leaf and not overlap a larger free run, and the indirect masks and
// totals must match the leaves.
func (a *Allocator) Check(ctx context.Context) error {
	ind := a.curInd()
	bm := a.curBM()
	var totals [format.BuddyOrders]uint64

	for s := 0; s < a.layout.Leaves; s++ {
		lf, err := a.leaf(ctx, s)
		if err != nil {
			return err
		}
		blocks := a.layout.LeafBlocks(s)

		for k := 0; k < format.BuddyOrders; k++ {
			var n uint32
			for i := 0; i < Order0Bits>>k; i++ {
				if lf.isSet(k, i) {
					continue
				}
				if (i+1)<<k > blocks {
					return errors.Wrapf(ErrInconsistent, "leaf %d order %d run %d past %d blocks", s, k, i, blocks)
				}
				for j := k + 1; j <= TopOrder; j++ {
					if !lf.isSet(j, i>>(j-k)) {
						return errors.Wrapf(ErrInconsistent, "leaf %d order %d run %d inside free order %d run", s, k, i, j)
					}
				}
				n++
			}
			if n != lf.count(k) {
				return errors.Wrapf(ErrInconsistent, "leaf %d order %d count %d, bitmap has %d", s, k, lf.count(k), n)
			}
			totals[k] += uint64(n)
		}

		mask, ref := ind.slot(s)
		if mask != lf.freeOrders() {
			return errors.Wrapf(ErrInconsistent, "leaf %d slot mask %#x, leaf has %#x", s, mask, lf.freeOrders())
		}
		if want := leafBlkno(s, bm.half(1+s)); ref.Blkno != want {
			return errors.Wrapf(ErrInconsistent, "leaf %d ref blkno %d, bitmap says %d", s, ref.Blkno, want)
		}
	}

	for k := range totals {
		if totals[k] != ind.total(k) {
			return errors.Wrapf(ErrInconsistent, "order %d total %d, leaves have %d", k, ind.total(k), totals[k])
		}
	}
	return nil
}
