package engine

import (
	"context"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/scoutfs/scoutfs/pkg/block"
	"github.com/scoutfs/scoutfs/pkg/buddy"
	"github.com/scoutfs/scoutfs/pkg/common/log"
	"github.com/scoutfs/scoutfs/pkg/config"
	"github.com/scoutfs/scoutfs/pkg/format"
	"github.com/scoutfs/scoutfs/pkg/super"
)

// Format writes an empty filesystem to dev: free allocator metadata
// covering every block after the fixed metadata, an empty tree and the
// first generation's superblock. A zero opts.Blocks uses the whole device
// and a zero opts.FSID is derived from the uuid.
func Format(ctx context.Context, dev block.Device, opts config.MkfsOptions, logger log.Logger) (super.Superblock, error) {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	logger = logger.WithField("component", "mkfs")

	store := block.NewStore(dev, block.WithLogger(logger))
	total := opts.Blocks
	if total == 0 {
		total = store.TotalBlocks()
	}
	if total > store.TotalBlocks() {
		return super.Superblock{}, errors.Wrapf(block.ErrOutOfRange,
			"%d blocks requested on a device of %d", total, store.TotalBlocks())
	}
	layout, err := buddy.NewLayout(total)
	if err != nil {
		return super.Superblock{}, err
	}

	id := uuid.New()
	if opts.UUID != "" {
		if id, err = uuid.Parse(opts.UUID); err != nil {
			return super.Superblock{}, errors.Wrapf(config.ErrInvalidConfig, "uuid %q: %v", opts.UUID, err)
		}
	}
	fsid := opts.FSID
	if fsid == 0 {
		fsid = binary.LittleEndian.Uint64(id[:8]) | 1
	}
	store.SetFSID(fsid)

	const seq = 1
	roots, err := buddy.Format(ctx, store, layout, seq)
	if err != nil {
		return super.Superblock{}, errors.Wrap(err, "format buddy allocator")
	}
	if err := store.Sync(ctx); err != nil {
		return super.Superblock{}, err
	}

	sb := super.Superblock{
		Seq:         seq,
		FSID:        fsid,
		UUID:        id,
		NextIno:     format.RootIno + 1,
		TotalBlocks: total,
		BuddyBlocks: uint32(layout.Leaves),
		BuddyInd:    roots.Indirect,
		BuddyBM:     roots.Bitmap,
	}
	if err := super.Format(ctx, store, sb); err != nil {
		return super.Superblock{}, err
	}
	sb.ID = format.SuperID

	logger.WithFields(map[string]interface{}{
		"fsid":    fsid,
		"uuid":    id.String(),
		"blocks":  total,
		"managed": layout.Managed,
		"leaves":  layout.Leaves,
	}).Info("formatted")
	return sb, nil
}
