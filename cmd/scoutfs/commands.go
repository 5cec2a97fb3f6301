package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/scoutfs/scoutfs/pkg/block"
	"github.com/scoutfs/scoutfs/pkg/config"
	"github.com/scoutfs/scoutfs/pkg/engine"
	"github.com/scoutfs/scoutfs/pkg/format"
	"github.com/scoutfs/scoutfs/pkg/offline"
)

func mkfsFlags(fs *flag.FlagSet) {
	fs.String("uuid", "", "device uuid (random if empty)")
	fs.Uint64("fsid", 0, "filesystem id (derived from the uuid if zero)")
}

func runMkfs(ctx context.Context, env *env, fs *flag.FlagSet, args []string) error {
	blocks, err := parseUint("blocks", args[1])
	if err != nil {
		return err
	}
	opts := config.MkfsOptions{
		Blocks: blocks,
		UUID:   fs.Lookup("uuid").Value.String(),
	}
	if opts.FSID, err = parseUint("fsid", fs.Lookup("fsid").Value.String()); err != nil {
		return err
	}

	dev, err := block.CreateFile(args[0], blocks)
	if err != nil {
		return err
	}
	defer dev.Close()
	sb, err := engine.Format(ctx, dev, opts, env.logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.out, "formatted %s: %d blocks, fsid %#x, uuid %s\n", args[0], sb.TotalBlocks, sb.FSID, sb.UUID)
	return nil
}

func runStat(ctx context.Context, env *env, _ *flag.FlagSet, args []string) error {
	e, err := env.mount(ctx, args[0])
	if err != nil {
		return err
	}
	defer e.Close()
	printSuper(env.out, e)
	return nil
}

func printSuper(w io.Writer, e *engine.Engine) {
	sb := e.Super()
	l := e.Layout()
	fmt.Fprintf(w, "fsid:          %#x\n", sb.FSID)
	fmt.Fprintf(w, "uuid:          %s\n", sb.UUID)
	fmt.Fprintf(w, "seq:           %d\n", sb.Seq)
	fmt.Fprintf(w, "next ino:      %d\n", sb.NextIno)
	fmt.Fprintf(w, "total blocks:  %d\n", sb.TotalBlocks)
	fmt.Fprintf(w, "buddy leaves:  %d\n", sb.BuddyBlocks)
	fmt.Fprintf(w, "managed:       %d from blkno %d\n", l.Managed, l.Start)
	fmt.Fprintf(w, "free blocks:   %d\n", e.FreeBlocks())
	fmt.Fprintf(w, "btree root:    blkno %d seq %d height %d\n", sb.Root.Ref.Blkno, sb.Root.Ref.Seq, sb.Root.Height)
}

func runCheck(ctx context.Context, env *env, _ *flag.FlagSet, args []string) error {
	e, err := env.mount(ctx, args[0])
	if err != nil {
		return err
	}
	defer e.Close()
	res, err := e.Check(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.out, "btree: height %d, %d items in %d blocks\n", res.Tree.Height, res.Tree.Items, res.Tree.Blocks)
	printBuddy(env.out, res)
	return nil
}

func printBuddy(w io.Writer, res engine.CheckResult) {
	fmt.Fprintf(w, "free blocks: %d\n", res.FreeBlocks)
	for k, n := range res.Totals {
		fmt.Fprintf(w, "  order %d: %d free runs of %d blocks\n", k, n, uint64(1)<<k)
	}
}

func runWrite(ctx context.Context, env *env, _ *flag.FlagSet, args []string) error {
	var ino, off uint64
	if err := parseUints(args[1:3], []string{"ino", "offset"}, &ino, &off); err != nil {
		return err
	}
	if off%format.BlockSize != 0 {
		return errors.Wrapf(offline.ErrUnaligned, "offset %d", off)
	}
	data, err := os.ReadFile(args[3])
	if err != nil {
		return errors.Wrap(err, "read file")
	}

	return env.withOffline(ctx, args[0], func(m *offline.Manager) error {
		var vers uint64
		blk := off >> format.BlockShift
		for pos := 0; pos < len(data); pos += format.BlockSize {
			v, err := m.Write(ctx, ino, blk, data[pos:min(pos+format.BlockSize, len(data))])
			if err != nil {
				return err
			}
			vers = v
			blk++
		}
		fmt.Fprintf(env.out, "data_version %d\n", vers)
		return nil
	})
}

func runCat(ctx context.Context, env *env, _ *flag.FlagSet, args []string) error {
	var ino, blk, count uint64
	if err := parseUints(args[1:], []string{"ino", "block", "count"}, &ino, &blk, &count); err != nil {
		return err
	}
	return env.withOffline(ctx, args[0], func(m *offline.Manager) error {
		for i := uint64(0); i < count; i++ {
			data, err := m.Read(ctx, ino, blk+i)
			if err != nil {
				return err
			}
			if _, err := env.out.Write(data); err != nil {
				return err
			}
		}
		return nil
	})
}

func runDataVersion(ctx context.Context, env *env, _ *flag.FlagSet, args []string) error {
	ino, err := parseUint("ino", args[1])
	if err != nil {
		return err
	}
	return env.withOffline(ctx, args[0], func(m *offline.Manager) error {
		vers, err := m.DataVersion(ctx, ino)
		if err != nil {
			return err
		}
		fmt.Fprintln(env.out, vers)
		return nil
	})
}

func runRelease(ctx context.Context, env *env, _ *flag.FlagSet, args []string) error {
	var ino, vers, blk, count uint64
	if err := parseUints(args[1:], []string{"ino", "vers", "block", "count"}, &ino, &vers, &blk, &count); err != nil {
		return err
	}
	return env.withOffline(ctx, args[0], func(m *offline.Manager) error {
		return m.Release(ctx, ino, blk, count, vers)
	})
}

// stageChunk is how much archive data each Stage call carries.
var stageChunk = 1 << 20

// maxStageCount bounds a single stage command.
const maxStageCount = math.MaxInt32

func runStage(ctx context.Context, env *env, _ *flag.FlagSet, args []string) error {
	var ino, vers, off, count uint64
	if err := parseUints(args[1:5], []string{"ino", "vers", "offset", "count"}, &ino, &vers, &off, &count); err != nil {
		return err
	}
	if count > maxStageCount {
		return errors.Wrapf(errUsage, "count %d larger than %d", count, maxStageCount)
	}
	r, err := openArchive(args[5])
	if err != nil {
		return err
	}
	defer r.Close()

	return env.withOffline(ctx, args[0], func(m *offline.Manager) error {
		buf := make([]byte, min(count, uint64(stageChunk)))
		for done := uint64(0); done < count; {
			data := buf[:min(count-done, uint64(len(buf)))]
			if _, err := io.ReadFull(r, data); err != nil {
				return errors.Wrapf(err, "read %d bytes at %d from %s", len(data), done, args[5])
			}
			if err := m.Stage(ctx, ino, vers, off+done, data); err != nil {
				return errors.Wrapf(err, "stage at offset %d", off+done)
			}
			done += uint64(len(data))
		}
		return nil
	})
}

func runStageErr(ctx context.Context, env *env, _ *flag.FlagSet, args []string) error {
	var ino, vers, start, end uint64
	if err := parseUints(args[1:5], []string{"ino", "vers", "start-block", "end-block"}, &ino, &vers, &start, &end); err != nil {
		return err
	}
	errno, err := strconv.Atoi(args[5])
	if err != nil {
		return errors.Wrapf(errUsage, "err %q", args[5])
	}
	return env.withOffline(ctx, args[0], func(m *offline.Manager) error {
		woken, err := m.StageErr(ctx, ino, vers, start, end, errno)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.out, "woke %d readers\n", woken)
		return nil
	})
}

type zstdFile struct {
	*zstd.Decoder
	f *os.File
}

func (z *zstdFile) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}

// openArchive opens a staging archive, decompressing .zst files.
func openArchive(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open archive")
	}
	if !strings.HasSuffix(path, ".zst") {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "open zstd archive")
	}
	return &zstdFile{Decoder: dec, f: f}, nil
}
