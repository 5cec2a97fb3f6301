package engine

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutfs/scoutfs/pkg/block"
	"github.com/scoutfs/scoutfs/pkg/btree"
	"github.com/scoutfs/scoutfs/pkg/buddy"
	"github.com/scoutfs/scoutfs/pkg/common/log"
	"github.com/scoutfs/scoutfs/pkg/config"
	"github.com/scoutfs/scoutfs/pkg/format"
	"github.com/scoutfs/scoutfs/pkg/super"
	"github.com/scoutfs/scoutfs/pkg/telemetry"
)

const testFSID = 0x5c0f75

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig("mem")
	cfg.IORetries = 0
	cfg.IORetryDelayMs = 0
	return cfg
}

func newDevice(t *testing.T, blocks uint64) *block.MemDevice {
	t.Helper()
	dev := block.NewMemDevice(blocks)
	_, err := Format(context.Background(), dev, config.MkfsOptions{FSID: testFSID}, log.Nop())
	require.NoError(t, err)
	return dev
}

func openEngine(t *testing.T, dev block.Device, cfg *config.Config) *Engine {
	t.Helper()
	e, err := OpenDevice(context.Background(), dev, cfg, WithLogger(log.Nop()), WithTelemetry(telemetry.NewNoop()))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func key(i int) format.Key {
	return format.Key{Ino: uint64(100 + i/4), Type: format.InodeKey + uint8(i%4), Offset: uint64(i)}
}

func val(i, gen int) []byte {
	return []byte(fmt.Sprintf("item %d gen %d %s", i, gen, bytes.Repeat([]byte{'x'}, i%200)))
}

// contents walks the committed tree.
func contents(t *testing.T, e *Engine) map[format.Key]string {
	t.Helper()
	got := make(map[format.Key]string)
	err := e.View(context.Background(), func(s *Snapshot) error {
		return s.Iterate(context.Background(), format.MinKey, format.MaxKey, func(it btree.Item) (bool, error) {
			got[it.Key] = string(it.Value)
			return true, nil
		})
	})
	require.NoError(t, err)
	return got
}

// checkAccounting verifies the committed generation and that every managed
// block is either free or in the tree.
func checkAccounting(t *testing.T, e *Engine) CheckResult {
	t.Helper()
	res, err := e.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, e.alloc.Layout().Managed, res.FreeBlocks+uint64(res.Tree.Blocks))
	assert.Equal(t, res.FreeBlocks, e.FreeBlocks())
	return res
}

func TestFormatAndOpen(t *testing.T) {
	dev := newDevice(t, 2048)
	e := openEngine(t, dev, testConfig())

	sb := e.Super()
	assert.Equal(t, uint64(1), sb.Seq)
	assert.Equal(t, uint64(testFSID), sb.FSID)
	assert.Equal(t, uint64(format.RootIno+1), sb.NextIno)
	assert.Equal(t, uint64(2048), sb.TotalBlocks)
	assert.Equal(t, uint8(0), sb.Root.Height)

	res := checkAccounting(t, e)
	assert.Equal(t, 0, res.Tree.Items)
	assert.Equal(t, uint64(2048-format.BuddyLeafBaseBlkno-2), res.FreeBlocks)

	_, err := e.Lookup(context.Background(), key(1))
	assert.True(t, errors.Is(err, btree.ErrNotFound))

	stats := e.GetStats()
	assert.Equal(t, uint64(1), stats["seq"])
	assert.Equal(t, 0, stats["super_slot"])
}

func TestFormatDerivesFSID(t *testing.T) {
	dev := block.NewMemDevice(256)
	sb, err := Format(context.Background(), dev, config.MkfsOptions{UUID: "3f1f2c4e-52b4-4a8c-9a57-0b6fbc1d2e3f"}, log.Nop())
	require.NoError(t, err)
	assert.NotZero(t, sb.FSID)
	assert.Equal(t, "3f1f2c4e-52b4-4a8c-9a57-0b6fbc1d2e3f", sb.UUID.String())

	cfg := testConfig()
	cfg.ExpectedFSID = sb.FSID
	e := openEngine(t, dev, cfg)
	assert.Equal(t, sb.UUID, e.Super().UUID)

	_, err = Format(context.Background(), block.NewMemDevice(256), config.MkfsOptions{Blocks: 512}, log.Nop())
	assert.True(t, errors.Is(err, block.ErrOutOfRange))

	_, err = Format(context.Background(), block.NewMemDevice(256), config.MkfsOptions{UUID: "nope"}, log.Nop())
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}

func TestUpdatePersists(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(t, 2048)
	e := openEngine(t, dev, testConfig())

	require.NoError(t, e.Update(ctx, func(tx *Tx) error {
		for i := 0; i < 500; i++ {
			if err := tx.Insert(ctx, key(i), val(i, 1)); err != nil {
				return err
			}
		}
		return nil
	}))
	assert.Equal(t, uint64(2), e.Super().Seq)

	for i := 0; i < 500; i += 7 {
		v, err := e.Lookup(ctx, key(i))
		require.NoError(t, err)
		assert.Equal(t, val(i, 1), v)
	}
	res := checkAccounting(t, e)
	assert.Equal(t, 500, res.Tree.Items)
	assert.GreaterOrEqual(t, res.Tree.Height, uint8(2))

	require.NoError(t, e.Update(ctx, func(tx *Tx) error {
		for i := 0; i < 500; i += 2 {
			if err := tx.Delete(ctx, key(i)); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, e.Close())

	e = openEngine(t, dev, testConfig())
	assert.Equal(t, uint64(3), e.Super().Seq)
	got := contents(t, e)
	assert.Len(t, got, 250)
	for i := 1; i < 500; i += 2 {
		assert.Equal(t, string(val(i, 1)), got[key(i)])
	}

	it, err := e.Next(ctx, key(0))
	require.NoError(t, err)
	assert.Equal(t, key(1), it.Key)
	it, err = e.Prev(ctx, key(498))
	require.NoError(t, err)
	assert.Equal(t, key(497), it.Key)
	checkAccounting(t, e)

	// Deleting everything returns every block.
	require.NoError(t, e.Update(ctx, func(tx *Tx) error {
		for i := 1; i < 500; i += 2 {
			if err := tx.Delete(ctx, key(i)); err != nil {
				return err
			}
		}
		return nil
	}))
	res = checkAccounting(t, e)
	assert.Equal(t, 0, res.Tree.Blocks)
	assert.Equal(t, uint8(0), e.Super().Root.Height)
	assert.Equal(t, e.alloc.Layout().Managed, e.FreeBlocks())
}

func TestAbortDiscards(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, newDevice(t, 2048), testConfig())
	free := e.FreeBlocks()

	boom := errors.New("boom")
	err := e.Update(ctx, func(tx *Tx) error {
		for i := 0; i < 100; i++ {
			require.NoError(t, tx.Insert(ctx, key(i), val(i, 1)))
		}
		_, err := tx.AllocIno(ctx)
		require.NoError(t, err)
		return boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, uint64(1), e.Super().Seq)
	assert.Equal(t, free, e.FreeBlocks())
	assert.Equal(t, uint64(format.RootIno+1), e.Super().NextIno)
	_, err = e.Lookup(ctx, key(3))
	assert.True(t, errors.Is(err, btree.ErrNotFound))

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, key(1), val(1, 1)))
	tx.Abort()
	tx.Abort()
	assert.True(t, errors.Is(tx.Insert(ctx, key(2), nil), ErrTxDone))

	tx, err = e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, uint64(1), e.Super().Seq, "empty commit writes nothing")
	checkAccounting(t, e)
}

func TestTxSeesOwnWrites(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, newDevice(t, 2048), testConfig())

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, key(1), []byte("one")))

	v, err := tx.Lookup(ctx, key(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)
	it, err := tx.Get(ctx, key(1))
	require.NoError(t, err)
	assert.Equal(t, tx.Seq(), it.Seq)

	_, err = e.Lookup(ctx, key(1))
	assert.True(t, errors.Is(err, btree.ErrNotFound), "readers see the committed generation")

	assert.True(t, errors.Is(tx.Delete(ctx, key(2)), btree.ErrNotFound))
	assert.True(t, errors.Is(tx.Insert(ctx, format.Key{Ino: 1}, nil), format.ErrInvalidKey))
	assert.True(t, errors.Is(tx.Insert(ctx, key(3), make([]byte, format.MaxItemLen+1)), btree.ErrValueTooLong))

	require.NoError(t, tx.Commit(ctx))
	v, err = e.Lookup(ctx, key(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	assert.True(t, errors.Is(tx.Commit(ctx), ErrTxDone))
	_, err = tx.Lookup(ctx, key(1))
	assert.True(t, errors.Is(err, ErrTxDone))
}

func TestAllocIno(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(t, 512)
	e := openEngine(t, dev, testConfig())

	var inos []uint64
	require.NoError(t, e.Update(ctx, func(tx *Tx) error {
		for i := 0; i < 2; i++ {
			ino, err := tx.AllocIno(ctx)
			if err != nil {
				return err
			}
			inos = append(inos, ino)
		}
		return nil
	}))
	assert.Equal(t, []uint64{format.RootIno + 1, format.RootIno + 2}, inos)
	require.NoError(t, e.Close())

	e = openEngine(t, dev, testConfig())
	assert.Equal(t, uint64(format.RootIno+3), e.Super().NextIno)
}

func TestTransactionCeiling(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(t, 4096)
	cfg := testConfig()
	cfg.MaxTransBlocks = format.MinTransBlocks
	e := openEngine(t, dev, cfg)

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	inserted := 0
	for ; inserted < 10000; inserted++ {
		err = tx.Insert(ctx, key(inserted), make([]byte, 400))
		if err != nil {
			break
		}
	}
	require.True(t, errors.Is(err, ErrTransFull), "got %v", err)
	assert.True(t, tx.Full())
	assert.LessOrEqual(t, tx.DirtyBlocks(), format.MinTransBlocks)
	require.NoError(t, tx.Commit(ctx))

	got := contents(t, e)
	assert.Len(t, got, inserted)

	// Update commits whenever the transaction fills.
	require.NoError(t, e.Update(ctx, func(tx *Tx) error {
		for i := 0; i < 2000; i++ {
			if err := tx.Insert(ctx, key(i), val(i, 2)); err != nil {
				return err
			}
		}
		return nil
	}))
	assert.Greater(t, e.Super().Seq, uint64(3))
	got = contents(t, e)
	assert.Len(t, got, 2000)
	assert.Equal(t, string(val(1999, 2)), got[key(1999)])
	checkAccounting(t, e)
}

func TestNoSpace(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(t, 200)
	e := openEngine(t, dev, testConfig())

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	inserted := 0
	for ; inserted < 10000; inserted++ {
		err = tx.Insert(ctx, key(inserted), make([]byte, format.MaxItemLen))
		if err != nil {
			break
		}
	}
	require.True(t, errors.Is(err, buddy.ErrNoSpace), "got %v", err)

	// The failed insert changed nothing and the transaction is intact.
	v, err := tx.Lookup(ctx, key(0))
	require.NoError(t, err)
	assert.Len(t, v, format.MaxItemLen)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, e.Close())

	e = openEngine(t, dev, testConfig())
	assert.Len(t, contents(t, e), inserted)
	checkAccounting(t, e)
}

func TestFatalErrorAbortsTransaction(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(t, 2048)
	e := openEngine(t, dev, testConfig())
	require.NoError(t, e.Update(ctx, func(tx *Tx) error {
		return tx.Insert(ctx, key(1), val(1, 1))
	}))

	tx, err := e.Begin(ctx)
	require.NoError(t, err)

	// A failed read doesn't hurt a lookup's transaction.
	dev.FailReads(1)
	_, err = tx.Lookup(ctx, key(1))
	assert.True(t, errors.Is(err, block.ErrInjected))
	require.NoError(t, tx.Insert(ctx, key(2), val(2, 1)))
	require.NoError(t, tx.Commit(ctx))

	tx, err = e.Begin(ctx)
	require.NoError(t, err)
	dev.FailReads(1)
	err = tx.Insert(ctx, key(3), val(3, 1))
	assert.True(t, errors.Is(err, block.ErrInjected))
	_, err = tx.Lookup(ctx, key(1))
	assert.True(t, errors.Is(err, ErrTxAborted))
	assert.True(t, errors.Is(tx.Commit(ctx), ErrTxAborted))

	// The writer was released by the abort.
	require.NoError(t, e.Update(ctx, func(tx *Tx) error {
		return tx.Insert(ctx, key(4), val(4, 1))
	}))
	got := contents(t, e)
	assert.Len(t, got, 3)
	checkAccounting(t, e)
}

func TestBeginWaitsForWriter(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, newDevice(t, 512), testConfig())

	tx, err := e.Begin(ctx)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = e.Begin(short)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	done := make(chan error, 1)
	go func() {
		tx2, err := e.Begin(ctx)
		if err == nil {
			err = tx2.Commit(ctx)
		}
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("second transaction began while the first was open")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, <-done)
}

func TestClosedEngine(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, newDevice(t, 512), testConfig())
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Begin(ctx)
	assert.True(t, errors.Is(err, ErrEngineClosed))
	_, err = e.Lookup(ctx, key(1))
	assert.True(t, errors.Is(err, ErrEngineClosed))
	_, err = e.Check(ctx)
	assert.True(t, errors.Is(err, ErrEngineClosed))
}

func TestOpenRejectsOtherFilesystem(t *testing.T) {
	dev := newDevice(t, 512)
	cfg := testConfig()
	cfg.ExpectedFSID = testFSID + 1
	_, err := OpenDevice(context.Background(), dev, cfg, WithLogger(log.Nop()), WithTelemetry(telemetry.NewNoop()))
	assert.True(t, errors.Is(err, super.ErrNoValidSuper))

	cfg = testConfig()
	cfg.MaxTransBlocks = 1
	_, err = OpenDevice(context.Background(), dev, cfg)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}

func TestDataBlocks(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(t, 512)
	e := openEngine(t, dev, testConfig())
	free := e.FreeBlocks()

	var blkno uint64
	require.NoError(t, e.Update(ctx, func(tx *Tx) error {
		var err error
		if blkno, err = tx.AllocData(ctx, 0); err != nil {
			return err
		}
		if err := tx.WriteData(ctx, blkno, []byte("hello")); err != nil {
			return err
		}
		run, err := tx.AllocData(ctx, 2)
		if err != nil {
			return err
		}
		if err := tx.WriteData(ctx, run+3, []byte("run")); err != nil {
			return err
		}
		// Freed in the same transaction, so it is never committed.
		return tx.FreeData(ctx, run, 2)
	}))
	assert.Equal(t, free-1, e.FreeBlocks())

	data, err := e.ReadData(ctx, blkno)
	require.NoError(t, err)
	assert.Len(t, data, format.BlockSize)
	assert.Equal(t, []byte("hello"), data[:5])

	tx, err := e.Begin(ctx)
	require.NoError(t, err)
	assert.True(t, errors.Is(tx.WriteData(ctx, blkno, []byte("x")), ErrNotDataBlock))
	require.NoError(t, tx.FreeData(ctx, blkno, 0))
	assert.Equal(t, free-1, tx.FreeBlocks(), "committed blocks are freed at commit")
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, free, e.FreeBlocks())
}

func TestOnCommitCallbacks(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, newDevice(t, 512), testConfig())

	var ran []string
	require.NoError(t, e.Update(ctx, func(tx *Tx) error {
		tx.OnCommit(func() { ran = append(ran, "a") })
		tx.OnCommit(func() { ran = append(ran, "b") })
		return tx.Insert(ctx, key(1), nil)
	}))
	assert.Equal(t, []string{"a", "b"}, ran)

	ran = nil
	_ = e.Update(ctx, func(tx *Tx) error {
		tx.OnCommit(func() { ran = append(ran, "aborted") })
		return errors.New("abort")
	})
	assert.Empty(t, ran)
}

func TestStaleSnapshotRead(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, newDevice(t, 512), testConfig())
	require.NoError(t, e.Update(ctx, func(tx *Tx) error {
		return tx.Insert(ctx, key(1), val(1, 0))
	}))

	old := e.Snapshot()
	sawStale := false
	for gen := 1; gen <= 10 && !sawStale; gen++ {
		require.NoError(t, e.Update(ctx, func(tx *Tx) error {
			return tx.Insert(ctx, key(1), val(1, gen))
		}))
		_, err := old.Lookup(ctx, key(1))
		if err != nil {
			require.True(t, errors.Is(err, block.ErrBlockStale), "got %v", err)
			sawStale = true
		}
	}
	assert.True(t, sawStale, "freed blocks of an old generation are reused")

	_, err := e.Lookup(ctx, key(1))
	require.NoError(t, err)
}

func TestReadRetriesOnceAfterStale(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, newDevice(t, 512), testConfig())

	calls := 0
	err := e.read(ctx, "test", func(s *Snapshot) error {
		calls++
		if calls == 1 {
			return errors.Wrap(block.ErrBlockStale, "raced")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = e.read(ctx, "test", func(s *Snapshot) error {
		calls++
		return errors.Wrap(block.ErrBlockStale, "raced")
	})
	assert.True(t, errors.Is(err, block.ErrBlockStale))
	assert.Equal(t, 2, calls)
}

func TestReadersDuringCommits(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, newDevice(t, 2048), testConfig())
	require.NoError(t, e.Update(ctx, func(tx *Tx) error {
		for i := 0; i < 200; i++ {
			if err := tx.Insert(ctx, key(i), val(i, 0)); err != nil {
				return err
			}
		}
		return nil
	}))

	var stop atomic.Bool
	var reads atomic.Int64
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := r; !stop.Load(); i = (i + 13) % 200 {
				v, err := e.Lookup(ctx, key(i))
				if errors.Is(err, block.ErrBlockStale) {
					continue
				}
				if !assert.NoError(t, err) {
					return
				}
				assert.True(t, bytes.HasPrefix(v, []byte(fmt.Sprintf("item %d gen ", i))))
				reads.Add(1)
			}
		}(r)
	}
	require.Eventually(t, func() bool { return reads.Load() > 0 }, 5*time.Second, time.Millisecond,
		"readers started")
	started := reads.Load()

	for gen := 1; gen <= 30; gen++ {
		require.NoError(t, e.Update(ctx, func(tx *Tx) error {
			for i := gen % 3; i < 200; i += 3 {
				if err := tx.Insert(ctx, key(i), val(i, gen)); err != nil {
					return err
				}
			}
			return nil
		}))
	}
	stop.Store(true)
	wg.Wait()
	assert.GreaterOrEqual(t, reads.Load(), started)
	checkAccounting(t, e)
}
