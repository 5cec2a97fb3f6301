package offline

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutfs/scoutfs/pkg/block"
	"github.com/scoutfs/scoutfs/pkg/common/log"
	"github.com/scoutfs/scoutfs/pkg/config"
	"github.com/scoutfs/scoutfs/pkg/engine"
	"github.com/scoutfs/scoutfs/pkg/format"
	"github.com/scoutfs/scoutfs/pkg/telemetry"
)

const ino = 300

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig("mem")
	cfg.IORetries = 0
	cfg.IORetryDelayMs = 0
	return cfg
}

func mount(t *testing.T, dev *block.MemDevice) (*engine.Engine, *Manager) {
	t.Helper()
	e, err := engine.OpenDevice(context.Background(), dev, testConfig(),
		engine.WithLogger(log.Nop()), engine.WithTelemetry(telemetry.NewNoop()))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, New(e, WithLogger(log.Nop()))
}

func setup(t *testing.T) (*block.MemDevice, *engine.Engine, *Manager) {
	t.Helper()
	dev := block.NewMemDevice(2048)
	_, err := engine.Format(context.Background(), dev, config.MkfsOptions{}, log.Nop())
	require.NoError(t, err)
	e, m := mount(t, dev)
	return dev, e, m
}

func fill(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func padded(data []byte) []byte {
	buf := make([]byte, format.BlockSize)
	copy(buf, data)
	return buf
}

// writeBlocks writes blocks 0 through n-1 with a distinct byte each and
// returns the final data version.
func writeBlocks(t *testing.T, m *Manager, n int) uint64 {
	t.Helper()
	var vers uint64
	for i := 0; i < n; i++ {
		v, err := m.Write(context.Background(), ino, uint64(i), fill(byte('a'+i), format.BlockSize))
		require.NoError(t, err)
		vers = v
	}
	return vers
}

func TestWriteAndRead(t *testing.T) {
	ctx := context.Background()
	_, e, m := setup(t)

	vers, err := m.DataVersion(ctx, ino)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), vers)

	vers, err = m.Write(ctx, ino, 3, []byte("short block"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), vers)

	got, err := m.Read(ctx, ino, 3)
	require.NoError(t, err)
	assert.Equal(t, padded([]byte("short block")), got)

	got, err = m.Read(ctx, ino, 2)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, format.BlockSize), got, "holes read as zeros")

	ent, err := m.BlockMap(ctx, ino, 3)
	require.NoError(t, err)
	assert.Equal(t, Online, ent.State)

	// Overwriting frees the old block.
	free := e.FreeBlocks()
	vers, err = m.Write(ctx, ino, 3, []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), vers)
	assert.Equal(t, free, e.FreeBlocks())

	ent2, err := m.BlockMap(ctx, ino, 3)
	require.NoError(t, err)
	assert.NotEqual(t, ent.Checksum, ent2.Checksum)

	_, err = m.Write(ctx, ino, 4, make([]byte, format.BlockSize+1))
	assert.True(t, errors.Is(err, ErrInvalidRange))
}

func TestReleaseFreesBlocks(t *testing.T) {
	ctx := context.Background()
	_, e, m := setup(t)
	vers := writeBlocks(t, m, 12)
	free := e.FreeBlocks()

	err := m.Release(ctx, ino, 2, 8, vers+1)
	assert.True(t, errors.Is(err, ErrVersionMismatch))

	require.NoError(t, m.Release(ctx, ino, 2, 8, vers))
	assert.Equal(t, free+8, e.FreeBlocks())

	for blk := uint64(0); blk < 12; blk++ {
		ent, err := m.BlockMap(ctx, ino, blk)
		require.NoError(t, err)
		want := Online
		if blk >= 2 && blk < 10 {
			want = Offline
		}
		assert.Equal(t, want, ent.State, "block %d", blk)
	}

	after, err := m.DataVersion(ctx, ino)
	require.NoError(t, err)
	assert.Equal(t, vers, after, "release leaves the data version alone")

	// Holes past the written range stay holes.
	require.NoError(t, m.Release(ctx, ino, 12, 4, vers))
	ent, err := m.BlockMap(ctx, ino, 13)
	require.NoError(t, err)
	assert.Equal(t, Hole, ent.State)

	assert.True(t, errors.Is(m.Release(ctx, ino, 0, 0, vers), ErrInvalidRange))

	res, err := e.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, e.FreeBlocks(), res.FreeBlocks)
}

func TestStageWakesReaders(t *testing.T) {
	ctx := context.Background()
	_, _, m := setup(t)
	vers := writeBlocks(t, m, 4)
	require.NoError(t, m.Release(ctx, ino, 1, 2, vers))

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := m.Read(ctx, ino, 2)
		done <- result{data, err}
	}()
	require.Eventually(t, func() bool { return m.Waiting(ino) == 1 }, time.Second, time.Millisecond)

	select {
	case <-done:
		t.Fatal("read of an offline block returned before staging")
	default:
	}

	data := append(fill('x', format.BlockSize), []byte("tail")...)
	require.NoError(t, m.Stage(ctx, ino, vers, format.BlockSize, data))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, padded([]byte("tail")), r.data)
	case <-time.After(time.Second):
		t.Fatal("reader not woken by stage")
	}
	assert.Equal(t, 0, m.Waiting(ino))

	got, err := m.Read(ctx, ino, 1)
	require.NoError(t, err)
	assert.Equal(t, fill('x', format.BlockSize), got)

	after, err := m.DataVersion(ctx, ino)
	require.NoError(t, err)
	assert.Equal(t, vers, after)
}

func TestStageChecks(t *testing.T) {
	ctx := context.Background()
	_, _, m := setup(t)
	vers := writeBlocks(t, m, 4)
	require.NoError(t, m.Release(ctx, ino, 2, 1, vers))

	err := m.Stage(ctx, ino, vers, format.BlockSize*2+1, []byte("x"))
	assert.True(t, errors.Is(err, ErrUnaligned))

	err = m.Stage(ctx, ino, vers, format.BlockSize*2, nil)
	assert.True(t, errors.Is(err, ErrInvalidRange))

	err = m.Stage(ctx, ino, vers+1, format.BlockSize*2, []byte("x"))
	assert.True(t, errors.Is(err, ErrVersionMismatch))

	// Block 3 is still online.
	err = m.Stage(ctx, ino, vers, format.BlockSize*2, fill('y', format.BlockSize*2))
	assert.True(t, errors.Is(err, ErrNotOffline))
	ent, err := m.BlockMap(ctx, ino, 2)
	require.NoError(t, err)
	assert.Equal(t, Offline, ent.State, "rejected stage changes nothing")

	// A write after release moves the version on and stale stages fail.
	_, err = m.Write(ctx, ino, 0, []byte("new"))
	require.NoError(t, err)
	err = m.Stage(ctx, ino, vers, format.BlockSize*2, []byte("x"))
	assert.True(t, errors.Is(err, ErrVersionMismatch))
}

func TestStageErrWakesReaders(t *testing.T) {
	ctx := context.Background()
	_, _, m := setup(t)
	vers := writeBlocks(t, m, 8)
	require.NoError(t, m.Release(ctx, ino, 0, 8, vers))

	errs := make(chan error, 3)
	for _, blk := range []uint64{1, 3, 6} {
		go func(blk uint64) {
			_, err := m.Read(ctx, ino, blk)
			errs <- err
		}(blk)
	}
	require.Eventually(t, func() bool { return m.Waiting(ino) == 3 }, time.Second, time.Millisecond)

	_, err := m.StageErr(ctx, ino, vers, 0, 3, 0)
	assert.True(t, errors.Is(err, ErrInvalidErrno))
	_, err = m.StageErr(ctx, ino, vers, 0, 3, -MaxErrno-1)
	assert.True(t, errors.Is(err, ErrInvalidErrno))
	_, err = m.StageErr(ctx, ino, vers, 3, 0, -5)
	assert.True(t, errors.Is(err, ErrInvalidRange))
	_, err = m.StageErr(ctx, ino, vers+1, 0, 3, -5)
	assert.True(t, errors.Is(err, ErrVersionMismatch))

	woken, err := m.StageErr(ctx, ino, vers, 0, 3, -5)
	require.NoError(t, err)
	assert.Equal(t, 2, woken)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			var se *StageError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, -5, se.Errno)
			assert.Equal(t, uint64(ino), se.Ino)
		case <-time.After(time.Second):
			t.Fatal("reader not woken by stage error")
		}
	}
	assert.Equal(t, 1, m.Waiting(ino))

	// Nothing was written; the blocks are still offline.
	ent, err := m.BlockMap(ctx, ino, 1)
	require.NoError(t, err)
	assert.Equal(t, Offline, ent.State)

	woken, err = m.StageErr(ctx, ino, vers, 4, 7, -MaxErrno)
	require.NoError(t, err)
	assert.Equal(t, 1, woken)
	assert.Error(t, <-errs)
}

func TestReadCanceled(t *testing.T) {
	_, _, m := setup(t)
	vers := writeBlocks(t, m, 1)
	require.NoError(t, m.Release(context.Background(), ino, 0, 1, vers))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Read(ctx, ino, 0)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, m.Waiting(ino))
}

func TestReadDetectsCorruptData(t *testing.T) {
	ctx := context.Background()
	dev, _, m := setup(t)
	writeBlocks(t, m, 1)

	ent, err := m.BlockMap(ctx, ino, 0)
	require.NoError(t, err)
	dev.Corrupt(ent.Blkno, 100)

	_, err = m.Read(ctx, ino, 0)
	assert.True(t, errors.Is(err, block.ErrBlockCorrupt))
}

func TestOfflineStatePersists(t *testing.T) {
	ctx := context.Background()
	dev, e, m := setup(t)
	vers := writeBlocks(t, m, 10)
	require.NoError(t, m.Release(ctx, ino, 4, 6, vers))
	require.NoError(t, e.Close())

	_, m = mount(t, dev)
	got, err := m.DataVersion(ctx, ino)
	require.NoError(t, err)
	assert.Equal(t, vers, got)

	ent, err := m.BlockMap(ctx, ino, 9)
	require.NoError(t, err)
	assert.Equal(t, Offline, ent.State)

	data, err := m.Read(ctx, ino, 3)
	require.NoError(t, err)
	assert.Equal(t, fill('d', format.BlockSize), data)

	require.NoError(t, m.Stage(ctx, ino, vers, 4*format.BlockSize, fill('z', 6*format.BlockSize)))
	data, err = m.Read(ctx, ino, 9)
	require.NoError(t, err)
	assert.Equal(t, fill('z', format.BlockSize), data)
}

func TestReleaseAcrossTransactions(t *testing.T) {
	ctx := context.Background()
	dev := block.NewMemDevice(4096)
	_, err := engine.Format(ctx, dev, config.MkfsOptions{}, log.Nop())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MaxTransBlocks = format.MinTransBlocks
	e, err := engine.OpenDevice(ctx, dev, cfg, engine.WithLogger(log.Nop()), engine.WithTelemetry(telemetry.NewNoop()))
	require.NoError(t, err)
	defer e.Close()
	m := New(e, WithLogger(log.Nop()))

	vers := writeBlocks(t, m, 400)
	free := e.FreeBlocks()
	require.NoError(t, m.Release(ctx, ino, 0, 400, vers))
	assert.Equal(t, free+400, e.FreeBlocks())

	res, err := e.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, e.FreeBlocks(), res.FreeBlocks)
}
