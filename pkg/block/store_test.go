package block

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutfs/scoutfs/pkg/common/log"
	"github.com/scoutfs/scoutfs/pkg/format"
)

func newTestStore(t *testing.T, blocks uint64) (*Store, *MemDevice) {
	t.Helper()
	dev := NewMemDevice(blocks)
	s := NewStore(dev, WithRetries(2, time.Millisecond), WithLogger(log.Nop()))
	s.SetFSID(0xfeed)
	return s, dev
}

func payload(fill byte) []byte {
	buf := make([]byte, format.BlockSize)
	for i := format.HeaderSize; i < len(buf); i++ {
		buf[i] = fill
	}
	return buf
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 64)

	require.NoError(t, s.Write(ctx, 30, payload(7), 5))

	got, err := s.Read(ctx, 30)
	require.NoError(t, err)
	hdr := format.DecodeHeader(got)
	assert.Equal(t, uint64(0xfeed), hdr.Fsid)
	assert.Equal(t, uint64(5), hdr.Seq)
	assert.Equal(t, uint64(30), hdr.Blkno)
	assert.Equal(t, byte(7), got[format.BlockSize-1])

	_, err = s.ReadRef(ctx, format.BlockRef{Blkno: 30, Seq: 5})
	assert.NoError(t, err)
}

func TestReadDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	s, dev := newTestStore(t, 64)
	require.NoError(t, s.Write(ctx, 30, payload(1), 2))

	dev.Corrupt(30, 100)
	_, err := s.Read(ctx, 30)
	assert.True(t, errors.Is(err, ErrBlockCorrupt))

	_, err = s.Read(ctx, 31)
	assert.True(t, errors.Is(err, ErrBlockCorrupt), "zeroed blocks never verify")
}

func TestReadDetectsStale(t *testing.T) {
	ctx := context.Background()
	s, dev := newTestStore(t, 64)
	require.NoError(t, s.Write(ctx, 30, payload(1), 2))

	_, err := s.ReadRef(ctx, format.BlockRef{Blkno: 30, Seq: 3})
	assert.True(t, errors.Is(err, ErrBlockStale), "seq mismatch")

	other := NewStore(dev, WithLogger(log.Nop()))
	other.SetFSID(0xbeef)
	_, err = other.Read(ctx, 30)
	assert.True(t, errors.Is(err, ErrBlockStale), "fsid mismatch")

	// a valid block copied to the wrong location
	raw, err := s.ReadRaw(ctx, 30)
	require.NoError(t, err)
	require.NoError(t, s.WriteRaw(ctx, 40, raw))
	_, err = s.Read(ctx, 40)
	assert.True(t, errors.Is(err, ErrBlockStale), "blkno mismatch")
}

func TestVerifyOutcomes(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 64)
	buf := payload(3)
	require.NoError(t, s.Write(ctx, 20, buf, 9))

	assert.Equal(t, Valid, Verify(buf, 20, 0xfeed, 9))
	assert.Equal(t, Valid, Verify(buf, 20, 0, 0))
	assert.Equal(t, Stale, Verify(buf, 21, 0xfeed, 9))
	assert.Equal(t, Stale, Verify(buf, 20, 1, 9))
	assert.Equal(t, Stale, Verify(buf, 20, 0xfeed, 8))
	assert.Equal(t, Corrupt, Verify(buf[:100], 20, 0, 0))

	buf[2000] ^= 1
	assert.Equal(t, Corrupt, Verify(buf, 20, 0xfeed, 9))
	assert.Equal(t, "corrupt", Corrupt.String())
	assert.Nil(t, Valid.Err(20))
}

func TestReadRetriesTransientFaults(t *testing.T) {
	ctx := context.Background()
	s, dev := newTestStore(t, 64)
	require.NoError(t, s.Write(ctx, 30, payload(1), 2))

	dev.FailReads(2)
	_, err := s.Read(ctx, 30)
	assert.NoError(t, err)

	dev.FailReads(3)
	_, err = s.Read(ctx, 30)
	assert.True(t, errors.Is(err, ErrInjected), "retries are bounded")
}

func TestOutOfRange(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 8)

	_, err := s.Read(ctx, 8)
	assert.True(t, errors.Is(err, ErrOutOfRange))
	assert.True(t, errors.Is(s.Write(ctx, 100, payload(0), 1), ErrOutOfRange))
}

func TestMemDeviceCrash(t *testing.T) {
	ctx := context.Background()
	s, dev := newTestStore(t, 64)
	s = NewStore(dev, WithRetries(0, 0), WithLogger(log.Nop()))

	require.NoError(t, s.Write(ctx, 20, payload(1), 1))
	dev.CrashAfter(1, format.BlockSize/2)
	require.NoError(t, s.Write(ctx, 21, payload(2), 1))
	assert.Error(t, s.Write(ctx, 22, payload(3), 1))
	assert.True(t, dev.Crashed())
	assert.Error(t, s.Write(ctx, 23, payload(4), 1))

	dev.Recover()
	_, err := s.Read(ctx, 22)
	assert.True(t, errors.Is(err, ErrBlockCorrupt), "torn write leaves a corrupt block")
	_, err = s.Read(ctx, 21)
	assert.NoError(t, err)
}

func TestFileDevice(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dev.img")

	dev, err := CreateFile(path, 32)
	require.NoError(t, err)
	s := NewStore(dev, WithLogger(log.Nop()))
	require.NoError(t, s.Write(ctx, 17, payload(9), 4))
	require.NoError(t, s.Sync(ctx))
	require.NoError(t, s.Close())

	dev, err = OpenFile(path)
	require.NoError(t, err)
	defer dev.Close()
	s = NewStore(dev, WithLogger(log.Nop()))
	assert.Equal(t, uint64(32), s.TotalBlocks())
	got, err := s.ReadRef(ctx, format.BlockRef{Blkno: 17, Seq: 4})
	require.NoError(t, err)
	assert.Equal(t, byte(9), got[format.HeaderSize])
}
