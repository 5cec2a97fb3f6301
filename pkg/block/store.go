// Package block reads and writes checksummed, versioned metadata blocks.
//
// Every metadata block starts with a format.BlockHeader. Reads verify the
// header against what the caller expected and report the result as an
// Outcome; only Valid blocks are ever returned to callers.
package block

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/scoutfs/scoutfs/pkg/common/log"
	"github.com/scoutfs/scoutfs/pkg/format"
)

var (
	// ErrBlockCorrupt means the block checksum didn't match its contents.
	ErrBlockCorrupt = errors.New("block corrupt")
	// ErrBlockStale means a valid block wasn't the one that was asked for.
	ErrBlockStale = errors.New("block stale")
	// ErrOutOfRange means a block number lies past the end of the device.
	ErrOutOfRange = errors.New("block number out of range")
)

// Outcome is the result of verifying a block against a request.
type Outcome int

const (
	Valid Outcome = iota
	Stale
	Corrupt
)

func (o Outcome) String() string {
	switch o {
	case Valid:
		return "valid"
	case Stale:
		return "stale"
	case Corrupt:
		return "corrupt"
	}
	return "unknown"
}

// Err returns the error for an outcome, nil for Valid.
func (o Outcome) Err(blkno uint64) error {
	switch o {
	case Valid:
		return nil
	case Stale:
		return errors.Wrapf(ErrBlockStale, "blkno %d", blkno)
	default:
		return errors.Wrapf(ErrBlockCorrupt, "blkno %d", blkno)
	}
}

// Verify checks a block read from blkno. A zero fsid or seq matches any
// value in the header.
func Verify(data []byte, blkno, fsid, seq uint64) Outcome {
	if len(data) != format.BlockSize {
		return Corrupt
	}
	hdr := format.DecodeHeader(data)
	if hdr.Checksum != format.Checksum(data) {
		return Corrupt
	}
	if hdr.Blkno != blkno {
		return Stale
	}
	if fsid != 0 && hdr.Fsid != fsid {
		return Stale
	}
	if seq != 0 && hdr.Seq != seq {
		return Stale
	}
	return Valid
}

// Store mediates all device I/O.
type Store struct {
	dev        Device
	fsid       uint64
	retries    uint64
	retryDelay time.Duration
	logger     log.Logger
	metrics    Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithRetries bounds how many times a failed device read or write is
// retried, starting at delay and backing off exponentially.
func WithRetries(n int, delay time.Duration) Option {
	return func(s *Store) {
		if n < 0 {
			n = 0
		}
		s.retries = uint64(n)
		s.retryDelay = delay
	}
}

// WithLogger sets the store logger.
func WithLogger(l log.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithMetrics sets the store metrics.
func WithMetrics(m Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// NewStore creates a store on dev.
func NewStore(dev Device, opts ...Option) *Store {
	s := &Store{
		dev:        dev,
		retries:    3,
		retryDelay: 10 * time.Millisecond,
		logger:     log.GetDefaultLogger().WithField("component", "block"),
		metrics:    NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFSID sets the filesystem id stamped into written blocks and expected
// in read blocks.
func (s *Store) SetFSID(fsid uint64) {
	s.fsid = fsid
}

// FSID returns the store's filesystem id.
func (s *Store) FSID() uint64 {
	return s.fsid
}

// TotalBlocks is the device size in blocks.
func (s *Store) TotalBlocks() uint64 {
	return uint64(s.dev.Size()) >> format.BlockShift
}

// Device returns the underlying device.
func (s *Store) Device() Device {
	return s.dev
}

func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.retries), ctx)

	return backoff.RetryNotify(fn, policy, func(err error, d time.Duration) {
		s.metrics.RecordRetry(ctx, op)
		s.logger.Warn("retrying block %s in %v: %v", op, d, err)
	})
}

func (s *Store) checkRange(blkno uint64) error {
	if blkno >= s.TotalBlocks() {
		return errors.Wrapf(ErrOutOfRange, "blkno %d of %d", blkno, s.TotalBlocks())
	}
	return nil
}

// ReadRaw reads a block without verifying it.
func (s *Store) ReadRaw(ctx context.Context, blkno uint64) ([]byte, error) {
	if err := s.checkRange(blkno); err != nil {
		return nil, err
	}
	buf := make([]byte, format.BlockSize)
	err := s.retry(ctx, "read", func() error {
		_, err := s.dev.ReadAt(buf, int64(blkno)<<format.BlockShift)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read blkno %d", blkno)
	}
	return buf, nil
}

// Read reads and verifies a metadata block of any sequence number.
func (s *Store) Read(ctx context.Context, blkno uint64) ([]byte, error) {
	return s.read(ctx, blkno, 0)
}

// ReadRef reads the exact block version named by ref.
func (s *Store) ReadRef(ctx context.Context, ref format.BlockRef) ([]byte, error) {
	return s.read(ctx, ref.Blkno, ref.Seq)
}

func (s *Store) read(ctx context.Context, blkno, seq uint64) ([]byte, error) {
	start := time.Now()
	buf, err := s.ReadRaw(ctx, blkno)
	if err != nil {
		return nil, err
	}

	outcome := Verify(buf, blkno, s.fsid, seq)
	s.metrics.RecordRead(ctx, time.Since(start), outcome)
	if outcome != Valid {
		hdr := format.DecodeHeader(buf)
		s.logger.WithFields(map[string]interface{}{
			"blkno":    blkno,
			"seq":      seq,
			"hdr_seq":  hdr.Seq,
			"hdr_fsid": hdr.Fsid,
		}).Warn("block read %s", outcome)
		return nil, outcome.Err(blkno)
	}
	return buf, nil
}

// Write stamps the header of data with the store fsid, blkno and seq,
// computes the checksum and writes the block.
func (s *Store) Write(ctx context.Context, blkno uint64, data []byte, seq uint64) error {
	if len(data) != format.BlockSize {
		return errors.Errorf("block write of %d bytes", len(data))
	}
	hdr := format.BlockHeader{Fsid: s.fsid, Seq: seq, Blkno: blkno}
	hdr.Encode(data)
	hdr.Checksum = format.Checksum(data)
	hdr.Encode(data)
	return s.WriteRaw(ctx, blkno, data)
}

// WriteRaw writes a block exactly as given.
func (s *Store) WriteRaw(ctx context.Context, blkno uint64, data []byte) error {
	if err := s.checkRange(blkno); err != nil {
		return err
	}
	start := time.Now()
	err := s.retry(ctx, "write", func() error {
		_, err := s.dev.WriteAt(data, int64(blkno)<<format.BlockShift)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "write blkno %d", blkno)
	}
	s.metrics.RecordWrite(ctx, time.Since(start), int64(len(data)))
	return nil
}

// Sync flushes the device.
func (s *Store) Sync(ctx context.Context) error {
	start := time.Now()
	err := s.retry(ctx, "sync", s.dev.Sync)
	s.metrics.RecordSync(ctx, time.Since(start), err)
	return errors.Wrap(err, "sync device")
}

// Close closes the device.
func (s *Store) Close() error {
	return s.dev.Close()
}
