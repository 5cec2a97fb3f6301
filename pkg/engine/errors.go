package engine

import "github.com/pkg/errors"

var (
	// ErrEngineClosed is returned when operations are performed on a closed engine
	ErrEngineClosed = errors.New("engine is closed")
	// ErrEngineFailed is returned after a commit failed in a way that leaves
	// the on-disk state unknown; the device must be mounted again
	ErrEngineFailed = errors.New("engine failed, remount required")
	// ErrTxDone is returned when a committed or aborted transaction is used
	ErrTxDone = errors.New("transaction already committed or aborted")
	// ErrTxAborted is returned by a transaction that a fatal error aborted
	ErrTxAborted = errors.New("transaction aborted")
	// ErrTransFull means the transaction reached its dirty block ceiling and
	// must be committed before it can change anything else
	ErrTransFull = errors.New("transaction full")
	// ErrNotDataBlock is returned when writing a data block the transaction
	// didn't allocate
	ErrNotDataBlock = errors.New("block not allocated in this transaction")
)
