package task

import (
	"errors"
	"fmt"
	"syscall"

	"memfetch/fetch"
	"memfetch/media"
)

var (
	ErrFilesystem    = errors.New("filesystem error")
	ErrMerge         = errors.New("merge failed")
	ErrLedgerCorrupt = errors.New("ledger corrupt")
	ErrDiskFull      = errors.New("disk full")
	ErrUnknownTask   = errors.New("task not found")
	ErrBadTransition = errors.New("invalid state transition")
	ErrNetwork       = fetch.ErrNetwork
	ErrContainer     = media.ErrContainer
)

// fsError tags a write/rename/stat failure, promoting ENOSPC to ErrDiskFull.
func fsError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %s: %w", ErrDiskFull, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrFilesystem, op, err)
}
