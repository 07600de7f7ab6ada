package fsops

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	ErrNotDir   = errors.New("not a directory")
	ErrIsDir    = errors.New("is a directory")
	ErrIntoSelf = errors.New("cannot move or copy a directory into itself")
	ErrRootOp   = errors.New("operation not allowed on the root directory")
	ErrTooLarge = errors.New("content too large")
	ErrReserved = errors.New("path is reserved")
)

// mapErr translates host filesystem errors into the package sentinels,
// keeping the virtual path in the message.
func mapErr(virtual string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w", virtual, ErrNotFound)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%s: %w", virtual, ErrExists)
	case errors.Is(err, syscall.ENOTDIR):
		return fmt.Errorf("%s: %w", virtual, ErrNotDir)
	case errors.Is(err, syscall.EISDIR):
		return fmt.Errorf("%s: %w", virtual, ErrIsDir)
	}
	return err
}
