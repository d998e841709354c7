package vfs

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

var (
	ErrNotFound  = errors.New("no such entry")
	ErrBadHandle = errors.New("bad handle")
	ErrBackend   = errors.New("backend error")
	ErrReadOnly  = errors.New("read-only filesystem")
)

// NotFound returns an error wrapping ErrNotFound for name.
func NotFound(name string) error {
	return fmt.Errorf("%q: %w", name, ErrNotFound)
}

// BackendError marks err as a catalog or encoder failure.
func BackendError(err error) error {
	if err == nil || errors.Is(err, ErrBackend) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBackend, err)
}

// Errno maps an error to the errno reported to the kernel.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, ErrBadHandle):
		return syscall.EBADF
	case errors.Is(err, ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, ErrBackend):
		return syscall.EIO
	case errors.As(err, &errno):
		return errno
	case errors.Is(err, fs.ErrInvalid):
		return syscall.EINVAL
	}
	return syscall.EIO
}
