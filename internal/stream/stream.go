// Package stream composes seekable byte sources into larger seekable streams.
//
// Every type here implements io.ReadSeeker. Sizes are discovered lazily so that
// a stream made of a synthesized prefix and a remote body can report its length
// without touching the network.
package stream

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
)

var (
	// ErrOutOfRange is returned for seeks to a negative position or past the
	// end of a stream with a known length.
	ErrOutOfRange = fmt.Errorf("stream: position out of range: %w", fs.ErrInvalid)

	// ErrProtocol is returned when a remote source answers with a status or
	// header that cannot be interpreted as a byte range.
	ErrProtocol = errors.New("stream: protocol error")
)

// resolve turns an (offset, whence) pair into an absolute position.
func resolve(offset int64, whence int, cur, size int64) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = cur + offset
	case io.SeekEnd:
		abs = size + offset
	default:
		return 0, fmt.Errorf("%w: invalid whence %d", ErrOutOfRange, whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("%w: negative position %d", ErrOutOfRange, abs)
	}
	return abs, nil
}

func closeIfCloser(v any) error {
	if c, ok := v.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
