package stream

import (
	"fmt"
	"io"
)

// Skip hides the first offset bytes of an inner stream. Positions reported
// and accepted by Skip are relative to that origin.
//
// The inner stream is not touched until the first Read or Seek, so wrapping a
// remote source costs no request.
type Skip struct {
	inner  io.ReadSeeker
	offset int64
	primed bool
}

// NewSkip returns a stream over inner starting at offset.
func NewSkip(inner io.ReadSeeker, offset int64) *Skip {
	return &Skip{inner: inner, offset: offset}
}

func (s *Skip) Read(p []byte) (int, error) {
	if !s.primed {
		if _, err := s.inner.Seek(s.offset, io.SeekStart); err != nil {
			return 0, err
		}
		s.primed = true
	}
	return s.inner.Read(p)
}

func (s *Skip) Seek(offset int64, whence int) (int64, error) {
	var (
		pos int64
		err error
	)
	switch whence {
	case io.SeekStart:
		if offset < 0 {
			return 0, fmt.Errorf("%w: negative position %d", ErrOutOfRange, offset)
		}
		pos, err = s.inner.Seek(s.offset+offset, io.SeekStart)
	case io.SeekCurrent:
		if s.primed {
			pos, err = s.inner.Seek(offset, io.SeekCurrent)
		} else {
			pos, err = s.inner.Seek(s.offset+offset, io.SeekStart)
		}
	case io.SeekEnd:
		pos, err = s.inner.Seek(offset, io.SeekEnd)
	default:
		return 0, fmt.Errorf("%w: invalid whence %d", ErrOutOfRange, whence)
	}
	if err != nil {
		return 0, err
	}
	if pos < s.offset {
		// Next read seeks back to the origin.
		s.primed = false
		return 0, fmt.Errorf("%w: position %d before origin", ErrOutOfRange, pos-s.offset)
	}
	s.primed = true
	return pos - s.offset, nil
}

func (s *Skip) Close() error {
	return closeIfCloser(s.inner)
}
