package stream

import (
	"fmt"
	"io"
)

// Opener produces the resource behind a LazyOpen.
type Opener interface {
	Open() (io.ReadSeeker, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func() (io.ReadSeeker, error)

// Open calls f.
func (f OpenerFunc) Open() (io.ReadSeeker, error) { return f() }

// LazyOption configures a LazyOpen.
type LazyOption func(*LazyOpen)

// WithSizeHint lets SeekEnd be answered before the resource is opened.
func WithSizeHint(n int64) LazyOption {
	return func(l *LazyOpen) {
		l.hint = n
		l.hasHint = true
	}
}

// LazyOpen defers opening a resource until bytes are actually needed.
//
// Until then seeks only move a logical position, which is replayed on the
// resource once it exists. The opener runs at most once; an open failure is
// returned from every later call.
type LazyOpen struct {
	opener  Opener
	hint    int64
	hasHint bool

	rs  io.ReadSeeker
	err error
	pos int64
}

// NewLazyOpen wraps op.
func NewLazyOpen(op Opener, opts ...LazyOption) *LazyOpen {
	l := &LazyOpen{opener: op}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Opened reports whether the opener has been called.
func (l *LazyOpen) Opened() bool {
	return l.rs != nil || l.err != nil
}

func (l *LazyOpen) open() error {
	if l.rs != nil {
		return nil
	}
	if l.err != nil {
		return l.err
	}
	rs, err := l.opener.Open()
	l.opener = nil
	if err != nil {
		l.err = fmt.Errorf("lazy open: %w", err)
		return l.err
	}
	if l.pos != 0 {
		if _, err := rs.Seek(l.pos, io.SeekStart); err != nil {
			closeIfCloser(rs)
			l.err = fmt.Errorf("lazy open: replay seek to %d: %w", l.pos, err)
			return l.err
		}
	}
	l.rs = rs
	return nil
}

func (l *LazyOpen) Read(p []byte) (int, error) {
	if err := l.open(); err != nil {
		return 0, err
	}
	return l.rs.Read(p)
}

func (l *LazyOpen) Seek(offset int64, whence int) (int64, error) {
	if !l.Opened() {
		switch {
		case whence == io.SeekStart, whence == io.SeekCurrent:
			abs, err := resolve(offset, whence, l.pos, 0)
			if err != nil {
				return 0, err
			}
			l.pos = abs
			return abs, nil
		case whence == io.SeekEnd && l.hasHint:
			abs, err := resolve(offset, whence, l.pos, l.hint)
			if err != nil {
				return 0, err
			}
			l.pos = abs
			return abs, nil
		}
	}
	if err := l.open(); err != nil {
		return 0, err
	}
	return l.rs.Seek(offset, whence)
}

// Close closes the opened resource. An unopened LazyOpen is left unopened.
func (l *LazyOpen) Close() error {
	if l.rs == nil {
		return nil
	}
	return closeIfCloser(l.rs)
}
