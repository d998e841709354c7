package stream

import "io"

// Fixed presents exactly size bytes of an inner stream. Bytes past size are
// hidden and a short inner stream is padded with zeros, so the advertised
// length always holds.
type Fixed struct {
	inner io.ReadSeeker
	size  int64
	pos   int64

	// innerLen is the position at which inner reported EOF, or -1.
	innerLen int64
	synced   bool
}

// NewFixed wraps inner. Seeking never touches inner; the first read after a
// seek does.
func NewFixed(inner io.ReadSeeker, size int64) *Fixed {
	return &Fixed{inner: inner, size: size, innerLen: -1, synced: true}
}

func (f *Fixed) Read(p []byte) (int, error) {
	if f.pos >= f.size {
		return 0, io.EOF
	}
	if rem := f.size - f.pos; int64(len(p)) > rem {
		p = p[:rem]
	}
	if f.innerLen >= 0 && f.pos >= f.innerLen {
		clear(p)
		f.pos += int64(len(p))
		return len(p), nil
	}
	if !f.synced {
		if _, err := f.inner.Seek(f.pos, io.SeekStart); err != nil {
			return 0, err
		}
		f.synced = true
	}
	n, err := f.inner.Read(p)
	f.pos += int64(n)
	switch {
	case err == io.EOF || (n == 0 && err == nil):
		f.innerLen = f.pos
		if n > 0 {
			return n, nil
		}
		return f.Read(p)
	case err != nil:
		return n, err
	}
	return n, nil
}

func (f *Fixed) Seek(offset int64, whence int) (int64, error) {
	abs, err := resolve(offset, whence, f.pos, f.size)
	if err != nil {
		return 0, err
	}
	if abs != f.pos {
		f.pos = abs
		f.synced = false
	}
	return abs, nil
}

func (f *Fixed) Close() error {
	return closeIfCloser(f.inner)
}
