package stream

import "io"

var (
	_ io.ReadSeeker = (*Pattern)(nil)

	zeroBlock [4096]byte
)

// Pattern is a finite stream that repeats a fixed byte sequence.
type Pattern struct {
	pat  []byte
	size int64
	pos  int64
}

// NewPattern returns a stream of size bytes made of pat repeated from its
// first byte. An empty pattern yields an empty stream.
func NewPattern(pat []byte, size int64) *Pattern {
	if len(pat) == 0 || size < 0 {
		size = 0
	}
	return &Pattern{pat: pat, size: size}
}

// NewZeros returns a stream of size zero bytes.
func NewZeros(size int64) *Pattern {
	return NewPattern(zeroBlock[:], size)
}

// Size returns the logical length of the stream.
func (p *Pattern) Size() int64 { return p.size }

func (p *Pattern) Read(b []byte) (int, error) {
	if p.pos >= p.size {
		return 0, io.EOF
	}
	if rem := p.size - p.pos; int64(len(b)) > rem {
		b = b[:rem]
	}
	n := 0
	for n < len(b) {
		off := (p.pos + int64(n)) % int64(len(p.pat))
		n += copy(b[n:], p.pat[off:])
	}
	p.pos += int64(n)
	return n, nil
}

// Seek allows any non-negative position; reads past the end return io.EOF.
func (p *Pattern) Seek(offset int64, whence int) (int64, error) {
	abs, err := resolve(offset, whence, p.pos, p.size)
	if err != nil {
		return 0, err
	}
	p.pos = abs
	return abs, nil
}
