package stream

import (
	"bytes"
	"fmt"
	"io"
)

// recorder wraps a ReadSeeker and logs every call made to it.
type recorder struct {
	inner io.ReadSeeker
	ops   []string
}

func newRecorder(data []byte) *recorder {
	return &recorder{inner: bytes.NewReader(data)}
}

func (r *recorder) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	r.ops = append(r.ops, fmt.Sprintf("read %d", n))
	return n, err
}

func (r *recorder) Seek(offset int64, whence int) (int64, error) {
	r.ops = append(r.ops, fmt.Sprintf("seek %d %d", offset, whence))
	return r.inner.Seek(offset, whence)
}

func (r *recorder) reads() int {
	n := 0
	for _, op := range r.ops {
		if len(op) > 4 && op[:4] == "read" {
			n++
		}
	}
	return n
}

// countingOpener counts how often Open is called.
type countingOpener struct {
	data  []byte
	calls int
	err   error
	last  *recorder
}

func (o *countingOpener) Open() (io.ReadSeeker, error) {
	o.calls++
	if o.err != nil {
		return nil, o.err
	}
	o.last = newRecorder(o.data)
	return o.last, nil
}
