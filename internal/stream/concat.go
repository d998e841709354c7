package stream

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
)

// Concat presents an ordered list of sources as one stream.
//
// The size of each source is learned with Seek(0, io.SeekEnd) only when an
// operation needs to know where that source ends, so a trailing LazyOpen with
// a size hint is never opened just to compute the total.
type Concat struct {
	sources []io.ReadSeeker
	// ends[i] is the absolute end offset of sources[i]. Only the first
	// len(ends) sources have been measured.
	ends []int64

	cur     int
	inner   int64
	pos     int64
	aligned bool
}

// NewConcat returns a stream made of sources in order.
func NewConcat(sources ...io.ReadSeeker) *Concat {
	return &Concat{sources: sources, aligned: true}
}

// discover measures sources until one ends past upto or all are measured.
func (c *Concat) discover(upto int64) error {
	for len(c.ends) < len(c.sources) {
		var start int64
		if n := len(c.ends); n > 0 {
			start = c.ends[n-1]
			if start > upto {
				return nil
			}
		}
		i := len(c.ends)
		size, err := c.sources[i].Seek(0, io.SeekEnd)
		if err != nil {
			return fmt.Errorf("concat: size of source %d: %w", i, err)
		}
		if i == c.cur {
			c.aligned = false
		}
		c.ends = append(c.ends, start+size)
	}
	return nil
}

// Size returns the total length, measuring every source.
func (c *Concat) Size() (int64, error) {
	if err := c.discover(math.MaxInt64); err != nil {
		return 0, err
	}
	if len(c.ends) == 0 {
		return 0, nil
	}
	return c.ends[len(c.ends)-1], nil
}

func (c *Concat) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) && c.cur < len(c.sources) {
		src := c.sources[c.cur]
		if !c.aligned {
			if _, err := src.Seek(c.inner, io.SeekStart); err != nil {
				return total, err
			}
			c.aligned = true
		}
		n, err := src.Read(p[total:])
		total += n
		c.pos += int64(n)
		c.inner += int64(n)
		if err != nil && !errors.Is(err, io.EOF) {
			return total, err
		}
		if n > 0 && err == nil {
			continue
		}

		// Source exhausted.
		if c.cur == len(c.ends) {
			c.ends = append(c.ends, c.pos)
		}
		if c.cur+1 >= len(c.sources) {
			break
		}
		c.cur++
		c.inner = 0
		if _, err := c.sources[c.cur].Seek(0, io.SeekStart); err != nil {
			return total, err
		}
	}
	if total == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return total, nil
}

func (c *Concat) Seek(offset int64, whence int) (int64, error) {
	var size int64
	if whence == io.SeekEnd {
		s, err := c.Size()
		if err != nil {
			return 0, err
		}
		size = s
	}
	abs, err := resolve(offset, whence, c.pos, size)
	if err != nil {
		return 0, err
	}
	if err := c.discover(abs); err != nil {
		return 0, err
	}
	if len(c.sources) == 0 {
		if abs != 0 {
			return 0, fmt.Errorf("%w: position %d in empty stream", ErrOutOfRange, abs)
		}
		return 0, nil
	}
	if len(c.ends) == len(c.sources) && abs > c.ends[len(c.ends)-1] {
		return 0, fmt.Errorf("%w: position %d past end %d", ErrOutOfRange, abs, c.ends[len(c.ends)-1])
	}

	i := sort.Search(len(c.ends), func(i int) bool { return c.ends[i] > abs })
	if i == len(c.ends) {
		i = len(c.ends) - 1
	}
	var start int64
	if i > 0 {
		start = c.ends[i-1]
	}
	if _, err := c.sources[i].Seek(abs-start, io.SeekStart); err != nil {
		return 0, err
	}
	c.cur = i
	c.inner = abs - start
	c.pos = abs
	c.aligned = true
	return abs, nil
}

// Close closes every source that is an io.Closer and returns the first error.
func (c *Concat) Close() error {
	var first error
	for _, s := range c.sources {
		if err := closeIfCloser(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}
