package stream

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func chunks(parts ...string) []io.ReadSeeker {
	out := make([]io.ReadSeeker, len(parts))
	for i, p := range parts {
		out[i] = bytes.NewReader([]byte(p))
	}
	return out
}

func readAllWith(t *testing.T, r io.Reader, bufSize int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, bufSize)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
	}
}

func TestConcatReadSingle(t *testing.T) {
	c := NewConcat(chunks("hello")...)
	if got := readAllWith(t, c, 3); string(got) != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
}

func TestConcatReadMulti(t *testing.T) {
	c := NewConcat(chunks("ab", "", "cde", "f")...)
	buf := make([]byte, 64)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf[:n]) != "abcdef" {
		t.Errorf("a single read should fill across sources, got %q", buf[:n])
	}
	if n, err := c.Read(buf); n != 0 || err != io.EOF {
		t.Errorf("read past end: got %d, %v", n, err)
	}
}

// Any partition of a byte sequence, read with any buffer size, reproduces it.
func TestConcatPartitions(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	data := make([]byte, 997)
	rng.Read(data)

	for round := 0; round < 200; round++ {
		var parts []io.ReadSeeker
		rest := data
		for len(rest) > 0 {
			n := rng.Intn(len(rest) + 1)
			if rng.Intn(5) == 0 {
				n = 0
			}
			parts = append(parts, bytes.NewReader(rest[:n]))
			rest = rest[n:]
		}
		if rng.Intn(2) == 0 {
			parts = append(parts, bytes.NewReader(nil))
		}
		bufSize := 1 + rng.Intn(300)

		got := readAllWith(t, NewConcat(parts...), bufSize)
		if !bytes.Equal(got, data) {
			t.Fatalf("round %d (%d parts, buf %d): output differs", round, len(parts), bufSize)
		}
	}
}

func TestConcatSeek(t *testing.T) {
	c := NewConcat(chunks("abc", "", "defg", "hi")...)

	tests := []struct {
		offset int64
		whence int
		pos    int64
		want   string
	}{
		{0, io.SeekStart, 0, "abcdefghi"},
		{3, io.SeekStart, 3, "defghi"},
		{8, io.SeekStart, 8, "i"},
		{-2, io.SeekEnd, 7, "hi"},
		{0, io.SeekEnd, 9, ""},
		{5, io.SeekStart, 5, "fghi"},
	}
	for _, tt := range tests {
		pos, err := c.Seek(tt.offset, tt.whence)
		if err != nil {
			t.Fatalf("Seek(%d, %d) failed: %v", tt.offset, tt.whence, err)
		}
		if pos != tt.pos {
			t.Errorf("Seek(%d, %d) = %d, expected %d", tt.offset, tt.whence, pos, tt.pos)
		}
		if got := readAllWith(t, c, 2); string(got) != tt.want {
			t.Errorf("after Seek(%d, %d) read %q, expected %q", tt.offset, tt.whence, got, tt.want)
		}
	}
}

func TestConcatSeekCurrent(t *testing.T) {
	c := NewConcat(chunks("abc", "def")...)
	buf := make([]byte, 2)
	c.Read(buf)
	pos, err := c.Seek(2, io.SeekCurrent)
	if err != nil || pos != 4 {
		t.Fatalf("Seek(2, Current) = %d, %v", pos, err)
	}
	if got := readAllWith(t, c, 8); string(got) != "ef" {
		t.Errorf("expected %q, got %q", "ef", got)
	}
}

func TestConcatSeekOutOfRange(t *testing.T) {
	c := NewConcat(chunks("abc", "de")...)
	if _, err := c.Seek(6, io.SeekStart); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("seek beyond length: expected ErrOutOfRange, got %v", err)
	}
	if _, err := c.Seek(-1, io.SeekStart); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("negative seek: expected ErrOutOfRange, got %v", err)
	}
	if _, err := NewConcat().Seek(1, io.SeekStart); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("seek in empty concat: expected ErrOutOfRange, got %v", err)
	}
}

// Seeking into the first source measures only what it must.
func TestConcatSeekLazyRanges(t *testing.T) {
	first := newRecorder([]byte("abcd"))
	second := newRecorder([]byte("efgh"))
	c := NewConcat(first, second)

	if _, err := c.Seek(1, io.SeekStart); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	if len(second.ops) != 0 {
		t.Errorf("second source touched: %v", second.ops)
	}
	want := []string{"seek 0 2", "seek 1 0"}
	if diff := cmp.Diff(want, first.ops); diff != "" {
		t.Errorf("first source ops mismatch (-want +got):\n%s", diff)
	}
}

// Probing the size must not open a trailing lazy source with a hint, and the
// stream must still read correctly from the start afterwards.
func TestConcatSeekEndKeepsLazySourceClosed(t *testing.T) {
	op := &countingOpener{data: []byte("body")}
	tail := newRecorder([]byte("!"))
	c := NewConcat(
		bytes.NewReader([]byte("head:")),
		NewLazyOpen(op, WithSizeHint(4)),
		tail,
	)

	size, err := c.Seek(0, io.SeekEnd)
	if err != nil || size != 10 {
		t.Fatalf("Seek(0, End) = %d, %v; expected 10", size, err)
	}
	if op.calls != 0 {
		t.Fatalf("lazy source opened by size probe")
	}
	if tail.reads() != 0 {
		t.Errorf("trailing source read during size probe")
	}

	if _, err := c.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("Seek(0) failed: %v", err)
	}
	if got := readAllWith(t, c, 3); string(got) != "head:body!" {
		t.Errorf("expected %q, got %q", "head:body!", got)
	}
	if op.calls != 1 {
		t.Errorf("expected one open, got %d", op.calls)
	}
}

func TestConcatSize(t *testing.T) {
	c := NewConcat(chunks("ab", "cde")...)
	size, err := c.Size()
	if err != nil || size != 5 {
		t.Fatalf("Size() = %d, %v", size, err)
	}
	// Measuring must not move the read position.
	if got := readAllWith(t, c, 4); string(got) != "abcde" {
		t.Errorf("expected %q after Size, got %q", "abcde", got)
	}
}
