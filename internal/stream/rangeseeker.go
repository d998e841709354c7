package stream

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

type rangeState int

const (
	noResponse rangeState = iota
	haveResponse
	outOfRange
)

// RangeSeeker reads a remote HTTP resource through "Range: bytes=N-" requests.
//
// A response is drained sequentially and never re-requested mid-read. When a
// seek abandons an open response, that response is kept in a single slot keyed
// by the position its body is at; seeking straight back revives it instead of
// issuing a new request.
type RangeSeeker struct {
	client *http.Client
	req    *http.Request

	state  rangeState
	offset int64
	length int64 // -1 until known
	body   io.ReadCloser

	stash   io.ReadCloser
	stashAt int64

	requests int
}

// NewRangeSeeker returns a seeker for req, a GET template cloned for every
// request. A nil client means http.DefaultClient.
func NewRangeSeeker(client *http.Client, req *http.Request) *RangeSeeker {
	if client == nil {
		client = http.DefaultClient
	}
	return &RangeSeeker{client: client, req: req, length: -1}
}

// Requests returns the number of HTTP requests issued so far.
func (r *RangeSeeker) Requests() int { return r.requests }

// Length returns the content length if a response has revealed it.
func (r *RangeSeeker) Length() (int64, bool) { return r.length, r.length >= 0 }

func (r *RangeSeeker) next() error {
	req := r.req.Clone(r.req.Context())
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", r.offset))
	r.requests++
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("range request at %d: %w", r.offset, err)
	}

	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		_, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || total < 0 {
			return fmt.Errorf("%w: %s at %d without total length", ErrProtocol, resp.Status, r.offset)
		}
		r.length = total
		r.state = outOfRange
		return nil

	case resp.StatusCode == http.StatusOK && r.offset == 0,
		resp.StatusCode == http.StatusPartialContent:
		if resp.StatusCode == http.StatusPartialContent {
			start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
			if ok && start != r.offset {
				resp.Body.Close()
				return fmt.Errorf("%w: asked for offset %d, got %d", ErrProtocol, r.offset, start)
			}
			if ok && total >= 0 {
				r.length = total
			}
		}
		if resp.ContentLength >= 0 {
			r.length = r.offset + resp.ContentLength
		}
		r.body = resp.Body
		r.state = haveResponse
		return nil

	default:
		resp.Body.Close()
		return fmt.Errorf("%w: unexpected status %s for range at %d", ErrProtocol, resp.Status, r.offset)
	}
}

func (r *RangeSeeker) dropStash() {
	if r.stash != nil {
		r.stash.Close()
		r.stash = nil
	}
}

func (r *RangeSeeker) Read(p []byte) (int, error) {
	r.dropStash()
	if r.length >= 0 && r.offset >= r.length {
		return 0, io.EOF
	}
	if r.state == noResponse {
		if err := r.next(); err != nil {
			return 0, err
		}
	}
	if r.state == outOfRange {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) {
		m, err := r.body.Read(p[n:])
		n += m
		if err == io.EOF {
			break
		}
		if err != nil {
			r.offset += int64(n)
			return n, err
		}
		if m == 0 {
			break
		}
	}
	r.offset += int64(n)
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (r *RangeSeeker) Seek(offset int64, whence int) (int64, error) {
	if whence == io.SeekEnd && r.length < 0 {
		if r.state == noResponse {
			if err := r.next(); err != nil {
				return 0, err
			}
		}
		if r.length < 0 {
			return 0, fmt.Errorf("%w: content length unknown", ErrProtocol)
		}
	}
	abs, err := resolve(offset, whence, r.offset, r.length)
	if err != nil {
		return 0, err
	}
	if abs == r.offset {
		return abs, nil
	}

	if r.state == haveResponse {
		r.dropStash()
		r.stash, r.stashAt = r.body, r.offset
		r.body = nil
	}
	r.state = noResponse
	r.offset = abs

	switch {
	case r.stash != nil && r.stashAt == abs:
		r.body, r.stash = r.stash, nil
		r.state = haveResponse
	case r.length >= 0 && abs >= r.length:
		r.state = outOfRange
	}
	return abs, nil
}

func (r *RangeSeeker) Close() error {
	r.dropStash()
	if r.body != nil {
		err := r.body.Close()
		r.body = nil
		r.state = noResponse
		return err
	}
	return nil
}

// parseContentRange parses "bytes a-b/total" and "bytes */total". A total
// of "*" is reported as -1.
func parseContentRange(h string) (start, total int64, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(h), "bytes ")
	if !found {
		return 0, 0, false
	}
	rng, tot, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, false
	}
	total = -1
	if tot != "*" {
		t, err := strconv.ParseInt(tot, 10, 64)
		if err != nil || t < 0 {
			return 0, 0, false
		}
		total = t
	}
	if rng == "*" {
		return 0, total, true
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	s, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return s, total, true
}
