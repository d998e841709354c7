package vfs

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

var _ Directory = (*DirCache)(nil)

// DirCache memoizes a Directory for the lifetime of the wrapper.
//
// The listing and every successful or not-found lookup are remembered and
// never invalidated. Other lookup errors are returned without being cached.
// Concurrent lookups of the same name share one backend call.
type DirCache struct {
	inner Directory
	group singleflight.Group

	mu       sync.Mutex
	listing  []Entry
	listed   bool
	positive map[string]Node
	negative map[string]struct{}
}

// NewDirCache wraps inner. Wrapping a *DirCache returns it unchanged.
func NewDirCache(inner Directory) *DirCache {
	if dc, ok := inner.(*DirCache); ok {
		return dc
	}
	return &DirCache{
		inner:    inner,
		positive: make(map[string]Node),
		negative: make(map[string]struct{}),
	}
}

func (c *DirCache) Metadata() (Metadata, error) {
	return c.inner.Metadata()
}

func (c *DirCache) Files(ctx context.Context) ([]Entry, error) {
	c.mu.Lock()
	if c.listed {
		out := c.listing
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("\x00files", func() (any, error) {
		c.mu.Lock()
		if c.listed {
			out := c.listing
			c.mu.Unlock()
			return out, nil
		}
		c.mu.Unlock()

		entries, err := c.inner.Files(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.listing = entries
		c.listed = true
		for _, e := range entries {
			if _, ok := c.positive[e.Name]; !ok {
				c.positive[e.Name] = e.Node
			}
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Entry), nil
}

func (c *DirCache) lookupCached(name string) (Node, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.negative[name]; ok {
		return Node{}, true, NotFound(name)
	}
	if n, ok := c.positive[name]; ok {
		return n, true, nil
	}
	// A completed listing does not prove absence: directories may resolve
	// names they do not list.
	return Node{}, false, nil
}

func (c *DirCache) FileByName(ctx context.Context, name string) (Node, error) {
	if n, hit, err := c.lookupCached(name); hit {
		return n, err
	}

	// Names cannot contain NUL, so the key never collides with "\x00files".
	v, err, _ := c.group.Do(name, func() (any, error) {
		if n, hit, err := c.lookupCached(name); hit {
			return n, err
		}
		n, err := c.inner.FileByName(ctx, name)
		c.mu.Lock()
		defer c.mu.Unlock()
		switch {
		case err == nil:
			c.positive[name] = n
		case errors.Is(err, ErrNotFound):
			c.negative[name] = struct{}{}
		}
		return n, err
	})
	if err != nil {
		return Node{}, err
	}
	return v.(Node), nil
}
