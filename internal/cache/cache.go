// Package cache provides an optional persistent cache of catalog responses
// using NutsDB.
package cache

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nutsdb/nutsdb"
)

const (
	responseBucket = "responses"
	artworkBucket  = "artwork"
)

// DefaultTTL is the default time-to-live for cached responses.
const DefaultTTL = 5 * time.Minute

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Artwork is a cached cover image.
type Artwork struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Cache stores catalog response bodies keyed by request URL.
type Cache struct {
	db     *nutsdb.DB
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a new cache instance at the specified directory. A ttl of zero
// means DefaultTTL.
func New(dir string, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cache")
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	db, err := nutsdb.Open(
		nutsdb.DefaultOptions,
		nutsdb.WithDir(dir),
		nutsdb.WithSegmentSize(64*1024*1024),
		nutsdb.WithEntryIdxMode(nutsdb.HintKeyAndRAMIdxMode),
		nutsdb.WithRWMode(nutsdb.MMap),
	)
	if err != nil {
		logger.Error("failed to open cache database", "dir", dir, "error", err)
		return nil, err
	}

	err = db.Update(func(tx *nutsdb.Tx) error {
		for _, b := range []string{responseBucket, artworkBucket} {
			if err := tx.NewBucket(nutsdb.DataStructureBTree, b); err != nil && !errors.Is(err, nutsdb.ErrBucketAlreadyExist) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to create cache buckets", "error", err)
		db.Close()
		return nil, err
	}

	logger.Info("cache initialized", "dir", dir, "ttl", ttl)
	return &Cache{db: db, ttl: ttl, logger: logger}, nil
}

func (c *Cache) ttlSeconds() uint32 {
	s := uint32(c.ttl / time.Second)
	if s == 0 {
		s = 1
	}
	return s
}

func (c *Cache) get(bucket, key string) ([]byte, error) {
	var out []byte
	err := c.db.View(func(tx *nutsdb.Tx) error {
		val, err := tx.Get(bucket, []byte(key))
		if err != nil {
			return err
		}
		out = append([]byte(nil), val...)
		return nil
	})
	if err != nil {
		return nil, ErrMiss
	}
	return out, nil
}

func (c *Cache) put(bucket, key string, val []byte) error {
	return c.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(bucket, []byte(key), val, c.ttlSeconds())
	})
}

// GetResponse returns the cached body for url or ErrMiss.
func (c *Cache) GetResponse(url string) ([]byte, error) {
	body, err := c.get(responseBucket, url)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("cache hit", "type", "response", "url", url, "bytes", len(body))
	return body, nil
}

// PutResponse stores body for url with the cache TTL.
func (c *Cache) PutResponse(url string, body []byte) error {
	if err := c.put(responseBucket, url, body); err != nil {
		c.logger.Warn("failed to cache response", "url", url, "error", err)
		return err
	}
	c.logger.Debug("cached response", "url", url, "bytes", len(body))
	return nil
}

// GetArtwork returns a cached cover image or ErrMiss.
func (c *Cache) GetArtwork(url string) (*Artwork, error) {
	val, err := c.get(artworkBucket, url)
	if err != nil {
		return nil, err
	}
	var art Artwork
	if err := json.Unmarshal(val, &art); err != nil {
		c.logger.Warn("discarding corrupt artwork entry", "url", url, "error", err)
		return nil, ErrMiss
	}
	c.logger.Debug("cache hit", "type", "artwork", "url", url)
	return &art, nil
}

// PutArtwork stores a cover image.
func (c *Cache) PutArtwork(url string, art *Artwork) error {
	data, err := json.Marshal(art)
	if err != nil {
		return err
	}
	if err := c.put(artworkBucket, url, data); err != nil {
		c.logger.Warn("failed to cache artwork", "url", url, "error", err)
		return err
	}
	return nil
}

// Invalidate removes url from every bucket.
func (c *Cache) Invalidate(url string) {
	c.db.Update(func(tx *nutsdb.Tx) error {
		tx.Delete(responseBucket, []byte(url))
		tx.Delete(artworkBucket, []byte(url))
		return nil
	})
	c.logger.Debug("invalidated cache", "url", url)
}

// Close closes the cache database.
func (c *Cache) Close() error {
	c.logger.Info("closing cache")
	return c.db.Close()
}
