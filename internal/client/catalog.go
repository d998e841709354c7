package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/radryc/scfs/internal/cache"
	"github.com/radryc/scfs/internal/stream"
)

// ErrArtworkNotAvailable is returned for tracks without artwork.
var ErrArtworkNotAvailable = errors.New("artwork not available")

// maxPages bounds next_href chains.
const maxPages = 10000

// UserByName resolves a permalink.
func (c *Client) UserByName(ctx context.Context, permalink string) (*User, error) {
	var u User
	if err := c.getJSON(ctx, c.cfg.APIBase+"/users/"+url.PathEscape(permalink), &u, true); err != nil {
		return nil, err
	}
	return &u, nil
}

// Tracks lists the user's uploads.
func (c *Client) Tracks(ctx context.Context, u *User) ([]Track, error) {
	return fetchAll[Track](ctx, c, c.userURL(u, "tracks"), u.TrackCount)
}

// Favorites lists the tracks the user liked.
func (c *Client) Favorites(ctx context.Context, u *User) ([]Track, error) {
	return fetchAll[Track](ctx, c, c.userURL(u, "favorites"), u.PublicFavoritesCount)
}

// Followings lists the users the user follows.
func (c *Client) Followings(ctx context.Context, u *User) ([]User, error) {
	return fetchAll[User](ctx, c, c.userURL(u, "followings"), u.FollowingsCount)
}

func (c *Client) userURL(u *User, collection string) string {
	return fmt.Sprintf("%s/users/%d/%s", c.cfg.APIBase, u.ID, collection)
}

func pageURL(endpoint string, offset int64) string {
	v := url.Values{}
	v.Set("linked_partitioning", "1")
	v.Set("limit", strconv.Itoa(PageSize))
	if offset >= 0 {
		v.Set("offset", strconv.FormatInt(offset, 10))
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + v.Encode()
}

// fetchAll collects a paged collection. With a count hint every page is
// requested concurrently by offset; without one next_href is followed.
func fetchAll[T any](ctx context.Context, c *Client, endpoint string, hint int64) ([]T, error) {
	if hint <= 0 {
		return fetchSequential[T](ctx, c, endpoint)
	}

	pages := make([][]T, hint/PageSize+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Parallelism)
	for i := range pages {
		g.Go(func() error {
			var p page[T]
			if err := c.getJSON(gctx, pageURL(endpoint, int64(i)*PageSize), &p, true); err != nil {
				return err
			}
			pages[i] = p.Collection
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []T
	for _, p := range pages {
		out = append(out, p...)
	}
	c.logger.Debug("fetched collection", "endpoint", endpoint, "pages", len(pages), "items", len(out))
	return out, nil
}

func fetchSequential[T any](ctx context.Context, c *Client, endpoint string) ([]T, error) {
	var out []T
	next := pageURL(endpoint, -1)
	seen := make(map[string]bool)
	for n := 0; next != "" && n < maxPages; n++ {
		if seen[next] {
			c.logger.Warn("next_href loops, stopping", "url", next)
			break
		}
		seen[next] = true

		var p page[T]
		if err := c.getJSON(ctx, next, &p, true); err != nil {
			return nil, err
		}
		out = append(out, p.Collection...)
		next = p.NextHref
	}
	return out, nil
}

// StreamURL returns the signed mp3 stream location. It is never cached.
func (c *Client) StreamURL(ctx context.Context, t *Track) (string, error) {
	var info streamInfo
	if err := c.getJSON(ctx, fmt.Sprintf("%s/i1/tracks/%d/streams", c.cfg.APIBase, t.ID), &info, false); err != nil {
		return "", err
	}
	if info.HTTPMP3128URL == "" {
		return "", fmt.Errorf("track %d: no mp3 stream", t.ID)
	}
	return info.HTTPMP3128URL, nil
}

// Audio returns a seekable reader over the track's mp3 stream. ctx bounds
// every range request the reader makes.
func (c *Client) Audio(ctx context.Context, t *Track) (*stream.RangeSeeker, error) {
	streamURL, err := c.StreamURL(ctx, t)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, err
	}
	setDefaultHeaders(req.Header)
	c.logger.Debug("opening audio stream", "track", t.ID)
	return stream.NewRangeSeeker(c.audio, req), nil
}

// ArtworkURL returns the large cover URL for t.
func ArtworkURL(t *Track) (string, bool) {
	if !t.ArtworkURL.Valid() {
		return "", false
	}
	u := string(t.ArtworkURL)
	// "-large" is 100x100.
	if base, ok := strings.CutSuffix(u, "-large.jpg"); ok {
		u = base + "-t500x500.jpg"
	}
	return u, true
}

// Artwork downloads the cover image and its MIME type.
func (c *Client) Artwork(ctx context.Context, t *Track) ([]byte, string, error) {
	u, ok := ArtworkURL(t)
	if !ok {
		return nil, "", ErrArtworkNotAvailable
	}
	if c.cache != nil {
		if art, err := c.cache.GetArtwork(u); err == nil {
			return art.Data, art.MimeType, nil
		}
	}

	data, mime, err := c.get(ctx, u, false)
	if err != nil {
		return nil, "", err
	}
	if mime == "" {
		mime = "image/jpg"
	}
	if c.cache != nil {
		c.cache.PutArtwork(u, &cache.Artwork{MimeType: mime, Data: data})
	}
	return data, mime, nil
}
