// Package id3tag renders the ID3v2.4 tag prepended to every track file.
package id3tag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/bogem/id3v2/v2"

	"github.com/radryc/scfs/internal/client"
)

// Options selects optional tag content.
type Options struct {
	// Artwork embeds the cover image as an APIC frame.
	Artwork bool
	// ParseStrings splits "Artist - Title" titles.
	ParseStrings bool
}

// ArtworkSource fetches cover images. *client.Client implements it.
type ArtworkSource interface {
	Artwork(ctx context.Context, t *client.Track) ([]byte, string, error)
}

// SplitTitle returns the artist and title for t.
func SplitTitle(t *client.Track, parse bool) (artist, title string) {
	if parse {
		if a, ti, ok := strings.Cut(t.Title, " - "); ok && a != "" && ti != "" {
			return a, ti
		}
	}
	return t.User.Username, t.Title
}

// Build renders the tag for t. Artwork failures are logged and the tag is
// built without a picture.
func Build(ctx context.Context, t *client.Track, art ArtworkSource, opts Options, logger *slog.Logger) ([]byte, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tag := id3v2.NewEmptyTag()
	tag.SetVersion(4)
	tag.SetDefaultEncoding(id3v2.EncodingUTF8)

	artist, title := SplitTitle(t, opts.ParseStrings)
	tag.SetArtist(artist)
	tag.SetTitle(title)

	text := func(id, value string) {
		if value != "" {
			tag.AddTextFrame(id, id3v2.EncodingUTF8, value)
		}
	}

	if t.DurationMs > 0 {
		text("TLEN", strconv.FormatInt(t.DurationMs, 10))
	}
	text("TCOP", t.License)
	if t.PermalinkURL != "" {
		tag.AddFrame("WOAF", id3v2.UnknownFrame{Body: []byte(t.PermalinkURL)})
	}
	if t.User.PermalinkURL != "" {
		tag.AddFrame("WOAR", id3v2.UnknownFrame{Body: []byte(t.User.PermalinkURL)})
	}

	year := t.CreatedAt.Year()
	if t.ReleaseYear != nil {
		year = *t.ReleaseYear
		text("TORY", strconv.Itoa(year))
	}
	if !t.CreatedAt.IsZero() || t.ReleaseYear != nil {
		tag.SetYear(strconv.Itoa(year))
		text("TYER", strconv.Itoa(year))
	}
	if !t.CreatedAt.IsZero() {
		text("TDAT", fmt.Sprintf("%02d%02d", t.CreatedAt.Day(), int(t.CreatedAt.Month())))
	}

	if t.Description.Valid() {
		tag.AddCommentFrame(id3v2.CommentFrame{
			Encoding:    id3v2.EncodingUTF8,
			Language:    "eng",
			Description: "Description",
			Text:        string(t.Description),
		})
	}
	if t.Genre.Valid() {
		tag.SetGenre(string(t.Genre))
	}
	if t.BPM != nil {
		text("TBPM", strconv.FormatFloat(math.Round(*t.BPM), 'f', 0, 64))
	}
	text("TPUB", string(t.LabelName))
	text("TSRC", string(t.ISRC))

	if opts.Artwork && art != nil {
		data, mime, err := art.Artwork(ctx, t)
		switch {
		case errors.Is(err, client.ErrArtworkNotAvailable):
		case err != nil:
			logger.Error("failed to fetch artwork", "track", t.ID, "error", err)
		default:
			tag.AddAttachedPicture(id3v2.PictureFrame{
				Encoding:    id3v2.EncodingUTF8,
				MimeType:    mime,
				PictureType: id3v2.PTFrontCover,
				Description: "Artwork",
				Picture:     data,
			})
		}
	}

	var buf bytes.Buffer
	if _, err := tag.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("id3 tag for track %d: %w", t.ID, err)
	}
	return buf.Bytes(), nil
}
