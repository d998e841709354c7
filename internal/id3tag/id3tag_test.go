package id3tag

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bogem/id3v2/v2"

	"github.com/radryc/scfs/internal/client"
)

type fakeArtwork struct {
	data  []byte
	mime  string
	err   error
	calls int
}

func (f *fakeArtwork) Artwork(ctx context.Context, t *client.Track) ([]byte, string, error) {
	f.calls++
	return f.data, f.mime, f.err
}

func sampleTrack() *client.Track {
	bpm := 127.6
	year := 2016
	return &client.Track{
		ID:           42,
		Title:        "Someone - Night Drive",
		Permalink:    "night-drive",
		DurationMs:   215000,
		License:      "cc-by",
		PermalinkURL: "https://soundcloud.com/uploader/night-drive",
		CreatedAt:    client.Date{Time: time.Date(2018, 3, 9, 10, 0, 0, 0, time.UTC)},
		Description:  "late night",
		Genre:        "Techno",
		BPM:          &bpm,
		ReleaseYear:  &year,
		LabelName:    "Label",
		ISRC:         "XX0000000001",
		User: client.TrackUser{
			Username:     "Uploader",
			Permalink:    "uploader",
			PermalinkURL: "https://soundcloud.com/uploader",
		},
	}
}

func parse(t *testing.T, b []byte) *id3v2.Tag {
	t.Helper()
	tag, err := id3v2.ParseReader(bytes.NewReader(b), id3v2.Options{Parse: true})
	if err != nil {
		t.Fatalf("ParseReader failed: %v", err)
	}
	return tag
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestBuildFrames(t *testing.T) {
	b, err := Build(context.Background(), sampleTrack(), nil, Options{ParseStrings: true}, quiet())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	tag := parse(t, b)

	if tag.Version() != 4 {
		t.Errorf("expected ID3v2.4, got v2.%d", tag.Version())
	}
	if tag.Artist() != "Someone" || tag.Title() != "Night Drive" {
		t.Errorf("artist/title = %q / %q", tag.Artist(), tag.Title())
	}
	if tag.Genre() != "Techno" {
		t.Errorf("genre = %q", tag.Genre())
	}

	texts := map[string]string{
		"TLEN": "215000",
		"TCOP": "cc-by",
		"TORY": "2016",
		"TYER": "2016",
		"TDAT": "0903",
		"TBPM": "128",
		"TPUB": "Label",
		"TSRC": "XX0000000001",
	}
	for id, want := range texts {
		if got := tag.GetTextFrame(id).Text; got != want {
			t.Errorf("%s = %q, expected %q", id, got, want)
		}
	}

	links := map[string]string{
		"WOAF": "https://soundcloud.com/uploader/night-drive",
		"WOAR": "https://soundcloud.com/uploader",
	}
	for id, want := range links {
		frames := tag.GetFrames(id)
		if len(frames) != 1 {
			t.Errorf("expected one %s frame, got %d", id, len(frames))
			continue
		}
		if f, ok := frames[0].(id3v2.UnknownFrame); !ok || string(f.Body) != want {
			t.Errorf("%s = %#v, expected %q", id, frames[0], want)
		}
	}

	comments := tag.GetFrames(tag.CommonID("Comments"))
	if len(comments) != 1 {
		t.Fatalf("expected one comment, got %d", len(comments))
	}
	if c := comments[0].(id3v2.CommentFrame); c.Text != "late night" || c.Language != "eng" || c.Description != "Description" {
		t.Errorf("unexpected comment %+v", c)
	}
	if pics := tag.GetFrames(tag.CommonID("Attached picture")); len(pics) != 0 {
		t.Errorf("artwork embedded without option: %d pictures", len(pics))
	}
}

func TestSplitTitle(t *testing.T) {
	tr := sampleTrack()
	tests := []struct {
		title  string
		parse  bool
		artist string
		want   string
	}{
		{"Someone - Night Drive", true, "Someone", "Night Drive"},
		{"Someone - Night Drive", false, "Uploader", "Someone - Night Drive"},
		{"Plain Title", true, "Uploader", "Plain Title"},
		{" - Leading", true, "Uploader", " - Leading"},
		{"A - B - C", true, "A", "B - C"},
	}
	for _, tt := range tests {
		tr.Title = tt.title
		artist, title := SplitTitle(tr, tt.parse)
		if artist != tt.artist || title != tt.want {
			t.Errorf("SplitTitle(%q, %v) = %q, %q", tt.title, tt.parse, artist, title)
		}
	}
}

func TestBuildMinimalTrack(t *testing.T) {
	tr := &client.Track{ID: 1, Title: "Untitled", User: client.TrackUser{Username: "someone"}}
	b, err := Build(context.Background(), tr, nil, Options{}, quiet())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	tag := parse(t, b)
	if tag.Title() != "Untitled" || tag.Artist() != "someone" {
		t.Errorf("artist/title = %q / %q", tag.Artist(), tag.Title())
	}
	if got := tag.GetTextFrame("TDAT").Text; got != "" {
		t.Errorf("unexpected TDAT %q for track without dates", got)
	}
}

func TestBuildArtwork(t *testing.T) {
	art := &fakeArtwork{data: []byte("png-bytes"), mime: "image/png"}
	b, err := Build(context.Background(), sampleTrack(), art, Options{Artwork: true}, quiet())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	tag := parse(t, b)
	pics := tag.GetFrames(tag.CommonID("Attached picture"))
	if len(pics) != 1 {
		t.Fatalf("expected one picture, got %d", len(pics))
	}
	pic := pics[0].(id3v2.PictureFrame)
	if pic.MimeType != "image/png" || pic.PictureType != id3v2.PTFrontCover || !bytes.Equal(pic.Picture, art.data) {
		t.Errorf("unexpected picture frame: mime=%q type=%d len=%d", pic.MimeType, pic.PictureType, len(pic.Picture))
	}
}

func TestBuildArtworkFailures(t *testing.T) {
	for _, err := range []error{client.ErrArtworkNotAvailable, errors.New("connection reset")} {
		art := &fakeArtwork{err: err}
		b, berr := Build(context.Background(), sampleTrack(), art, Options{Artwork: true}, quiet())
		if berr != nil {
			t.Fatalf("Build failed with artwork error %v: %v", err, berr)
		}
		if art.calls != 1 {
			t.Errorf("expected one artwork fetch, got %d", art.calls)
		}
		tag := parse(t, b)
		if pics := tag.GetFrames(tag.CommonID("Attached picture")); len(pics) != 0 {
			t.Errorf("picture embedded despite error %v", err)
		}
	}
}
