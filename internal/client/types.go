package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the catalog's timestamp format.
const DateLayout = "2006/01/02 15:04:05 -0700"

// AudioBitrate is the bitrate of the mp3 stream in bits per second.
const AudioBitrate = 128_000

// Date decodes catalog timestamps. RFC 3339 is accepted as well.
type Date struct {
	time.Time
}

func (d *Date) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date: %w", err)
	}
	if s == "" {
		return nil
	}
	for _, layout := range []string{DateLayout, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("date: cannot parse %q", s)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(d.Format(DateLayout))
}

// Bool decodes JSON null as false.
type Bool bool

func (b *Bool) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*b = false
		return nil
	}
	var v bool
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*b = Bool(v)
	return nil
}

// OptString decodes null and "" as absent.
type OptString string

func (s *OptString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = OptString(v)
	return nil
}

func (s OptString) Valid() bool { return s != "" }

// User is a catalog account.
type User struct {
	ID                   int64     `json:"id"`
	Permalink            string    `json:"permalink"`
	Username             string    `json:"username"`
	LastModified         Date      `json:"last_modified"`
	URI                  string    `json:"uri"`
	PermalinkURL         string    `json:"permalink_url"`
	AvatarURL            OptString `json:"avatar_url"`
	Country              OptString `json:"country"`
	FullName             OptString `json:"full_name"`
	City                 OptString `json:"city"`
	Description          OptString `json:"description"`
	Online               Bool      `json:"online"`
	TrackCount           int64     `json:"track_count"`
	PlaylistCount        int64     `json:"playlist_count"`
	FollowersCount       int64     `json:"followers_count"`
	FollowingsCount      int64     `json:"followings_count"`
	PublicFavoritesCount int64     `json:"public_favorites_count"`
	Plan                 OptString `json:"plan"`
}

// TrackUser is the abbreviated owner embedded in a track.
type TrackUser struct {
	ID           int64     `json:"id"`
	Permalink    string    `json:"permalink"`
	Username     string    `json:"username"`
	URI          string    `json:"uri"`
	PermalinkURL string    `json:"permalink_url"`
	AvatarURL    OptString `json:"avatar_url"`
}

// Track is a catalog track.
type Track struct {
	ID             int64     `json:"id"`
	CreatedAt      Date      `json:"created_at"`
	UserID         int64     `json:"user_id"`
	DurationMs     int64     `json:"duration"`
	Commentable    Bool      `json:"commentable"`
	State          string    `json:"state"`
	LastModified   Date      `json:"last_modified"`
	Sharing        string    `json:"sharing"`
	TagList        string    `json:"tag_list"`
	Permalink      string    `json:"permalink"`
	Streamable     Bool      `json:"streamable"`
	Downloadable   Bool      `json:"downloadable"`
	DownloadURL    OptString `json:"download_url"`
	Genre          OptString `json:"genre"`
	Title          string    `json:"title"`
	Description    OptString `json:"description"`
	LabelName      OptString `json:"label_name"`
	ISRC           OptString `json:"isrc"`
	BPM            *float64  `json:"bpm"`
	ReleaseYear    *int      `json:"release_year"`
	ReleaseMonth   *int      `json:"release_month"`
	ReleaseDay     *int      `json:"release_day"`
	OriginalFormat OptString `json:"original_format"`
	License        string    `json:"license"`
	URI            string    `json:"uri"`
	User           TrackUser `json:"user"`
	PermalinkURL   string    `json:"permalink_url"`
	ArtworkURL     OptString `json:"artwork_url"`
}

// AudioSize estimates the length of the 128 kbit/s stream from the
// duration.
func (t *Track) AudioSize() int64 {
	if t.DurationMs <= 0 {
		return 0
	}
	return t.DurationMs * AudioBitrate / 1000 / 8
}

// DownloadFormat is the file extension of the original upload.
func (t *Track) DownloadFormat() string {
	if !t.DownloadURL.Valid() {
		return "mp3"
	}
	switch t.OriginalFormat {
	case "", "raw":
		return "mp3"
	}
	return string(t.OriginalFormat)
}

type page[T any] struct {
	Collection []T    `json:"collection"`
	NextHref   string `json:"next_href"`
}

type streamInfo struct {
	HTTPMP3128URL string `json:"http_mp3_128_url"`
}
