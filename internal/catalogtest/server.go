// Package catalogtest runs an in-process fake of the catalog HTTP API for
// tests.
package catalogtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// ClientID is the id embedded in the fake web client script.
const ClientID = "test-client-id"

// Token is returned by a successful password login.
const Token = "1-234567-secret"

// Stamp is the creation and modification time of every fixture.
var Stamp = time.Date(2018, 11, 6, 12, 30, 0, 0, time.UTC)

// User is a fixture account.
type User struct {
	ID         int64
	Permalink  string
	Username   string
	Tracks     []int64
	Favorites  []int64
	Followings []string
}

// Track is a fixture track. Audio is served with range support.
type Track struct {
	ID          int64
	UserID      int64
	Permalink   string
	Title       string
	DurationMs  int64
	Genre       string
	Description string
	ReleaseYear int
	Artwork     bool
	Audio       []byte
}

// Server is a fake catalog. Configure fixtures before issuing requests.
type Server struct {
	*httptest.Server

	// Users are keyed by permalink.
	Users  map[string]*User
	Tracks map[int64]*Track

	// OmitCounts leaves collection counts out of user objects so clients
	// must follow next_href.
	OmitCounts bool
	// MaxPage caps the page size the server honours. Zero means no cap.
	MaxPage int
	// Login holds the accepted "user:password", if any.
	Login string

	mu       sync.Mutex
	requests map[string]int
	failures map[string]int
	auth     []string
}

// NewServer starts a fake catalog that is closed with the test.
func NewServer(t testing.TB) *Server {
	s := &Server{
		Users:    make(map[string]*User),
		Tracks:   make(map[int64]*Track),
		requests: make(map[string]int),
		failures: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /discover", s.handleDiscover)
	mux.HandleFunc("GET /assets/app.js", s.handleScript)
	mux.HandleFunc("POST /sign-in/password", s.handleLogin)
	mux.HandleFunc("GET /users/{name}", s.api(s.handleUser))
	mux.HandleFunc("GET /users/{id}/{collection}", s.api(s.handleCollection))
	mux.HandleFunc("GET /i1/tracks/{id}/streams", s.api(s.handleStreams))
	mux.HandleFunc("GET /audio/{id}", s.handleAudio)
	mux.HandleFunc("GET /artwork/{file}", s.handleArtwork)

	s.Server = httptest.NewServer(s.count(mux))
	t.Cleanup(s.Close)
	return s
}

// AddUser registers u.
func (s *Server) AddUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Users[u.Permalink] = u
}

// AddTrack registers t.
func (s *Server) AddTrack(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tracks[t.ID] = t
}

// FailNext makes the next n requests to path answer 503.
func (s *Server) FailNext(path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = n
}

// Requests returns how many requests hit path.
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

// RequestsWithPrefix sums requests over paths starting with prefix.
func (s *Server) RequestsWithPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for p, c := range s.requests {
		if strings.HasPrefix(p, prefix) {
			n += c
		}
	}
	return n
}

// Authorizations returns the Authorization headers seen on API requests.
func (s *Server) Authorizations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.auth...)
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.URL.Path]++
		fail := s.failures[r.URL.Path] > 0
		if fail {
			s.failures[r.URL.Path]--
		}
		s.mu.Unlock()
		if fail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// api requires the client id and records the Authorization header.
func (s *Server) api(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("client_id") != ClientID {
			http.Error(w, "bad client id", http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.mu.Unlock()
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func date(t time.Time) string { return t.Format("2006/01/02 15:04:05 -0700") }

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, `<html><head>
<script crossorigin src="/assets/vendor.js"></script>
<script crossorigin src="/assets/app.js"></script>
</head></html>`)
}

func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, `!function(e){var t={client_id:"%s",env:"production"}}`, ClientID)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientID    string `json:"client_id"`
		Credentials struct {
			Identifier string `json:"identifier"`
			Password   string `json:"password"`
		} `json:"credentials"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.Login == "" || body.Credentials.Identifier+":"+body.Credentials.Password != s.Login || body.ClientID != ClientID {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]any{"session": map[string]any{"access_token": Token}})
}

func (s *Server) userJSON(u *User) map[string]any {
	m := map[string]any{
		"id":            u.ID,
		"permalink":     u.Permalink,
		"username":      u.Username,
		"last_modified": date(Stamp),
		"uri":           fmt.Sprintf("%s/users/%d", s.URL, u.ID),
		"permalink_url": "https://soundcloud.com/" + u.Permalink,
		"avatar_url":    "",
		"online":        nil,
		"country":       nil,
	}
	if !s.OmitCounts {
		m["track_count"] = len(u.Tracks)
		m["public_favorites_count"] = len(u.Favorites)
		m["followings_count"] = len(u.Followings)
	}
	return m
}

func (s *Server) trackJSON(t *Track) map[string]any {
	owner := s.userByID(t.UserID)
	m := map[string]any{
		"id":            t.ID,
		"created_at":    date(Stamp),
		"last_modified": date(Stamp.Add(time.Hour)),
		"user_id":       t.UserID,
		"duration":      t.DurationMs,
		"permalink":     t.Permalink,
		"title":         t.Title,
		"description":   t.Description,
		"genre":         t.Genre,
		"label_name":    "",
		"isrc":          nil,
		"bpm":           nil,
		"license":       "all-rights-reserved",
		"commentable":   nil,
		"streamable":    true,
		"permalink_url": fmt.Sprintf("https://soundcloud.com/%s/%s", owner.Permalink, t.Permalink),
		"artwork_url":   nil,
		"user": map[string]any{
			"id":            owner.ID,
			"permalink":     owner.Permalink,
			"username":      owner.Username,
			"permalink_url": "https://soundcloud.com/" + owner.Permalink,
		},
	}
	if t.ReleaseYear != 0 {
		m["release_year"] = t.ReleaseYear
	}
	if t.Artwork {
		m["artwork_url"] = fmt.Sprintf("%s/artwork/%d-large.jpg", s.URL, t.ID)
	}
	return m
}

func (s *Server) userByID(id int64) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.Users {
		if u.ID == id {
			return u
		}
	}
	return &User{ID: id, Permalink: "unknown", Username: "unknown"}
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	u, ok := s.Users[r.PathValue("name")]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, s.userJSON(u))
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	u := s.userByID(id)

	var items []any
	switch r.PathValue("collection") {
	case "tracks", "favorites":
		ids := u.Tracks
		if r.PathValue("collection") == "favorites" {
			ids = u.Favorites
		}
		for _, tid := range ids {
			s.mu.Lock()
			t := s.Tracks[tid]
			s.mu.Unlock()
			items = append(items, s.trackJSON(t))
		}
	case "followings":
		for _, name := range u.Followings {
			s.mu.Lock()
			f, ok := s.Users[name]
			s.mu.Unlock()
			if !ok {
				f = &User{Permalink: name, Username: name}
			}
			items = append(items, s.userJSON(f))
		}
	default:
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	if s.MaxPage > 0 && limit > s.MaxPage {
		limit = s.MaxPage
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := min(offset+limit, len(items))

	resp := map[string]any{"collection": items[offset:end]}
	if items == nil {
		resp["collection"] = []any{}
	}
	if end < len(items) {
		resp["next_href"] = fmt.Sprintf("%s%s?linked_partitioning=1&limit=%d&offset=%d", s.URL, r.URL.Path, limit, end)
	} else {
		resp["next_href"] = nil
	}
	writeJSON(w, resp)
}

func (s *Server) track(w http.ResponseWriter, r *http.Request) (*Track, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return nil, false
	}
	s.mu.Lock()
	t, ok := s.Tracks[id]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return nil, false
	}
	return t, true
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	t, ok := s.track(w, r)
	if !ok {
		return
	}
	writeJSON(w, map[string]any{"http_mp3_128_url": fmt.Sprintf("%s/audio/%d", s.URL, t.ID)})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	t, ok := s.track(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	http.ServeContent(w, r, "", Stamp, bytes.NewReader(t.Audio))
}

// ArtworkData is served for every artwork URL.
var ArtworkData = []byte("\x89PNG\r\n\x1a\nfake-image")

func (s *Server) handleArtwork(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.PathValue("file"), "-t500x500.jpg") {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(ArtworkData)
}
