// Package client talks to the catalog's HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/radryc/scfs/internal/cache"
	"github.com/radryc/scfs/internal/vfs"
)

const (
	DefaultAPIBase  = "https://api.soundcloud.com"
	DefaultAuthBase = "https://api-v2.soundcloud.com"
	DefaultWebBase  = "https://soundcloud.com"

	// UserAgent is sent with every request; the API rejects unknown agents.
	UserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:71.0) Gecko/20100101 Firefox/71.0"

	// PageSize is the largest page the API serves.
	PageSize = 200

	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
)

// ErrLogin is returned when no client id or token could be obtained.
var ErrLogin = errors.New("login failed")

// ResponseCache stores raw response bodies by URL. *cache.Cache implements it.
type ResponseCache interface {
	GetResponse(url string) ([]byte, error)
	PutResponse(url string, body []byte) error
	GetArtwork(url string) (*cache.Artwork, error)
	PutArtwork(url string, art *cache.Artwork) error
	Invalidate(url string)
}

// Config configures a Client.
type Config struct {
	// ClientID skips scraping the public web client for one.
	ClientID string
	// Username and Password enable password login.
	Username string
	Password string

	APIBase  string // default DefaultAPIBase
	AuthBase string // default DefaultAuthBase
	WebBase  string // default DefaultWebBase

	Timeout       time.Duration // catalog request timeout (default: 30s)
	MaxRetries    uint64        // retries after the first attempt (default: 3)
	RetryInterval time.Duration // first retry delay (default: 500ms)
	Parallelism   int           // concurrent page fetches (default: 4)

	// HTTPClient and AudioClient override the transports. The audio client
	// must not carry an overall timeout since stream bodies are long-lived.
	HTTPClient  *http.Client
	AudioClient *http.Client

	Cache  ResponseCache // optional
	Logger *slog.Logger
}

// Client is a catalog API client. It is safe for concurrent use.
type Client struct {
	cfg      Config
	http     *http.Client
	audio    *http.Client
	cache    ResponseCache
	clientID string
	token    string
	session  string
	seq      atomic.Uint64
	logger   *slog.Logger
}

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Code, http.StatusText(e.Code))
}

// Unwrap maps 404 to vfs.ErrNotFound and everything else to vfs.ErrBackend.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return vfs.ErrNotFound
	}
	return vfs.ErrBackend
}

func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

func defaultAudioClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			MaxIdleConnsPerHost:   4,
		},
	}
}

// New creates a client, scraping a client id and logging in as configured.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.AuthBase == "" {
		cfg.AuthBase = DefaultAuthBase
	}
	if cfg.WebBase == "" {
		cfg.WebBase = DefaultWebBase
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	session := uuid.NewString()
	c := &Client{
		cfg:     cfg,
		http:    cfg.HTTPClient,
		audio:   cfg.AudioClient,
		cache:   cfg.Cache,
		session: session,
		logger:  logger.With("component", "client", "session", session),
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	if c.audio == nil {
		c.audio = defaultAudioClient()
	}

	c.clientID = cfg.ClientID
	if c.clientID == "" {
		id, err := c.scrapeClientID(ctx)
		if err != nil {
			c.logger.Error("failed to obtain client id", "error", err)
			return nil, err
		}
		c.clientID = id
	}

	if cfg.Username != "" {
		token, err := c.login(ctx, cfg.Username, cfg.Password)
		if err != nil {
			c.logger.Error("password login failed", "user", cfg.Username, "error", err)
			return nil, err
		}
		c.token = token
		c.logger.Info("logged in", "user", cfg.Username)
	}

	c.logger.Info("catalog client ready", "api", cfg.APIBase, "authenticated", c.token != "")
	return c, nil
}

// ParseLogin splits "user:pass".
func ParseLogin(s string) (user, pass string, err error) {
	user, pass, ok := strings.Cut(s, ":")
	if !ok || user == "" {
		return "", "", fmt.Errorf("login must be user:password")
	}
	return user, pass, nil
}

// ClientID returns the client id sent with API requests.
func (c *Client) ClientID() string { return c.clientID }

// Authenticated reports whether requests carry an OAuth token.
func (c *Client) Authenticated() bool { return c.token != "" }

func (c *Client) String() string {
	token := "<unset>"
	if len(c.token) >= 4 {
		token = c.token[:4] + "****"
	}
	return fmt.Sprintf("Client{id: %s, token: %s}", c.clientID, token)
}

func setDefaultHeaders(h http.Header) {
	h.Set("User-Agent", UserAgent)
	h.Set("Referer", DefaultWebBase+"/")
	h.Set("Origin", DefaultWebBase+"/")
}

// newRequest builds a request with the default headers. API requests also
// carry the client id and token.
func (c *Client) newRequest(ctx context.Context, method, rawURL string, body io.Reader, api bool) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", rawURL, err)
	}
	if api {
		q := u.Query()
		q.Set("client_id", c.clientID)
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	setDefaultHeaders(req.Header)
	req.Header.Set("X-Request-Id", c.session+"-"+strconv.FormatUint(c.seq.Add(1), 10))
	if api && c.token != "" {
		req.Header.Set("Authorization", "OAuth "+c.token)
	}
	return req, nil
}

func (c *Client) retryPolicy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.RetryInterval
	exp.MaxInterval = 10 * time.Second
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, c.cfg.MaxRetries), ctx)
}

// get fetches rawURL with retries. Transport errors, 429 and 5xx are
// retried; other statuses are final.
func (c *Client) get(ctx context.Context, rawURL string, api bool) ([]byte, string, error) {
	var (
		body        []byte
		contentType string
	)
	op := func() error {
		req, err := c.newRequest(ctx, http.MethodGet, rawURL, nil, api)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.logger.Debug("querying", "method", req.Method, "url", rawURL)
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			serr := &StatusError{Method: req.Method, URL: rawURL, Code: resp.StatusCode}
			if serr.retryable() {
				return serr
			}
			return backoff.Permanent(serr)
		}
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body of %s: %w", rawURL, err)
		}
		body, contentType = b, resp.Header.Get("Content-Type")
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("request failed, retrying", "url", rawURL, "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, c.retryPolicy(ctx), notify); err != nil {
		var serr *StatusError
		if errors.As(err, &serr) {
			return nil, "", err
		}
		return nil, "", vfs.BackendError(err)
	}
	return body, contentType, nil
}

// getJSON decodes an API response into v. Cacheable responses are served
// from and stored in the response cache.
func (c *Client) getJSON(ctx context.Context, rawURL string, v any, cacheable bool) error {
	if cacheable && c.cache != nil {
		if body, err := c.cache.GetResponse(rawURL); err == nil {
			if err := json.Unmarshal(body, v); err == nil {
				return nil
			}
			c.logger.Warn("dropping undecodable cached response", "url", rawURL)
			c.cache.Invalidate(rawURL)
		}
	}

	body, _, err := c.get(ctx, rawURL, true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		c.logger.Warn("bad response body", "url", rawURL, "error", err, "body", truncate(body, 512))
		return vfs.BackendError(fmt.Errorf("decode %s: %w", rawURL, err))
	}
	if cacheable && c.cache != nil {
		c.cache.PutResponse(rawURL, body)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
