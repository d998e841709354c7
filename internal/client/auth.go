package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/grafana/regexp"
)

var (
	scriptTagRe = regexp.MustCompile(`<script crossorigin src="([^"]+)"></script>`)
	clientIDRe  = regexp.MustCompile(`client_id:"(.+?)"`)
)

// Values the web client sends with a password login.
const (
	loginScope     = "fast-connect non-expiring purchase signup upload"
	loginRecaptcha = "6LeAxT8UAAAAAOLTfaWhndPCjGOnB54U1GEACb7N"
	loginSignature = "8:3-1-28405-134-1638720-1024-0-0:4ab691:2"
	loginDeviceID  = "381629-667600-267798-887023"
	loginPath      = "/sign-in/password?app_version=1541509103&app_locale=en"
)

type credentials struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type loginRequest struct {
	ClientID          string      `json:"client_id"`
	Scope             string      `json:"scope"`
	RecaptchaPubkey   string      `json:"recaptcha_pubkey"`
	RecaptchaResponse *string     `json:"recaptcha_response"`
	Credentials       credentials `json:"credentials"`
	Signature         string      `json:"signature"`
	DeviceID          string      `json:"device_id"`
	UserAgent         string      `json:"user_agent"`
}

type loginResponse struct {
	Session struct {
		AccessToken string `json:"access_token"`
	} `json:"session"`
}

// scrapeClientID finds the anonymous client id embedded in the last script
// of the public discover page.
func (c *Client) scrapeClientID(ctx context.Context) (string, error) {
	pageURL := c.cfg.WebBase + "/discover"
	page, _, err := c.get(ctx, pageURL, false)
	if err != nil {
		return "", fmt.Errorf("%w: fetch %s: %w", ErrLogin, pageURL, err)
	}

	matches := scriptTagRe.FindAllSubmatch(page, -1)
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: no script tag on %s", ErrLogin, pageURL)
	}
	script, err := resolveURL(pageURL, string(matches[len(matches)-1][1]))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrLogin, err)
	}

	js, _, err := c.get(ctx, script, false)
	if err != nil {
		return "", fmt.Errorf("%w: fetch %s: %w", ErrLogin, script, err)
	}
	m := clientIDRe.FindSubmatch(js)
	if m == nil {
		return "", fmt.Errorf("%w: no client id in %s", ErrLogin, script)
	}
	c.logger.Debug("scraped client id", "script", script)
	return string(m[1]), nil
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

// login exchanges a username and password for an OAuth token. It is not
// retried.
func (c *Client) login(ctx context.Context, username, password string) (string, error) {
	body, err := json.Marshal(loginRequest{
		ClientID:        c.clientID,
		Scope:           loginScope,
		RecaptchaPubkey: loginRecaptcha,
		Credentials:     credentials{Identifier: username, Password: password},
		Signature:       loginSignature,
		DeviceID:        loginDeviceID,
		UserAgent:       UserAgent,
	})
	if err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.cfg.AuthBase+loginPath, bytes.NewReader(body), true)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrLogin, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %w", ErrLogin, &StatusError{Method: req.Method, URL: c.cfg.AuthBase + loginPath, Code: resp.StatusCode})
	}

	var out loginResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode session: %w", ErrLogin, err)
	}
	if out.Session.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrLogin)
	}
	return out.Session.AccessToken, nil
}
