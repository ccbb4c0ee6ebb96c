// Package upstream talks to the catalog site: an authenticated fetch of the
// obfuscated player-data blob and plain fetches of playlist bodies. It owns
// the cookie session; callers only see bytes or errors.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"kinostream/config"
)

// ErrUpstream marks network failures and non-2xx responses from the catalog
// site. The resolver treats it as retryable via its one forced-fresh pass.
var ErrUpstream = errors.New("upstream fetch failed")

// Bodies larger than this are certainly not playlists or player data.
const maxBodyBytes = 16 << 20

// Client is the authenticated catalog site client. Safe for concurrent use.
type Client struct {
	base     *url.URL
	cfg      config.UpstreamSettings
	http     *http.Client
	attempts uint

	mu       sync.Mutex
	loggedIn bool
}

// NewClient builds a client from settings. Credentials are optional; when
// absent the player-data endpoint is fetched anonymously.
func NewClient(cfg config.UpstreamSettings) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" {
		return nil, fmt.Errorf("invalid upstream base url %q", cfg.BaseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attempts := uint(cfg.RetryAttempts)
	if attempts == 0 {
		attempts = 1
	}

	return &Client{
		base:     base,
		cfg:      cfg,
		attempts: attempts,
		http: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
	}, nil
}

// FetchPlayerData retrieves the obfuscated catalog/player-data document.
// A response that looks like an auth failure triggers exactly one re-login
// before the request is repeated.
func (c *Client) FetchPlayerData(ctx context.Context) ([]byte, error) {
	if err := c.ensureLogin(ctx, false); err != nil {
		return nil, err
	}

	endpoint := c.base.JoinPath(c.cfg.PlayerDataPath).String()
	body, status, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		log.Printf("[upstream] player-data returned %d, re-authenticating", status)
		if err := c.ensureLogin(ctx, true); err != nil {
			return nil, err
		}
		body, status, err = c.get(ctx, endpoint)
		if err != nil {
			return nil, err
		}
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("%w: player-data status %d", ErrUpstream, status)
	}
	return body, nil
}

// FetchPlaylist retrieves a playlist body with the configured User-Agent and
// Referer. Non-2xx is an error.
func (c *Client) FetchPlaylist(ctx context.Context, rawURL string) ([]byte, error) {
	body, status, err := c.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("%w: playlist status %d for %s", ErrUpstream, status, rawURL)
	}
	return body, nil
}

// get performs one GET with transport-level retries. HTTP errors are not
// retried here; the caller decides what a status code means.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, int, error) {
	var (
		body   []byte
		status int
	)
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			c.setHeaders(req)

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
			if err != nil {
				return err
			}
			body, status = data, resp.StatusCode
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(250*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrUpstream, rawURL, err)
	}
	return body, status, nil
}

// ensureLogin performs the form login once per session. force drops the
// current session first.
func (c *Client) ensureLogin(ctx context.Context, force bool) error {
	if c.cfg.Username == "" || c.cfg.LoginPath == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn && !force {
		return nil
	}

	form := url.Values{
		"login_name":     {c.cfg.Username},
		"login_password": {c.cfg.Password},
	}
	endpoint := c.base.JoinPath(c.cfg.LoginPath).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: build login request: %v", ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: login: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: login status %d", ErrUpstream, resp.StatusCode)
	}

	log.Printf("[upstream] logged in as %s", c.cfg.Username)
	c.loggedIn = true
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.Referer != "" {
		req.Header.Set("Referer", c.cfg.Referer)
	}
}
