// Package controlplane is a client for the admin API of ECS-like targets:
// token login, object users and their secret keys, and the VDC list used to
// spread data-plane traffic across nodes.
package controlplane

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"s3probe/internal/config"
)

// AuthTokenHeader carries the session token on every authenticated call.
const AuthTokenHeader = "X-SDS-AUTH-TOKEN"

const contentTypeJSON = "application/json"

// ErrInvalidToken is returned when a login yields a token outside the
// configured length bounds.
var ErrInvalidToken = errors.New("invalid auth token")

// StatusError reports a non-2xx admin API response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// Client talks to one control-plane endpoint as one user. It is safe for
// concurrent use.
type Client struct {
	endpoint      string
	tokenEndpoint string
	username      string
	password      string
	namespace     string

	tokenFile      string
	cacheToken     bool
	minTokenLength int
	maxTokenLength int
	maxLoginTime   time.Duration

	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	token string
}

type ClientOption func(*Client)

// WithEndpoints overrides the control and login endpoints.
func WithEndpoints(endpoint, tokenEndpoint string) ClientOption {
	return func(c *Client) {
		c.endpoint = strings.TrimRight(endpoint, "/")
		c.tokenEndpoint = strings.TrimRight(tokenEndpoint, "/")
	}
}

// WithUser logs in as username instead of the configured admin.
func WithUser(username, password string) ClientOption {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// New returns an admin client for the primary control endpoint of cfg.
func New(cfg config.Config, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:       strings.TrimRight(cfg.ControlEndpoint, "/"),
		tokenEndpoint:  strings.TrimRight(cfg.TokenEndpoint, "/"),
		username:       cfg.AdminUsername,
		password:       cfg.AdminPassword,
		namespace:      cfg.Namespace,
		tokenFile:      cfg.TokenFile,
		cacheToken:     cfg.CacheToken,
		minTokenLength: cfg.AuthTokenMinLength,
		maxTokenLength: cfg.AuthTokenMaxLength,
		maxLoginTime:   cfg.MaxLoginTime,
		token:          cfg.Token,
		logger:         slog.Default(),
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.VerifySSL}, //nolint:gosec // admin endpoints commonly use self-signed certificates
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewAlt returns an admin client for the alternate control endpoint of cfg.
func NewAlt(cfg config.Config, opts ...ClientOption) *Client {
	return New(cfg, append([]ClientOption{WithEndpoints(cfg.AltControlEndpoint, cfg.AltTokenEndpoint)}, opts...)...)
}

// Token returns the current session token, empty when logged out.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Login returns the session token, requesting a new one with basic auth when
// none is held. With token caching enabled the token is also written to the
// configured token file.
func (c *Client) Login(ctx context.Context) (string, error) {
	if token := c.Token(); token != "" {
		return token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tokenEndpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", contentTypeJSON)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}
	if c.maxLoginTime > 0 && elapsed > c.maxLoginTime {
		c.logger.Warn("Slow control plane login", "user", c.username, "elapsed", elapsed, "max", c.maxLoginTime)
	}

	token := resp.Header.Get(AuthTokenHeader)
	if len(token) < max(c.minTokenLength, 1) || (c.maxTokenLength > 0 && len(token) > c.maxTokenLength) {
		return "", fmt.Errorf("%w: length %d", ErrInvalidToken, len(token))
	}

	if c.cacheToken && c.tokenFile != "" {
		if err := os.WriteFile(c.tokenFile, []byte(token), 0o600); err != nil {
			return "", fmt.Errorf("cache auth token: %w", err)
		}
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	c.logger.Debug("Logged in to control plane", "user", c.username, "endpoint", c.endpoint)
	return token, nil
}

// Logout ends the session. It is a no-op without a token.
func (c *Client) Logout(ctx context.Context) error {
	if c.Token() == "" {
		return nil
	}
	if err := c.call(ctx, http.MethodGet, "/logout", nil, nil); err != nil {
		return err
	}

	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return nil
}

// call performs an authenticated JSON request, logging in first if needed.
// in is JSON-encoded when non-nil; out is decoded from a 2xx body when
// non-nil.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	token, err := c.Login(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set(AuthTokenHeader, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{
		Method:     resp.Request.Method,
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Body:       body,
	}
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
