// Package s3request builds V2 header-signed S3 requests. It sends exactly
// what a conformance case asks for: valueless query parameters survive,
// caller supplied framing headers are not rewritten when sent raw, and
// nothing is retried.
package s3request

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"time"

	"s3probe/internal/auth"
	"s3probe/internal/config"
	"s3probe/internal/metrics"
)

// DefaultUserAgent is sent when a request carries no User-Agent header.
const DefaultUserAgent = "s3probe/1.0"

// Client signs and dispatches requests on behalf of conformance cases.
type Client struct {
	creds        auth.Credentials
	timeout      time.Duration
	verifySSL    bool
	dnsOverrides map[string]string
	userAgent    string

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	dialer     *net.Dialer
	httpClient *http.Client
}

type ClientOption func(*Client)

// WithMetrics records every dispatched request in m.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClock overrides the time source used for the Date header.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

func WithUserAgent(userAgent string) ClientOption {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

// New returns a Client using the credentials and transport settings of cfg.
func New(cfg config.Config, opts ...ClientOption) *Client {
	c := &Client{
		creds:        auth.Credentials{AccessKey: cfg.AccessKey, SecretKey: cfg.AccessSecret},
		timeout:      cfg.RequestTimeout,
		verifySSL:    cfg.VerifySSL,
		dnsOverrides: cfg.DNSOverrides,
		userAgent:    DefaultUserAgent,
		logger:       slog.Default(),
		now:          time.Now,
		dialer:       &net.Dialer{Timeout: cfg.RequestTimeout, KeepAlive: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           c.dialContext,
		TLSClientConfig:       c.tlsConfig(),
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// Content-Encoding is part of what cases assert on.
		DisableCompression: true,
	}
	c.httpClient = &http.Client{
		Transport: transport,
		Timeout:   c.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// A redirected HEAD would be re-issued as a GET.
			if via[0].Method == http.MethodHead {
				return http.ErrUseLastResponse
			}
			if len(via) >= 10 {
				return fmt.Errorf("stopped after %d redirects", len(via))
			}
			return nil
		},
	}
	return c
}

// Credentials returns the default credentials requests are signed with.
func (c *Client) Credentials() auth.Credentials {
	return c.creds
}

// Transport returns the round tripper requests are sent through. It honours
// the configured DNS overrides and TLS verification setting, so SDK clients
// built on it reach the same nodes.
func (c *Client) Transport() http.RoundTripper {
	return c.httpClient.Transport
}

func (c *Client) tlsConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: !c.verifySSL, //nolint:gosec // test targets commonly use self-signed certificates
	}
}

// resolve maps host through the configured DNS overrides. Override keys are
// path.Match patterns, so "*.s3.local" covers virtual-hosted buckets.
func (c *Client) resolve(host string) string {
	if ip, ok := c.dnsOverrides[host]; ok {
		return ip
	}
	for mask, ip := range c.dnsOverrides {
		if ok, _ := path.Match(mask, host); ok {
			return ip
		}
	}
	return host
}

func (c *Client) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	return c.dialer.DialContext(ctx, network, net.JoinHostPort(c.resolve(host), port))
}

// Spec describes one request before signing.
type Spec struct {
	Method string
	// URL is scheme://host[:port]/path. A query string already present on
	// URL is parsed and placed before Query.
	URL    string
	Header auth.HeaderList
	Query  auth.QueryList
	Body   Body

	// Credentials overrides the client's default credentials.
	Credentials *auth.Credentials
	// Anonymous sends the request without an Authorization header.
	Anonymous bool
}

// RequestOption customizes a Spec.
type RequestOption func(*Spec)

// WithHeader adds a header. Repeated names are all sent.
func WithHeader(name, value string) RequestOption {
	return func(s *Spec) {
		s.Header.Add(name, value)
	}
}

// WithQuery adds a query parameter carrying value, which may be empty.
func WithQuery(name, value string) RequestOption {
	return func(s *Spec) {
		s.Query = append(s.Query, auth.Param(name, value))
	}
}

// WithFlag adds a query parameter without a value, such as "?acl".
func WithFlag(name string) RequestOption {
	return func(s *Spec) {
		s.Query = append(s.Query, auth.Flag(name))
	}
}

// WithCredentials signs the request with creds instead of the client's
// defaults.
func WithCredentials(creds auth.Credentials) RequestOption {
	return func(s *Spec) {
		s.Credentials = &creds
	}
}

// WithAnonymous sends the request unsigned.
func WithAnonymous() RequestOption {
	return func(s *Spec) {
		s.Anonymous = true
	}
}

func WithContent(data []byte) RequestOption {
	return func(s *Spec) {
		s.Body = Bytes(data)
	}
}

func WithContentType(contentType string) RequestOption {
	return func(s *Spec) {
		s.Header.Set("Content-Type", contentType)
	}
}

// WithFile streams the file at path as the request body.
func WithFile(path string) RequestOption {
	return func(s *Spec) {
		s.Body = File(path)
	}
}

func WithBody(body Body) RequestOption {
	return func(s *Spec) {
		s.Body = body
	}
}

// NewSpec applies opts to an empty Spec for method and rawURL.
func NewSpec(method, rawURL string, opts ...RequestOption) Spec {
	spec := Spec{Method: method, URL: rawURL}
	for _, opt := range opts {
		opt(&spec)
	}
	return spec
}

// prepared is a signed request ready for either transport.
type prepared struct {
	url    *url.URL
	header auth.HeaderList
}

// Prepare signs spec and returns the final URL and headers.
func (c *Client) Prepare(spec Spec) (*url.URL, auth.HeaderList, error) {
	p, err := c.prepare(spec)
	if err != nil {
		return nil, nil, err
	}
	return p.url, p.header, nil
}

func (c *Client) prepare(spec Spec) (prepared, error) {
	u, err := url.Parse(spec.URL)
	if err != nil {
		return prepared{}, fmt.Errorf("parse url %q: %w", spec.URL, err)
	}

	query := append(auth.ParseQuery(u.RawQuery), spec.Query...)
	header := spec.Header.Clone()

	if _, ok := header.Get("Date"); !ok {
		header.Set("Date", c.now().UTC().Format(http.TimeFormat))
	}
	if _, ok := header.Get("User-Agent"); !ok && c.userAgent != "" {
		header.Set("User-Agent", c.userAgent)
	}

	if !spec.Anonymous {
		creds := c.creds
		if spec.Credentials != nil {
			creds = *spec.Credentials
		}
		stringToSign := auth.StringToSign(spec.Method, header, query, u.EscapedPath())
		authorization, err := auth.Authorization(creds, stringToSign)
		if err != nil {
			return prepared{}, err
		}
		header.Set("Authorization", authorization)
		c.logger.Debug("Signed request", "method", spec.Method, "url", spec.URL, "string_to_sign", stringToSign)
	}

	u.RawQuery = query.Encode()
	u.ForceQuery = false
	return prepared{url: u, header: header}, nil
}

// Do signs and sends a request through the pooled HTTP client. The body is
// sent with the length Body reports; framing headers in opts are subject to
// net/http's own handling. Use DoRaw to control framing exactly.
func (c *Client) Do(ctx context.Context, method, rawURL string, opts ...RequestOption) (*http.Response, error) {
	return c.DoSpec(ctx, NewSpec(method, rawURL, opts...))
}

// DoSpec is Do for a prebuilt Spec.
func (c *Client) DoSpec(ctx context.Context, spec Spec) (*http.Response, error) {
	p, err := c.prepare(spec)
	if err != nil {
		return nil, err
	}

	var (
		body   io.ReadCloser = http.NoBody
		length int64
	)
	if spec.Body != nil {
		body, length, err = spec.Body.Open()
		if err != nil {
			return nil, fmt.Errorf("open request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, p.url.String(), body)
	if err != nil {
		body.Close()
		return nil, fmt.Errorf("build request: %w", err)
	}
	// Query strings with bare names must go out exactly as encoded.
	req.URL.RawQuery = p.url.RawQuery
	req.Header = p.header.HTTPHeader()
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
	}
	req.ContentLength = length
	if length == 0 && body != http.NoBody {
		body.Close()
		req.Body = http.NoBody
	}

	c.logger.Debug("Sending request", "method", spec.Method, "url", req.URL.String())
	return c.send(req)
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	done := c.begin(req.Method)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		done(0)
		return nil, &TransportError{Method: req.Method, URL: req.URL.String(), Err: err}
	}
	done(resp.StatusCode)
	return resp, nil
}

func (c *Client) begin(method string) func(int) {
	if c.metrics == nil {
		return func(int) {}
	}
	return c.metrics.Begin(method)
}

func (c *Client) Get(ctx context.Context, rawURL string, opts ...RequestOption) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, rawURL, opts...)
}

func (c *Client) Put(ctx context.Context, rawURL string, opts ...RequestOption) (*http.Response, error) {
	return c.Do(ctx, http.MethodPut, rawURL, opts...)
}

// Head sends a HEAD request. Redirects are returned, not followed.
func (c *Client) Head(ctx context.Context, rawURL string, opts ...RequestOption) (*http.Response, error) {
	return c.Do(ctx, http.MethodHead, rawURL, opts...)
}

func (c *Client) Options(ctx context.Context, rawURL string, opts ...RequestOption) (*http.Response, error) {
	return c.Do(ctx, http.MethodOptions, rawURL, opts...)
}

func (c *Client) Patch(ctx context.Context, rawURL string, opts ...RequestOption) (*http.Response, error) {
	return c.Do(ctx, http.MethodPatch, rawURL, opts...)
}

func (c *Client) Delete(ctx context.Context, rawURL string, opts ...RequestOption) (*http.Response, error) {
	return c.Do(ctx, http.MethodDelete, rawURL, opts...)
}
