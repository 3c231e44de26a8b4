package s3request

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DoRaw signs spec and writes it to a fresh connection as HTTP/1.1 without
// going through net/http's request writer. Headers are sent in order and
// exactly as given, so "Transfer-Encoding: chunked" with a pre-framed body,
// or a Content-Length that disagrees with the body, reach the target
// untouched. Content-Length is added only when the caller set neither
// framing header and the body length is known. Bodies implementing
// io.WriterTo are streamed through it.
//
// The connection is closed when the response body is closed.
func (c *Client) DoRaw(ctx context.Context, spec Spec) (*http.Response, error) {
	p, err := c.prepare(spec)
	if err != nil {
		return nil, err
	}

	var (
		body   io.ReadCloser
		length int64
	)
	if spec.Body != nil {
		body, length, err = spec.Body.Open()
		if err != nil {
			return nil, fmt.Errorf("open request body: %w", err)
		}
		defer body.Close()
	}

	done := c.begin(spec.Method)
	fail := func(err error) (*http.Response, error) {
		done(0)
		return nil, &TransportError{Method: spec.Method, URL: p.url.String(), Err: err}
	}

	conn, err := c.dialRaw(ctx, p.url.Scheme, p.url.Host)
	if err != nil {
		return fail(err)
	}

	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return fail(err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	c.logger.Debug("Sending raw request", "method", spec.Method, "url", p.url.String())

	bw := bufio.NewWriter(conn)
	if err := writeRequestHead(bw, spec.Method, p, length, body != nil); err != nil {
		stop()
		conn.Close()
		return fail(err)
	}
	if body != nil {
		if _, err := io.Copy(bw, body); err != nil {
			stop()
			conn.Close()
			return fail(fmt.Errorf("write body: %w", err))
		}
	}
	if err := bw.Flush(); err != nil {
		stop()
		conn.Close()
		return fail(err)
	}

	req := &http.Request{Method: spec.Method, URL: p.url}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		stop()
		conn.Close()
		return fail(fmt.Errorf("read response: %w", err))
	}
	done(resp.StatusCode)

	resp.Body = &connBody{ReadCloser: resp.Body, conn: conn, stop: stop}
	return resp, nil
}

func (c *Client) dialRaw(ctx context.Context, scheme, hostport string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}

	conn, err := c.dialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}
	if scheme != "https" {
		return conn, nil
	}

	cfg := c.tlsConfig()
	cfg.ServerName = host
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

func writeRequestHead(w *bufio.Writer, method string, p prepared, length int64, hasBody bool) error {
	fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", method, p.url.RequestURI())

	if _, ok := p.header.Get("Host"); !ok {
		fmt.Fprintf(w, "Host: %s\r\n", p.url.Host)
	}
	for _, h := range p.header {
		if strings.ContainsAny(h.Name, "\r\n:") || strings.ContainsAny(h.Value, "\r\n") {
			return fmt.Errorf("invalid header %q", h.Name)
		}
		fmt.Fprintf(w, "%s: %s\r\n", h.Name, h.Value)
	}

	_, chunked := p.header.Get("Transfer-Encoding")
	_, sized := p.header.Get("Content-Length")
	if !chunked && !sized && (length > 0 || (length == 0 && methodExpectsBody(method, hasBody))) {
		fmt.Fprintf(w, "Content-Length: %s\r\n", strconv.FormatInt(length, 10))
	}
	if _, ok := p.header.Get("Connection"); !ok {
		w.WriteString("Connection: close\r\n")
	}
	_, err := w.WriteString("\r\n")
	return err
}

func methodExpectsBody(method string, hasBody bool) bool {
	return hasBody || method == http.MethodPut || method == http.MethodPost
}

// connBody closes the underlying connection along with the response body.
type connBody struct {
	io.ReadCloser
	conn net.Conn
	stop func() bool
	once sync.Once
}

func (b *connBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		b.stop()
		b.conn.Close()
	})
	return err
}
