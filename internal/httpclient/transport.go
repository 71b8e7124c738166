// Package httpclient is the proxy dispatcher's outbound HTTP/1.1
// client: per-host connection pooling, request/response framing, and
// chunked/close-delimited body parsing, trimmed down to what a reverse
// proxy to a fixed set of upstream hosts needs (no redirects, no
// CONNECT tunneling — the proxy dispatcher talks to plain backend
// services, not arbitrary internet hosts through a forward proxy).
package httpclient

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"dqx0.com/go/servx/internal/obs"
)

// Response is a parsed HTTP/1.1 response from an upstream host.
type Response struct {
	StatusCode int
	Status     string
	Proto      string
	Header     map[string][]string
	Body       io.ReadCloser
}

type pooledConn struct {
	net.Conn
	br      *bufio.Reader
	idledAt time.Time
}

// Client is a pooled HTTP/1.1 client for one or more upstream hosts,
// the Go analogue of cinatra's coro_http_client pooled by the
// coro_io::channel load balancer.
type Client struct {
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleConnTimeout time.Duration
	MaxConnsPerHost int
	Logger          obs.Logger
	Meter           obs.Meter

	mu   sync.Mutex
	idle map[string][]*pooledConn
	open map[string]int
}

// NewClient returns a Client with sane proxy-facing defaults.
func NewClient() *Client {
	return &Client{
		DialTimeout:     5 * time.Second,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
		MaxConnsPerHost: 32,
		Logger:          obs.NopLogger{},
		Meter:           obs.NopMeter{},
		idle:            make(map[string][]*pooledConn),
		open:            make(map[string]int),
	}
}

// Do sends method+path to host (scheme://host[:port]) with header and
// body, and returns the parsed response. The caller must Close the
// returned Response.Body.
func (c *Client) Do(ctx context.Context, host *url.URL, method, path string, header map[string][]string, body io.Reader, contentLength int64) (*Response, error) {
	start := time.Now()
	pc, err := c.getConn(ctx, host)
	if err != nil {
		return nil, err
	}
	if c.WriteTimeout > 0 {
		_ = pc.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	}
	if err := c.writeRequest(pc, host, method, path, header, body, contentLength); err != nil {
		pc.Close()
		c.meter().Counter("servx_proxy_requests_total", 1, obs.Label{Key: "result", Value: "write_error"})
		return nil, err
	}
	if c.ReadTimeout > 0 {
		_ = pc.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	}
	resp, err := c.readResponse(pc)
	if err != nil {
		pc.Close()
		c.meter().Counter("servx_proxy_requests_total", 1, obs.Label{Key: "result", Value: "read_error"})
		return nil, err
	}
	c.meter().Counter("servx_proxy_requests_total", 1, obs.Label{Key: "result", Value: "ok"})
	c.meter().Histogram("servx_proxy_request_seconds", time.Since(start).Seconds())
	resp.Body = &pooledBody{ReadCloser: resp.Body, client: c, host: host, pc: pc}
	return resp, nil
}

func (c *Client) meter() obs.Meter {
	if c.Meter != nil {
		return c.Meter
	}
	return obs.NopMeter{}
}

func hostKey(u *url.URL) string {
	if u.Port() != "" {
		return u.Scheme + "://" + u.Host
	}
	switch u.Scheme {
	case "https":
		return u.Scheme + "://" + u.Hostname() + ":443"
	default:
		return u.Scheme + "://" + u.Hostname() + ":80"
	}
}

func (c *Client) getConn(ctx context.Context, host *url.URL) (*pooledConn, error) {
	key := hostKey(host)
	c.mu.Lock()
	if list := c.idle[key]; len(list) > 0 {
		pc := list[len(list)-1]
		c.idle[key] = list[:len(list)-1]
		c.mu.Unlock()
		return pc, nil
	}
	c.mu.Unlock()

	d := net.Dialer{Timeout: c.DialTimeout}
	addr := host.Host
	if host.Port() == "" {
		if host.Scheme == "https" {
			addr += ":443"
		} else {
			addr += ":80"
		}
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("httpclient: dial %s: %w", addr, err)
	}
	pc := &pooledConn{Conn: conn, br: bufio.NewReader(conn)}
	c.mu.Lock()
	c.open[key]++
	c.mu.Unlock()
	return pc, nil
}

func (c *Client) putConn(host *url.URL, pc *pooledConn) {
	key := hostKey(host)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.idle[key]) >= c.MaxConnsPerHost {
		pc.Close()
		c.open[key]--
		return
	}
	pc.idledAt = time.Now()
	c.idle[key] = append(c.idle[key], pc)
}

var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// IsHopByHop reports whether a canonicalized header key is a
// connection-scoped (hop-by-hop) header that must never be forwarded.
func IsHopByHop(key string) bool { return hopByHop[key] }

func (c *Client) writeRequest(pc *pooledConn, host *url.URL, method, path string, header map[string][]string, body io.Reader, contentLength int64) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", method, path)
	fmt.Fprintf(&buf, "Host: %s\r\n", host.Host)
	wroteCL := false
	for k, vv := range header {
		if hopByHop[k] {
			continue
		}
		if strings.EqualFold(k, "Content-Length") {
			wroteCL = true
		}
		for _, v := range vv {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	if !wroteCL && contentLength >= 0 {
		fmt.Fprintf(&buf, "Content-Length: %d\r\n", contentLength)
	}
	buf.WriteString("Connection: keep-alive\r\n\r\n")
	if _, err := pc.Write(buf.Bytes()); err != nil {
		return err
	}
	if body != nil {
		if _, err := io.Copy(pc, body); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) readResponse(pc *pooledConn) (*Response, error) {
	line, err := readLine(pc.br)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("httpclient: malformed status line %q", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("httpclient: malformed status code %q", parts[1])
	}
	status := ""
	if len(parts) == 3 {
		status = parts[2]
	}
	hdr := make(map[string][]string)
	for {
		l, err := readLine(pc.br)
		if err != nil {
			return nil, err
		}
		if l == "" {
			break
		}
		i := strings.IndexByte(l, ':')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(l[:i])
		v := strings.TrimSpace(l[i+1:])
		hdr[canonical(k)] = append(hdr[canonical(k)], v)
	}

	var bodyReader io.Reader
	if isChunked(hdr) {
		bodyReader = newChunkedReader(pc.br)
	} else if cl := headerGet(hdr, "Content-Length"); cl != "" {
		n, _ := strconv.ParseInt(cl, 10, 64)
		bodyReader = io.LimitReader(pc.br, n)
	} else {
		bodyReader = pc.br
	}

	return &Response{
		StatusCode: code,
		Status:     status,
		Proto:      parts[0],
		Header:     hdr,
		Body:       io.NopCloser(bodyReader),
	}, nil
}

// pooledBody returns the underlying connection to the pool on Close
// if the body was fully drained, otherwise closes it.
type pooledBody struct {
	io.ReadCloser
	client *Client
	host   *url.URL
	pc     *pooledConn
}

func (b *pooledBody) Close() error {
	if _, err := io.Copy(io.Discard, b.ReadCloser); err != nil {
		b.pc.Close()
		return nil
	}
	b.client.putConn(b.host, b.pc)
	return nil
}

// CloseIdleConnections closes every pooled idle connection.
func (c *Client) CloseIdleConnections() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, list := range c.idle {
		for _, pc := range list {
			pc.Close()
		}
		delete(c.idle, key)
	}
}

func readLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
	}
	return sb.String(), nil
}

func canonical(k string) string {
	b := []byte(strings.ToLower(k))
	upper := true
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			if upper {
				b[i] = byte(c - 'a' + 'A')
			}
			upper = false
			continue
		}
		upper = c == '-'
	}
	return string(b)
}

func headerGet(h map[string][]string, k string) string {
	if vv, ok := h[canonical(k)]; ok && len(vv) > 0 {
		return vv[0]
	}
	return ""
}

func isChunked(h map[string][]string) bool {
	for _, v := range h[canonical("Transfer-Encoding")] {
		if strings.Contains(strings.ToLower(v), "chunked") {
			return true
		}
	}
	return false
}

func newChunkedReader(br *bufio.Reader) io.Reader {
	return &chunkedReader{br: br}
}

type chunkedReader struct {
	br     *bufio.Reader
	remain int64
	done   bool
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.done {
		return 0, io.EOF
	}
	if c.remain <= 0 {
		line, err := readLine(c.br)
		if err != nil {
			return 0, err
		}
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		n, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
		if err != nil {
			return 0, fmt.Errorf("httpclient: bad chunk size %q", line)
		}
		if n == 0 {
			for {
				l, err := readLine(c.br)
				if err != nil || l == "" {
					break
				}
			}
			c.done = true
			return 0, io.EOF
		}
		c.remain = n
	}
	toRead := int64(len(p))
	if toRead > c.remain {
		toRead = c.remain
	}
	n, err := c.br.Read(p[:toRead])
	c.remain -= int64(n)
	if err != nil {
		return n, err
	}
	if c.remain == 0 {
		_, _ = c.br.Discard(2) // trailing CRLF
	}
	return n, nil
}
