package servx

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"dqx0.com/go/servx/internal/http1"
	"dqx0.com/go/servx/internal/obs"
)

// Connection is one accepted TCP connection, generalizing the
// connResponseWriter/serveConn pair into a single type that both runs
// the buffered request/response loop for registered handlers and
// exposes the raw write primitives (writeData, asyncWrite, beginChunked/
// writeChunked/endChunked, reply) the static file engine uses to
// stream a reply directly, the way cinatra's coro_http_connection does.
type Connection struct {
	id     int64
	rwc    net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	srv    *Server
	lastRW atomic.Int64
	quit   func(id int64)

	// reqKeepAlive is the current request's negotiated keep-alive
	// intent, and directKeepAlive is the keep-alive decision reported
	// by a handler that bypassed the buffered ResponseWriter (the
	// static file engine) via setDirectKeepAlive.
	// Both are only ever touched from the connection's own goroutine.
	reqKeepAlive    bool
	directKeepAlive bool
}

func newConnection(id int64, c net.Conn, srv *Server) *Connection {
	conn := &Connection{
		id:  id,
		rwc: c,
		br:  bufio.NewReader(c),
		bw:  bufio.NewWriter(c),
		srv: srv,
	}
	conn.touch()
	return conn
}

// ID returns the connection's registry key.
func (c *Connection) ID() int64 { return c.id }

// setQuitCallback registers a function that close invokes with the
// connection's id, so the registry can remove it. It runs on every
// close call, from whichever goroutine made it (the connection's own
// goroutine on exit, the sweeper, or Stop), so it can run more than
// once per connection.
func (c *Connection) setQuitCallback(f func(id int64)) { c.quit = f }

// lastRWTime returns the unix-nanosecond timestamp of the connection's
// most recent read or write, read by the sweeper without synchronizing
// with the connection's own goroutine.
func (c *Connection) lastRWTime() int64 { return c.lastRW.Load() }

func (c *Connection) touch() { c.lastRW.Store(time.Now().UnixNano()) }

// close tears down the connection. fromTimeout distinguishes a sweeper
// eviction from a normal request-loop exit, for logging only.
func (c *Connection) close(fromTimeout bool) error {
	err := c.rwc.Close()
	if fromTimeout {
		c.srv.logger().Logf(obs.Debug, "connection %d closed by idle sweeper", c.id)
	}
	if c.quit != nil {
		c.quit(c.id)
	}
	return err
}

// start runs the connection's request loop until the peer closes, a
// protocol error occurs, or neither side wants to keep the connection
// alive. It runs on its own goroutine for the connection's whole
// lifetime, so requests on this connection are served one at a time
// and responses are written in request order by construction, without
// an explicit queue.
func (c *Connection) start(ctx context.Context) {
	defer c.close(false)
	if tc, ok := c.rwc.(*net.TCPConn); ok && c.srv.cfg.NoDelay {
		_ = tc.SetNoDelay(true)
	}

	alive := true
	for alive {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if c.srv.cfg.ReadHeaderTimeout > 0 {
			_ = c.rwc.SetReadDeadline(time.Now().Add(c.srv.cfg.ReadHeaderTimeout))
		}
		rr := &http1.Reader{BR: c.br, MaxHeaderBytes: c.srv.headerLimit()}
		pr, err := rr.ReadRequest()
		if err != nil {
			_ = http1.WriteResponse(c.bw, 400, "", map[string][]string{"Content-Length": {"0"}}, nil, false)
			_ = c.bw.Flush()
			return
		}
		c.touch()

		hdr := Header(pr.Header)
		ka := pr.Proto == "HTTP/1.1"
		connVal := strings.ToLower(hdr.Get("Connection"))
		if pr.Proto == "HTTP/1.1" {
			if connVal == "close" {
				ka = false
			}
		} else if connVal == "keep-alive" {
			ka = true
		}
		c.reqKeepAlive = ka
		c.directKeepAlive = false

		var u *url.URL
		if strings.HasPrefix(pr.RequestURI, "http://") || strings.HasPrefix(pr.RequestURI, "https://") {
			u, _ = url.Parse(pr.RequestURI)
		} else {
			u, _ = url.ParseRequestURI(pr.RequestURI)
		}
		req := &Request{
			Method:        pr.Method,
			URL:           u,
			RequestURI:    pr.RequestURI,
			Proto:         pr.Proto,
			Header:        hdr,
			Body:          pr.Body,
			Host:          hdr.Get("Host"),
			ContentLength: pr.ContentLength,
			RequestID:     genID(),
			conn:          c,
		}
		if cid := hdr.Get("X-Request-Id"); cid != "" {
			req.CorrelationID = cid
		}
		if tp := hdr.Get("Traceparent"); tp != "" {
			if tid, sid, flags, ok := parseTraceparent(tp); ok {
				req.TraceID, req.ParentSpanID, req.TraceState = tid, sid, hdr.Get("Tracestate")
				req.SpanID = genSpanID()
				_ = flags
			}
		}

		if strings.EqualFold(hdr.Get("Expect"), "100-continue") {
			_ = http1.WriteContinue(c.bw)
			_ = c.bw.Flush()
		}

		rw := &bufferedResponseWriter{bw: c.bw, proto: pr.Proto, keepAlive: ka, hdr: Header{}}
		path := ""
		if u != nil {
			path = u.Path
		}
		h, ok := c.srv.router.Lookup(req.Method, path)
		if !ok {
			h = HandlerFunc(func(w ResponseWriter, r *Request) {
				w.WriteHeader(404)
				_, _ = w.Write([]byte("not found"))
			})
		}

		h.ServeHTTP(rw, req)

		if req.Body != nil {
			_ = req.Body.Close()
		}

		if c.srv.cfg.WriteTimeout > 0 {
			_ = c.rwc.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
		}
		if rw.chunked {
			if err := http1.EndChunked(c.bw); err != nil {
				return
			}
		}
		if err := c.bw.Flush(); err != nil {
			return
		}
		c.touch()

		// A handler that wrote through rw gets its keep-alive decision
		// from rw's own framing; a handler that bypassed rw entirely
		// (the static file engine, writing range/chunked bodies
		// straight to the wire) reports its decision directly, since rw
		// never saw a Content-Length or chunked marker to reason about.
		var finalKA bool
		if rw.wroteHdr {
			finalKA = rw.keepAlive && (rw.chunked || rw.hdr.Get("Content-Length") != "" || noResponseBody(rw.status, req.Method))
		} else {
			finalKA = c.directKeepAlive
		}
		if !finalKA {
			alive = false
			break
		}
		if c.srv.cfg.IdleTimeout > 0 {
			_ = c.rwc.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
		} else {
			_ = c.rwc.SetReadDeadline(time.Time{})
		}
	}
}

func noResponseBody(status int, method string) bool {
	if method == "HEAD" {
		return true
	}
	if status >= 100 && status < 200 {
		return true
	}
	return status == 204 || status == 304
}

// bufferedResponseWriter is the ResponseWriter implementation for
// application handlers registered through the router. It decides
// whether to stream the body chunked (HTTP/1.1, keep-alive, no
// explicit Content-Length).
type bufferedResponseWriter struct {
	bw        *bufio.Writer
	proto     string
	keepAlive bool
	status    int
	wroteHdr  bool
	chunked   bool
	hdr       Header
}

func (w *bufferedResponseWriter) Header() Header {
	if w.hdr == nil {
		w.hdr = Header{}
	}
	return w.hdr
}

func (w *bufferedResponseWriter) decideChunked() bool {
	if strings.EqualFold(w.hdr.Get("Connection"), "close") {
		w.keepAlive = false
	}
	hasCL := w.hdr.Get("Content-Length") != ""
	return w.proto == "HTTP/1.1" && w.keepAlive && !hasCL
}

func (w *bufferedResponseWriter) startIfNeeded() error {
	if w.wroteHdr {
		return nil
	}
	if w.status == 0 {
		w.status = 200
	}
	w.chunked = w.decideChunked()
	if w.hdr != nil {
		w.hdr.Del("Connection")
	}
	if err := http1.StartResponse(w.bw, w.status, "", map[string][]string(w.hdr), w.chunked,
		w.keepAlive && (w.chunked || w.hdr.Get("Content-Length") != "")); err != nil {
		return err
	}
	w.wroteHdr = true
	return nil
}

func (w *bufferedResponseWriter) WriteHeader(status int) {
	if w.wroteHdr {
		return
	}
	if status == 0 {
		status = 200
	}
	w.status = status
	_ = w.startIfNeeded()
}

func (w *bufferedResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHdr {
		if err := w.startIfNeeded(); err != nil {
			return 0, err
		}
	}
	if w.chunked {
		n, err := http1.WriteChunked(w.bw, p)
		if err != nil {
			return n, err
		}
		if err := w.bw.Flush(); err != nil {
			return n, err
		}
		return n, nil
	}
	return w.bw.Write(p)
}

func (w *bufferedResponseWriter) Flush() error {
	if !w.wroteHdr {
		if err := w.startIfNeeded(); err != nil {
			return err
		}
	}
	return w.bw.Flush()
}

// --- raw write primitives used by the static file engine ---

// writeData writes p straight to the wire and flushes, bypassing the
// buffered ResponseWriter. Used by the static file engine to write a
// pre-built header block or a body slice for range replies.
func (c *Connection) writeData(p []byte) bool {
	if _, err := c.bw.Write(p); err != nil {
		return false
	}
	if err := c.bw.Flush(); err != nil {
		return false
	}
	c.touch()
	return true
}

// asyncWrite performs a scatter-gather write of bufs and flushes,
// mirroring cinatra's async_write(std::array<const_buffer,2>) used to
// send a cache-hit file's header and body, or a range part's bytes
// immediately followed by the multipart boundary marker, as one
// logical write.
func (c *Connection) asyncWrite(bufs net.Buffers) (int64, error) {
	n, err := bufs.WriteTo(c.bw)
	if err == nil {
		err = c.bw.Flush()
	}
	if err == nil {
		c.touch()
	}
	return n, err
}

// beginChunked writes the status line and headers for a chunked reply
// and flushes them immediately. The Connection header it writes
// reflects the current request's negotiated keep-alive intent, not a
// hardcoded value, so it never promises a socket that finalKA is about
// to close.
func (c *Connection) beginChunked(status int, hdr Header) bool {
	if err := http1.StartResponse(c.bw, status, "", map[string][]string(hdr), true, c.reqKeepAlive); err != nil {
		return false
	}
	if err := c.bw.Flush(); err != nil {
		return false
	}
	c.touch()
	return true
}

func (c *Connection) writeChunked(p []byte) bool {
	if _, err := http1.WriteChunked(c.bw, p); err != nil {
		return false
	}
	if err := c.bw.Flush(); err != nil {
		return false
	}
	c.touch()
	return true
}

func (c *Connection) endChunked() bool {
	if err := http1.EndChunked(c.bw); err != nil {
		return false
	}
	if err := c.bw.Flush(); err != nil {
		return false
	}
	c.touch()
	return true
}

// setDirectKeepAlive records the keep-alive decision a handler that
// bypassed the buffered ResponseWriter already encoded in the bytes it
// wrote straight to the wire. Connection.start consults this instead
// of rw's framing when rw was never written to.
func (c *Connection) setDirectKeepAlive(v bool) { c.directKeepAlive = v }

// reply writes a minimal, bodyless response with the given status,
// used by the static file engine for its 416 reply to an unsatisfiable
// Range, and for the 204 it writes when a file read fails after a
// response header has already been streamed. keepAlive is the
// Connection header value written and, on a successful write, is
// recorded via setDirectKeepAlive.
func (c *Connection) reply(status int, keepAlive bool) bool {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	hdr := map[string][]string{"Content-Length": {"0"}}
	if err := http1.WriteResponse(bw, status, "", hdr, nil, keepAlive); err != nil {
		return false
	}
	if err := bw.Flush(); err != nil {
		return false
	}
	if !c.writeData(buf.Bytes()) {
		return false
	}
	c.setDirectKeepAlive(keepAlive)
	return true
}
