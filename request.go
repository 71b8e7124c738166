package servx

import (
	"context"
	"io"
	"net/url"
)

// Request represents an inbound HTTP/1.1 request.
//
// ContentLength is -1 when the body is chunked and the length is not
// known up front. Conn is set by the connection that parsed the request
// and lets a handler reach the low-level write primitives (used by the
// static file engine for its cached, chunked and range/multipart
// replies).
type Request struct {
	Method        string
	URL           *url.URL
	RequestURI    string
	Proto         string
	Header        Header
	Body          io.ReadCloser
	GetBody       func() (io.ReadCloser, error)
	Host          string
	ContentLength int64
	ctx           context.Context

	// RequestID is generated by the connection that accepted this request.
	RequestID string
	// CorrelationID is carried over from a peer-supplied X-Request-Id.
	CorrelationID string
	TraceID       string
	SpanID        string
	ParentSpanID  string
	TraceState    string

	conn *Connection
}

// Context returns the request's context, defaulting to Background.
func (r *Request) Context() context.Context {
	if r == nil || r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy of r with its context replaced.
func WithContext(r *Request, ctx context.Context) *Request {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.ctx = ctx
	return &r2
}

// Conn returns the connection that is serving this request. Handlers
// that need to stream a response outside the buffered ResponseWriter
// path (the static file engine's range replies, chunked transfers)
// use this to reach Connection's write primitives directly.
func (r *Request) Conn() *Connection {
	return r.conn
}
