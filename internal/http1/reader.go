// Package http1 implements HTTP/1.1 wire framing: request-line and
// header parsing, chunked transfer-coding, and response writing. It is
// intentionally independent of net/http so the server package controls
// every byte written to the wire.
package http1

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// ParsedRequest is the wire-level view of a request, before it is
// wrapped into a servx.Request.
type ParsedRequest struct {
	Method        string
	RequestURI    string
	Proto         string
	Header        map[string][]string
	ContentLength int64
	Body          io.ReadCloser
}

type Reader struct {
	BR             *bufio.Reader
	MaxHeaderBytes int
}

func (r *Reader) ReadRequest() (*ParsedRequest, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, io.ErrUnexpectedEOF
	}
	method, uri, proto := parts[0], parts[1], parts[2]
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, io.ErrUnexpectedEOF
	}
	hdr, err := r.readHeaders()
	if err != nil {
		return nil, err
	}
	var cl int64 = 0
	var body io.ReadCloser
	switch {
	case hasChunkedTE(hdr):
		cl = -1
		body = newChunkedBody(r.BR, r.MaxHeaderBytes)
	case getHeader(hdr, "Content-Length") != "":
		v := getHeader(hdr, "Content-Length")
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			return nil, io.ErrUnexpectedEOF
		}
		cl = n
		if cl > 0 {
			lr := &io.LimitedReader{R: r.BR, N: cl}
			body = &limitedBody{lr: lr}
		} else {
			body = io.NopCloser(strings.NewReader(""))
		}
	default:
		body = io.NopCloser(strings.NewReader(""))
	}
	return &ParsedRequest{
		Method:        method,
		RequestURI:    uri,
		Proto:         proto,
		Header:        hdr,
		ContentLength: cl,
		Body:          body,
	}, nil
}

func (r *Reader) readHeaders() (map[string][]string, error) {
	h := make(map[string][]string)
	total := 0
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		total += len(line)
		if r.MaxHeaderBytes > 0 && total > r.MaxHeaderBytes {
			return nil, io.ErrShortBuffer
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, io.ErrUnexpectedEOF
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if !httpguts.ValidHeaderFieldName(k) {
			return nil, io.ErrUnexpectedEOF
		}
		addHeader(h, k, v)
	}
	return h, nil
}

func (r *Reader) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := r.BR.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if r.MaxHeaderBytes > 0 && sb.Len() > r.MaxHeaderBytes {
			return "", io.ErrShortBuffer
		}
	}
	return sb.String(), nil
}

type limitedBody struct {
	lr *io.LimitedReader
}

func (b *limitedBody) Read(p []byte) (int, error) { return b.lr.Read(p) }

// Close drains any unread body bytes so the connection can serve the
// next pipelined request.
func (b *limitedBody) Close() error {
	buf := make([]byte, 1024)
	for b.lr.N > 0 {
		n := int64(len(buf))
		if n > b.lr.N {
			n = b.lr.N
		}
		if n <= 0 {
			break
		}
		if _, err := io.ReadFull(b.lr, buf[:n]); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				break
			}
			return err
		}
	}
	return nil
}

func addHeader(h map[string][]string, k, v string) {
	hk := canonicalHeaderKey(k)
	h[hk] = append(h[hk], v)
}

func getHeader(h map[string][]string, k string) string {
	hk := canonicalHeaderKey(k)
	if vv, ok := h[hk]; ok && len(vv) > 0 {
		return vv[0]
	}
	return ""
}

func hasChunkedTE(h map[string][]string) bool {
	hk := canonicalHeaderKey("Transfer-Encoding")
	vv, ok := h[hk]
	if !ok {
		return false
	}
	return httpguts.HeaderValuesContainsToken(vv, "chunked")
}

func canonicalHeaderKey(s string) string {
	b := []byte(strings.ToLower(s))
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
