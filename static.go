package servx

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"dqx0.com/go/servx/internal/obs"
)

// FileRespFormat selects how a static GET without a satisfying cache
// hit is sent: chunked transfer-coding, or range-capable framing with
// a known Content-Length. Mirrors cinatra's file_resp_format_type.
type FileRespFormat int

const (
	FormatChunked FileRespFormat = iota
	FormatRange
)

const (
	crcf         = "\r\n"
	boundary     = "ec0a6dc8ee1b4cc0"
	multipartEnd = "\r\n--" + boundary + "--\r\n"
)

// staticFileEngine serves a recursively enumerated directory of
// files, with an optional in-memory cache for small files and
// per-request range/chunked/multipart framing. Grounded directly on
// coro_http_server.hpp's set_static_res_dir lambda.
type staticFileEngine struct {
	srv       *Server
	dir       string
	uriPrefix string
	cache     map[string][]byte
	chunkSize int
	format    FileRespFormat
}

func newStaticFileEngine(srv *Server) *staticFileEngine {
	return &staticFileEngine{
		srv:       srv,
		cache:     make(map[string][]byte),
		chunkSize: 10 << 10,
		format:    FormatChunked,
	}
}

// setStaticResDir validates filePath/uriSuffix for path traversal,
// then recursively registers one GET route per regular file found
// under filePath, mounted under uriSuffix.
func (e *staticFileEngine) setStaticResDir(uriSuffix, filePath string) error {
	if filePath == "" {
		filePath = "www"
	}
	if strings.Contains(filePath, "..") || strings.Contains(uriSuffix, "..") ||
		filepath.IsAbs(filePath) || filepath.IsAbs(uriSuffix) {
		return fmt.Errorf("servx: invalid static file path %q (uri suffix %q)", filePath, uriSuffix)
	}
	e.dir = filepath.Clean(filePath)
	e.uriPrefix = filepath.ToSlash(filepath.Clean(uriSuffix))
	if e.uriPrefix == "." {
		e.uriPrefix = ""
	}

	return filepath.Walk(e.dir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(e.dir, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		uri := rel
		if e.uriPrefix != "" {
			uri = "/" + strings.TrimSuffix(e.uriPrefix, "/") + "/" + rel
		} else if !strings.HasPrefix(uri, "/") {
			uri = "/" + uri
		}
		file := p
		e.srv.router.HandleFunc([]string{"GET"}, uri, func(w ResponseWriter, r *Request) {
			e.serveFile(w, r, file)
		})
		return nil
	})
}

// setMaxSizeOfCacheFiles walks the static directory again, loading
// every regular file no larger than maxSize into the in-memory cache.
func (e *staticFileEngine) setMaxSizeOfCacheFiles(maxSize int64) {
	if maxSize <= 0 {
		maxSize = 3 << 20
	}
	_ = filepath.Walk(e.dir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || info.Size() > maxSize {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		e.cache[p] = content
		return nil
	})
}

func mimeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript"
	case ".json":
		return "application/json"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

// buildRangeHeader renders the literal status line and fixed header
// set cinatra's build_range_header writes, including its unconditional
// " OK\r\n" reason phrase — preserved even for status 206 on a single
// range reply.
func buildRangeHeader(mime, filename, contentLength string, status int, contentRange string) string {
	var b strings.Builder
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(status))
	b.WriteString(" OK\r\nAccess-Control-Allow-origin: *\r\nAccept-Ranges: bytes\r\n")
	if contentRange != "" {
		b.WriteString(contentRange)
	}
	b.WriteString("Content-Disposition: attachment;filename=")
	b.WriteString(filename)
	b.WriteString("\r\nConnection: keep-alive\r\n")
	b.WriteString("Content-Type: ")
	b.WriteString(mime)
	b.WriteString("\r\nContent-Length: ")
	b.WriteString(contentLength)
	b.WriteString("\r\n\r\n")
	return b.String()
}

// buildMultipleRangeHeader renders the multipart/byteranges status
// line. Unlike buildRangeHeader, this path hardcodes the real
// "206 Partial Content" reason phrase, exactly as coro_http_server.hpp
// does in build_multiple_range_header.
func buildMultipleRangeHeader(contentLen int64) string {
	var b strings.Builder
	b.WriteString("HTTP/1.1 206 Partial Content\r\n")
	b.WriteString("Content-Length: ")
	b.WriteString(strconv.FormatInt(contentLen, 10))
	b.WriteString("\r\nContent-Type: multipart/byteranges; boundary=")
	b.WriteString(boundary)
	b.WriteString("\r\n\r\n")
	return b.String()
}

type byteRange struct{ start, end int64 }

// parseRanges parses the value after "bytes=" in a Range header
// against fileSize, returning isValid=false on any malformed or
// unsatisfiable range (→ 416), matching parse_ranges in
// coro_http_server.hpp.
func parseRanges(spec string, fileSize int64) ([]byteRange, bool) {
	var ranges []byteRange
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		i := strings.IndexByte(part, '-')
		if i < 0 {
			return nil, false
		}
		startStr, endStr := part[:i], part[i+1:]
		var start, end int64
		var err error
		switch {
		case startStr == "" && endStr == "":
			return nil, false
		case startStr == "":
			// suffix range: last N bytes
			n, perr := strconv.ParseInt(endStr, 10, 64)
			if perr != nil || n <= 0 {
				return nil, false
			}
			if n > fileSize {
				n = fileSize
			}
			start = fileSize - n
			end = fileSize - 1
		case endStr == "":
			start, err = strconv.ParseInt(startStr, 10, 64)
			if err != nil || start < 0 || start >= fileSize {
				return nil, false
			}
			end = fileSize - 1
		default:
			start, err = strconv.ParseInt(startStr, 10, 64)
			if err != nil || start < 0 || start >= fileSize {
				return nil, false
			}
			end, err = strconv.ParseInt(endStr, 10, 64)
			if err != nil || end < start {
				return nil, false
			}
			if end >= fileSize {
				end = fileSize - 1
			}
		}
		ranges = append(ranges, byteRange{start: start, end: end})
	}
	if len(ranges) == 0 {
		return nil, false
	}
	return ranges, true
}

func buildPartHeads(ranges []byteRange, mime, fileSizeStr string) ([]string, int64) {
	var contentLen int64
	heads := make([]string, 0, len(ranges))
	for _, rg := range ranges {
		var b strings.Builder
		b.WriteString("--")
		b.WriteString(boundary)
		b.WriteString("\r\nContent-Type: ")
		b.WriteString(mime)
		b.WriteString("\r\nContent-Range: bytes ")
		b.WriteString(strconv.FormatInt(rg.start, 10))
		b.WriteString("-")
		b.WriteString(strconv.FormatInt(rg.end, 10))
		b.WriteString("/")
		b.WriteString(fileSizeStr)
		b.WriteString("\r\n\r\n")
		h := b.String()
		contentLen += int64(len(h))
		heads = append(heads, h)
		contentLen += rg.end + 1 - rg.start + int64(len(crcf))
	}
	// The last part is followed by multipartEnd instead of crcf.
	contentLen += int64(len(multipartEnd) - len(crcf))
	return heads, contentLen
}

// serveFile is registered as the GET handler for one static file. It
// implements the five-branch file response dispatch: cache hit, 404,
// chunked, range, and range-mode full body.
func (e *staticFileEngine) serveFile(w ResponseWriter, r *Request, file string) {
	conn := r.Conn()
	mime := mimeFor(file)
	rangeHeader := r.Header.Get("Range")

	// 1. cache hit: one scatter-gather write of header+body.
	if body, ok := e.cache[file]; ok {
		info, statErr := os.Stat(file)
		var size int64
		if statErr == nil {
			size = info.Size()
		} else {
			size = int64(len(body))
		}
		rh := buildRangeHeader(mime, filepath.Base(file), strconv.FormatInt(size, 10), 200, "")
		if _, err := conn.asyncWrite(net.Buffers{[]byte(rh), body}); err != nil {
			e.srv.logger().Logf(obs.Warn, "static cache write failed for %s: %v", file, err)
			return
		}
		conn.setDirectKeepAlive(conn.reqKeepAlive)
		return
	}

	f, err := os.Open(file)
	// 2. open failure -> 404.
	if err != nil {
		w.WriteHeader(404)
		_, _ = w.Write([]byte(filepath.Base(file) + " not found"))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		w.WriteHeader(404)
		return
	}
	fileSize := info.Size()

	// 3. chunked transfer, no range requested.
	if e.format == FormatChunked && rangeHeader == "" {
		e.serveChunked(conn, f)
		return
	}

	// 4. range requested.
	if eq := strings.IndexByte(rangeHeader, '='); eq >= 0 {
		spec := rangeHeader[eq+1:]
		ranges, valid := parseRanges(spec, fileSize)
		if !valid {
			conn.reply(416, conn.reqKeepAlive)
			return
		}
		if len(ranges) == 1 {
			e.serveSingleRange(conn, f, mime, file, fileSize, ranges[0])
		} else {
			e.serveMultiRange(conn, f, mime, file, fileSize, ranges)
		}
		return
	}

	// 5. range-capable format, full body, known Content-Length.
	e.serveRangeModeFullBody(conn, f, mime, file, fileSize)
}

func (e *staticFileEngine) serveChunked(conn *Connection, f *os.File) {
	if ok := conn.beginChunked(200, Header{}); !ok {
		return
	}
	buf := make([]byte, e.chunkSize)
	for {
		n, err := f.Read(buf)
		if err != nil && err != io.EOF {
			conn.reply(204, false)
			return
		}
		if n > 0 {
			if ok := conn.writeChunked(buf[:n]); !ok {
				return
			}
		}
		if err == io.EOF {
			if conn.endChunked() {
				conn.setDirectKeepAlive(conn.reqKeepAlive)
			}
			return
		}
	}
}

func (e *staticFileEngine) serveSingleRange(conn *Connection, f *os.File, mime, file string, fileSize int64, rg byteRange) {
	partSize := rg.end + 1 - rg.start
	status := 200
	if partSize != fileSize {
		status = 206
	}
	contentRange := fmt.Sprintf("Content-Range: bytes %d-%d/%d\r\n", rg.start, rg.end, fileSize)
	hdr := buildRangeHeader(mime, filepath.Base(file), strconv.FormatInt(partSize, 10), status, contentRange)
	if ok := conn.writeData([]byte(hdr)); !ok {
		return
	}
	if _, err := f.Seek(rg.start, io.SeekStart); err != nil {
		return
	}
	if e.sendSinglePart(conn, f, partSize, "") {
		conn.setDirectKeepAlive(conn.reqKeepAlive)
	}
}

func (e *staticFileEngine) serveMultiRange(conn *Connection, f *os.File, mime, file string, fileSize int64, ranges []byteRange) {
	fileSizeStr := strconv.FormatInt(fileSize, 10)
	heads, contentLen := buildPartHeads(ranges, mime, fileSizeStr)
	if ok := conn.writeData([]byte(buildMultipleRangeHeader(contentLen))); !ok {
		return
	}
	for i, rg := range ranges {
		if ok := conn.writeData([]byte(heads[i])); !ok {
			return
		}
		if _, err := f.Seek(rg.start, io.SeekStart); err != nil {
			return
		}
		more := crcf
		if i == len(ranges)-1 {
			more = multipartEnd
		}
		partSize := rg.end + 1 - rg.start
		if !e.sendSinglePart(conn, f, partSize, more) {
			return
		}
	}
	conn.setDirectKeepAlive(conn.reqKeepAlive)
}

func (e *staticFileEngine) serveRangeModeFullBody(conn *Connection, f *os.File, mime, file string, fileSize int64) {
	hdr := buildRangeHeader(mime, filepath.Base(file), strconv.FormatInt(fileSize, 10), 200, "")
	if ok := conn.writeData([]byte(hdr)); !ok {
		return
	}
	buf := make([]byte, e.chunkSize)
	for {
		n, err := f.Read(buf)
		if err != nil && err != io.EOF {
			conn.reply(204, false)
			return
		}
		if n > 0 {
			if ok := conn.writeData(buf[:n]); !ok {
				return
			}
		}
		if err == io.EOF {
			conn.setDirectKeepAlive(conn.reqKeepAlive)
			return
		}
	}
}

// sendSinglePart streams partSize bytes of f in chunkSize pieces,
// appending the trailing "more" marker (a bare CRLF between multipart
// parts, or the multipart terminator on the last part) to the final
// write, mirroring send_single_part's scatter-gather write.
func (e *staticFileEngine) sendSinglePart(conn *Connection, f *os.File, partSize int64, more string) bool {
	buf := make([]byte, e.chunkSize)
	for partSize > 0 {
		readSize := int64(len(buf))
		if readSize > partSize {
			readSize = partSize
		}
		n, err := io.ReadFull(f, buf[:readSize])
		if err != nil && err != io.ErrUnexpectedEOF {
			conn.reply(204, false)
			return false
		}
		partSize -= int64(n)
		if partSize == 0 && more != "" {
			if _, err := conn.asyncWrite(net.Buffers{buf[:n], []byte(more)}); err != nil {
				return false
			}
		} else {
			if ok := conn.writeData(buf[:n]); !ok {
				return false
			}
		}
	}
	if partSize == 0 && more != "" {
		return true
	}
	return true
}
