package http1

import (
	"bufio"
	"io"
	"strings"
	"testing"
)

func readReq(t *testing.T, raw string, maxHeader int) (*ParsedRequest, error) {
	t.Helper()
	r := &Reader{BR: bufio.NewReader(strings.NewReader(raw)), MaxHeaderBytes: maxHeader}
	return r.ReadRequest()
}

func TestReader_ContentLengthBody(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello"
	pr, err := readReq(t, raw, 8<<10)
	if err != nil {
		t.Fatalf("ReadRequest error: %v", err)
	}
	if pr.ContentLength != 5 {
		t.Fatalf("ContentLength=%d", pr.ContentLength)
	}
	b, _ := io.ReadAll(pr.Body)
	if string(b) != "hello" {
		t.Fatalf("body=%q", string(b))
	}
}

func TestReader_ChunkedBody(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nhey\r\n2\r\n!!\r\n0\r\n\r\n"
	pr, err := readReq(t, raw, 8<<10)
	if err != nil {
		t.Fatalf("ReadRequest error: %v", err)
	}
	if pr.ContentLength != -1 {
		t.Fatalf("ContentLength=%d", pr.ContentLength)
	}
	b, _ := io.ReadAll(pr.Body)
	if string(b) != "hey!!" {
		t.Fatalf("body=%q", string(b))
	}
}

func TestReader_InvalidHeaderName(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nBad( : v\r\n\r\n"
	if _, err := readReq(t, raw, 8<<10); err == nil {
		t.Fatal("expected error for invalid header name")
	}
}

func TestReader_MaxHeaderBytesExceeded(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nA: " + strings.Repeat("x", 100) + "\r\n\r\n"
	if _, err := readReq(t, raw, 16); err == nil {
		t.Fatal("expected error for oversized header line")
	}
}

func TestWriteAndReadChunkRoundTrip(t *testing.T) {
	var buf strings.Builder
	bw := bufio.NewWriter(&buf)
	if _, err := WriteChunked(bw, []byte("abc")); err != nil {
		t.Fatalf("WriteChunked: %v", err)
	}
	if err := EndChunked(bw); err != nil {
		t.Fatalf("EndChunked: %v", err)
	}
	_ = bw.Flush()

	raw := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n" + buf.String()
	pr, err := readReq(t, raw, 8<<10)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	b, _ := io.ReadAll(pr.Body)
	if string(b) != "abc" {
		t.Fatalf("roundtrip body=%q", string(b))
	}
}
