package servx

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServerDefaultsLoggerAndMeter(t *testing.T) {
	s := NewServer(Config{})
	assert.NotNil(t, s.logger())
	assert.NotNil(t, s.meterOf())
	assert.Equal(t, 8<<10, s.headerLimit())
}

func TestHeaderLimitHonorsConfig(t *testing.T) {
	s := NewServer(Config{MaxHeaderBytes: 4096})
	assert.Equal(t, 4096, s.headerLimit())
}

func TestServerListenAndPort(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0"})
	require.NoError(t, s.Listen())
	defer s.ln.Close()
	assert.NotZero(t, s.Port())
}

func TestServerAsyncStartServesHandlerAndStops(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0"})
	s.SetHTTPHandler([]string{"GET"}, "/ping", HandlerFunc(func(w ResponseWriter, r *Request) {
		w.Header().Set("Content-Length", "2")
		w.WriteHeader(200)
		_, _ = w.Write([]byte("pg"))
	}))
	require.NoError(t, s.AsyncStart())
	defer s.Stop()

	addr := s.ln.Addr().String()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /ping HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	status, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, status, "200")

	assert.Eventually(t, func() bool { return s.ConnectionCount() >= 0 }, time.Second, 10*time.Millisecond)
}

func TestServerStopIsIdempotent(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0"})
	require.NoError(t, s.AsyncStart())
	s.Stop()
	assert.NotPanics(t, func() { s.Stop() })
}

// TestServerServesConnectionsConcurrentlyBeyondExecutorCount proves
// the accept loop never serializes behind the executor count: with
// only 2 executors, 8 connections that each block in their handler
// must all reach the handler at once, which a bounded-queue-per-
// executor design (one job draining to completion per executor)
// could never do.
func TestServerServesConnectionsConcurrentlyBeyondExecutorCount(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0", Executors: 2})
	release := make(chan struct{})
	var inFlight atomic.Int32
	s.SetHTTPHandler([]string{"GET"}, "/slow", HandlerFunc(func(w ResponseWriter, r *Request) {
		inFlight.Add(1)
		<-release
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(204)
	}))
	require.NoError(t, s.AsyncStart())
	defer s.Stop()

	addr := s.ln.Addr().String()
	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", addr, time.Second)
			if err != nil {
				return
			}
			defer conn.Close()
			_, _ = conn.Write([]byte("GET /slow HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
			_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			_, _ = bufio.NewReader(conn).ReadString('\n')
		}()
	}

	require.Eventually(t, func() bool { return inFlight.Load() == n }, 2*time.Second, 10*time.Millisecond,
		"all connections should reach the handler concurrently despite only 2 executors")
	close(release)
	wg.Wait()
}

func TestServerConnectionCountTracksAcceptAndClose(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0"})
	s.SetHTTPHandler([]string{"GET"}, "/x", HandlerFunc(func(w ResponseWriter, r *Request) {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(204)
	}))
	require.NoError(t, s.AsyncStart())
	defer s.Stop()

	addr := s.ln.Addr().String()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)

	_, err = conn.Write([]byte("GET /x HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _ = bufio.NewReader(conn).ReadString('\n')
	conn.Close()

	assert.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
}
