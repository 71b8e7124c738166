package servx

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"dqx0.com/go/servx/internal/exec"
	"dqx0.com/go/servx/internal/obs"
)

// Config carries the server's tunables. Unlike cinatra's constructor
// overloads (in-process io_context vs. owned thread pool), servx
// expresses the same choice through an Option (WithExternalContext)
// rather than a second constructor, matching the rest of this package's
// functional-options surface.
type Config struct {
	Addr              string
	Executors         int
	NoDelay           bool
	TLSCertFile       string
	TLSKeyFile        string
	TLSPassphrase     string
	TLSEnabled        bool
	MaxHeaderBytes    int
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	CheckDuration     time.Duration
	TimeoutDuration   time.Duration
	ShrinkToFit       bool
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithExternalContext hands the server a context it does not own,
// mirroring cinatra's out_ctx_ constructor path: no Pool is created,
// and Stop never cancels the caller's context, only the server's own
// accept loop and connections.
func WithExternalContext(ctx context.Context) Option {
	return func(s *Server) { s.externalCtx = ctx }
}

// WithLogger overrides the default slog-backed Logger.
func WithLogger(l obs.Logger) Option {
	return func(s *Server) { s.logger_ = l }
}

// WithMeter overrides the default no-op Meter.
func WithMeter(m obs.Meter) Option {
	return func(s *Server) { s.meter = m }
}

// Server is the front component wiring the executor pool, router,
// static file engine, connection registry, idle sweeper, and proxy
// dispatcher into one listening socket.
type Server struct {
	cfg    Config
	router *Router
	static *staticFileEngine
	reg    *registry
	sweep  *sweeper

	externalCtx context.Context
	pool        *exec.Pool

	logger_ obs.Logger
	meter   obs.Meter

	ln     net.Listener
	connID atomic.Int64

	runCtx  context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
}

// NewServer builds a Server from cfg. Call SetHTTPHandler/
// SetHTTPProxyHandler/SetStaticResDir to register routes, then
// AsyncStart or SyncStart to begin serving.
func NewServer(cfg Config, opts ...Option) *Server {
	s := &Server{cfg: cfg, router: NewRouter()}
	for _, o := range opts {
		o(s)
	}
	if s.logger_ == nil {
		s.logger_ = obs.NewSlogLogger()
	}
	if s.meter == nil {
		s.meter = obs.NopMeter{}
	}
	s.reg = newRegistry(s.meter, s.logger_)
	s.static = newStaticFileEngine(s)
	s.sweep = newSweeper(s.reg, cfg.CheckDuration, cfg.TimeoutDuration)
	return s
}

func (s *Server) logger() obs.Logger { return s.logger_ }
func (s *Server) meterOf() obs.Meter { return s.meter }

func (s *Server) headerLimit() int {
	if s.cfg.MaxHeaderBytes <= 0 {
		return 8 << 10
	}
	return s.cfg.MaxHeaderBytes
}

// SetHTTPHandler registers h for methods at path, wrapped by aspects.
func (s *Server) SetHTTPHandler(methods []string, path string, h Handler, aspects ...Aspect) {
	s.router.Handle(methods, path, h, aspects...)
}

var allMethods = []string{"GET", "POST", "DELETE", "HEAD", "PUT", "PATCH", "CONNECT", "TRACE", "OPTIONS"}

// SetHTTPProxyHandler registers a reverse-proxy route at path that
// load-balances across hosts per policy, mirroring
// set_http_proxy_handler. An empty methods list proxies every method,
// matching cinatra's sizeof...(method)==0 branch.
func (s *Server) SetHTTPProxyHandler(methods []string, path string, hosts []string, policy LBPolicy, weights []int, aspects ...Aspect) error {
	ch, err := newUpstreamChannel(hosts, policy, weights)
	if err != nil {
		return err
	}
	pd := &proxyDispatcher{srv: s, channel: ch}
	if len(methods) == 0 {
		methods = allMethods
	}
	s.router.Handle(methods, path, HandlerFunc(pd.dispatch), aspects...)
	return nil
}

// SetStaticResDir mounts dirPath under uriSuffix, registering one GET
// route per regular file found.
func (s *Server) SetStaticResDir(uriSuffix, dirPath string) error {
	return s.static.setStaticResDir(uriSuffix, dirPath)
}

// SetMaxSizeOfCacheFiles loads every static file no larger than
// maxSize into memory.
func (s *Server) SetMaxSizeOfCacheFiles(maxSize int64) { s.static.setMaxSizeOfCacheFiles(maxSize) }

// SetFileRespFormatType chooses chunked vs. range framing for static
// files not satisfied by the cache.
func (s *Server) SetFileRespFormatType(t FileRespFormat) { s.static.format = t }

// SetTransferChunkedSize sets the read/write buffer size used to
// stream chunked and ranged static file bodies.
func (s *Server) SetTransferChunkedSize(n int) {
	if n > 0 {
		s.static.chunkSize = n
	}
}

// SetCheckDuration sets how often the idle sweeper scans the registry.
func (s *Server) SetCheckDuration(d time.Duration) { s.sweep.checkDuration = d }

// SetTimeoutDuration enables the idle sweeper with the given timeout.
// A non-positive duration disables it, matching cinatra's need_check_
// gate.
func (s *Server) SetTimeoutDuration(d time.Duration) {
	s.cfg.TimeoutDuration = d
	s.sweep.timeoutDuration = d
}

// SetShrinkToFit records the flag in Config.ShrinkToFit. Connections
// do not read it: their read buffers are not trimmed after a request.
func (s *Server) SetShrinkToFit(b bool) { s.cfg.ShrinkToFit = b }

// SetNoDelay toggles TCP_NODELAY on accepted connections.
func (s *Server) SetNoDelay(b bool) { s.cfg.NoDelay = b }

// InitSSL enables TLS termination using the given cert/key pair.
func (s *Server) InitSSL(certFile, keyFile, passphrase string) {
	s.cfg.TLSCertFile = certFile
	s.cfg.TLSKeyFile = keyFile
	s.cfg.TLSPassphrase = passphrase
	s.cfg.TLSEnabled = true
}

// Port returns the bound port, valid after Listen/AsyncStart/SyncStart.
func (s *Server) Port() uint16 {
	if s.ln == nil {
		return 0
	}
	if tcpAddr, ok := s.ln.Addr().(*net.TCPAddr); ok {
		return uint16(tcpAddr.Port)
	}
	return 0
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int { return s.reg.count() }

func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

// Listen binds the configured address. Every bind/listen failure is
// reported wrapped in ErrAddrInUse, the way cinatra's listen() maps
// any failure to address_in_use. When
// InitSSL has been called, the listener terminates TLS directly so
// every accepted net.Conn is already decrypted before it reaches
// Connection.
func (s *Server) Listen() error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		s.logger().Logf(obs.Error, "listen on %s failed: %v", addr, err)
		return fmt.Errorf("%w: %v", ErrAddrInUse, err)
	}
	if s.cfg.TLSEnabled {
		tlsCfg, err := s.loadTLSConfig()
		if err != nil {
			_ = ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	s.ln = ln
	s.logger().Logf(obs.Info, "listening on %s", ln.Addr())
	return nil
}

// loadTLSConfig builds a *tls.Config from Config.TLSCertFile/TLSKeyFile.
// TLSPassphrase is accepted for parity with InitSSL's signature but is
// not applied here: the stdlib's X509KeyPair loads unencrypted PEM
// material only, and the pack carries no library for decrypting an
// encrypted private key, so an encrypted key file is rejected rather
// than silently ignored.
func (s *Server) loadTLSConfig() (*tls.Config, error) {
	if s.cfg.TLSPassphrase != "" {
		return nil, fmt.Errorf("servx: encrypted TLS private keys are not supported")
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("servx: load TLS key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// AsyncStart binds the listener, starts the executor pool (unless
// WithExternalContext was used), the idle sweeper, and the accept
// loop, then returns immediately without waiting for the server to
// stop.
func (s *Server) AsyncStart() error {
	if err := s.Listen(); err != nil {
		return err
	}
	if s.externalCtx != nil {
		s.runCtx, s.cancel = context.WithCancel(s.externalCtx)
	} else {
		s.runCtx, s.cancel = context.WithCancel(context.Background())
		s.pool = exec.NewPool(s.cfg.Executors, 0)
		s.pool.Run(s.runCtx)
	}
	go s.sweep.run(s.runCtx)
	go s.acceptLoop()
	return nil
}

// SyncStart is AsyncStart followed by blocking until the server stops.
func (s *Server) SyncStart() error {
	if err := s.AsyncStart(); err != nil {
		return err
	}
	<-s.runCtx.Done()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.runCtx.Done():
				return
			default:
			}
			s.logger().Logf(obs.Warn, "accept failed: %v", err)
			continue
		}
		id := s.connID.Add(1)
		conn := newConnection(id, c, s)
		conn.setQuitCallback(func(id int64) { s.reg.remove(id) })
		s.reg.insert(conn)

		if s.pool != nil {
			ex := s.pool.Next()
			ex.Submit(func() { conn.start(s.runCtx) })
		} else {
			go conn.start(s.runCtx)
		}
	}
}

// Stop closes the listener, closes every live connection, and — if the
// server owns its executor pool — waits for it to drain, mirroring
// cinatra's stop(): cancel the timer, close the acceptor, close every
// tracked connection, then join the pool.
func (s *Server) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.reg.closeAll()
	if s.pool != nil {
		s.pool.Stop()
	}
	s.logger().Logf(obs.Info, "server stopped")
}
