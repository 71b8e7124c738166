// Package servx implements the core of an asynchronous HTTP/1.1 server:
// a TCP accept loop distributing connections over a fixed executor pool,
// a router dispatching to user handlers, a static file engine supporting
// byte ranges and chunked transfer, a reverse proxy dispatcher with
// pluggable load balancing, and an idle-connection sweeper.
//
// Quick start:
//
//	s := servx.NewServer(servx.Config{Addr: ":8080"})
//	s.SetHTTPHandler([]string{"GET"}, "/hello", servx.HandlerFunc(
//	    func(w servx.ResponseWriter, r *servx.Request) {
//	        w.Header().Set("Content-Type", "text/plain; charset=utf-8")
//	        w.WriteHeader(200)
//	        w.Write([]byte("hello"))
//	    }))
//	if err := s.SyncStart(); err != nil {
//	    log.Fatal(err)
//	}
//
// Observability: servx/internal/obs provides a Logger and Meter plugged
// into every component; servx/internal/exec provides the worker pool that
// connections run on.
package servx
