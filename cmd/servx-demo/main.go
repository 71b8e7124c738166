// Command servx-demo serves a static directory and a small JSON API,
// shutting down gracefully on SIGINT/SIGTERM.
package main

import (
	"log"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"

	"dqx0.com/go/servx"
)

func main() {
	srv := servx.NewServer(servx.Config{
		Addr:            ":8080",
		CheckDuration:   15 * time.Second,
		TimeoutDuration: 2 * time.Minute,
	})

	srv.SetHTTPHandler([]string{"GET"}, "/healthz", servx.HandlerFunc(
		func(w servx.ResponseWriter, r *servx.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(200)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}))

	if dir := os.Getenv("SERVX_STATIC_DIR"); dir != "" {
		if err := srv.SetStaticResDir("static", dir); err != nil {
			log.Fatalf("servx-demo: static dir: %v", err)
		}
		srv.SetMaxSizeOfCacheFiles(3 << 20)
	}

	if hosts := os.Getenv("SERVX_UPSTREAM_HOSTS"); hosts != "" {
		if err := srv.SetHTTPProxyHandler(nil, "/api/", []string{hosts}, servx.RoundRobin, nil); err != nil {
			log.Fatalf("servx-demo: proxy handler: %v", err)
		}
	}

	if err := srv.AsyncStart(); err != nil {
		log.Fatalf("servx-demo: %v", err)
	}
	log.Printf("servx-demo: listening on port %d", srv.Port())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	<-sigCh

	log.Printf("servx-demo: shutting down, %d connections live", srv.ConnectionCount())
	srv.Stop()
}
