package servx

import "strings"

// Handler serves one HTTP request.
type Handler interface {
	ServeHTTP(ResponseWriter, *Request)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ResponseWriter, *Request)

func (f HandlerFunc) ServeHTTP(w ResponseWriter, r *Request) { f(w, r) }

// ResponseWriter is the interface handlers use to build a response.
// It is the buffered half of the connection's write path; the static
// file engine bypasses it and writes its file replies to the
// connection directly. The proxy dispatcher writes through it.
type ResponseWriter interface {
	Header() Header
	Write([]byte) (int, error)
	WriteHeader(status int)
}

// Aspect wraps a Handler with cross-cutting behavior (logging,
// authentication, rate limiting). Aspects registered on a route apply
// innermost-first: the last Aspect passed to Handle runs closest to
// the handler itself.
type Aspect func(Handler) Handler

type routeKey struct {
	method string
	path   string
}

// Router dispatches a (method, path) pair to the Handler registered
// for it. It generalizes cinatra's coro_http_router into a plain map:
// this module does not need the original's trie-based path matching
// since routes here are either application-registered exact paths or
// one-per-file static routes enumerated at startup.
type Router struct {
	routes map[routeKey]Handler
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{routes: make(map[routeKey]Handler)}
}

// Handle registers h, wrapped by aspects (innermost-first: aspects[len-1]
// wraps h directly), for every method in methods at path.
func (rt *Router) Handle(methods []string, path string, h Handler, aspects ...Aspect) {
	for i := len(aspects) - 1; i >= 0; i-- {
		h = aspects[i](h)
	}
	for _, m := range methods {
		rt.routes[routeKey{method: strings.ToUpper(m), path: path}] = h
	}
}

// HandleFunc is the HandlerFunc convenience form of Handle.
func (rt *Router) HandleFunc(methods []string, path string, f HandlerFunc, aspects ...Aspect) {
	rt.Handle(methods, path, f, aspects...)
}

// Lookup returns the Handler registered for (method, path), if any.
func (rt *Router) Lookup(method, path string) (Handler, bool) {
	h, ok := rt.routes[routeKey{method: strings.ToUpper(method), path: path}]
	return h, ok
}
