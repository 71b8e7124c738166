package servx

import (
	"github.com/puzpuzpuz/xsync/v3"

	"dqx0.com/go/servx/internal/obs"
)

// registry tracks every live Connection. It is a lock-free concurrent
// map rather than the mutex-guarded map cinatra's coro_http_server uses
// (connections_ + conn_mtx_): the original never holds conn_mtx_ across
// an await either, so nothing in its behavior depends on the lock
// itself, only on the externally observable guarantees — unique
// membership by connection id, idempotent removal, and a sweep that
// never blocks a connection's own I/O. xsync.MapOf gives those for
// free and removes the contention a single mutex would put on every
// accept and every sweep tick.
type registry struct {
	m      *xsync.MapOf[int64, *Connection]
	meter  obs.Meter
	logger obs.Logger
}

func newRegistry(meter obs.Meter, logger obs.Logger) *registry {
	return &registry{
		m:      xsync.NewMapOf[int64, *Connection](),
		meter:  meter,
		logger: logger,
	}
}

func (r *registry) insert(c *Connection) {
	r.m.Store(c.id, c)
	r.meter.Counter("servx_connections_total", 1, obs.Label{Key: "event", Value: "accept"})
}

func (r *registry) remove(id int64) {
	if _, ok := r.m.LoadAndDelete(id); ok {
		r.meter.Counter("servx_connections_total", 1, obs.Label{Key: "event", Value: "close"})
	}
}

// count returns the number of live connections.
func (r *registry) count() int {
	return r.m.Size()
}

// closeAll closes and removes every connection, used by Server.Stop to
// drain the registry the way cinatra's stop() walks connections_ under
// conn_mtx_ before joining the pool thread.
func (r *registry) closeAll() {
	r.m.Range(func(id int64, c *Connection) bool {
		c.close(false)
		r.remove(id)
		return true
	})
}

// sweepIdle closes and removes every connection whose last read/write
// is older than timeoutNanos, returning how many were evicted.
func (r *registry) sweepIdle(nowNanos, timeoutNanos int64) int {
	evicted := 0
	r.m.Range(func(id int64, c *Connection) bool {
		if nowNanos-c.lastRWTime() > timeoutNanos {
			c.close(true)
			r.remove(id)
			evicted++
		}
		return true
	})
	if evicted > 0 {
		r.meter.Counter("servx_connections_swept", float64(evicted))
		r.logger.Logf(obs.Debug, "sweeper evicted %d idle connections", evicted)
	}
	return evicted
}
