package servx

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dqx0.com/go/servx/internal/obs"
)

func newTestConnection(t *testing.T, id int64) (*Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	srv := &Server{cfg: Config{}, logger_: obs.NopLogger{}}
	conn := newConnection(id, server, srv)
	return conn, client
}

func TestRegistryInsertCountRemove(t *testing.T) {
	r := newRegistry(obs.NopMeter{}, obs.NopLogger{})
	c1, _ := newTestConnection(t, 1)
	c2, _ := newTestConnection(t, 2)

	r.insert(c1)
	r.insert(c2)
	assert.Equal(t, 2, r.count())

	r.remove(1)
	assert.Equal(t, 1, r.count())

	r.remove(1) // idempotent
	assert.Equal(t, 1, r.count())
}

func TestRegistryCloseAllDrainsEverything(t *testing.T) {
	r := newRegistry(obs.NopMeter{}, obs.NopLogger{})
	c, _ := newTestConnection(t, 7)
	r.insert(c)
	r.closeAll()
	assert.Equal(t, 0, r.count())
}

func TestRegistrySweepIdleEvictsOnlyExpired(t *testing.T) {
	r := newRegistry(obs.NopMeter{}, obs.NopLogger{})
	fresh, _ := newTestConnection(t, 1)
	stale, _ := newTestConnection(t, 2)
	stale.lastRW.Store(time.Now().Add(-time.Hour).UnixNano())

	r.insert(fresh)
	r.insert(stale)

	evicted := r.sweepIdle(time.Now().UnixNano(), int64(time.Minute))
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, r.count())
	_, ok := r.m.Load(1)
	assert.True(t, ok)
	_, ok = r.m.Load(2)
	assert.False(t, ok)
}

func TestRegistryRemoveOnUnknownIDIsNoop(t *testing.T) {
	r := newRegistry(obs.NopMeter{}, obs.NopLogger{})
	require.NotPanics(t, func() { r.remove(999) })
	assert.Equal(t, 0, r.count())
}
