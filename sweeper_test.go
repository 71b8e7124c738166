package servx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dqx0.com/go/servx/internal/obs"
)

func TestSweeperDisabledWhenTimeoutNotPositive(t *testing.T) {
	r := newRegistry(obs.NopMeter{}, obs.NopLogger{})
	c, _ := newTestConnection(t, 1)
	c.lastRW.Store(time.Now().Add(-time.Hour).UnixNano())
	r.insert(c)

	s := newSweeper(r, 10*time.Millisecond, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.run(ctx)

	assert.Equal(t, 1, r.count(), "sweeper must no-op when timeoutDuration <= 0")
}

func TestSweeperEvictsIdleConnectionsOnTick(t *testing.T) {
	r := newRegistry(obs.NopMeter{}, obs.NopLogger{})
	c, _ := newTestConnection(t, 1)
	c.lastRW.Store(time.Now().Add(-time.Hour).UnixNano())
	r.insert(c)

	s := newSweeper(r, 10*time.Millisecond, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.run(ctx)

	assert.Equal(t, 0, r.count())
}

func TestNewSweeperDefaultsCheckDuration(t *testing.T) {
	r := newRegistry(obs.NopMeter{}, obs.NopLogger{})
	s := newSweeper(r, 0, time.Second)
	assert.Equal(t, 15*time.Second, s.checkDuration)
}
