package exec

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolNextRoundRobins(t *testing.T) {
	p := NewPool(3, 4)
	seen := make(map[*Executor]int)
	for i := 0; i < 9; i++ {
		seen[p.Next()]++
	}
	assert.Len(t, seen, 3)
	for _, n := range seen {
		assert.Equal(t, 3, n)
	}
}

func TestPoolRunsSubmittedJobs(t *testing.T) {
	p := NewPool(2, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Run(ctx)

	var wg sync.WaitGroup
	var count atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		p.Next().Submit(func() {
			defer wg.Done()
			count.Add(1)
		})
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs did not complete in time")
	}
	require.Equal(t, int64(20), count.Load())
}

func TestPoolStopDrains(t *testing.T) {
	p := NewPool(1, 4)
	ctx := context.Background()
	p.Run(ctx)
	var ran atomic.Bool
	p.Next().Submit(func() { ran.Store(true) })
	p.Stop()
	assert.True(t, ran.Load())
}

// TestSubmitNeverBlocksOnLongRunningJobs proves Submit can't stall a
// caller (the accept loop) the way a bounded-channel-backed executor
// would once its queue filled with blocked, long-lived jobs: it
// saturates a 2-executor pool with far more concurrently-blocked jobs
// than executors or any prior queue depth, and requires every one of
// them to have started running before any is released.
func TestSubmitNeverBlocksOnLongRunningJobs(t *testing.T) {
	p := NewPool(2, 4)
	const n = 200
	release := make(chan struct{})
	started := make(chan struct{}, n)

	submitDone := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			p.Next().Submit(func() {
				started <- struct{}{}
				<-release
			})
		}
		close(submitDone)
	}()

	select {
	case <-submitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked while jobs were still in flight")
	}

	for i := 0; i < n; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d/%d jobs started running concurrently", i, n)
		}
	}

	close(release)
	done := make(chan struct{})
	go func() { p.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not drain after jobs were released")
	}
}
