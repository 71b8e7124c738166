package servx

import (
	"context"
	"time"
)

// sweeper periodically evicts idle connections, the Go analogue of
// cinatra's check_timer_/check_timeout(): a steady-rate timer that
// walks the registry and closes anything that hasn't read or written
// in timeoutDuration.
type sweeper struct {
	reg             *registry
	checkDuration   time.Duration
	timeoutDuration time.Duration
}

func newSweeper(reg *registry, checkDuration, timeoutDuration time.Duration) *sweeper {
	if checkDuration <= 0 {
		checkDuration = 15 * time.Second
	}
	return &sweeper{reg: reg, checkDuration: checkDuration, timeoutDuration: timeoutDuration}
}

// run blocks, ticking every checkDuration, until ctx is canceled.
// Disabled entirely when timeoutDuration <= 0, matching cinatra's
// need_check_ gate on set_timeout_duration.
func (s *sweeper) run(ctx context.Context) {
	if s.timeoutDuration <= 0 {
		return
	}
	ticker := time.NewTicker(s.checkDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reg.sweepIdle(time.Now().UnixNano(), int64(s.timeoutDuration))
		}
	}
}
