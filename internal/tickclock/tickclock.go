// Package tickclock provides the free-running, coarse timestamp source the
// buffer cache uses for approximate LRU. Readers load the counter atomically
// and take no lock; its coarse 100ms steps only blur eviction order, never
// correctness, so that's an acceptable tradeoff rather than a bug.
package tickclock

import (
	"sync/atomic"
	"time"
)

// Clock is a background-calibrated tick counter. The calibration loop
// trades a little drift for avoiding a time.Now() syscall-ish call on every
// single bread/brelse, the same tradeoff simplygulshan4u-ecache2 makes for
// its internal LRU/TTL clock.
type Clock struct {
	nanos  atomic.Int64
	stopCh chan struct{}
}

// New starts the calibration goroutine and returns a running Clock. Stop
// must be called to release it.
func New() *Clock {
	c := &Clock{stopCh: make(chan struct{})}
	c.nanos.Store(time.Now().UnixNano())
	go c.calibrate()
	return c
}

func (c *Clock) calibrate() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	n := 0
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if n == 9 {
				c.nanos.Store(time.Now().UnixNano()) // resync every ~1s
				n = 0
				continue
			}
			c.nanos.Add(int64(100 * time.Millisecond))
			n++
		}
	}
}

// Now returns the current tick value. Never 0 once New has run, matching the
// spec's "tick == 0 means never held" sentinel.
func (c *Clock) Now() int64 {
	return c.nanos.Load()
}

// Stop releases the calibration goroutine.
func (c *Clock) Stop() {
	close(c.stopCh)
}
