// Package ratelimit spaces calls to an external service.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Spacer hands out call slots at least interval apart. A zero or negative
// interval never waits. It is safe for concurrent use.
type Spacer struct {
	interval time.Duration
	clock    clockwork.Clock

	mu    sync.Mutex
	next  time.Time
	total atomic.Uint64
}

// NewSpacer constructs a Spacer on clock (the real clock when nil).
func NewSpacer(interval time.Duration, clock clockwork.Clock) *Spacer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Spacer{interval: interval, clock: clock}
}

// Wait blocks until the caller's slot arrives and returns the number of slots
// granted so far. A slot abandoned because ctx ended is not reused.
func (s *Spacer) Wait(ctx context.Context) (uint64, error) {
	if s == nil {
		return 0, nil
	}
	if s.interval <= 0 {
		return s.total.Add(1), nil
	}
	s.mu.Lock()
	now := s.clock.Now()
	slot := now
	if s.next.After(now) {
		slot = s.next
	}
	s.next = slot.Add(s.interval)
	s.mu.Unlock()

	if d := slot.Sub(now); d > 0 {
		select {
		case <-s.clock.After(d):
		case <-ctx.Done():
			return s.total.Load(), ctx.Err()
		}
	}
	return s.total.Add(1), nil
}
