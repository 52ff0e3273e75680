// Package scheduler provides the in-process expiration collaborators: a
// timer-based scheduler that fires one expire callback per reservation, and
// a periodic sweep that catches anything the timers missed (process
// restarts, failed schedule calls, messages lost in transit). Both funnel
// into the same idempotent expire entry point, so overlap is harmless.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ExpireFunc is the state transition a scheduler triggers. Implementations
// must be idempotent.
type ExpireFunc func(ctx context.Context, reservationID string) error

// Timer schedules expirations with in-process time.AfterFunc timers. Holds
// are lost on restart, which is why deployments pair it with the Sweeper.
type Timer struct {
	expire  ExpireFunc
	logger  *log.Logger
	timeout time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewTimer(expire ExpireFunc, logger *log.Logger) *Timer {
	return &Timer{
		expire:  expire,
		logger:  logger,
		timeout: 30 * time.Second,
		timers:  make(map[string]*time.Timer),
	}
}

func (t *Timer) ScheduleAt(at time.Time, reservationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return errors.New("scheduler is stopped")
	}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	t.timers[reservationID] = time.AfterFunc(delay, func() { t.fire(reservationID) })
	return nil
}

func (t *Timer) fire(reservationID string) {
	t.mu.Lock()
	delete(t.timers, reservationID)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	if err := t.expire(ctx, reservationID); err != nil {
		// The sweep retries anything left active.
		t.logger.Printf("scheduled expire %s: %v", reservationID, err)
	}
}

// Stop cancels all pending timers and refuses further scheduling.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
