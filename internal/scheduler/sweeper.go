package scheduler

import (
	"context"
	"log"
	"time"
)

// DueExpirer is the slice of the reservation service the sweep needs.
type DueExpirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

// Sweeper periodically expires every overdue reservation. It is the
// administrative catch-all behind the per-reservation schedulers.
type Sweeper struct {
	svc      DueExpirer
	interval time.Duration
	limit    int
	logger   *log.Logger
}

func NewSweeper(svc DueExpirer, interval time.Duration, limit int, logger *log.Logger) *Sweeper {
	return &Sweeper{svc: svc, interval: interval, limit: limit, logger: logger}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.svc.ExpireDue(ctx, s.limit)
			if err != nil {
				s.logger.Printf("sweep: %v", err)
				continue
			}
			if n > 0 {
				s.logger.Printf("sweep: expired %d overdue reservations", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
