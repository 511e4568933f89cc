package service

import (
	"context"
	"time"

	"github.com/diagnosis/ticketdrop/pkg/logger"
)

// Sweeper periodically releases stale dispenser reservations and purges
// expired single-mode assets. Lazy expiry on Reserve still applies; the sweep
// bounds how long an abandoned download can hold a slot under low traffic.
type Sweeper struct {
	dispenser *Dispenser
	handoff   HandoffService
	interval  time.Duration
	now       func() time.Time
}

func NewSweeper(dispenser *Dispenser, handoff HandoffService, interval time.Duration) *Sweeper {
	return &Sweeper{
		dispenser: dispenser,
		handoff:   handoff,
		interval:  interval,
		now:       time.Now,
	}
}

// Run sweeps every interval until ctx is done. A zero interval disables it.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		logger.Info("Sweeper disabled")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx, s.now())
		}
	}
}

// SweepOnce runs a single pass and returns released reservations and purged assets.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (released, purged int) {
	released = s.dispenser.Sweep(now)

	purged, err := s.handoff.Purge(ctx, now)
	if err != nil {
		logger.WarnContext(ctx, "Asset purge failed", "error", err)
	}

	if released > 0 || purged > 0 {
		logger.InfoContext(ctx, "Sweep completed", "released_reservations", released, "purged_assets", purged)
	}
	return released, purged
}
