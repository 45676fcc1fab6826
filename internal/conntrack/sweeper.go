package conntrack

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

// Sweeper periodically removes idle flows from a Table.
type Sweeper struct {
	table    *Table
	interval time.Duration
	clock    clock.WithTicker
}

func NewSweeper(table *Table, interval time.Duration, clk clock.WithTicker) *Sweeper {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Sweeper{table: table, interval: interval, clock: clk}
}

// Run sweeps until ctx is cancelled. A sweep in progress finishes the shard
// it holds and skips the rest before Run returns.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	slog.Info("Conntrack sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Conntrack sweeper stopped")
			return
		case <-ticker.C():
			start := s.clock.Now()
			if n := s.table.ExpireIdle(ctx, start); n > 0 {
				slog.Debug("Expired idle flows", "count", n, "remaining", s.table.Len(),
					"duration", s.clock.Since(start))
			}
		}
	}
}
