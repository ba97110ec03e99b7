package app

import (
	"context"
	"log"
	"time"

	"github.com/reprohum/studypool/internal/services/study/engine"
	"github.com/reprohum/studypool/internal/services/study/metrics"
)

// RunSweeper reclaims abandoned allocations on a fixed interval until
// the context is cancelled. A failed sweep is logged and retried on the
// next tick; it never stops the loop.
func RunSweeper(ctx context.Context, eng *engine.Engine, interval time.Duration, collector *metrics.Collector) {
	if eng == nil {
		return
	}
	if interval <= 0 {
		interval = eng.TimeLimit()
	}

	sweep := func() {
		expired, err := eng.Expire(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("expiry sweep: %v", err)
			}
			return
		}
		if expired > 0 {
			log.Printf("expiry sweep reclaimed %d task(s)", expired)
		}
		if collector != nil {
			collector.TasksExpired(expired)
			if counts, err := eng.CountTasksByStatus(ctx); err == nil {
				collector.SetTaskCounts(counts)
			}
		}
	}

	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
