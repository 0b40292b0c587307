package main

import (
	"context"
	"log"
	"time"
)

// RunMetrics logs routing stats every interval until ctx is canceled.
func RunMetrics(ctx context.Context, reg *Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			routed, dropped, players := reg.Stats()
			if players > 0 || routed > 0 {
				log.Printf("[metrics] players=%d routed=%d dropped=%d (%.0f frames/s)",
					players, routed, dropped,
					float64(routed)/interval.Seconds())
			}
		}
	}
}
