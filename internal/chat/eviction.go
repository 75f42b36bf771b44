package chat

import (
	"context"
	"time"
)

// EvictCallback is called for every session removed by the eviction worker.
type EvictCallback func(sessionID string)

// StartEvictionWorker runs a background goroutine that periodically drops
// idle sessions from memory. Stored history is reloaded on the next turn.
func (a *Assembler) StartEvictionWorker(ctx context.Context, interval, ttl time.Duration, onEvict EvictCallback) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		a.logger.Info("Session eviction worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				a.sweepIdle(ttl, onEvict)
			case <-ctx.Done():
				a.logger.Info("Session eviction worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (a *Assembler) sweepIdle(ttl time.Duration, onEvict EvictCallback) {
	evicted := a.EvictIdle(ttl)
	if len(evicted) == 0 {
		return
	}
	for _, id := range evicted {
		a.logger.Debug("Session eviction worker dropped session", "session_id", id)
		if onEvict != nil {
			onEvict(id)
		}
	}
	a.logger.Info("Session eviction worker sweep completed", "evicted", len(evicted), "remaining", a.SessionCount())
}
