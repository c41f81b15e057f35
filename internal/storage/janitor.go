package storage

import (
	"context"
	"log"
	"time"
)

// RunJanitor purges expired records every interval until ctx is done.
func RunJanitor(ctx context.Context, store Store, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.Purge(ctx, now.UTC())
			if err != nil {
				log.Printf("[storage] purge failed: %v", err)
				continue
			}
			if removed > 0 {
				log.Printf("[storage] purged %d expired records", removed)
			}
		}
	}
}
