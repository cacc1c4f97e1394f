package hub

import (
	"context"
	"log"
	"time"

	"github.com/dustin/go-humanize"
)

// RunMetrics logs aggregate registry stats every interval until ctx is
// canceled.
func RunMetrics(ctx context.Context, registry *Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := registry.Snapshot()
			var appConns int
			for _, s := range snapshot {
				appConns += s.AppConnectionCount()
			}
			if len(snapshot) > 0 {
				log.Printf("[metrics] sessions=%d app_connections=%s",
					len(snapshot), humanize.Comma(int64(appConns)))
			}
		}
	}
}
