package status

import (
	"context"
	"time"

	"github.com/codebypatrickleung/rehost/internal/cancel"
	"github.com/codebypatrickleung/rehost/internal/logger"
)

// WatchCancellation mirrors the durable cancel flag of jobID into the
// in-process registry until ctx ends or the flag is seen.
func WatchCancellation(ctx context.Context, s Store, jobID string, reg *cancel.Registry, interval time.Duration, log *logger.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		requested, err := s.CancelRequested(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debugf("Failed to poll cancel flag: %v", err)
			continue
		}
		if requested {
			log.Warning("Cancellation requested")
			reg.Cancel(jobID)
			return
		}
	}
}
