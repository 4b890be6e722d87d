package ingest

import (
	"context"
	"log/slog"
	"time"

	"basewatch/internal/model"
)

// SendNonBlocking enqueues an observation for the detection worker, dropping
// it when the queue is full. Scan sources must never stall on a slow
// consumer.
func SendNonBlocking(ctx context.Context, out chan<- model.Observation, obs model.Observation, logger *slog.Logger) bool {
	select {
	case out <- obs:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("observation queue full, dropping", "addr", obs.Addr.String(), "ble", obs.IsBLE)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
