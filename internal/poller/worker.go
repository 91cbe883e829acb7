package poller

import (
	"context"
	"errors"
	"time"

	"github.com/zeromonitor/zeromonitor/internal/models"
	"github.com/zeromonitor/zeromonitor/internal/transport"
)

// runWorker is the poll loop for one node: collect on a drift-corrected
// cadence until cancelled, emitting exactly one MetricEvent per cycle. A
// collection failure never terminates the worker; only cancellation does.
func (a *Agent) runWorker(ctx context.Context, node models.Node, collector Collector) {
	defer a.wg.Done()

	logger := a.logger.With("component", "worker", "node", node.Name)
	defer func() {
		if err := collector.Close(); err != nil {
			logger.Debug("collector close failed", "error", err)
		}
		logger.Info("worker stopped")
	}()

	next := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}

		if wait := time.Until(next); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		metrics, err := collector.Collect(ctx)
		switch {
		case err == nil:
			a.emit(ctx, models.MetricEvent{
				Node:      node.Name,
				Success:   true,
				Metrics:   metrics,
				Timestamp: time.Now().UTC(),
			})
		case isCancellation(ctx, err):
			// The cycle was aborted by shutdown, not a genuine failure;
			// no event is emitted for it.
			return
		default:
			logger.Warn("poll cycle failed", "error", err)
			a.emit(ctx, models.MetricEvent{
				Node:      node.Name,
				Success:   false,
				Error:     err.Error(),
				Timestamp: time.Now().UTC(),
			})
		}

		next = nextRunTime(next, node.Interval, time.Now())
	}
}

// emit sends one event without ever blocking a cancelled worker on a full
// channel. A completed cycle's event is still delivered when buffer space
// allows, even if cancellation has already fired.
func (a *Agent) emit(ctx context.Context, event models.MetricEvent) {
	select {
	case a.events <- event:
		return
	default:
	}
	select {
	case a.events <- event:
	case <-ctx.Done():
	}
}

// isCancellation distinguishes a shutdown-triggered abort from a genuine
// collection failure.
func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, transport.ErrAborted) ||
		errors.Is(err, context.Canceled)
}

// nextRunTime anchors the schedule to a monotonically advancing deadline so
// variable collection latency cannot drift the long-run cadence. If a cycle
// overran its interval the next run is immediate, not a burst of catch-up
// ticks.
func nextRunTime(prev time.Time, interval time.Duration, now time.Time) time.Time {
	next := prev.Add(interval)
	if next.Before(now) {
		return now
	}
	return next
}
