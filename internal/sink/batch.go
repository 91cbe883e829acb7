package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zeromonitor/zeromonitor/internal/config"
	"github.com/zeromonitor/zeromonitor/internal/models"
)

// BatchWriter persists metric events to Postgres in bulk using the COPY
// protocol. Publish never blocks: events queue on a bounded channel and are
// dropped with a warning under sustained database outage.
type BatchWriter struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	cfg    *config.DatabaseConfig

	submitCh chan models.MetricEvent

	batchMu      sync.Mutex
	currentBatch []models.MetricEvent

	consecutiveFailures int
	maxConsecutiveFails int
}

// NewBatchWriter creates a batch writer over the given pool. Run must be
// started for events to reach the database.
func NewBatchWriter(pool *pgxpool.Pool, cfg *config.DatabaseConfig, logger *slog.Logger) *BatchWriter {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	return &BatchWriter{
		pool:                pool,
		logger:              logger.With("component", "batch-writer"),
		cfg:                 cfg,
		submitCh:            make(chan models.MetricEvent, batchSize*2),
		currentBatch:        make([]models.MetricEvent, 0, batchSize),
		maxConsecutiveFails: 5,
	}
}

func (bw *BatchWriter) Name() string {
	return "postgres-batch"
}

// Publish queues one event for the next flush, dropping it if the queue is
// full so a stalled database never backs up the drain loop.
func (bw *BatchWriter) Publish(event models.MetricEvent) {
	select {
	case bw.submitCh <- event:
	default:
		bw.logger.Warn("submit queue full, dropping metric event", "node", event.Node)
	}
}

// Run starts the batch writer's main processing loop and blocks until ctx
// is cancelled. Remaining data is flushed on shutdown.
func (bw *BatchWriter) Run(ctx context.Context) error {
	bw.logger.Info("batch writer starting",
		"batch_size", bw.cfg.BatchSize,
		"flush_interval", bw.cfg.GetFlushInterval(),
	)

	flushTicker := time.NewTicker(bw.cfg.GetFlushInterval())
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			bw.logger.Info("batch writer shutting down, flushing remaining data")
			bw.drainSubmitQueue()
			if err := bw.flush(context.Background()); err != nil {
				bw.logger.Error("final flush failed", "error", err)
			}
			return ctx.Err()

		case event := <-bw.submitCh:
			bw.batchMu.Lock()
			bw.currentBatch = append(bw.currentBatch, event)
			size := len(bw.currentBatch)
			bw.batchMu.Unlock()

			if size >= bw.cfg.BatchSize {
				if err := bw.flush(ctx); err != nil {
					bw.logger.Error("flush on batch size failed", "error", err)
				}
			}

		case <-flushTicker.C:
			if err := bw.flush(ctx); err != nil {
				bw.logger.Error("periodic flush failed", "error", err)
			}
		}
	}
}

// drainSubmitQueue moves whatever is still queued into the current batch.
func (bw *BatchWriter) drainSubmitQueue() {
	for {
		select {
		case event := <-bw.submitCh:
			bw.batchMu.Lock()
			bw.currentBatch = append(bw.currentBatch, event)
			bw.batchMu.Unlock()
		default:
			return
		}
	}
}

// flush writes the current batch to the database.
func (bw *BatchWriter) flush(ctx context.Context) error {
	bw.batchMu.Lock()
	if len(bw.currentBatch) == 0 {
		bw.batchMu.Unlock()
		return nil
	}
	batch := bw.currentBatch
	bw.currentBatch = make([]models.MetricEvent, 0, bw.cfg.BatchSize)
	bw.batchMu.Unlock()

	start := time.Now()
	err := bw.writeBatch(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		bw.consecutiveFailures++
		bw.logger.Error("batch write failed",
			"error", err,
			"batch_size", len(batch),
			"consecutive_failures", bw.consecutiveFailures,
			"duration_ms", duration.Milliseconds(),
		)
		if bw.consecutiveFailures < bw.maxConsecutiveFails {
			bw.requeue(batch)
		} else {
			bw.logger.Error("max consecutive failures reached, dropping batch",
				"dropped_count", len(batch),
			)
		}
		return err
	}

	bw.consecutiveFailures = 0
	bw.logger.Debug("batch written",
		"batch_size", len(batch),
		"duration_ms", duration.Milliseconds(),
	)
	return nil
}

// writeBatch performs the actual database write using COPY protocol.
func (bw *BatchWriter) writeBatch(ctx context.Context, batch []models.MetricEvent) error {
	tx, err := bw.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			bw.logger.Warn("failed to rollback transaction", "error", err)
		}
	}()

	copyCount, err := tx.Conn().CopyFrom(
		ctx,
		pgx.Identifier{"metric_events"},
		[]string{"node_name", "collected_at", "success", "error", "hostname", "cpu_temp_c", "cpu_load_1m", "mem_total_mb", "mem_used_mb", "disk_used_percent"},
		pgx.CopyFromSlice(len(batch), func(i int) ([]interface{}, error) {
			event := batch[i]

			var errText *string
			if event.Error != "" {
				errText = &event.Error
			}

			var hostname *string
			var cpuTemp, load, disk *float64
			var memTotal, memUsed *int64
			if m := event.Metrics; m != nil {
				hostname = &m.Hostname
				cpuTemp = m.CPUTempC
				load = &m.CPULoad1m
				memTotal = &m.MemTotalMB
				memUsed = &m.MemUsedMB
				disk = m.DiskUsedPercent
			}

			return []interface{}{
				event.Node,
				event.Timestamp,
				event.Success,
				errText,
				hostname,
				cpuTemp,
				load,
				memTotal,
				memUsed,
				disk,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("COPY operation failed: %w", err)
	}
	if copyCount != int64(len(batch)) {
		return fmt.Errorf("COPY count mismatch: expected %d, got %d", len(batch), copyCount)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// requeue pushes a failed batch back through the submit queue, dropping
// whatever no longer fits.
func (bw *BatchWriter) requeue(batch []models.MetricEvent) {
	requeued := 0
	for _, event := range batch {
		select {
		case bw.submitCh <- event:
			requeued++
		default:
			bw.logger.Warn("requeue buffer full, dropping remainder",
				"requeued", requeued,
				"dropped", len(batch)-requeued,
			)
			return
		}
	}
	bw.logger.Info("batch requeued for retry", "requeued_count", requeued)
}
