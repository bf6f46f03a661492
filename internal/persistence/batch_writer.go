// Package persistence batches high-volume writes off the tick path.
package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

// BarWriterMetrics provides statistics about batch operations.
type BarWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// BarWriter buffers bar upserts and commits them in one transaction per
// flush. It satisfies market.BarStore. Rows of a failed flush are queued
// again so the next flush retries them.
type BarWriter struct {
	database *db.Database
	log      *zap.Logger

	mu       sync.Mutex
	buffer   []db.Bar
	maxSize  int
	interval time.Duration

	flushMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	writes, batches, errors atomic.Uint64
	statsMu                 sync.Mutex
	lastSize                int
	lastFlush               time.Time
}

// NewBarWriter creates a writer that flushes every interval or once maxSize
// rows are buffered.
func NewBarWriter(database *db.Database, maxSize int, interval time.Duration, log *zap.Logger) *BarWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	w := &BarWriter{
		database: database,
		log:      log.With(zap.String("component", "bar_writer")),
		buffer:   make([]db.Bar, 0, maxSize),
		maxSize:  maxSize,
		interval: interval,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.backgroundFlush()
	return w
}

// UpsertBar queues b and flushes when the buffer is full.
func (w *BarWriter) UpsertBar(ctx context.Context, b db.Bar) error {
	w.mu.Lock()
	w.buffer = append(w.buffer, b)
	full := len(w.buffer) >= w.maxSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes every buffered row now.
func (w *BarWriter) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	rows := w.buffer
	w.buffer = make([]db.Bar, 0, w.maxSize)
	w.mu.Unlock()

	err := w.database.WithTx(ctx, func(q *db.Queries) error {
		for _, b := range rows {
			if err := q.UpsertBar(ctx, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		w.errors.Add(1)
		w.mu.Lock()
		w.buffer = append(rows, w.buffer...)
		w.mu.Unlock()
		w.log.Error("bar batch failed; rows requeued", zap.Int("rows", len(rows)), zap.Error(err))
		return err
	}

	w.writes.Add(uint64(len(rows)))
	w.batches.Add(1)
	w.statsMu.Lock()
	w.lastSize = len(rows)
	w.lastFlush = time.Now()
	w.statsMu.Unlock()
	w.log.Debug("bar batch flushed", zap.Int("rows", len(rows)))
	return nil
}

func (w *BarWriter) backgroundFlush() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = w.Flush(context.Background())
		case <-w.done:
			if err := w.Flush(context.Background()); err != nil {
				w.log.Warn("final bar flush failed", zap.Error(err))
			}
			return
		}
	}
}

// Pending returns the number of buffered rows.
func (w *BarWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Metrics returns the current batch statistics.
func (w *BarWriter) Metrics() BarWriterMetrics {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return BarWriterMetrics{
		TotalWrites:   w.writes.Load(),
		TotalBatches:  w.batches.Load(),
		TotalErrors:   w.errors.Load(),
		LastBatchSize: w.lastSize,
		LastFlushTime: w.lastFlush,
	}
}

// Close stops the background loop after a final flush.
func (w *BarWriter) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	return nil
}
