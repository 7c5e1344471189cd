// Package sink forwards published batches to external systems.
//
// Every sink runs behind its own bounded queue so a slow or unreachable
// backend never stalls the dispatcher: when the queue is full the oldest
// pending batch is discarded.
package sink

import (
	"context"
	"time"

	"tickstats/internal/metrics"
	"tickstats/internal/model"

	"github.com/rs/zerolog/log"
)

// Writer delivers one batch to a backend.
type Writer interface {
	Name() string
	Write(ctx context.Context, batch model.Batch) error
}

// Runner queues batches for a Writer. It implements service.BatchSink.
type Runner struct {
	w            Writer
	queue        chan model.Batch
	writeTimeout time.Duration
	metrics      *metrics.Metrics
}

// NewRunner creates a runner with room for size pending batches.
func NewRunner(w Writer, size int, writeTimeout time.Duration, m *metrics.Metrics) *Runner {
	if size <= 0 {
		size = 1
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Runner{
		w:            w,
		queue:        make(chan model.Batch, size),
		writeTimeout: writeTimeout,
		metrics:      m,
	}
}

// Offer enqueues a batch without blocking, discarding the oldest pending
// batch when the queue is full. Offer must be called from a single goroutine.
func (r *Runner) Offer(batch model.Batch) {
	for {
		select {
		case r.queue <- batch:
			return
		default:
		}
		select {
		case old := <-r.queue:
			r.metrics.SinkDrop(r.w.Name())
			log.Warn().Str("sink", r.w.Name()).Uint64("seq", old.Seq).Msg("sink queue full, dropping batch")
		default:
		}
	}
}

// Pending returns the number of queued batches.
func (r *Runner) Pending() int {
	return len(r.queue)
}

// Run writes queued batches until ctx is cancelled, then flushes whatever is
// still queued.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case batch := <-r.queue:
			r.write(ctx, batch)
		}
	}
}

func (r *Runner) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	for {
		select {
		case batch := <-r.queue:
			r.write(ctx, batch)
		default:
			return
		}
	}
}

func (r *Runner) write(ctx context.Context, batch model.Batch) {
	ctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()
	if err := r.w.Write(ctx, batch); err != nil {
		r.metrics.SinkError(r.w.Name())
		log.Error().Err(err).Str("sink", r.w.Name()).Uint64("seq", batch.Seq).Msg("sink write failed")
	}
}
