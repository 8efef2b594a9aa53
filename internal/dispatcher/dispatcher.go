// Package dispatcher fans chunks of work items out to a fixed worker pool
// and owns everything the results feed: the item buffer and its flushes,
// the retry buffer and its ledger, and the continuation list.
package dispatcher

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/metrics"
)

const (
	// DefaultWorkers is the pool size used when none is configured.
	DefaultWorkers = 5
	// DefaultFlushThreshold is the buffered item count that triggers a save.
	DefaultFlushThreshold = 500
)

// ChunkFunc processes one chunk on pool slot workerID.
type ChunkFunc func(ctx context.Context, workerID int, chunk []crawler.WorkItem) (crawler.ChunkResult, error)

// Config controls the pool and the flush policy.
type Config struct {
	Workers        int
	FlushThreshold int
}

// Stats is a point-in-time view of a dispatcher, safe to read from any goroutine.
type Stats struct {
	Running          bool  `json:"running"`
	Round            int64 `json:"round"`
	Total            int64 `json:"total"`
	Buffered         int64 `json:"buffered"`
	PendingRetries   int64 `json:"pending_retries"`
	RetriesPersisted int64 `json:"retries_persisted"`
	Continuations    int64 `json:"continuations"`
	ChunksDone       int64 `json:"chunks_done"`
	ChunksFailed     int64 `json:"chunks_failed"`
	Flushes          int64 `json:"flushes"`
	FailedFlushes    int64 `json:"failed_flushes"`
}

// Dispatcher coordinates one crawl. Dispatch, Flush, PersistRetryLedger and
// Close must be called from the same goroutine; Stats may be called from any.
type Dispatcher struct {
	cfg    Config
	sink   crawler.Sink
	ledger crawler.Ledger
	logger *zap.Logger

	buffer  []crawler.Item
	retries []crawler.WorkItem

	running          atomic.Bool
	round            atomic.Int64
	total            atomic.Int64
	buffered         atomic.Int64
	pendingRetries   atomic.Int64
	retriesPersisted atomic.Int64
	continuations    atomic.Int64
	chunksDone       atomic.Int64
	chunksFailed     atomic.Int64
	flushes          atomic.Int64
	failedFlushes    atomic.Int64
}

// New creates a Dispatcher.
func New(cfg Config, sink crawler.Sink, ledger crawler.Ledger, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultFlushThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{cfg: cfg, sink: sink, ledger: ledger, logger: logger}
}

type outcome struct {
	workerID int
	size     int
	result   crawler.ChunkResult
	err      error
}

// Dispatch runs fn over every chunk on the worker pool and returns the
// continuation targets the chunks produced. Results are absorbed in
// completion order. Retry targets collected during the call are appended to
// the ledger before Dispatch returns, together with the items of chunks
// that were never dispatched because ctx ended. A chunk that fails or
// panics is logged and does not affect other chunks.
func (d *Dispatcher) Dispatch(ctx context.Context, fn ChunkFunc, chunks iter.Seq[[]crawler.WorkItem]) []crawler.WorkItem {
	d.running.Store(true)
	defer d.running.Store(false)

	jobs := make(chan []crawler.WorkItem)
	results := make(chan outcome)

	// Chunks not handed to a worker before ctx ends are collected here; the
	// slice is read only after results is closed.
	var leftovers []crawler.WorkItem
	go func() {
		defer close(jobs)
		for chunk := range chunks {
			if ctx.Err() == nil {
				select {
				case jobs <- chunk:
					continue
				case <-ctx.Done():
				}
			}
			leftovers = append(leftovers, chunk...)
		}
	}()

	var wg sync.WaitGroup
	for slot := 0; slot < d.cfg.Workers; slot++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for chunk := range jobs {
				results <- d.run(ctx, fn, workerID, chunk)
			}
		}(slot)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var continuations []crawler.WorkItem
	for out := range results {
		continuations = append(continuations, d.absorb(ctx, out)...)
	}
	if len(leftovers) > 0 {
		d.logger.Warn("dispatch interrupted, deferring undispatched work items", zap.Int("work_items", len(leftovers)))
		d.Defer(leftovers)
	}

	if err := d.PersistRetryLedger(context.WithoutCancel(ctx)); err != nil {
		d.logger.Error("persist retry ledger", zap.Error(err))
	}
	return continuations
}

func (d *Dispatcher) run(ctx context.Context, fn ChunkFunc, workerID int, chunk []crawler.WorkItem) (out outcome) {
	out = outcome{workerID: workerID, size: len(chunk)}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer func() {
		if r := recover(); r != nil {
			out.result = crawler.ChunkResult{}
			out.err = fmt.Errorf("chunk panicked: %v", r)
		}
	}()
	out.result, out.err = fn(ctx, workerID, chunk)
	return out
}

// absorb folds one chunk result into the coordinator state.
func (d *Dispatcher) absorb(ctx context.Context, out outcome) []crawler.WorkItem {
	if out.err != nil {
		d.chunksFailed.Add(1)
		metrics.ObserveChunk("error")
		d.logger.Error("chunk failed",
			zap.Int("worker", out.workerID),
			zap.Int("work_items", out.size),
			zap.Error(out.err))
	} else {
		d.chunksDone.Add(1)
		metrics.ObserveChunk("ok")
	}

	var continuations []crawler.WorkItem
	for _, sig := range out.result.Failures {
		switch {
		case sig.RetryTarget != nil && sig.ContinuationTarget == nil:
			d.retries = append(d.retries, *sig.RetryTarget)
			metrics.ObserveFailureSignal("retry")
		case sig.ContinuationTarget != nil && sig.RetryTarget == nil:
			continuations = append(continuations, *sig.ContinuationTarget)
			metrics.ObserveFailureSignal("continuation")
		default:
			d.logger.Warn("ignoring malformed failure signal", zap.Int("worker", out.workerID))
		}
	}
	d.pendingRetries.Store(int64(len(d.retries)))
	d.continuations.Add(int64(len(continuations)))

	d.buffer = append(d.buffer, out.result.Items...)
	d.buffered.Store(int64(len(d.buffer)))
	if len(d.buffer) >= d.cfg.FlushThreshold {
		d.Flush(ctx)
	}
	return continuations
}

// Flush saves the buffered items. On success they count toward the total;
// on failure the batch is logged and dropped.
func (d *Dispatcher) Flush(ctx context.Context) {
	if len(d.buffer) == 0 {
		return
	}
	batch := d.buffer
	d.buffer = nil
	d.buffered.Store(0)

	if err := d.sink.Save(context.WithoutCancel(ctx), batch); err != nil {
		d.failedFlushes.Add(1)
		metrics.ObserveFlush("error", len(batch))
		d.logger.Error("flush failed, batch dropped", zap.Int("items", len(batch)), zap.Error(err))
		return
	}
	d.flushes.Add(1)
	total := d.total.Add(int64(len(batch)))
	metrics.ObserveFlush("ok", len(batch))
	d.logger.Info("flushed items", zap.Int("items", len(batch)), zap.Int64("total", total))
}

// PersistRetryLedger appends the pending retry targets to the ledger. On
// failure they stay pending for the next call.
func (d *Dispatcher) PersistRetryLedger(ctx context.Context) error {
	if len(d.retries) == 0 {
		return nil
	}
	if d.ledger == nil {
		return fmt.Errorf("no retry ledger configured, %d targets pending", len(d.retries))
	}
	if err := d.ledger.Append(ctx, d.retries); err != nil {
		return fmt.Errorf("append %d retry targets: %w", len(d.retries), err)
	}
	d.retriesPersisted.Add(int64(len(d.retries)))
	d.logger.Info("retry targets recorded", zap.Int("targets", len(d.retries)))
	d.retries = nil
	d.pendingRetries.Store(0)
	return nil
}

// Defer records targets for a later run without dispatching them.
func (d *Dispatcher) Defer(targets []crawler.WorkItem) {
	d.retries = append(d.retries, targets...)
	d.pendingRetries.Store(int64(len(d.retries)))
}

// Run dispatches seeds, then the continuation targets they produce, round
// after round until none remain or maxRounds is reached (0 means no limit).
// Targets left over after the last round are recorded in the ledger.
func (d *Dispatcher) Run(ctx context.Context, seeds []crawler.WorkItem, fn ChunkFunc, chunkSize, maxRounds int) error {
	pending := seeds
	for round := 1; len(pending) > 0; round++ {
		if maxRounds > 0 && round > maxRounds {
			d.logger.Warn("round limit reached, deferring continuation targets",
				zap.Int("max_rounds", maxRounds),
				zap.Int("targets", len(pending)))
			d.Defer(pending)
			return d.PersistRetryLedger(context.WithoutCancel(ctx))
		}
		chunks, err := crawler.Chunk(pending, chunkSize)
		if err != nil {
			return fmt.Errorf("chunk round %d: %w", round, err)
		}
		d.round.Store(int64(round))
		d.logger.Info("dispatch round started", zap.Int("round", round), zap.Int("work_items", len(pending)))
		pending = crawler.Unique(d.Dispatch(ctx, fn, chunks))
		if ctx.Err() != nil {
			if len(pending) > 0 {
				d.Defer(pending)
				return multierr.Append(ctx.Err(), d.PersistRetryLedger(context.WithoutCancel(ctx)))
			}
			return ctx.Err()
		}
	}
	return nil
}

// Close flushes what is buffered, records pending retries and closes the sink.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.Flush(ctx)
	err := d.PersistRetryLedger(ctx)
	if d.sink != nil {
		err = multierr.Append(err, d.sink.Close(ctx))
	}
	d.logger.Info("dispatcher closed", zap.Int64("total", d.total.Load()))
	return err
}

// Total is the number of items successfully saved so far.
func (d *Dispatcher) Total() int64 { return d.total.Load() }

// Stats snapshots the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Running:          d.running.Load(),
		Round:            d.round.Load(),
		Total:            d.total.Load(),
		Buffered:         d.buffered.Load(),
		PendingRetries:   d.pendingRetries.Load(),
		RetriesPersisted: d.retriesPersisted.Load(),
		Continuations:    d.continuations.Load(),
		ChunksDone:       d.chunksDone.Load(),
		ChunksFailed:     d.chunksFailed.Load(),
		Flushes:          d.flushes.Load(),
		FailedFlushes:    d.failedFlushes.Load(),
	}
}
