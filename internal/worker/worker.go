// Package worker implements the per-chunk crawl pipeline: fetch every work
// item of a chunk concurrently, then run extraction on a single loop in
// completion order.
package worker

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/metrics"
	"github.com/JakeFAU/listing-harvester/internal/request"
	"github.com/JakeFAU/listing-harvester/internal/telemetry"
)

// Fetcher is the part of request.Engine a worker uses.
type Fetcher interface {
	Do(ctx context.Context, spec crawler.RequestSpec, opts ...request.Option) (*crawler.FetchResult, error)
	Close()
}

// EngineFactory builds a fresh engine for one chunk. Engines are never
// shared between chunks, so rotation state has a single owner.
type EngineFactory func(logger *zap.Logger) Fetcher

// LoggerFactory returns the logger for a pool slot.
type LoggerFactory func(workerID int) *zap.Logger

// Config controls Worker behavior.
type Config struct {
	// Concurrency caps in-flight requests per chunk; 0 means one per item.
	Concurrency int
}

// Worker runs chunks for one site.
type Worker struct {
	site    crawler.Site
	engines EngineFactory
	loggers LoggerFactory
	cfg     Config
}

// New constructs a Worker.
func New(site crawler.Site, engines EngineFactory, loggers LoggerFactory, cfg Config) *Worker {
	if loggers == nil {
		loggers = func(int) *zap.Logger { return zap.NewNop() }
	}
	return &Worker{site: site, engines: engines, loggers: loggers, cfg: cfg}
}

type fetched struct {
	item crawler.WorkItem
	res  *crawler.FetchResult
	err  error
}

// ProcessChunk fetches the chunk and extracts it. Items whose request
// yielded nothing become retry signals. The returned error is only set
// when ctx ended before the chunk finished; the partial result is still valid.
func (w *Worker) ProcessChunk(ctx context.Context, workerID int, chunk []crawler.WorkItem) (crawler.ChunkResult, error) {
	ctx, span := telemetry.Tracer("worker").Start(ctx, "worker.chunk", trace.WithAttributes(
		attribute.Int("worker.id", workerID),
		attribute.Int("chunk.size", len(chunk)),
		attribute.String("site", w.site.Name()),
	))
	defer span.End()

	logger := w.loggers(workerID).With(zap.String("site", w.site.Name()))
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		logger = logger.With(zap.String("trace_id", traceID))
	}
	engine := w.engines(logger)
	defer engine.Close()

	results := make(chan fetched, len(chunk))
	go func() {
		var g errgroup.Group
		if w.cfg.Concurrency > 0 {
			g.SetLimit(w.cfg.Concurrency)
		}
		for _, item := range chunk {
			g.Go(func() error {
				res, err := w.fetch(ctx, engine, item)
				results <- fetched{item: item, res: res, err: err}
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	var out crawler.ChunkResult
	for f := range results {
		if f.res == nil {
			if f.err != nil && ctx.Err() == nil {
				logger.Debug("fetch yielded nothing", zap.String("url", f.item.URL), zap.Error(f.err))
			}
			out.Failures = append(out.Failures, crawler.Retry(f.item))
			continue
		}
		f.res.Item = f.item
		items, failures := w.extract(logger, f.res)
		out.Items = append(out.Items, items...)
		out.Failures = append(out.Failures, failures...)
	}
	metrics.AddExtracted(len(out.Items))
	span.SetAttributes(attribute.Int("items", len(out.Items)), attribute.Int("failures", len(out.Failures)))
	logger.Debug("chunk processed",
		zap.Int("work_items", len(chunk)),
		zap.Int("items", len(out.Items)),
		zap.Int("failures", len(out.Failures)))
	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("chunk interrupted: %w", err)
	}
	return out, nil
}

func (w *Worker) fetch(ctx context.Context, engine Fetcher, item crawler.WorkItem) (res *crawler.FetchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("fetch panicked: %v", r)
		}
	}()
	spec := crawler.RequestSpec{Method: http.MethodGet, URL: item.URL}
	if tuner, ok := w.site.(crawler.RequestTuner); ok {
		spec = tuner.RequestSpec(item)
	}
	return engine.Do(ctx, spec, request.WithPredicate(w.site.IsSuccess))
}

// extract shields the loop from a misbehaving site: a panic turns into a
// retry signal for the item.
func (w *Worker) extract(logger *zap.Logger, res *crawler.FetchResult) (items []crawler.Item, failures []crawler.FailureSignal) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("extraction panicked", zap.String("url", res.Item.URL), zap.Any("panic", r))
			items, failures = nil, []crawler.FailureSignal{crawler.Retry(res.Item)}
		}
	}()
	items, failures = w.site.Extract(res)
	valid := failures[:0]
	for _, sig := range failures {
		if err := sig.Validate(); err != nil {
			logger.Warn("dropping invalid failure signal", zap.String("url", res.Item.URL), zap.Error(err))
			continue
		}
		valid = append(valid, sig)
	}
	return items, valid
}
