// Package app builds and holds the long-lived services of one harvest run:
// logger and log relay, tracing, rotation sources, sink, retry ledger,
// dispatcher, worker and the optional status server.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/api"
	"github.com/JakeFAU/listing-harvester/internal/config"
	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/dispatcher"
	"github.com/JakeFAU/listing-harvester/internal/id/uuid"
	"github.com/JakeFAU/listing-harvester/internal/ledger"
	"github.com/JakeFAU/listing-harvester/internal/logging"
	"github.com/JakeFAU/listing-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/listing-harvester/internal/request"
	"github.com/JakeFAU/listing-harvester/internal/rotation"
	"github.com/JakeFAU/listing-harvester/internal/sink/csvfile"
	gcssink "github.com/JakeFAU/listing-harvester/internal/sink/gcs"
	"github.com/JakeFAU/listing-harvester/internal/sink/jsonfile"
	"github.com/JakeFAU/listing-harvester/internal/sink/postgres"
	pubsubsink "github.com/JakeFAU/listing-harvester/internal/sink/pubsub"
	"github.com/JakeFAU/listing-harvester/internal/sites"
	gcsstorage "github.com/JakeFAU/listing-harvester/internal/storage/gcs"
	"github.com/JakeFAU/listing-harvester/internal/storage/local"
	"github.com/JakeFAU/listing-harvester/internal/telemetry"
	"github.com/JakeFAU/listing-harvester/internal/worker"
)

const stampLayout = "2006-01-02_15-04-05"

// App holds the services of one run. Crawl or Retry may be called once,
// followed by Close.
type App struct {
	cfg     config.Config
	runID   string
	started time.Time
	site    sites.Target

	// logger goes through the relay while it runs; root writes directly
	// and takes over once the relay is closed.
	logger   *zap.Logger
	root     *zap.Logger
	closeLog func() error
	relay    *logging.Relay
	tracing  telemetry.ShutdownFunc

	sink       crawler.Sink
	ledger     crawler.Ledger
	dispatcher *dispatcher.Dispatcher
	worker     *worker.Worker

	stopStatus context.CancelFunc
	statusDone chan error
	closers    []func() error
}

// Option customizes App construction.
type Option func(*App)

// WithLogger replaces the root logger built from cfg.Logging.
func WithLogger(l *zap.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithSink replaces the sink selected by cfg.Sink.Type.
func WithSink(s crawler.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithLedger replaces the ledger selected by cfg.Ledger.Type.
func WithLedger(l crawler.Ledger) Option {
	return func(a *App) { a.ledger = l }
}

// New wires every service. On error, whatever was already opened is closed.
func New(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	a := &App{cfg: cfg, started: time.Now()}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			_ = a.release(context.WithoutCancel(ctx))
		}
	}()

	if a.runID, err = uuid.New().NewID(); err != nil {
		return nil, err
	}
	a.site, err = sites.Get(cfg.Site, sites.Options{
		BaseURL:    cfg.Request.BaseURL,
		InputFile:  cfg.Crawler.InputFile,
		UpperLimit: cfg.Crawler.UpperLimit,
	})
	if err != nil {
		return nil, err
	}
	stamp := a.started.Format(stampLayout)

	if a.logger == nil {
		a.logger, a.closeLog, err = logging.New(logging.Config{
			Development: cfg.Logging.Development,
			Dir:         cfg.Logging.Dir,
			FileName:    fmt.Sprintf("%s_%s.log", a.site.Name(), stamp),
			MaxSizeMB:   cfg.Logging.MaxSizeMB,
			MaxBackups:  cfg.Logging.MaxBackups,
		})
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}
	a.root = a.logger.With(zap.String("run_id", a.runID), zap.String("site", a.site.Name()))
	a.relay = logging.NewRelay(a.root.Core(), cfg.Logging.QueueSize)
	a.logger = a.relay.Logger(logging.CoordinatorID)

	if a.tracing, err = telemetry.Setup(ctx, cfg.Telemetry); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	agents, err := rotation.LoadUserAgents(cfg.Request.UserAgentFile, cfg.Request.UserAgentOS, cfg.Request.UserAgentBrowser)
	if err != nil {
		return nil, err
	}
	proxies, err := rotation.LoadProxies(cfg.Request.ProxyFile)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Request.RatePerHost})

	// Assigned only on success: a failed constructor returns a typed nil.
	if a.sink == nil {
		sink, err := a.buildSink(ctx, stamp)
		if err != nil {
			return nil, fmt.Errorf("init sink: %w", err)
		}
		a.sink = sink
	}
	if a.ledger == nil {
		l, err := a.buildLedger(ctx)
		if err != nil {
			return nil, fmt.Errorf("init ledger: %w", err)
		}
		a.ledger = l
	}

	reqCfg := request.Config{
		RetryTimes:     cfg.Request.RetryTimes,
		Sleep:          cfg.Request.Sleep(),
		Timeout:        cfg.Request.Timeout(),
		BaseURL:        a.site.MainPageURL(),
		DefaultHeaders: cfg.Request.DefaultHeaders,
		Headers:        cfg.Request.Headers,
		Cookies:        cfg.Request.Cookies,
		ProxyCountries: cfg.Request.ProxyCountries,
	}
	engines := func(logger *zap.Logger) worker.Fetcher {
		return request.New(reqCfg,
			request.WithLogger(logger),
			request.WithUserAgents(agents),
			request.WithProxies(proxies),
			request.WithLimiter(limiter),
		)
	}
	a.worker = worker.New(a.site, engines, a.relay.Logger, worker.Config{Concurrency: cfg.Crawler.WorkerConcurrency})
	a.dispatcher = dispatcher.New(dispatcher.Config{
		Workers:        cfg.Crawler.Workers,
		FlushThreshold: cfg.Crawler.FlushThreshold,
	}, a.sink, a.ledger, a.logger)

	if cfg.Metrics.Addr != "" {
		a.startStatus(ctx, cfg.Metrics.Addr)
	}
	a.logger.Info("harvester ready",
		zap.String("sink", cfg.Sink.Type),
		zap.String("ledger", cfg.Ledger.Type),
		zap.Int("workers", cfg.Crawler.Workers),
		zap.Int("chunk_size", cfg.Crawler.ChunkSize))
	return a, nil
}

// Logger returns the coordinator logger, which writes through the log relay.
// After Close it returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// RunID identifies this run in logs, object names and message attributes.
func (a *App) RunID() string { return a.runID }

// Stats snapshots the dispatcher counters.
func (a *App) Stats() dispatcher.Stats { return a.dispatcher.Stats() }

// Crawl dispatches the site's seeds and every continuation round after them.
func (a *App) Crawl(ctx context.Context) error {
	seeds, err := a.site.Seeds(ctx)
	if err != nil {
		return fmt.Errorf("seed %s: %w", a.site.Name(), err)
	}
	a.logger.Info("crawl started", zap.Int("seeds", len(seeds)))
	return a.run(ctx, seeds)
}

// Retry re-crawls the ledger. When the pass completes, the ledger keeps
// only the targets that failed again; an interrupted pass leaves the old
// entries in place alongside the new ones.
func (a *App) Retry(ctx context.Context) error {
	previous, err := a.ledger.Load(ctx)
	if err != nil {
		return fmt.Errorf("load retry ledger: %w", err)
	}
	if len(previous) == 0 {
		a.logger.Info("retry ledger is empty")
		return nil
	}
	// An interrupted pass leaves repeats behind; len(previous) still
	// bounds the old entries for the truncation below.
	targets := crawler.Unique(previous)
	a.logger.Info("retry started", zap.Int("targets", len(targets)), zap.Int("ledger_entries", len(previous)))
	if err := a.run(ctx, targets); err != nil {
		return err
	}
	if err := a.dispatcher.PersistRetryLedger(ctx); err != nil {
		return err
	}
	all, err := a.ledger.Load(ctx)
	if err != nil {
		return fmt.Errorf("reload retry ledger: %w", err)
	}
	again := all[min(len(previous), len(all)):]
	if err := a.ledger.Replace(ctx, again); err != nil {
		return fmt.Errorf("truncate retry ledger: %w", err)
	}
	a.logger.Info("retry ledger truncated", zap.Int("before", len(previous)), zap.Int("after", len(again)))
	return nil
}

func (a *App) run(ctx context.Context, seeds []crawler.WorkItem) error {
	err := a.dispatcher.Run(ctx, seeds, a.worker.ProcessChunk, a.cfg.Crawler.ChunkSize, a.cfg.Crawler.MaxRounds)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("dispatch: %w", err)
	}
	return err
}

// Close flushes the item buffer, records pending retries, closes the sink
// and tears down the status server, tracing and the log relay.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.dispatcher != nil {
		err = a.dispatcher.Close(context.WithoutCancel(ctx))
		a.logger.Info("total saved", zap.Int64("items", a.dispatcher.Total()))
	}
	return multierr.Append(err, a.release(ctx))
}

func (a *App) release(ctx context.Context) error {
	var err error
	if a.stopStatus != nil {
		a.stopStatus()
		err = multierr.Append(err, <-a.statusDone)
	}
	if a.dispatcher == nil && a.sink != nil {
		err = multierr.Append(err, a.sink.Close(ctx))
	}
	for _, closeFn := range slices.Backward(a.closers) {
		err = multierr.Append(err, closeFn())
	}
	if a.tracing != nil {
		err = multierr.Append(err, a.tracing(ctx))
	}
	if a.relay != nil {
		grace := a.cfg.Logging.DrainGrace
		if grace <= 0 {
			grace = 5 * time.Second
		}
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
		err = multierr.Append(err, a.relay.Close(drainCtx))
		cancel()
		a.logger = a.root
	}
	if a.closeLog != nil {
		err = multierr.Append(err, a.closeLog())
	}
	return err
}

func (a *App) startStatus(ctx context.Context, addr string) {
	statusCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopStatus = cancel
	a.statusDone = make(chan error, 1)
	server := api.NewServer(a.dispatcher, api.RunInfo{RunID: a.runID, Site: a.site.Name(), Started: a.started}, a.logger)
	go func() {
		err := server.Serve(statusCtx, addr)
		if err != nil {
			a.logger.Error("status server stopped", zap.Error(err))
		}
		a.statusDone <- err
	}()
}

func (a *App) buildSink(ctx context.Context, stamp string) (crawler.Sink, error) {
	cfg := a.cfg.Sink
	dir, name := cfg.Dir, cfg.FileName
	if name == "" {
		if namer, ok := a.site.(sites.OutputNamer); ok {
			dir, name = namer.DefaultOutput()
		} else {
			name = fmt.Sprintf("%s_%s", a.site.Name(), stamp)
		}
	}
	switch cfg.Type {
	case config.SinkJSON, config.SinkCSV:
		store, err := local.New(local.Config{BaseDir: dir})
		if err != nil {
			return nil, err
		}
		if cfg.Type == config.SinkCSV {
			return csvfile.New(store, name+".csv", cfg.Fields)
		}
		return jsonfile.New(store, name+".json")
	case config.SinkPostgres:
		return postgres.New(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			Columns:         cfg.Postgres.Columns,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
	case config.SinkGCS:
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: cfg.GCS.Bucket}, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return gcssink.New(store, gcssink.Config{Prefix: cfg.GCS.Prefix, RunID: a.runID}, a.logger)
	case config.SinkPubSub:
		return pubsubsink.Dial(ctx, pubsubsink.Config{
			ProjectID: cfg.PubSub.ProjectID,
			TopicID:   cfg.PubSub.TopicID,
			RunID:     a.runID,
			Site:      a.site.Name(),
		})
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}

func (a *App) buildLedger(ctx context.Context) (crawler.Ledger, error) {
	cfg := a.cfg.Ledger
	switch cfg.Type {
	case config.LedgerFile:
		path, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("resolve ledger path: %w", err)
		}
		store, err := local.New(local.Config{BaseDir: filepath.Dir(path)})
		if err != nil {
			return nil, err
		}
		return ledger.NewFile(store, filepath.Base(path)), nil
	case config.LedgerRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		a.closers = append(a.closers, client.Close)
		return ledger.NewRedis(client, cfg.Redis.Key), nil
	default:
		return nil, fmt.Errorf("unknown ledger type %q", cfg.Type)
	}
}
