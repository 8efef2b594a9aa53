package logging

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/listing-harvester/internal/metrics"
)

// ErrRelayAbandoned is returned by Close when the grace period ran out with
// records still queued.
var ErrRelayAbandoned = errors.New("log relay: records abandoned")

const (
	// DefaultQueueSize bounds the relay queue when no size is configured.
	DefaultQueueSize = 4096
	// CoordinatorID tags records of the goroutine that drives the pool.
	CoordinatorID = -1
)

// Record is one log entry travelling from a worker to the relay writer.
type Record struct {
	WorkerID int
	Entry    zapcore.Entry
	Fields   []zapcore.Field
}

// Relay owns the only goroutine that writes to the sink core. Worker
// loggers enqueue records; a full queue blocks the producer, and records
// logged after Close are dropped.
type Relay struct {
	sink     zapcore.Core
	queue    chan Record
	stopping chan struct{}
	done     chan struct{}

	mu      sync.RWMutex
	closed  bool
	abandon atomic.Bool
	dropped atomic.Int64
	once    sync.Once
}

// NewRelay starts the relay goroutine.
func NewRelay(sink zapcore.Core, queueSize int) *Relay {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Relay{
		sink:     sink,
		queue:    make(chan Record, queueSize),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Logger returns a logger whose records carry workerID and go through the relay.
func (r *Relay) Logger(workerID int) *zap.Logger {
	return zap.New(&relayCore{LevelEnabler: r.sink, relay: r, workerID: workerID}, zap.AddCaller())
}

// Dropped reports how many records were discarded.
func (r *Relay) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting records and drains the queue until ctx is done.
// Records still queued when ctx expires are discarded and ErrRelayAbandoned
// is returned.
func (r *Relay) Close(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		close(r.stopping)
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()

		select {
		case <-r.done:
			// stderr cannot be synced on most platforms; the root logger's
			// close func owns flushing the file.
			_ = r.sink.Sync()
		case <-ctx.Done():
			r.abandon.Store(true)
			err = fmt.Errorf("%w: %d pending", ErrRelayAbandoned, len(r.queue))
		}
	})
	return err
}

func (r *Relay) enqueue(rec Record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(1)
		return
	}
	select {
	case r.queue <- rec:
	case <-r.stopping:
		r.drop(1)
	}
}

func (r *Relay) drop(n int) {
	r.dropped.Add(int64(n))
	metrics.AddRelayDropped(n)
}

func (r *Relay) run() {
	defer close(r.done)
	for rec := range r.queue {
		if r.abandon.Load() {
			r.drop(1)
			continue
		}
		r.write(rec)
	}
}

func (r *Relay) write(rec Record) {
	ent := rec.Entry
	caller := "-"
	if ent.Caller.Defined {
		caller = ent.Caller.TrimmedPath()
	}
	ent.Message = fmt.Sprintf("%d | %s | %s", rec.WorkerID, caller, ent.Message)
	ent.Caller = zapcore.EntryCaller{}
	if ce := r.sink.Check(ent, nil); ce != nil {
		ce.Write(rec.Fields...)
	}
}

type relayCore struct {
	zapcore.LevelEnabler
	relay    *Relay
	workerID int
	fields   []zapcore.Field
}

func (c *relayCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(slices.Clone(c.fields), fields...)
	return &clone
}

func (c *relayCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *relayCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	all := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	all = append(all, c.fields...)
	all = append(all, fields...)
	c.relay.enqueue(Record{WorkerID: c.workerID, Entry: ent, Fields: all})
	return nil
}

func (c *relayCore) Sync() error { return nil }
