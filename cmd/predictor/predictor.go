// Package main implements the scheduled prediction loop.
//
// Each tick replays one timestamp of the configured sequence:
//
//	assemble rack snapshot → encode graph → one inference call per forecast window → cache
//
// Racks fail independently, and within a rack every forecast window fails
// independently. After all racks the cache is persisted once, the cursor
// advances (wrapping at the end of the sequence) and a tick event is
// published.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/HatiCode/rackwatch/cmd/predictor/metrics"
	"github.com/HatiCode/rackwatch/cmd/predictor/router"
	"github.com/HatiCode/rackwatch/cmd/predictor/stream"
	"github.com/HatiCode/rackwatch/pkg/graph"
	"github.com/HatiCode/rackwatch/pkg/inference"
	"github.com/HatiCode/rackwatch/pkg/storage"
	"github.com/HatiCode/rackwatch/pkg/telemetry"
)

// Assembler builds the snapshot of one rack at one timestamp.
type Assembler interface {
	Assemble(ctx context.Context, rack int, ts string) (*telemetry.Snapshot, error)
}

// Scorer asks the model service for per-node scores.
type Scorer interface {
	Predict(ctx context.Context, fw, rack int, payload graph.Payload) ([]float64, error)
}

// Options configures a Predictor.
type Options struct {
	Assembler Assembler
	Scorer    Scorer
	Cache     *storage.Cache
	Store     storage.Store
	Racks     []int
	Windows   []int

	// Timestamps is the replayed sequence. Its order is also the order the
	// cache reports timestamps in.
	Timestamps []string

	// Concurrency bounds in-flight inference calls per rack. Values < 1 mean 1.
	Concurrency int

	// OnTick is called after every completed tick.
	OnTick func(stream.Event)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Predictor runs the prediction pipeline on a schedule.
type Predictor struct {
	assembler   Assembler
	scorer      Scorer
	cache       *storage.Cache
	store       storage.Store
	timestamps  []string
	racks       []int
	windows     []int
	concurrency int
	onTick      func(stream.Event)
	metrics     *metrics.Metrics
	logger      *slog.Logger

	// tickMu serializes ticks. stateMu guards the fields below it and is
	// only held briefly, so status reads never wait for a running tick.
	tickMu        sync.Mutex
	stateMu       sync.RWMutex
	cursor        int
	ticks         int64
	lastTimestamp string
	lastTickAt    time.Time
	lastDuration  time.Duration
}

// New creates a Predictor. The timestamp sequence, rack list and window list
// must be non-empty.
func New(opts Options) (*Predictor, error) {
	if len(opts.Timestamps) == 0 {
		return nil, errors.New("timestamp sequence is empty")
	}
	if len(opts.Racks) == 0 {
		return nil, errors.New("no racks configured")
	}
	if len(opts.Windows) == 0 {
		return nil, errors.New("no forecast windows configured")
	}
	if opts.Assembler == nil || opts.Scorer == nil || opts.Cache == nil {
		return nil, errors.New("assembler, scorer and cache are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	opts.Cache.SetSequence(opts.Timestamps)

	return &Predictor{
		assembler:   opts.Assembler,
		scorer:      opts.Scorer,
		cache:       opts.Cache,
		store:       opts.Store,
		timestamps:  append([]string(nil), opts.Timestamps...),
		racks:       append([]int(nil), opts.Racks...),
		windows:     append([]int(nil), opts.Windows...),
		concurrency: concurrency,
		onTick:      opts.OnTick,
		metrics:     opts.Metrics,
		logger:      logger,
	}, nil
}

// Run ticks once immediately and then every interval until ctx is canceled.
// Ticks never overlap: a tick that comes due while another is running waits
// for it to finish.
func (p *Predictor) Run(ctx context.Context, interval time.Duration) error {
	p.logger.Info("starting prediction loop",
		"interval", interval,
		"racks", p.racks,
		"forecast_windows", p.windows,
		"sequence_length", len(p.timestamps),
	)

	cl := cronLogger{p.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.DelayIfStillRunning(cl)),
	)

	id := c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		if err := p.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("prediction tick failed", "error", err)
		}
	}))

	// The wrapped job shares the DelayIfStillRunning lock with scheduled runs.
	var initial sync.WaitGroup
	initial.Add(1)
	go func() {
		defer initial.Done()
		c.Entry(id).WrappedJob.Run()
	}()

	c.Start()
	<-ctx.Done()

	p.logger.Info("stopping prediction loop")
	<-c.Stop().Done()
	initial.Wait()
	p.logger.Info("prediction loop stopped")
	return ctx.Err()
}

// Tick replays the timestamp under the cursor for every rack.
// It returns an error only when ctx is canceled before the tick completes;
// in that case nothing is persisted and the cursor does not move.
func (p *Predictor) Tick(ctx context.Context) error {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	start := time.Now()
	p.stateMu.RLock()
	cursor := p.cursor
	p.stateMu.RUnlock()
	ts := p.timestamps[cursor]

	p.logger.Debug("starting prediction tick", "cursor", cursor, "timestamp", ts)

	summaries := make([]stream.RackSummary, 0, len(p.racks))
	predictions := 0
	for _, rack := range p.racks {
		s := p.processRack(ctx, rack, ts)
		predictions += s.Predictions
		summaries = append(summaries, s)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("tick at %s interrupted: %w", ts, err)
	}

	persisted := p.persist(ctx)

	next := (cursor + 1) % len(p.timestamps)
	duration := time.Since(start)
	completed := time.Now()

	p.stateMu.Lock()
	p.cursor = next
	p.ticks++
	p.lastTimestamp = ts
	p.lastTickAt = completed
	p.lastDuration = duration
	p.stateMu.Unlock()

	if p.metrics != nil {
		p.metrics.TickSeconds.Observe(duration.Seconds())
		p.metrics.CursorIndex.Set(float64(next))
		p.metrics.CacheEntries.Set(float64(p.cache.Len()))
		p.metrics.LastTickTimestamp.Set(float64(completed.Unix()))
	}

	p.logger.Info("prediction tick complete",
		"timestamp", ts,
		"racks", len(p.racks),
		"predictions", predictions,
		"persisted", persisted,
		"next_cursor", next,
		"duration_ms", duration.Milliseconds(),
	)

	if p.onTick != nil {
		p.onTick(stream.Event{
			Type:        "tick",
			Timestamp:   ts,
			Cursor:      next,
			CompletedAt: completed.UTC(),
			DurationMS:  duration.Milliseconds(),
			Persisted:   persisted,
			Racks:       summaries,
		})
	}
	return nil
}

// processRack runs one rack through the pipeline. A panic is recovered and
// reported as a rack failure.
func (p *Predictor) processRack(ctx context.Context, rack int, ts string) (summary stream.RackSummary) {
	summary.Rack = rack
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("rack processing panicked", "rack", rack, "timestamp", ts, "panic", r)
			p.recordError("rack", "panic")
			summary.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	fetchStart := time.Now()
	snap, err := p.assembler.Assemble(ctx, rack, ts)
	fetchDur := time.Since(fetchStart)
	if err != nil {
		p.logger.Warn("skipping rack: fetch failed", "rack", rack, "timestamp", ts, "error", err)
		p.recordError("fetch", fetchReason(err))
		summary.Error = err.Error()
		return summary
	}
	if p.metrics != nil {
		p.metrics.FetchSeconds.Observe(fetchDur.Seconds())
	}
	prepStart := time.Now()
	payload, err := graph.Encode(snap)
	prepDur := time.Since(prepStart)
	if err != nil {
		p.logger.Warn("skipping rack: preprocessing failed", "rack", rack, "timestamp", ts, "error", err)
		p.recordError("preprocess", "encode_failed")
		summary.Error = err.Error()
		return summary
	}
	if p.metrics != nil {
		p.metrics.PreprocessSeconds.Observe(prepDur.Seconds())
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(p.concurrency)

	for _, fw := range p.windows {
		g.Go(func() error {
			ok := p.predictWindow(ctx, rack, fw, ts, payload, fetchDur, prepDur)

			mu.Lock()
			defer mu.Unlock()
			if ok {
				summary.Predictions++
			} else {
				summary.FailedWindows = append(summary.FailedWindows, fw)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Ints(summary.FailedWindows)
	return summary
}

// predictWindow performs one inference call and caches its result. It
// reports whether a prediction was stored.
func (p *Predictor) predictWindow(ctx context.Context, rack, fw int, ts string, payload graph.Payload, fetchDur, prepDur time.Duration) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("inference panicked", "rack", rack, "fw", fw, "timestamp", ts, "panic", r)
			p.recordError("inference", "panic")
			ok = false
		}
	}()

	start := time.Now()
	scores, err := p.scorer.Predict(ctx, fw, rack, payload)
	dur := time.Since(start)
	if p.metrics != nil {
		p.metrics.ObserveInference(fw, dur.Seconds())
	}
	if err != nil {
		p.logger.Warn("inference failed", "rack", rack, "fw", fw, "timestamp", ts, "error", err)
		p.recordError("inference", inferenceReason(ctx, err))
		return false
	}

	key := storage.Key{Timestamp: ts, FW: fw, Rack: rack}
	p.cache.Put(key, scores)
	p.cache.PutTiming(key, storage.Timing{
		FW:           fw,
		FetchMS:      roundMS(fetchDur),
		PreprocessMS: roundMS(prepDur),
		InferenceMS:  roundMS(dur),
	})
	return true
}

// persist saves the cache. Failures are logged and counted, never returned.
func (p *Predictor) persist(ctx context.Context) bool {
	if p.store == nil {
		return false
	}

	start := time.Now()
	err := p.cache.Persist(ctx, p.store)
	if p.metrics != nil {
		p.metrics.PersistSeconds.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		p.logger.Error("failed to persist prediction cache", "error", err)
		p.recordError("persist", "save_failed")
		return false
	}
	return true
}

// Status reports the scheduler state.
func (p *Predictor) Status() router.Status {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()

	s := router.Status{
		Cursor:             p.cursor,
		SequenceLength:     len(p.timestamps),
		NextTimestamp:      p.timestamps[p.cursor],
		LastTimestamp:      p.lastTimestamp,
		LastTickDurationMS: p.lastDuration.Milliseconds(),
		Ticks:              p.ticks,
		CacheEntries:       p.cache.Len(),
		Racks:              append([]int(nil), p.racks...),
		Windows:            append([]int(nil), p.windows...),
	}
	if !p.lastTickAt.IsZero() {
		t := p.lastTickAt.UTC()
		s.LastTickAt = &t
	}
	return s
}

// Ready returns nil once a tick has completed.
func (p *Predictor) Ready() error {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	if p.ticks == 0 {
		return errors.New("waiting for first prediction tick")
	}
	return nil
}

func (p *Predictor) recordError(stage, reason string) {
	if p.metrics != nil {
		p.metrics.RecordError(stage, reason)
	}
}

func fetchReason(err error) string {
	switch {
	case errors.Is(err, telemetry.ErrNotFound):
		return "not_found"
	case errors.Is(err, telemetry.ErrSchema):
		return "schema_mismatch"
	case errors.Is(err, telemetry.ErrAmbiguousTimestamp):
		return "ambiguous_timestamp"
	case errors.Is(err, telemetry.ErrFormat):
		return "format"
	case errors.Is(err, telemetry.ErrIO):
		return "io"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unknown"
	}
}

func inferenceReason(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return "canceled"
	case errors.Is(err, inference.ErrRemoteCall):
		return "remote_call"
	default:
		return "unknown"
	}
}

func roundMS(d time.Duration) int64 {
	return d.Round(time.Millisecond).Milliseconds()
}

// cronLogger routes robfig/cron logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
