package lineage

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/agentworkforce/lineagesync/internal/checkpoint"
	"github.com/agentworkforce/lineagesync/internal/graph"
	"github.com/agentworkforce/lineagesync/internal/membership"
)

var ErrNotStarted = errors.New("dispatcher not started")

type Options struct {
	// Lanes is the number of serialized execution lanes. Defaults to 8.
	Lanes int
	// QueueSize is the buffered depth of each lane. Defaults to 256.
	QueueSize int
	// MaxAttempts bounds handler attempts per event. Defaults to 5.
	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration
	// StoreTimeout bounds each store call. Defaults to 5s.
	StoreTimeout  time.Duration
	PoisonHistory int

	// Checkpoint persists the resume position. Defaults to memory.
	Checkpoint checkpoint.Backend
	// Validator checks raw events in SubmitRaw. Defaults to the built-in
	// event schema.
	Validator *Validator
	Logger    *zap.Logger
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Lanes <= 0 {
		o.Lanes = 8
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 50 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 2 * time.Second
	}
	if o.RetryMax < o.RetryInitial {
		o.RetryMax = o.RetryInitial
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.PoisonHistory <= 0 {
		o.PoisonHistory = 256
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

type task struct {
	change Change
	seq    uint64
}

// Dispatcher routes events to per-key lanes so changes to one identifier
// apply in submission order while different identifiers proceed in
// parallel. It retries transient storage failures, records poison events
// and advances the checkpoint over the contiguous completed prefix.
type Dispatcher struct {
	store     graph.Store
	sources   membership.Registry
	applier   *Applier
	validator *Validator
	tracker   *checkpoint.Tracker
	watermark *checkpoint.Watermark
	poison    *poisonLog
	metrics   *metrics
	logger    *zap.Logger
	opts      Options

	lanes []chan task
	gate  gate

	mu       sync.RWMutex
	started  atomic.Bool
	stopping atomic.Bool
	wg       sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc

	applied atomic.Uint64
	stale   atomic.Uint64
}

func NewDispatcher(store graph.Store, sources membership.Registry, opts Options) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: graph store is required", ErrInvalidInput)
	}
	if sources == nil {
		return nil, fmt.Errorf("%w: source registry is required", ErrInvalidInput)
	}
	opts = opts.withDefaults()
	if opts.Validator == nil {
		v, err := NewValidator()
		if err != nil {
			return nil, err
		}
		opts.Validator = v
	}

	bounded := withTimeout(store, opts.StoreTimeout)
	d := &Dispatcher{
		store:     bounded,
		sources:   sources,
		applier:   NewApplier(bounded, opts.Logger),
		validator: opts.Validator,
		watermark: checkpoint.NewWatermark(),
		poison:    newPoisonLog(opts.PoisonHistory),
		logger:    opts.Logger,
		opts:      opts,
		lanes:     make([]chan task, opts.Lanes),
	}
	for i := range d.lanes {
		d.lanes[i] = make(chan task, opts.QueueSize)
	}
	d.gate.init()
	d.metrics = newMetrics(func(lane int) int { return len(d.lanes[lane]) }, opts.Lanes)
	d.applier.reconciler.onRace = d.metrics.reconcileRaces.Inc
	d.tracker = checkpoint.NewTracker(opts.Checkpoint, checkpoint.TrackerOptions{
		Logger:         opts.Logger,
		OnWriteFailure: func(error) { d.metrics.checkpointWriteFailures.Inc() },
		OnPersist: func(ts time.Time) {
			d.logger.Debug("checkpoint persisted", zap.Time("checkpoint", ts))
		},
		Now: opts.Now,
	})
	d.runCtx, d.runCancel = context.WithCancel(context.Background())
	return d, nil
}

// Start restores the persisted checkpoint and launches the lanes. The
// returned time is the position the feed should resume from, inclusive.
func (d *Dispatcher) Start(ctx context.Context) (time.Time, error) {
	if d.stopping.Load() {
		return time.Time{}, ErrStopped
	}
	resume, err := d.tracker.Load(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if !d.started.CompareAndSwap(false, true) {
		return d.tracker.Current(), nil
	}
	if !resume.IsZero() {
		d.metrics.checkpointTimestamp.Set(float64(resume.Unix()))
	}
	d.tracker.Start()
	for i := range d.lanes {
		d.wg.Add(1)
		go d.runLane(i)
	}
	d.logger.Info("dispatcher started",
		zap.Int("lanes", len(d.lanes)),
		zap.Int("queueSize", d.opts.QueueSize),
		zap.Time("resumeFrom", resume),
	)
	return resume, nil
}

// Submit decodes ev and queues it on its lane. Malformed and untrusted
// events are recorded as poison and returned as errors wrapping
// ErrMalformed or ErrUntrustedSource; they never reach a lane. Submit blocks
// while the lane queue is full.
func (d *Dispatcher) Submit(ctx context.Context, ev Event) error {
	change, err := Decode(ev)
	if err != nil {
		d.rejectAtSubmit(ev, err)
		return err
	}
	return d.submit(ctx, change)
}

// SubmitRaw validates a raw JSON event against the event schema before
// queueing it.
func (d *Dispatcher) SubmitRaw(ctx context.Context, raw []byte) error {
	change, err := d.validator.Parse(raw)
	if err != nil {
		d.rejectAtSubmit(PartialEvent(raw), err)
		return err
	}
	return d.submit(ctx, change)
}

func (d *Dispatcher) submit(ctx context.Context, change Change) error {
	if d.stopping.Load() {
		return ErrStopped
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopping.Load() {
		return ErrStopped
	}
	if !d.started.Load() {
		return ErrNotStarted
	}
	if !d.sources.IsKnownSource(change.Source) {
		err := fmt.Errorf("%w: %q", ErrUntrustedSource, change.Source)
		d.rejectAtSubmit(change.Event, err)
		return err
	}

	seq := d.watermark.Begin(change.Timestamp)
	lane := d.laneFor(change.PartitionKey())
	select {
	case d.lanes[lane] <- task{change: change, seq: seq}:
		return nil
	case <-ctx.Done():
		d.complete(seq)
		return ctx.Err()
	}
}

func (d *Dispatcher) laneFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.lanes)))
}

func (d *Dispatcher) runLane(lane int) {
	defer d.wg.Done()
	for t := range d.lanes[lane] {
		if err := d.gate.wait(d.runCtx); err != nil {
			d.abandon(t, err)
			continue
		}
		d.process(t)
	}
}

func (d *Dispatcher) process(t task) {
	started := time.Now()
	kind := string(t.change.Kind)
	attempts := 0
	outcome, err := backoff.Retry(d.runCtx, func() (Outcome, error) {
		attempts++
		out, err := d.applier.Apply(d.runCtx, t.change)
		if err == nil {
			return out, nil
		}
		if graph.IsTransient(err) && d.runCtx.Err() == nil {
			return "", err
		}
		return "", backoff.Permanent(err)
	},
		backoff.WithBackOff(d.newBackOff()),
		backoff.WithMaxTries(uint(d.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			d.metrics.retries.Inc()
			d.logger.Debug("retrying event",
				zap.String("identifier", t.change.ID),
				zap.String("kind", kind),
				zap.Int("attempt", attempts),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		if d.runCtx.Err() != nil {
			d.abandon(t, err)
			return
		}
		d.recordPoison(t.change.Event, err, attempts)
		outcome = OutcomePoisoned
	}
	switch outcome {
	case OutcomeApplied:
		d.applied.Add(1)
	case OutcomeStale:
		d.stale.Add(1)
	}
	d.metrics.events.WithLabelValues(kind, string(outcome)).Inc()
	d.metrics.applyLatency.WithLabelValues(kind).Observe(time.Since(started).Seconds())
	d.complete(t.seq)
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.RetryInitial
	b.MaxInterval = d.opts.RetryMax
	return b
}

// abandon leaves an event incomplete so the checkpoint stays before it and
// a restart replays it.
func (d *Dispatcher) abandon(t task, err error) {
	d.logger.Warn("event abandoned on shutdown",
		zap.String("identifier", t.change.ID),
		zap.String("kind", string(t.change.Kind)),
		zap.Int64("version", t.change.Version),
		zap.Error(err),
	)
}

func (d *Dispatcher) complete(seq uint64) {
	ts, ok := d.watermark.Complete(seq)
	if !ok {
		return
	}
	if d.tracker.Advance(ts) {
		d.metrics.checkpointTimestamp.Set(float64(ts.Unix()))
	}
}

func (d *Dispatcher) rejectAtSubmit(ev Event, err error) {
	d.recordPoison(ev, err, 0)
	kind := string(ev.Kind)
	if !ev.Kind.Valid() {
		kind = "unknown"
	}
	d.metrics.events.WithLabelValues(kind, string(OutcomePoisoned)).Inc()
}

func (d *Dispatcher) recordPoison(ev Event, err error, attempts int) {
	category := categorize(err)
	rec := PoisonRecord{
		ID:        uuid.NewString(),
		EventID:   ev.ID,
		Kind:      ev.Kind,
		Source:    ev.Source,
		Version:   ev.Version,
		Timestamp: ev.Timestamp,
		Category:  category,
		Cause:     err.Error(),
		Attempts:  attempts,
		FailedAt:  d.opts.Now(),
	}
	d.poison.add(rec)
	d.metrics.poison.WithLabelValues(string(category)).Inc()
	d.logger.Error("poison event skipped",
		zap.String("identifier", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.String("source", ev.Source),
		zap.Int64("version", ev.Version),
		zap.String("category", string(category)),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
}

// Pause stops lanes from taking their next event. In-flight events finish.
// Once Stop has begun, Pause does nothing.
func (d *Dispatcher) Pause() {
	if d.stopping.Load() {
		return
	}
	if d.gate.pause() {
		d.logger.Info("dispatcher paused")
	}
}

func (d *Dispatcher) Resume() {
	if d.gate.resume() {
		d.logger.Info("dispatcher resumed")
	}
}

func (d *Dispatcher) Paused() bool {
	return d.gate.isPaused()
}

// WaitResumed blocks until the dispatcher is not paused.
func (d *Dispatcher) WaitResumed(ctx context.Context) error {
	return d.gate.wait(ctx)
}

// Stop rejects new submissions, drains every lane and persists the final
// checkpoint. When ctx expires before the lanes drain, the remaining events
// are abandoned unapplied and left behind the checkpoint.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !d.stopping.CompareAndSwap(false, true) {
		return nil
	}
	d.gate.release()

	d.mu.Lock()
	for _, q := range d.lanes {
		close(q)
	}
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()
	var drainErr error
	select {
	case <-drained:
	case <-ctx.Done():
		drainErr = fmt.Errorf("drain lanes: %w", ctx.Err())
		d.runCancel()
		<-drained
	}
	d.runCancel()

	flushErr := d.tracker.Close(ctx)
	d.logger.Info("dispatcher stopped",
		zap.Time("checkpoint", d.tracker.Current()),
		zap.Time("persisted", d.tracker.Persisted()),
		zap.Uint64("poisonEvents", d.PoisonEventCount()),
	)
	return errors.Join(drainErr, flushErr)
}

// CurrentCheckpoint is the in-memory resume position.
func (d *Dispatcher) CurrentCheckpoint() time.Time {
	return d.tracker.Current()
}

func (d *Dispatcher) PersistedCheckpoint() time.Time {
	return d.tracker.Persisted()
}

func (d *Dispatcher) PoisonEventCount() uint64 {
	return d.poison.count.Load()
}

// PoisonEvents returns up to limit recent poison records, newest first.
func (d *Dispatcher) PoisonEvents(limit int) []PoisonRecord {
	return d.poison.recent(limit)
}

// Registry exposes the dispatcher's metrics for scraping.
func (d *Dispatcher) Registry() *prometheus.Registry {
	return d.metrics.registry
}

type Status struct {
	Started                 bool      `json:"started"`
	Stopping                bool      `json:"stopping"`
	Paused                  bool      `json:"paused"`
	Lanes                   int       `json:"lanes"`
	LaneDepths              []int     `json:"laneDepths"`
	InFlight                int       `json:"inFlight"`
	Applied                 uint64    `json:"applied"`
	Stale                   uint64    `json:"stale"`
	PoisonEvents            uint64    `json:"poisonEvents"`
	Checkpoint              time.Time `json:"checkpoint"`
	PersistedCheckpoint     time.Time `json:"persistedCheckpoint"`
	CheckpointWriteFailures uint64    `json:"checkpointWriteFailures"`
}

func (d *Dispatcher) Status() Status {
	depths := make([]int, len(d.lanes))
	for i, q := range d.lanes {
		depths[i] = len(q)
	}
	return Status{
		Started:                 d.started.Load(),
		Stopping:                d.stopping.Load(),
		Paused:                  d.gate.isPaused(),
		Lanes:                   len(d.lanes),
		LaneDepths:              depths,
		InFlight:                d.watermark.InFlight(),
		Applied:                 d.applied.Load(),
		Stale:                   d.stale.Load(),
		PoisonEvents:            d.PoisonEventCount(),
		Checkpoint:              d.tracker.Current(),
		PersistedCheckpoint:     d.tracker.Persisted(),
		CheckpointWriteFailures: d.tracker.WriteFailures(),
	}
}

// gate holds lanes between events while the dispatcher is paused. ch is
// closed whenever the gate is open.
type gate struct {
	mu       sync.Mutex
	paused   bool
	released bool
	ch       chan struct{}
}

func (g *gate) init() {
	g.ch = make(chan struct{})
	close(g.ch)
}

func (g *gate) pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused || g.released {
		return false
	}
	g.paused = true
	g.ch = make(chan struct{})
	return true
}

func (g *gate) resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return false
	}
	g.paused = false
	close(g.ch)
	return true
}

// release opens the gate for good.
func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = true
	if g.paused {
		g.paused = false
		close(g.ch)
	}
}

func (g *gate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	default:
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
