package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type TrackerOptions struct {
	Logger *zap.Logger
	// SaveTimeout bounds each backend write. Defaults to 5s.
	SaveTimeout time.Duration
	// OnWriteFailure is called after a failed background or final write.
	OnWriteFailure func(err error)
	// OnPersist is called after the position is durably saved.
	OnPersist func(ts time.Time)
	Now       func() time.Time
}

// Tracker holds the in-memory checkpoint and persists it from a single
// background writer so lanes never wait on checkpoint I/O.
type Tracker struct {
	backend Backend
	logger  *zap.Logger
	opts    TrackerOptions

	mu        sync.Mutex
	current   time.Time
	persisted time.Time

	saveMu   sync.Mutex
	failures atomic.Uint64

	notify    chan struct{}
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewTracker(backend Backend, opts TrackerOptions) *Tracker {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Tracker{
		backend: backend,
		logger:  opts.Logger,
		opts:    opts,
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Load restores the persisted position and returns it. A missing checkpoint
// yields the zero time, meaning "replay from the beginning".
func (t *Tracker) Load(ctx context.Context) (time.Time, error) {
	cp, err := t.backend.Load(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		return time.Time{}, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cp.Timestamp.After(t.current) {
		t.current = cp.Timestamp
	}
	if cp.Timestamp.After(t.persisted) {
		t.persisted = cp.Timestamp
	}
	return t.current, nil
}

// Start launches the background writer.
func (t *Tracker) Start() {
	t.startOnce.Do(func() {
		go t.run()
	})
}

// Advance moves the in-memory checkpoint forward. It never moves backwards
// and reports whether the position changed.
func (t *Tracker) Advance(ts time.Time) bool {
	if ts.IsZero() {
		return false
	}
	t.mu.Lock()
	if !ts.After(t.current) {
		t.mu.Unlock()
		return false
	}
	t.current = ts
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
	return true
}

func (t *Tracker) Current() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *Tracker) Persisted() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.persisted
}

func (t *Tracker) WriteFailures() uint64 {
	return t.failures.Load()
}

// Flush synchronously saves the current position if it is ahead of the
// persisted one. Failures wrap ErrWriteFailed.
func (t *Tracker) Flush(ctx context.Context) error {
	t.saveMu.Lock()
	defer t.saveMu.Unlock()

	t.mu.Lock()
	current, persisted := t.current, t.persisted
	t.mu.Unlock()
	if current.IsZero() || !current.After(persisted) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.opts.SaveTimeout)
	defer cancel()
	if err := t.backend.Save(ctx, Checkpoint{Timestamp: current, UpdatedAt: t.opts.Now()}); err != nil {
		t.failures.Add(1)
		if t.opts.OnWriteFailure != nil {
			t.opts.OnWriteFailure(err)
		}
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	t.mu.Lock()
	if current.After(t.persisted) {
		t.persisted = current
	}
	t.mu.Unlock()
	if t.opts.OnPersist != nil {
		t.opts.OnPersist(current)
	}
	return nil
}

// Close stops the background writer and performs a final flush.
func (t *Tracker) Close(ctx context.Context) error {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
	// never started: there is no writer to wait for
	t.startOnce.Do(func() {
		close(t.done)
	})
	select {
	case <-t.done:
	case <-ctx.Done():
	}
	return t.Flush(context.WithoutCancel(ctx))
}

func (t *Tracker) run() {
	defer close(t.done)
	for {
		select {
		case <-t.stop:
			return
		case <-t.notify:
			if err := t.Flush(context.Background()); err != nil {
				t.logger.Warn("checkpoint write failed, restart will replay a wider window",
					zap.Time("checkpoint", t.Current()),
					zap.Time("persisted", t.Persisted()),
					zap.Error(err),
				)
			}
		}
	}
}
