package feed

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/lineagesync/internal/lineage"
)

// Submitter is the part of the dispatcher a feed needs.
type Submitter interface {
	SubmitRaw(ctx context.Context, raw []byte) error
	WaitResumed(ctx context.Context) error
	CurrentCheckpoint() time.Time
}

type Lister interface {
	ListEvents(ctx context.Context, since time.Time, cursor string, limit int) (Page, error)
}

type PollerOptions struct {
	// Batch is the page size requested from the feed. Defaults to 100.
	Batch int
	// Interval is the wait between polls once the feed is drained.
	Interval       time.Duration
	IntervalJitter float64
	// Timeout bounds one page request. Defaults to 15s.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Stats counts what a feed handed to the dispatcher.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Rejected  uint64 `json:"rejected"`
}

type counters struct {
	submitted atomic.Uint64
	rejected  atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{Submitted: c.submitted.Load(), Rejected: c.rejected.Load()}
}

// submit hands one raw event to the dispatcher. Poison rejections are
// counted and skipped; any other error stops the feed.
func (c *counters) submit(ctx context.Context, sub Submitter, raw []byte, logger *zap.Logger) error {
	err := sub.SubmitRaw(ctx, raw)
	switch {
	case err == nil:
		c.submitted.Add(1)
		return nil
	case errors.Is(err, lineage.ErrMalformed), errors.Is(err, lineage.ErrUntrustedSource):
		c.rejected.Add(1)
		logger.Debug("feed event rejected", zap.Error(err))
		return nil
	default:
		return err
	}
}

// Poller drives an HTTP feed: it resumes from the dispatcher checkpoint,
// follows page cursors and backs off with jitter once caught up.
type Poller struct {
	lister Lister
	sub    Submitter
	opts   PollerOptions
	logger *zap.Logger
	rng    *rand.Rand
	stats  counters
}

func NewPoller(lister Lister, sub Submitter, opts PollerOptions) *Poller {
	if opts.Batch <= 0 {
		opts.Batch = 100
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	opts.IntervalJitter = ClampJitterRatio(opts.IntervalJitter)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Poller{
		lister: lister,
		sub:    sub,
		opts:   opts,
		logger: opts.Logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *Poller) Stats() Stats {
	return p.stats.snapshot()
}

// Run polls until ctx ends or the dispatcher stops. It returns nil on a
// clean shutdown.
func (p *Poller) Run(ctx context.Context) error {
	since := p.sub.CurrentCheckpoint()
	cursor := ""
	p.logger.Info("feed polling started", zap.Time("since", since), zap.Int("batch", p.opts.Batch))
	for {
		if err := p.sub.WaitResumed(ctx); err != nil {
			return shutdown(ctx, err)
		}
		full, next, err := p.pollOnce(ctx, since, cursor)
		if err != nil {
			if stopped(ctx, err) {
				return shutdown(ctx, err)
			}
			p.logger.Warn("feed poll failed", zap.String("cursor", cursor), zap.Error(err))
		} else {
			cursor = next
		}
		if full {
			continue
		}
		if err := waitWithContext(ctx, JitteredInterval(p.opts.Interval, p.opts.IntervalJitter, p.rng.Float64())); err != nil {
			return shutdown(ctx, err)
		}
	}
}

// pollOnce submits one page and reports whether it was full.
func (p *Poller) pollOnce(ctx context.Context, since time.Time, cursor string) (bool, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	page, err := p.lister.ListEvents(reqCtx, since, cursor, p.opts.Batch)
	cancel()
	if err != nil {
		return false, cursor, err
	}
	for _, raw := range page.Events {
		if err := p.stats.submit(ctx, p.sub, raw, p.logger); err != nil {
			return false, cursor, err
		}
	}
	next := cursor
	if page.NextCursor != nil {
		next = *page.NextCursor
	}
	return len(page.Events) >= p.opts.Batch && next != cursor, next, nil
}

func stopped(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, lineage.ErrStopped)
}

// shutdown maps the error that ended a feed loop to Run's result: nil for
// cancellation and dispatcher stop.
func shutdown(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, lineage.ErrStopped) {
		return nil
	}
	return err
}

// ClampJitterRatio limits a jitter ratio to [0, 1].
func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval spreads base by ±jitterRatio using sample in [0, 1].
func JitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
