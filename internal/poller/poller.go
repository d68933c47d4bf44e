// Package poller periodically reads the merged earthquake stream and
// dispatches each newly seen recent event exactly once.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/notify"
	"github.com/couchcryptid/quake-alert-service/internal/observability"
)

// Feed returns the merged stream of the given sources.
type Feed interface {
	Combined(ctx context.Context, ids []domain.SourceID, tol domain.Tolerance) ([]domain.Earthquake, error)
}

// Dispatcher delivers a new event to subscribers.
type Dispatcher interface {
	Dispatch(ctx context.Context, e domain.Earthquake) (notify.Report, error)
}

// Publisher forwards new events downstream.
type Publisher interface {
	Publish(ctx context.Context, events []domain.Earthquake) error
}

// Options tune the poll loop.
type Options struct {
	Interval     time.Duration
	InitialDelay time.Duration
	// Window bounds how old (and how far in the future) an event may be to
	// count as new.
	Window       time.Duration
	SeenCapacity int
	Sources      []domain.SourceID
	Tolerance    domain.Tolerance
	Clock        clockwork.Clock
}

func DefaultOptions() Options {
	return Options{
		Interval:     10 * time.Second,
		InitialDelay: 5 * time.Second,
		Window:       30 * time.Second,
		SeenCapacity: 100,
		Sources:      []domain.SourceID{domain.SourceAFAD, domain.SourceKOERI},
		Tolerance:    domain.DefaultTolerance,
		Clock:        clockwork.NewRealClock(),
	}
}

// Poller runs the detection loop.
type Poller struct {
	feed       Feed
	dispatcher Dispatcher
	publisher  Publisher
	opts       Options
	seen       *seenSet
	logger     *slog.Logger
	metrics    *observability.Metrics
	ready      atomic.Bool
}

// New creates a Poller. publisher may be nil.
func New(feed Feed, dispatcher Dispatcher, publisher Publisher, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Poller {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.InitialDelay < 0 {
		opts.InitialDelay = 0
	}
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if len(opts.Sources) == 0 {
		opts.Sources = def.Sources
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	return &Poller{
		feed:       feed,
		dispatcher: dispatcher,
		publisher:  publisher,
		opts:       opts,
		seen:       newSeenSet(opts.SeenCapacity),
		logger:     logger,
		metrics:    metrics,
	}
}

// CheckReadiness returns nil once a poll cycle has completed.
func (p *Poller) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("poller has not completed a cycle yet")
	}
	return nil
}

// Run polls until ctx is cancelled. Cycles never overlap: a slow cycle
// delays the next tick.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started",
		"interval", p.opts.Interval,
		"initial_delay", p.opts.InitialDelay,
		"window", p.opts.Window,
	)
	p.metrics.PollerRunning.Set(1)
	defer p.metrics.PollerRunning.Set(0)

	select {
	case <-ctx.Done():
		p.logger.Info("poller stopping", "reason", ctx.Err())
		return nil
	case <-p.opts.Clock.After(p.opts.InitialDelay):
	}

	ticker := p.opts.Clock.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
		}
	}
}

// Poll runs a single cycle and returns the events it dispatched.
func (p *Poller) Poll(ctx context.Context) []domain.Earthquake {
	start := p.opts.Clock.Now()
	defer func() { p.metrics.PollDuration.Observe(p.opts.Clock.Since(start).Seconds()) }()

	merged, err := p.feed.Combined(ctx, p.opts.Sources, p.opts.Tolerance)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("poll fetch failed", "error", err)
		}
		return nil
	}
	p.metrics.MergedRecords.Observe(float64(len(merged)))

	var fresh []domain.Earthquake
	for _, e := range merged {
		if !p.recent(e, start) {
			continue
		}
		if !p.seen.add(e.ID) {
			continue
		}
		fresh = append(fresh, e)
	}
	p.ready.Store(true)

	if len(fresh) == 0 {
		p.logger.Debug("poll cycle complete", "records", len(merged), "new", 0)
		return nil
	}
	p.metrics.NewEvents.Add(float64(len(fresh)))

	for _, e := range fresh {
		p.logger.Info("new earthquake detected",
			"event_id", e.ID,
			"source", string(e.Source),
			"magnitude", e.Magnitude,
			"city", e.Region.City,
			"occurred_at", e.OccurredAt,
		)
		if _, err := p.dispatcher.Dispatch(ctx, e); err != nil {
			p.logger.Error("dispatch failed", "event_id", e.ID, "error", err)
		}
	}

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, fresh); err != nil {
			p.logger.Warn("publish new events failed", "count", len(fresh), "error", err)
		}
	}
	return fresh
}

// recent reports whether e occurred within the window around now.
func (p *Poller) recent(e domain.Earthquake, now time.Time) bool {
	if e.OccurredAt.IsZero() {
		return false
	}
	d := now.Sub(e.OccurredAt)
	return d <= p.opts.Window && d >= -p.opts.Window
}
