package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/observability"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// ErrNoData is returned when a source has nothing cached and no upstream
// call may be made.
var ErrNoData = errors.New("no earthquake data available")

// Options tune a Cached source.
type Options struct {
	TTL              time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// FetchTimeout bounds an upstream fetch. Fetches run detached from the
	// caller's context and are shared by every caller waiting on them.
	FetchTimeout time.Duration
	Clock        clockwork.Clock
}

// DefaultOptions returns a 60s TTL, a breaker that opens after two
// consecutive failures for five minutes, and a two minute fetch budget.
func DefaultOptions() Options {
	return Options{
		TTL:              60 * time.Second,
		BreakerThreshold: 2,
		BreakerCooldown:  5 * time.Minute,
		FetchTimeout:     2 * time.Minute,
		Clock:            clockwork.NewRealClock(),
	}
}

// Cached decorates a domain.Source with a TTL cache, stale-while-revalidate
// refreshes, and a consecutive-failure circuit breaker.
type Cached struct {
	id      domain.SourceID
	inner   domain.Source
	opts    Options
	logger  *slog.Logger
	metrics *observability.Metrics

	group singleflight.Group
	bg    sync.WaitGroup

	mu         sync.Mutex
	records    []domain.Earthquake
	fetchedAt  time.Time
	failures   int
	openUntil  time.Time
	refreshing bool
}

// NewCached wraps inner. Zero option fields take their defaults.
func NewCached(id domain.SourceID, inner domain.Source, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Cached {
	def := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = def.BreakerThreshold
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = def.BreakerCooldown
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = def.FetchTimeout
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	return &Cached{
		id:      id,
		inner:   inner,
		opts:    opts,
		logger:  logger.With("source", string(id)),
		metrics: metrics,
	}
}

// ID returns the wrapped source's identifier.
func (c *Cached) ID() domain.SourceID { return c.id }

// Get returns the cached records, refreshing them as needed.
//
// Fresh cache is returned as is. Stale cache is returned immediately while a
// single background refresh runs. An empty cache blocks on a fetch whose
// error is returned. While the breaker is open no upstream call is made and
// the cache is served whatever its age.
func (c *Cached) Get(ctx context.Context) ([]domain.Earthquake, error) {
	c.mu.Lock()
	now := c.opts.Clock.Now()

	if now.Before(c.openUntil) {
		c.metrics.CacheResults.WithLabelValues(string(c.id), "breaker").Inc()
		records, until := slices.Clone(c.records), c.openUntil
		c.mu.Unlock()
		if len(records) == 0 {
			return nil, fmt.Errorf("%s breaker open until %s: %w", c.id, until.Format(time.RFC3339), ErrNoData)
		}
		return records, nil
	}

	if len(c.records) > 0 {
		records := slices.Clone(c.records)
		if now.Sub(c.fetchedAt) < c.opts.TTL {
			c.mu.Unlock()
			c.metrics.CacheResults.WithLabelValues(string(c.id), "hit").Inc()
			return records, nil
		}
		c.startRefreshLocked()
		c.mu.Unlock()
		c.metrics.CacheResults.WithLabelValues(string(c.id), "stale").Inc()
		return records, nil
	}
	c.mu.Unlock()

	c.metrics.CacheResults.WithLabelValues(string(c.id), "miss").Inc()
	ch := c.group.DoChan("fetch", func() (any, error) { return c.refresh() })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		c.mu.Lock()
		records := slices.Clone(c.records)
		c.mu.Unlock()
		if len(records) > 0 {
			return records, nil
		}
		if res.Err != nil {
			return nil, fmt.Errorf("%s: %w", c.id, res.Err)
		}
		return []domain.Earthquake{}, nil
	}
}

// startRefreshLocked launches a background refresh unless one is running.
// c.mu must be held.
func (c *Cached) startRefreshLocked() {
	if c.refreshing {
		return
	}
	c.refreshing = true
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		_, err, _ := c.group.Do("fetch", func() (any, error) { return c.refresh() })
		if err != nil {
			c.logger.Warn("background refresh failed, serving stale cache", "error", err)
		}
		c.mu.Lock()
		c.refreshing = false
		c.mu.Unlock()
	}()
}

// Wait blocks until in-flight background refreshes finish.
func (c *Cached) Wait() { c.bg.Wait() }

// refresh fetches from upstream and folds the outcome into the cache and
// breaker state.
func (c *Cached) refresh() ([]domain.Earthquake, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.FetchTimeout)
	defer cancel()

	start := c.opts.Clock.Now()
	fetched, err := c.inner.Fetch(ctx)
	c.metrics.SourceFetchDuration.WithLabelValues(string(c.id)).Observe(c.opts.Clock.Since(start).Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Clock.Now()

	if err != nil {
		c.metrics.SourceFetches.WithLabelValues(string(c.id), "error").Inc()
		c.failures++
		if c.failures >= c.opts.BreakerThreshold {
			c.openUntil = now.Add(c.opts.BreakerCooldown)
			c.metrics.BreakerOpen.WithLabelValues(string(c.id)).Set(1)
			c.logger.Warn("circuit breaker open",
				"failures", c.failures,
				"until", c.openUntil,
				"error", err,
			)
		}
		return nil, err
	}

	c.metrics.SourceFetches.WithLabelValues(string(c.id), "success").Inc()
	if c.failures > 0 || !c.openUntil.IsZero() {
		c.logger.Info("source recovered", "previous_failures", c.failures)
	}
	c.failures = 0
	c.openUntil = time.Time{}
	c.metrics.BreakerOpen.WithLabelValues(string(c.id)).Set(0)

	valid := make([]domain.Earthquake, 0, len(fetched))
	for _, e := range fetched {
		if e.Valid() {
			valid = append(valid, e)
		}
	}
	if len(valid) == 0 && len(c.records) > 0 {
		c.logger.Warn("upstream returned no records, keeping cache", "cached", len(c.records))
		return c.records, nil
	}
	c.records = valid
	c.fetchedAt = now
	return valid, nil
}

// ProbeResult is the outcome of a diagnostic fetch.
type ProbeResult struct {
	Source  domain.SourceID     `json:"source"`
	Records []domain.Earthquake `json:"records"`
	Latency time.Duration       `json:"latency_ns"`
	Err     error               `json:"-"`
}

// Probe calls the upstream directly, bypassing cache and breaker, and leaves
// all shared state untouched.
func (c *Cached) Probe(ctx context.Context) ProbeResult {
	start := c.opts.Clock.Now()
	records, err := c.inner.Fetch(ctx)
	res := ProbeResult{Source: c.id, Latency: c.opts.Clock.Since(start), Err: err}
	for _, e := range records {
		if e.Valid() {
			res.Records = append(res.Records, e)
		}
	}
	return res
}

// Status describes a Cached source's state.
type Status struct {
	Source           domain.SourceID `json:"source"`
	Records          int             `json:"records"`
	FetchedAt        *time.Time      `json:"fetched_at,omitempty"`
	Fresh            bool            `json:"fresh"`
	Failures         int             `json:"consecutive_failures"`
	BreakerOpen      bool            `json:"breaker_open"`
	BreakerOpenUntil *time.Time      `json:"breaker_open_until,omitempty"`
}

// Status returns a snapshot of the cache and breaker.
func (c *Cached) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Clock.Now()

	s := Status{
		Source:   c.id,
		Records:  len(c.records),
		Failures: c.failures,
	}
	if !c.fetchedAt.IsZero() {
		at := c.fetchedAt
		s.FetchedAt = &at
		s.Fresh = now.Sub(at) < c.opts.TTL
	}
	if now.Before(c.openUntil) {
		until := c.openUntil
		s.BreakerOpen = true
		s.BreakerOpenUntil = &until
	}
	return s
}
