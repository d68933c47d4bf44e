package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownSource is returned for source names no Cached source answers to.
var ErrUnknownSource = errors.New("unknown source")

// Set is the ordered collection of cached sources. Order matters: it is the
// concatenation order Merge uses to break ties.
type Set struct {
	sources []*Cached
	logger  *slog.Logger
}

// NewSet creates a Set; sources keep the given order.
func NewSet(logger *slog.Logger, sources ...*Cached) *Set {
	return &Set{sources: sources, logger: logger}
}

// IDs returns the source identifiers in merge order.
func (s *Set) IDs() []domain.SourceID {
	ids := make([]domain.SourceID, len(s.sources))
	for i, c := range s.sources {
		ids[i] = c.ID()
	}
	return ids
}

// Lookup returns the cached source with the given id.
func (s *Set) Lookup(id domain.SourceID) (*Cached, bool) {
	for _, c := range s.sources {
		if c.ID() == id {
			return c, true
		}
	}
	return nil, false
}

// Resolve maps a query value to source ids. "", "both" and "all" select
// every source; anything else must name a single source or its alias.
func (s *Set) Resolve(name string) ([]domain.SourceID, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "both", "all":
		return s.IDs(), nil
	}
	id, ok := domain.ParseSourceID(name)
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownSource)
	}
	if _, ok := s.Lookup(id); !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownSource)
	}
	return []domain.SourceID{id}, nil
}

// Get returns one source's records.
func (s *Set) Get(ctx context.Context, id domain.SourceID) ([]domain.Earthquake, error) {
	c, ok := s.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownSource)
	}
	return c.Get(ctx)
}

// Collect fetches the selected sources concurrently. A failing source
// contributes an empty stream; the returned error joins every failure.
func (s *Set) Collect(ctx context.Context, ids []domain.SourceID) ([][]domain.Earthquake, error) {
	streams, errs := s.collect(ctx, ids)
	return streams, errors.Join(errs...)
}

func (s *Set) collect(ctx context.Context, ids []domain.SourceID) ([][]domain.Earthquake, []error) {
	streams := make([][]domain.Earthquake, len(ids))
	errs := make([]error, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			records, err := s.Get(ctx, id)
			if err != nil {
				s.logger.Warn("source unavailable", "source", string(id), "error", err)
				errs[i] = err
				records = []domain.Earthquake{}
			}
			streams[i] = records
			return nil
		})
	}
	_ = g.Wait()
	return streams, errs
}

// Combined merges the selected sources. It fails only when every selected
// source failed.
func (s *Set) Combined(ctx context.Context, ids []domain.SourceID, tol domain.Tolerance) ([]domain.Earthquake, error) {
	streams, errs := s.collect(ctx, ids)
	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if len(ids) > 0 && failed == len(ids) {
		return []domain.Earthquake{}, errors.Join(errs...)
	}
	return domain.Merge(streams, tol), nil
}

// Health is one source's availability as seen through its cache.
type Health struct {
	Source    domain.SourceID `json:"source"`
	Up        bool            `json:"up"`
	LatencyMs int64           `json:"latency_ms"`
	Length    int             `json:"length"`
	Error     string          `json:"error,omitempty"`
	Status    Status          `json:"cache"`
}

// Health queries every source concurrently through its cache.
func (s *Set) Health(ctx context.Context) []Health {
	out := make([]Health, len(s.sources))
	var g errgroup.Group
	for i, c := range s.sources {
		g.Go(func() error {
			start := time.Now()
			records, err := c.Get(ctx)
			h := Health{
				Source:    c.ID(),
				Up:        err == nil,
				LatencyMs: time.Since(start).Milliseconds(),
				Length:    len(records),
				Status:    c.Status(),
			}
			if err != nil {
				h.Error = err.Error()
			}
			out[i] = h
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Statuses returns every source's cache snapshot in merge order.
func (s *Set) Statuses() []Status {
	out := make([]Status, len(s.sources))
	for i, c := range s.sources {
		out[i] = c.Status()
	}
	return out
}

// Wait blocks until every source's background refreshes finish.
func (s *Set) Wait() {
	for _, c := range s.sources {
		c.Wait()
	}
}
