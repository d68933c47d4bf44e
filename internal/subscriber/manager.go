package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/notify"
	"github.com/couchcryptid/quake-alert-service/internal/observability"
)

// RegisterRequest is an incoming push registration.
type RegisterRequest struct {
	Token      string
	DeviceID   string
	Channel    string
	Settings   *domain.SettingsInput
	Persistent bool
}

// Registration actions.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
)

// SweepResult counts the outcome of one validation sweep.
type SweepResult struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Invalid int `json:"invalid"`
	Unknown int `json:"unknown"`
}

// Stats are aggregate subscriber counts.
type Stats struct {
	Total     int                    `json:"total"`
	Active    int                    `json:"active"`
	ByChannel map[domain.Channel]int `json:"byChannel"`
}

// Manager owns registration, deactivation and validation of push tokens.
type Manager struct {
	store      Store
	validators map[domain.Channel]notify.Validator
	maxAge     time.Duration
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewManager creates a Manager. Tokens of channels without a validator are
// never swept.
func NewManager(store Store, validators map[domain.Channel]notify.Validator, maxAge time.Duration, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		store:      store,
		validators: validators,
		maxAge:     maxAge,
		clock:      clock,
		logger:     logger,
		metrics:    metrics,
	}
}

// Register upserts a subscriber. An existing device keeps its CreatedAt and,
// when no settings are supplied, its settings. Supplied settings are
// resolved against the defaults, so omitted fields never read as zero. Without a device id the token
// itself identifies an existing registration.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (domain.Subscriber, string, error) {
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return domain.Subscriber{}, "", fmt.Errorf("delivery token required: %w", domain.ErrInvalidSubscription)
	}
	ch, ok := domain.ParseChannel(req.Channel)
	if !ok {
		return domain.Subscriber{}, "", fmt.Errorf("unknown channel %q: %w", req.Channel, domain.ErrInvalidSubscription)
	}
	if req.Settings != nil && req.Settings.Location != nil {
		loc := req.Settings.Location
		if loc.Lat < -90 || loc.Lat > 90 || loc.Lon < -180 || loc.Lon > 180 {
			return domain.Subscriber{}, "", fmt.Errorf("location out of range: %w", domain.ErrInvalidSubscription)
		}
	}

	existing, err := m.lookup(ctx, strings.TrimSpace(req.DeviceID), token)
	if err != nil {
		return domain.Subscriber{}, "", err
	}

	now := m.clock.Now()
	s := existing
	action := ActionUpdated
	if s.DeviceID == "" {
		action = ActionCreated
		s = domain.Subscriber{
			DeviceID:  strings.TrimSpace(req.DeviceID),
			Settings:  domain.DefaultSettings(),
			CreatedAt: now,
		}
		if s.DeviceID == "" {
			s.DeviceID = "device-" + uuid.NewString()
		}
	}
	s.Token = token
	s.Channel = ch
	s.Active = true
	s.Persistent = s.Persistent || req.Persistent
	s.UpdatedAt = now
	if req.Settings != nil {
		s.Settings = req.Settings.Settings()
	}

	if err := m.store.Save(ctx, s); err != nil {
		return domain.Subscriber{}, "", fmt.Errorf("save subscriber: %w", err)
	}
	m.logger.Info("push subscriber registered",
		"device_id", s.DeviceID,
		"channel", string(s.Channel),
		"action", action,
		"persistent", s.Persistent,
	)
	return s, action, nil
}

func (m *Manager) lookup(ctx context.Context, deviceID, token string) (domain.Subscriber, error) {
	if deviceID != "" {
		s, err := m.store.Get(ctx, deviceID)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return s, wrapLookup(err)
		}
		return domain.Subscriber{}, nil
	}
	s, err := m.store.FindByToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return domain.Subscriber{}, nil
	}
	return s, wrapLookup(err)
}

func wrapLookup(err error) error {
	if err != nil {
		return fmt.Errorf("lookup subscriber: %w", err)
	}
	return nil
}

// Deactivate marks the subscriber holding token inactive. Unknown tokens
// are ignored.
func (m *Manager) Deactivate(ctx context.Context, token string) error {
	s, err := m.store.FindByToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup token: %w", err)
	}
	if !s.Active {
		return nil
	}
	s.Active = false
	s.UpdatedAt = m.clock.Now()
	if err := m.store.Save(ctx, s); err != nil {
		return fmt.Errorf("deactivate %s: %w", s.DeviceID, err)
	}
	m.logger.Info("push token deactivated", "device_id", s.DeviceID, "channel", string(s.Channel))
	return nil
}

// SweepInvalid validates every stored token without notifying devices and
// deletes those the provider rejects permanently. Transient validation
// errors leave the subscriber untouched.
func (m *Manager) SweepInvalid(ctx context.Context) (SweepResult, error) {
	subs, err := m.store.List(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list subscribers: %w", err)
	}

	res := SweepResult{Total: len(subs)}
	for _, s := range subs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		v, ok := m.validators[s.Channel]
		if !ok {
			res.Unknown++
			continue
		}
		err := v.Validate(ctx, s.Token)
		switch {
		case err == nil:
			res.Valid++
		case errors.Is(err, notify.ErrTokenUnregistered):
			if derr := m.store.Delete(ctx, s.DeviceID); derr != nil {
				m.logger.Warn("delete invalid token failed", "device_id", s.DeviceID, "error", derr)
				res.Unknown++
				continue
			}
			res.Invalid++
			m.metrics.TokensDeactivated.Inc()
		default:
			res.Unknown++
			m.logger.Debug("token validation inconclusive", "device_id", s.DeviceID, "error", err)
		}
	}

	m.logger.Info("token sweep complete",
		"total", res.Total,
		"valid", res.Valid,
		"invalid", res.Invalid,
		"unknown", res.Unknown,
	)
	return res, nil
}

// ValidTokens returns active subscribers updated within maxAge. A
// non-positive maxAge uses the manager default.
func (m *Manager) ValidTokens(ctx context.Context, maxAge time.Duration) ([]domain.Subscriber, error) {
	if maxAge <= 0 {
		maxAge = m.maxAge
	}
	subs, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	cutoff := m.clock.Now().Add(-maxAge)
	out := make([]domain.Subscriber, 0, len(subs))
	for _, s := range subs {
		if s.Active && s.UpdatedAt.After(cutoff) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Active returns the dispatch audience: active subscribers that are
// persistent or were refreshed within the max age. An empty audience
// triggers a sweep before the second read.
func (m *Manager) Active(ctx context.Context) ([]domain.Subscriber, error) {
	subs, err := m.audience(ctx)
	if err != nil || len(subs) > 0 {
		return subs, err
	}
	if _, err := m.SweepInvalid(ctx); err != nil {
		m.logger.Warn("opportunistic sweep failed", "error", err)
	}
	return m.audience(ctx)
}

func (m *Manager) audience(ctx context.Context) ([]domain.Subscriber, error) {
	subs, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	cutoff := m.clock.Now().Add(-m.maxAge)
	out := make([]domain.Subscriber, 0, len(subs))
	for _, s := range subs {
		if s.Active && (s.Persistent || s.UpdatedAt.After(cutoff)) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Stats counts stored and active subscribers.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	subs, err := m.store.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list subscribers: %w", err)
	}
	st := Stats{Total: len(subs), ByChannel: make(map[domain.Channel]int)}
	for _, s := range subs {
		if s.Active {
			st.Active++
			st.ByChannel[s.Channel]++
		}
	}
	return st, nil
}

// Recent returns up to limit subscribers, most recently updated first.
func (m *Manager) Recent(ctx context.Context, limit int) ([]domain.Subscriber, error) {
	subs, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	slices.SortFunc(subs, func(a, b domain.Subscriber) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	if limit > 0 && len(subs) > limit {
		subs = subs[:limit]
	}
	return subs, nil
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := m.SweepInvalid(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("scheduled token sweep failed", "error", err)
			}
		}
	}
}
