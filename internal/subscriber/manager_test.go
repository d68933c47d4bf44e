package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/notify"
	"github.com/couchcryptid/quake-alert-service/internal/observability"
)

var testStart = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

type fakeValidator struct {
	results map[string]error
	calls   int
}

func (f *fakeValidator) Validate(_ context.Context, token string) error {
	f.calls++
	return f.results[token]
}

func newTestManager(store Store, v notify.Validator) (*Manager, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(testStart)
	validators := map[domain.Channel]notify.Validator{}
	if v != nil {
		validators[domain.ChannelFCM] = v
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(store, validators, 24*time.Hour, clock, logger, observability.NewMetricsForTesting()), clock
}

func TestRegister_CreatesWithDefaults(t *testing.T) {
	m, _ := newTestManager(NewMemoryStore(), nil)

	s, action, err := m.Register(context.Background(), RegisterRequest{Token: "tok-1"})

	require.NoError(t, err)
	assert.Equal(t, ActionCreated, action)
	assert.True(t, strings.HasPrefix(s.DeviceID, "device-"))
	assert.Equal(t, domain.ChannelFCM, s.Channel)
	assert.True(t, s.Active)
	assert.Equal(t, domain.DefaultSettings(), s.Settings)
	assert.Equal(t, testStart, s.CreatedAt)
}

func TestRegister_UpsertsByDevice(t *testing.T) {
	store := NewMemoryStore()
	m, clock := newTestManager(store, nil)
	ctx := context.Background()

	minMag, maxDist, sound := 4.0, 100.0, false
	input := domain.SettingsInput{MinMagnitude: &minMag, MaxDistanceKm: &maxDist, SoundEnabled: &sound}
	_, _, err := m.Register(ctx, RegisterRequest{Token: "old", DeviceID: "phone", Settings: &input, Persistent: true})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	s, action, err := m.Register(ctx, RegisterRequest{Token: "new", DeviceID: "phone"})

	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, action)
	assert.Equal(t, "new", s.Token)
	assert.Equal(t, input.Settings(), s.Settings, "settings survive a token refresh")
	assert.True(t, s.Persistent)
	assert.Equal(t, testStart, s.CreatedAt)
	assert.Equal(t, testStart.Add(time.Hour), s.UpdatedAt)

	all, _ := store.List(ctx)
	assert.Len(t, all, 1)
}

func TestRegister_PartialSettingsKeepDefaults(t *testing.T) {
	m, _ := newTestManager(NewMemoryStore(), nil)

	var input domain.SettingsInput
	require.NoError(t, json.Unmarshal([]byte(`{"minMag":3,"cityFilter":"","active":true}`), &input))
	s, _, err := m.Register(context.Background(), RegisterRequest{Token: "tok", DeviceID: "phone", Settings: &input})

	require.NoError(t, err)
	assert.Equal(t, domain.DefaultSettings(), s.Settings)
	assert.True(t, s.Settings.SoundEnabled)
	assert.InDelta(t, 500.0, s.Settings.MaxDistanceKm, 1e-9)
}

func TestRegister_SameTokenWithoutDeviceUpdates(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newTestManager(store, nil)
	ctx := context.Background()

	first, _, err := m.Register(ctx, RegisterRequest{Token: "tok"})
	require.NoError(t, err)
	second, action, err := m.Register(ctx, RegisterRequest{Token: "tok", Channel: "web"})

	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, action)
	assert.Equal(t, first.DeviceID, second.DeviceID)
	assert.Equal(t, domain.ChannelWebPush, second.Channel)
}

func TestRegister_Invalid(t *testing.T) {
	m, _ := newTestManager(NewMemoryStore(), nil)
	ctx := context.Background()

	_, _, err := m.Register(ctx, RegisterRequest{Token: "  "})
	require.ErrorIs(t, err, domain.ErrInvalidSubscription)

	_, _, err = m.Register(ctx, RegisterRequest{Token: "t", Channel: "pigeon"})
	require.ErrorIs(t, err, domain.ErrInvalidSubscription)

	_, _, err = m.Register(ctx, RegisterRequest{Token: "t", Settings: &domain.SettingsInput{Location: &domain.Point{Lat: 91}}})
	require.ErrorIs(t, err, domain.ErrInvalidSubscription)
}

func TestDeactivate(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newTestManager(store, nil)
	ctx := context.Background()
	s, _, err := m.Register(ctx, RegisterRequest{Token: "tok", DeviceID: "d1"})
	require.NoError(t, err)

	require.NoError(t, m.Deactivate(ctx, "tok"))
	require.NoError(t, m.Deactivate(ctx, "unknown"))

	got, err := store.Get(ctx, s.DeviceID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestSweepInvalid_DeletesOnlyPermanentFailures(t *testing.T) {
	store := NewMemoryStore()
	v := &fakeValidator{results: map[string]error{
		"dead":  notify.ErrTokenUnregistered,
		"flaky": errors.New("deadline exceeded"),
	}}
	m, _ := newTestManager(store, v)
	ctx := context.Background()
	for _, tok := range []string{"good", "dead", "flaky"} {
		_, _, err := m.Register(ctx, RegisterRequest{Token: tok, DeviceID: tok})
		require.NoError(t, err)
	}
	_, _, err := m.Register(ctx, RegisterRequest{Token: "browser", DeviceID: "browser", Channel: "webpush"})
	require.NoError(t, err)

	res, err := m.SweepInvalid(ctx)

	require.NoError(t, err)
	assert.Equal(t, SweepResult{Total: 4, Valid: 1, Invalid: 1, Unknown: 2}, res)
	_, err = store.Get(ctx, "dead")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "flaky")
	assert.NoError(t, err)
}

func TestValidTokens_MaxAge(t *testing.T) {
	m, clock := newTestManager(NewMemoryStore(), nil)
	ctx := context.Background()
	_, _, err := m.Register(ctx, RegisterRequest{Token: "old", DeviceID: "old"})
	require.NoError(t, err)
	clock.Advance(23 * time.Hour)
	_, _, err = m.Register(ctx, RegisterRequest{Token: "fresh", DeviceID: "fresh"})
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	got, err := m.ValidTokens(ctx, 0)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].Token)
}

func TestActive_PersistentSurvivesMaxAge(t *testing.T) {
	m, clock := newTestManager(NewMemoryStore(), nil)
	ctx := context.Background()
	_, _, err := m.Register(ctx, RegisterRequest{Token: "kept", DeviceID: "kept", Persistent: true})
	require.NoError(t, err)
	_, _, err = m.Register(ctx, RegisterRequest{Token: "stale", DeviceID: "stale"})
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)

	got, err := m.Active(ctx)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].Token)
}

func TestActive_EmptySweeps(t *testing.T) {
	v := &fakeValidator{results: map[string]error{}}
	m, _ := newTestManager(NewMemoryStore(), v)
	ctx := context.Background()
	_, _, err := m.Register(ctx, RegisterRequest{Token: "off", DeviceID: "off"})
	require.NoError(t, err)
	require.NoError(t, m.Deactivate(ctx, "off"))

	got, err := m.Active(ctx)

	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, v.calls)
}

func TestStats(t *testing.T) {
	m, _ := newTestManager(NewMemoryStore(), nil)
	ctx := context.Background()
	_, _, _ = m.Register(ctx, RegisterRequest{Token: "a", DeviceID: "a"})
	_, _, _ = m.Register(ctx, RegisterRequest{Token: "b", DeviceID: "b", Channel: "webpush"})
	_, _, _ = m.Register(ctx, RegisterRequest{Token: "c", DeviceID: "c"})
	require.NoError(t, m.Deactivate(ctx, "c"))

	st, err := m.Stats(ctx)

	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Active)
	assert.Equal(t, 1, st.ByChannel[domain.ChannelWebPush])
}

func TestRecent_NewestFirstWithLimit(t *testing.T) {
	m, clock := newTestManager(NewMemoryStore(), nil)
	ctx := context.Background()
	for _, tok := range []string{"first", "second", "third"} {
		_, _, err := m.Register(ctx, RegisterRequest{Token: tok, DeviceID: "dev-" + tok})
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	got, err := m.Recent(ctx, 2)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "third", got[0].Token)
	assert.Equal(t, "second", got[1].Token)
}

func TestRunSweeper_TicksUntilCancel(t *testing.T) {
	v := &fakeValidator{results: map[string]error{"dead": notify.ErrTokenUnregistered}}
	store := NewMemoryStore()
	m, clock := newTestManager(store, v)
	ctx, cancel := context.WithCancel(context.Background())
	_, _, err := m.Register(ctx, RegisterRequest{Token: "dead", DeviceID: "dead"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		m.RunSweeper(ctx, 6*time.Hour)
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(6 * time.Hour)
	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), "dead")
		return errors.Is(err, ErrNotFound)
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
