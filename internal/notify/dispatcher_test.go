package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/observability"
)

type fakeSubs struct {
	mu          sync.Mutex
	subs        []domain.Subscriber
	deactivated []string
	err         error
}

func (f *fakeSubs) Active(context.Context) ([]domain.Subscriber, error) {
	return f.subs, f.err
}

func (f *fakeSubs) Deactivate(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, token)
	return nil
}

type sentBatch struct {
	tokens []string
	msg    Message
}

type fakeChannel struct {
	name    domain.Channel
	mu      sync.Mutex
	batches []sentBatch
	dead    map[string]bool
	err     error
}

func (f *fakeChannel) Name() domain.Channel { return f.name }

func (f *fakeChannel) Send(_ context.Context, tokens []string, msg Message) (BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, sentBatch{tokens: append([]string(nil), tokens...), msg: msg})
	if f.err != nil {
		return BatchResult{}, f.err
	}
	var res BatchResult
	for _, tok := range tokens {
		if f.dead[tok] {
			res.Failure++
			res.Unregistered = append(res.Unregistered, tok)
			res.ErrorCode = "registration-token-not-registered"
			continue
		}
		res.Success++
	}
	return res, nil
}

func (f *fakeChannel) tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, b := range f.batches {
		out = append(out, b.tokens...)
	}
	sort.Strings(out)
	return out
}

var istanbul = domain.Point{Lat: 41.0082, Lon: 28.9784}

func testQuake() domain.Earthquake {
	return domain.Earthquake{
		ID:         "afad-0011223344556677",
		OccurredAt: time.Date(2024, 1, 15, 9, 34, 56, 0, time.UTC),
		Magnitude:  4.6,
		DepthKm:    7,
		Latitude:   40.9,
		Longitude:  29.1,
		Region:     domain.Region{City: "İstanbul", District: "Adalar"},
		Source:     domain.SourceAFAD,
	}
}

func sub(token string, ch domain.Channel, mutate func(*domain.Settings)) domain.Subscriber {
	s := domain.DefaultSettings()
	if mutate != nil {
		mutate(&s)
	}
	return domain.Subscriber{DeviceID: "dev-" + token, Token: token, Channel: ch, Active: true, Settings: s}
}

func newTestDispatcher(subs SubscriberSource, audit AuditSink, opts Options, channels ...Channel) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewFakeClockAt(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDispatcher(subs, audit, channels, opts, logger, observability.NewMetricsForTesting())
}

func TestDispatch_FiltersAndGroupsByVariant(t *testing.T) {
	near := istanbul
	subs := &fakeSubs{subs: []domain.Subscriber{
		sub("a", domain.ChannelFCM, nil),
		sub("b", domain.ChannelFCM, func(s *domain.Settings) { s.SoundEnabled = false }),
		sub("c", domain.ChannelFCM, func(s *domain.Settings) { s.Location = &near }),
		sub("d", domain.ChannelFCM, func(s *domain.Settings) { s.MinMagnitude = 5 }),
		sub("e", domain.ChannelFCM, func(s *domain.Settings) { s.CityFilter = []string{"izmir"} }),
		sub("f", domain.ChannelWebPush, nil),
	}}
	fcm := &fakeChannel{name: domain.ChannelFCM}
	web := &fakeChannel{name: domain.ChannelWebPush}
	d := newTestDispatcher(subs, nil, Options{}, fcm, web)

	rep, err := d.Dispatch(context.Background(), testQuake())

	require.NoError(t, err)
	assert.Equal(t, 6, rep.Total)
	assert.Equal(t, 4, rep.Eligible)
	assert.Equal(t, 4, rep.Sent)
	assert.Equal(t, 2, rep.Filtered)
	assert.Equal(t, []string{"a", "b", "c"}, fcm.tokens())
	assert.Equal(t, []string{"f"}, web.tokens())

	// a, b and c differ in sound or tier, so each is its own batch.
	require.Len(t, fcm.batches, 3)
	for _, b := range fcm.batches {
		switch b.tokens[0] {
		case "a":
			assert.Equal(t, domain.TierHigh, b.msg.Presentation.Tier)
			assert.Equal(t, "earthquake_high", b.msg.Presentation.Sound)
		case "b":
			assert.Equal(t, "default", b.msg.Presentation.Sound)
		case "c":
			assert.Equal(t, domain.TierCritical, b.msg.Presentation.Tier, "M4.6 within 50km is critical")
		}
	}
}

func TestDispatch_BatchesAtSize(t *testing.T) {
	var list []domain.Subscriber
	for _, tok := range []string{"t1", "t2", "t3", "t4", "t5"} {
		list = append(list, sub(tok, domain.ChannelFCM, nil))
	}
	fcm := &fakeChannel{name: domain.ChannelFCM}
	d := newTestDispatcher(&fakeSubs{subs: list}, nil, Options{BatchSize: 2, Concurrency: 1}, fcm)

	rep, err := d.Dispatch(context.Background(), testQuake())

	require.NoError(t, err)
	assert.Equal(t, 5, rep.Sent)
	require.Len(t, fcm.batches, 3)
	for _, b := range fcm.batches {
		assert.LessOrEqual(t, len(b.tokens), 2)
	}
}

func TestDispatch_DeactivatesUnregisteredAndAudits(t *testing.T) {
	subs := &fakeSubs{subs: []domain.Subscriber{
		sub("ok", domain.ChannelFCM, nil),
		sub("gone", domain.ChannelFCM, nil),
	}}
	fcm := &fakeChannel{name: domain.ChannelFCM, dead: map[string]bool{"gone": true}}
	audit := NewMemoryAudit(10)
	d := newTestDispatcher(subs, audit, Options{}, fcm)

	rep, err := d.Dispatch(context.Background(), testQuake())

	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Deactivated)
	assert.Equal(t, []string{"gone"}, subs.deactivated)

	entries, err := audit.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusPartial, entries[0].Status)
	assert.Equal(t, "registration-token-not-registered", entries[0].ErrorCode)
	assert.Equal(t, 2, entries[0].Recipients)
	assert.Equal(t, testQuake().ID, entries[0].EventID)
	assert.NotEmpty(t, entries[0].ID)
}

func TestDispatch_ChannelErrorCountsWholeBatch(t *testing.T) {
	subs := &fakeSubs{subs: []domain.Subscriber{sub("a", domain.ChannelFCM, nil), sub("b", domain.ChannelFCM, nil)}}
	fcm := &fakeChannel{name: domain.ChannelFCM, err: errors.New("quota exceeded")}
	audit := NewMemoryAudit(10)
	d := newTestDispatcher(subs, audit, Options{}, fcm)

	rep, err := d.Dispatch(context.Background(), testQuake())

	require.NoError(t, err)
	assert.Equal(t, 0, rep.Sent)
	assert.Equal(t, 2, rep.Failed)
	entries, _ := audit.Recent(context.Background(), 1)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusFailed, entries[0].Status)
	assert.Equal(t, "quota exceeded", entries[0].ErrorCode)
}

func TestDispatch_UnconfiguredChannelIsSkipped(t *testing.T) {
	subs := &fakeSubs{subs: []domain.Subscriber{sub("w", domain.ChannelWebPush, nil)}}
	d := newTestDispatcher(subs, nil, Options{}, &fakeChannel{name: domain.ChannelFCM})

	rep, err := d.Dispatch(context.Background(), testQuake())

	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 0, rep.Sent)
}

func TestDispatch_SubscriberLoadError(t *testing.T) {
	d := newTestDispatcher(&fakeSubs{err: errors.New("redis down")}, nil, Options{})

	_, err := d.Dispatch(context.Background(), testQuake())

	require.Error(t, err)
}

func TestDispatchNearby_RadiusFilter(t *testing.T) {
	nearby := domain.Point{Lat: 41.05, Lon: 28.98}
	far := domain.Point{Lat: 39.9, Lon: 32.8}
	subs := &fakeSubs{subs: []domain.Subscriber{
		sub("close", domain.ChannelFCM, func(s *domain.Settings) { s.Location = &nearby }),
		sub("far", domain.ChannelFCM, func(s *domain.Settings) { s.Location = &far }),
		sub("unknown", domain.ChannelFCM, nil),
	}}
	fcm := &fakeChannel{name: domain.ChannelFCM}
	d := newTestDispatcher(subs, nil, Options{}, fcm)

	alert := domain.Alert{Kind: domain.AlertCrowd, Magnitude: 3.4, Location: istanbul, DeviceCount: 3, Timestamp: time.Unix(1705311296, 0)}
	rep, err := d.DispatchNearby(context.Background(), alert, 100)

	require.NoError(t, err)
	assert.Equal(t, []string{"close"}, fcm.tokens())
	assert.Equal(t, 2, rep.Filtered)
	assert.Equal(t, "seismic-crowd-1705311296000", rep.EventID)
	require.Len(t, fcm.batches, 1)
	assert.Equal(t, "#FF0000", fcm.batches[0].msg.Presentation.Color)
	assert.Equal(t, "seismic_crowd", fcm.batches[0].msg.Tag)
}

func TestChunk(t *testing.T) {
	assert.Nil(t, chunk(nil, 3))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunk([]string{"a", "b", "c"}, 2))
	assert.Equal(t, [][]string{{"a", "b"}}, chunk([]string{"a", "b"}, 2))
}

type fakeDirect struct {
	fakeChannel
	targets []Target
	err     error
}

func (f *fakeDirect) SendTarget(_ context.Context, t Target, _ Message) (string, error) {
	f.targets = append(f.targets, t)
	if f.err != nil {
		return "", f.err
	}
	return "msg-1", nil
}

func TestSendDirect_AuditsSuccess(t *testing.T) {
	ch := &fakeDirect{fakeChannel: fakeChannel{name: domain.ChannelFCM}}
	audit := NewMemoryAudit(10)
	d := newTestDispatcher(&fakeSubs{}, audit, Options{}, ch)

	id, err := d.SendDirect(context.Background(), Target{Topic: "deprem"}, Message{Title: "t", Body: "b"})

	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
	assert.Equal(t, []Target{{Topic: "deprem"}}, ch.targets)
	entries, _ := audit.Recent(context.Background(), 10)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusSuccess, entries[0].Status)
	assert.Equal(t, "direct-topic-deprem", entries[0].EventID)
}

func TestSendDirect_UnregisteredTokenIsDeactivated(t *testing.T) {
	ch := &fakeDirect{
		fakeChannel: fakeChannel{name: domain.ChannelFCM},
		err:         &SendError{Code: "registration-token-not-registered", Unregistered: true, Err: errors.New("gone")},
	}
	subs := &fakeSubs{}
	audit := NewMemoryAudit(10)
	d := newTestDispatcher(subs, audit, Options{}, ch)

	_, err := d.SendDirect(context.Background(), Target{Token: "dead"}, Message{Title: "t", Body: "b"})

	require.ErrorIs(t, err, ErrTokenUnregistered)
	assert.Equal(t, []string{"dead"}, subs.deactivated)
	entries, _ := audit.Recent(context.Background(), 10)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusFailed, entries[0].Status)
	assert.Equal(t, "registration-token-not-registered", entries[0].ErrorCode)
}

func TestSendDirect_TopicFailureKeepsSubscribers(t *testing.T) {
	ch := &fakeDirect{
		fakeChannel: fakeChannel{name: domain.ChannelFCM},
		err:         &SendError{Code: "registration-token-not-registered", Unregistered: true, Err: errors.New("gone")},
	}
	subs := &fakeSubs{}
	d := newTestDispatcher(subs, nil, Options{}, ch)

	_, err := d.SendDirect(context.Background(), Target{Topic: "deprem"}, Message{})

	require.Error(t, err)
	assert.Empty(t, subs.deactivated)
}

func TestSendDirect_WithoutFCM(t *testing.T) {
	d := newTestDispatcher(&fakeSubs{}, nil, Options{}, &fakeChannel{name: domain.ChannelWebPush})

	_, err := d.SendDirect(context.Background(), Target{Token: "t"}, Message{})

	assert.ErrorIs(t, err, ErrDirectUnsupported)
}
