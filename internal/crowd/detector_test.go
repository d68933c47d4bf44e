package crowd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/notify"
	"github.com/couchcryptid/quake-alert-service/internal/observability"
)

var (
	testStart = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	epicenter = domain.Point{Lat: 38.0, Lon: 27.0}
)

type raised struct {
	alert  domain.Alert
	radius float64
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []raised
	err    error
}

func (f *fakeAlerter) DispatchNearby(_ context.Context, a domain.Alert, radiusKm float64) (notify.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, raised{alert: a, radius: radiusKm})
	return notify.Report{Sent: 7}, f.err
}

func (f *fakeAlerter) kinds() []domain.AlertKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.AlertKind
	for _, r := range f.alerts {
		out = append(out, r.alert.Kind)
	}
	return out
}

func newTestDetector(alerter Alerter) (*Detector, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(testStart)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDetector(NewMemoryStore(), alerter, DefaultOptions(), clock, logger, observability.NewMetricsForTesting()), clock
}

// offset returns a point dKm north of the epicenter.
func offset(dKm float64) *domain.Point {
	return &domain.Point{Lat: epicenter.Lat + dKm/111.19492664455873, Lon: epicenter.Lon}
}

func report(device string, mag, dKm float64) domain.SeismicReport {
	return domain.SeismicReport{
		DeviceID:          device,
		Timestamp:         testStart,
		MagnitudeEstimate: mag,
		Location:          offset(dKm),
	}
}

func TestIngest_RejectsInvalid(t *testing.T) {
	d, _ := newTestDetector(&fakeAlerter{})

	_, err := d.Ingest(context.Background(), domain.SeismicReport{DeviceID: "x"})

	require.ErrorIs(t, err, domain.ErrInvalidReport)
}

func TestIngest_SingleDeviceThreshold(t *testing.T) {
	tests := []struct {
		name string
		mag  float64
		want bool
	}{
		{"above threshold", 3.1, true},
		{"exactly threshold", 3.0, false},
		{"weak", 1.2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerter := &fakeAlerter{}
			d, _ := newTestDetector(alerter)

			res, err := d.Ingest(context.Background(), report("a", tt.mag, 0))

			require.NoError(t, err)
			assert.True(t, res.Accepted)
			assert.Equal(t, tt.want, res.SingleAlert)
			if tt.want {
				require.Len(t, alerter.alerts, 1)
				assert.Equal(t, 50.0, alerter.alerts[0].radius)
				assert.Equal(t, 7, res.AlertsNotified)
			} else {
				assert.Empty(t, alerter.alerts)
			}
		})
	}
}

func TestIngest_CrowdQuorum(t *testing.T) {
	alerter := &fakeAlerter{}
	d, clock := newTestDetector(alerter)
	ctx := context.Background()

	_, err := d.Ingest(ctx, report("a", 2.4, 1))
	require.NoError(t, err)
	clock.Advance(5 * time.Second)
	res, err := d.Ingest(ctx, report("b", 2.6, 2))
	require.NoError(t, err)
	assert.False(t, res.CrowdAlert, "one corroborating device is below quorum")

	clock.Advance(5 * time.Second)
	res, err = d.Ingest(ctx, report("c", 2.2, 0))

	require.NoError(t, err)
	assert.True(t, res.CrowdAlert)
	assert.Equal(t, 2, res.NearbyDevices)
	assert.InDelta(t, 2.4, res.MeanMagnitude, 1e-9)
	assert.Equal(t, []domain.AlertKind{domain.AlertCrowd}, alerter.kinds())
	assert.Equal(t, 100.0, alerter.alerts[0].radius)
	assert.Equal(t, 3, alerter.alerts[0].alert.DeviceCount)
}

func TestIngest_CrowdMeanMustExceedThreshold(t *testing.T) {
	alerter := &fakeAlerter{}
	d, _ := newTestDetector(alerter)
	ctx := context.Background()

	for _, dev := range []string{"a", "b"} {
		_, err := d.Ingest(ctx, report(dev, 2.0, 0))
		require.NoError(t, err)
	}
	res, err := d.Ingest(ctx, report("c", 2.0, 0))

	require.NoError(t, err)
	assert.Equal(t, 2, res.NearbyDevices)
	assert.False(t, res.CrowdAlert, "mean of exactly 2.0 is not enough")
	assert.Empty(t, alerter.alerts)
}

func TestIngest_QuorumIgnoresFarStaleAndSameDevice(t *testing.T) {
	alerter := &fakeAlerter{}
	d, clock := newTestDetector(alerter)
	ctx := context.Background()

	_, err := d.Ingest(ctx, report("old", 2.5, 0))
	require.NoError(t, err)
	clock.Advance(31 * time.Second)
	_, err = d.Ingest(ctx, report("far", 2.5, 11))
	require.NoError(t, err)
	_, err = d.Ingest(ctx, report("me", 2.5, 0))
	require.NoError(t, err)
	_, err = d.Ingest(ctx, report("near", 2.5, 9.9))
	require.NoError(t, err)

	res, err := d.Ingest(ctx, report("me", 2.5, 0))

	require.NoError(t, err)
	assert.Equal(t, 1, res.NearbyDevices)
	assert.False(t, res.CrowdAlert)
}

func TestIngest_RepeatedDeviceCountsOnce(t *testing.T) {
	alerter := &fakeAlerter{}
	d, _ := newTestDetector(alerter)
	ctx := context.Background()

	for range 3 {
		_, err := d.Ingest(ctx, report("chatty", 2.9, 0))
		require.NoError(t, err)
	}
	res, err := d.Ingest(ctx, report("other", 2.9, 0))

	require.NoError(t, err)
	assert.Equal(t, 1, res.NearbyDevices)
	assert.False(t, res.CrowdAlert)
}

func TestIngest_AlertFailureIsNotAnError(t *testing.T) {
	alerter := &fakeAlerter{err: errors.New("fcm down")}
	d, _ := newTestDetector(alerter)

	res, err := d.Ingest(context.Background(), report("a", 4.2, 0))

	require.NoError(t, err)
	assert.True(t, res.SingleAlert)
	assert.Zero(t, res.AlertsNotified)
}

func TestMemoryStore_PrunesOnWrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	old := report("a", 1, 0)
	old.ReceivedAt = testStart
	fresh := report("b", 1, 0)
	fresh.ReceivedAt = testStart.Add(3 * time.Minute)

	require.NoError(t, s.Add(ctx, old, testStart.Add(-time.Minute)))
	require.NoError(t, s.Add(ctx, fresh, fresh.ReceivedAt.Add(-2*time.Minute)))

	got, err := s.Since(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].DeviceID)
}
