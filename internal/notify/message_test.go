package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
)

func TestEarthquakeMessage(t *testing.T) {
	msg := EarthquakeMessage(testQuake(), domain.Present(domain.TierHigh, true, false))

	assert.Equal(t, "🚨 HIGH: M4.6 DEPREM", msg.Title)
	assert.Equal(t, "📍 İstanbul - Adalar\n🏔️ 7.0km derinlik\n⏰ 2024-01-15 12:34:56", msg.Body)
	assert.Equal(t, "earthquake_afad-0011223344556677", msg.Tag)
	assert.Equal(t, "earthquake_alert", msg.Data["type"])
	assert.Equal(t, "4.6", msg.Data["magnitude"])
	assert.Equal(t, "high", msg.Data["urgencyLevel"])
	assert.Nil(t, msg.Presentation.Vibration)
}

func TestEarthquakeMessage_UnknownLocationAndRawDate(t *testing.T) {
	e := testQuake()
	e.Region = domain.Region{}
	e.OccurredAt = time.Time{}
	e.RawDate = "15.01.2024 12:34"

	msg := EarthquakeMessage(e, domain.Present(domain.TierLow, false, false))

	assert.Contains(t, msg.Body, "Bilinmeyen konum")
	assert.Contains(t, msg.Body, "15.01.2024 12:34")
}

func TestAlertMessage(t *testing.T) {
	single := AlertMessage(domain.Alert{Kind: domain.AlertSingleDevice, Magnitude: 3.6, Location: istanbul, DeviceCount: 1})
	assert.Equal(t, domain.TierHigh, single.Presentation.Tier)
	assert.Equal(t, "#FF5722", single.Presentation.Color)
	assert.Equal(t, "seismic_single_device", single.Data["type"])

	crowd := AlertMessage(domain.Alert{Kind: domain.AlertCrowd, Magnitude: 2.5, Location: istanbul, DeviceCount: 3})
	assert.Equal(t, domain.TierCritical, crowd.Presentation.Tier)
	assert.Equal(t, "#FF0000", crowd.Presentation.Color)
	assert.Equal(t, "3", crowd.Data["deviceCount"])
	assert.Contains(t, crowd.Body, "3 cihaz")
}

func TestMemoryAudit_BoundedNewestFirst(t *testing.T) {
	a := NewMemoryAudit(2)
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, a.Record(ctx, AuditEntry{ID: id}))
	}

	got, err := a.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "3", got[0].ID)
	assert.Equal(t, "2", got[1].ID)

	got, _ = a.Recent(ctx, 1)
	assert.Len(t, got, 1)
}
