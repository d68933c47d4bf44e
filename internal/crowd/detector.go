// Package crowd corroborates phone-sensor shake reports into alerts.
//
// A single strong report raises a single-device alert for its
// surroundings. Reports from several distinct devices close together in
// space and time raise a crowd alert over a wider radius.
package crowd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/notify"
	"github.com/couchcryptid/quake-alert-service/internal/observability"
)

// Alerter delivers an alert to subscribers within radiusKm.
type Alerter interface {
	DispatchNearby(ctx context.Context, a domain.Alert, radiusKm float64) (notify.Report, error)
}

// Options are the detection thresholds.
type Options struct {
	SingleMagnitude float64
	SingleRadiusKm  float64
	Window          time.Duration
	QuorumRadiusKm  float64
	// Quorum is the number of other devices required to corroborate.
	Quorum         int
	CrowdMagnitude float64
	CrowdRadiusKm  float64
	Retention      time.Duration
}

func DefaultOptions() Options {
	return Options{
		SingleMagnitude: 3.0,
		SingleRadiusKm:  50,
		Window:          30 * time.Second,
		QuorumRadiusKm:  10,
		Quorum:          2,
		CrowdMagnitude:  2.0,
		CrowdRadiusKm:   100,
		Retention:       2 * time.Minute,
	}
}

// IngestResult reports what a single report triggered.
type IngestResult struct {
	Accepted       bool    `json:"accepted"`
	SingleAlert    bool    `json:"singleAlert"`
	CrowdAlert     bool    `json:"crowdAlert"`
	NearbyDevices  int     `json:"nearbyDevices"`
	MeanMagnitude  float64 `json:"meanMagnitude,omitempty"`
	AlertsNotified int     `json:"alertsNotified"`
}

// Detector ingests reports and raises alerts.
type Detector struct {
	store   Store
	alerter Alerter
	opts    Options
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewDetector(store Store, alerter Alerter, opts Options, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Detector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Detector{
		store:   store,
		alerter: alerter,
		opts:    opts,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
	}
}

// Ingest validates and stores r, then evaluates both alert rules. Alert
// delivery failures are logged; only validation and storage errors are
// returned.
func (d *Detector) Ingest(ctx context.Context, r domain.SeismicReport) (IngestResult, error) {
	if err := r.Validate(); err != nil {
		d.metrics.SeismicReports.WithLabelValues("rejected").Inc()
		return IngestResult{}, err
	}
	now := d.clock.Now()
	r.ReceivedAt = now
	if err := d.store.Add(ctx, r, now.Add(-d.opts.Retention)); err != nil {
		return IngestResult{}, fmt.Errorf("store report: %w", err)
	}
	d.metrics.SeismicReports.WithLabelValues("accepted").Inc()

	d.logger.Info("seismic report received",
		"device_id", r.DeviceID,
		"magnitude", r.MagnitudeEstimate,
		"lat", r.Location.Lat,
		"lon", r.Location.Lon,
	)

	res := IngestResult{Accepted: true}
	if r.MagnitudeEstimate > d.opts.SingleMagnitude {
		res.SingleAlert = true
		res.AlertsNotified += d.raise(ctx, domain.Alert{
			Kind:        domain.AlertSingleDevice,
			Magnitude:   r.MagnitudeEstimate,
			Location:    *r.Location,
			DeviceCount: 1,
			Timestamp:   r.Timestamp,
		}, d.opts.SingleRadiusKm)
	}

	recent, err := d.store.Since(ctx, now.Add(-d.opts.Window))
	if err != nil {
		d.logger.Warn("quorum scan failed", "error", err)
		return res, nil
	}
	nearby := corroborating(r, recent, d.opts.QuorumRadiusKm)
	res.NearbyDevices = len(nearby)
	if len(nearby) < d.opts.Quorum {
		return res, nil
	}

	total := r.MagnitudeEstimate
	for _, n := range nearby {
		total += n.MagnitudeEstimate
	}
	res.MeanMagnitude = total / float64(len(nearby)+1)
	d.logger.Info("crowd quorum reached", "devices", len(nearby)+1, "mean_magnitude", res.MeanMagnitude)
	if res.MeanMagnitude <= d.opts.CrowdMagnitude {
		return res, nil
	}

	res.CrowdAlert = true
	res.AlertsNotified += d.raise(ctx, domain.Alert{
		Kind:        domain.AlertCrowd,
		Magnitude:   res.MeanMagnitude,
		Location:    *r.Location,
		DeviceCount: len(nearby) + 1,
		Timestamp:   r.Timestamp,
	}, d.opts.CrowdRadiusKm)
	return res, nil
}

func (d *Detector) raise(ctx context.Context, a domain.Alert, radiusKm float64) int {
	d.metrics.CrowdAlerts.WithLabelValues(string(a.Kind)).Inc()
	if d.alerter == nil {
		return 0
	}
	rep, err := d.alerter.DispatchNearby(ctx, a, radiusKm)
	if err != nil {
		d.logger.Error("crowd alert dispatch failed", "kind", string(a.Kind), "error", err)
		return 0
	}
	return rep.Sent
}

// corroborating returns the latest report of each other device within
// radiusKm of r.
func corroborating(r domain.SeismicReport, recent []domain.SeismicReport, radiusKm float64) []domain.SeismicReport {
	latest := make(map[string]domain.SeismicReport)
	for _, o := range recent {
		if o.DeviceID == r.DeviceID || o.Location == nil {
			continue
		}
		if prev, ok := latest[o.DeviceID]; ok && !o.ReceivedAt.After(prev.ReceivedAt) {
			continue
		}
		latest[o.DeviceID] = o
	}

	out := make([]domain.SeismicReport, 0, len(latest))
	for _, o := range latest {
		if domain.HaversineKm(*r.Location, *o.Location) <= radiusKm {
			out = append(out, o)
		}
	}
	return out
}
