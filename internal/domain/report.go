package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidReport is returned for sensor reports missing a device, time,
// magnitude or location.
var ErrInvalidReport = errors.New("invalid seismic report")

// SeismicReport is one phone-sensor detection.
type SeismicReport struct {
	DeviceID          string    `json:"deviceId"`
	Timestamp         time.Time `json:"timestamp"`
	MagnitudeEstimate float64   `json:"magnitude"`
	DurationMs        int64     `json:"duration"`
	PeakAcceleration  float64   `json:"peakAcceleration"`
	Location          *Point    `json:"location"`
	ReceivedAt        time.Time `json:"receivedAt"`
}

// Validate checks the fields required for corroboration.
func (r SeismicReport) Validate() error {
	switch {
	case strings.TrimSpace(r.DeviceID) == "":
		return fmt.Errorf("device id required: %w", ErrInvalidReport)
	case r.Timestamp.IsZero():
		return fmt.Errorf("timestamp required: %w", ErrInvalidReport)
	case !isFinite(r.MagnitudeEstimate) || r.MagnitudeEstimate <= 0:
		return fmt.Errorf("magnitude required: %w", ErrInvalidReport)
	case r.Location == nil || !isFinite(r.Location.Lat) || !isFinite(r.Location.Lon):
		return fmt.Errorf("location required: %w", ErrInvalidReport)
	case r.Location.Lat < -90 || r.Location.Lat > 90 || r.Location.Lon < -180 || r.Location.Lon > 180:
		return fmt.Errorf("location out of range: %w", ErrInvalidReport)
	}
	return nil
}

// AlertKind distinguishes crowd-sourced alerts.
type AlertKind string

const (
	AlertSingleDevice AlertKind = "single_device"
	AlertCrowd        AlertKind = "crowd"
)

// Alert is a crowd-sourced warning delivered to subscribers near Location.
type Alert struct {
	Kind        AlertKind `json:"kind"`
	Magnitude   float64   `json:"magnitude"`
	Location    Point     `json:"location"`
	DeviceCount int       `json:"deviceCount"`
	Timestamp   time.Time `json:"timestamp"`
}

// Color is the notification accent for the alert kind.
func (a Alert) Color() string {
	if a.Kind == AlertCrowd {
		return "#FF0000"
	}
	return "#FF5722"
}
