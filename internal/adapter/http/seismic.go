package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
)

// reportRequest is a sensor report as phones send it. Timestamps arrive as
// epoch milliseconds or RFC 3339; locations as lat/lon or latitude/longitude.
type reportRequest struct {
	DeviceID         string          `json:"deviceId"`
	Timestamp        json.RawMessage `json:"timestamp"`
	Magnitude        float64         `json:"magnitude"`
	Duration         int64           `json:"duration"`
	PeakAcceleration *float64        `json:"peakAcceleration"`
	MaxAcceleration  *float64        `json:"maxAcceleration"`
	Location         *reportLocation `json:"location"`
}

type reportLocation struct {
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (l *reportLocation) point() *domain.Point {
	if l == nil {
		return nil
	}
	lat, lon := l.Lat, l.Lon
	if lat == nil {
		lat = l.Latitude
	}
	if lon == nil {
		lon = l.Longitude
	}
	if lat == nil || lon == nil {
		return nil
	}
	return &domain.Point{Lat: *lat, Lon: *lon}
}

func parseReportTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		return t, nil
	}
	var ms json.Number
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	n, err := ms.Int64()
	if err != nil {
		f, ferr := ms.Float64()
		if ferr != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		n = int64(f)
	}
	if n <= 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(n).UTC(), nil
}

func (req reportRequest) report() (domain.SeismicReport, error) {
	at, err := parseReportTime(req.Timestamp)
	if err != nil {
		return domain.SeismicReport{}, err
	}
	rep := domain.SeismicReport{
		DeviceID:          req.DeviceID,
		Timestamp:         at,
		MagnitudeEstimate: req.Magnitude,
		DurationMs:        req.Duration,
		Location:          req.Location.point(),
	}
	switch {
	case req.PeakAcceleration != nil:
		rep.PeakAcceleration = *req.PeakAcceleration
	case req.MaxAcceleration != nil:
		rep.PeakAcceleration = *req.MaxAcceleration
	}
	return rep, nil
}

func (s *Server) handleSeismicReport(w http.ResponseWriter, r *http.Request) {
	var body reportRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rep, err := body.report()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Detector.Ingest(r.Context(), rep)
	if errors.Is(err, domain.ErrInvalidReport) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("ingest seismic report", "device_id", rep.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "report not stored")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
