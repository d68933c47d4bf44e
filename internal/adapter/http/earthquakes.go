package http

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/source"
)

type probeResponse struct {
	Source    domain.SourceID     `json:"source"`
	LatencyMs int64               `json:"latencyMs"`
	Count     int                 `json:"count"`
	Error     string              `json:"error,omitempty"`
	Records   []domain.Earthquake `json:"records"`
}

func (s *Server) handleEarthquakes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("source")
	if name == "" {
		name = string(domain.SourceAFAD)
	}
	id, ok := domain.ParseSourceID(name)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown source "+strconv.Quote(name))
		return
	}
	c, ok := s.deps.Sources.Lookup(id)
	if !ok {
		writeError(w, http.StatusBadRequest, "source not configured: "+string(id))
		return
	}

	switch {
	case q.Get("probe") == "1":
		if err := s.checkAdmin(r); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, errAdminDisabled) {
				status = http.StatusForbidden
			}
			writeError(w, status, err.Error())
			return
		}
		res := c.Probe(r.Context())
		resp := probeResponse{
			Source:    res.Source,
			LatencyMs: res.Latency.Milliseconds(),
			Count:     len(res.Records),
			Records:   res.Records,
		}
		status := http.StatusOK
		if res.Err != nil {
			resp.Error = res.Err.Error()
			status = http.StatusBadGateway
		}
		if resp.Records == nil {
			resp.Records = []domain.Earthquake{}
		}
		writeJSON(w, status, resp)
		return
	case q.Get("debug") == "1":
		writeJSON(w, http.StatusOK, c.Status())
		return
	}

	records, err := c.Get(r.Context())
	if err != nil {
		s.writeSourceError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCombined(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ids, err := s.deps.Sources.Resolve(q.Get("source"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tol := s.deps.Tolerance
	if v := q.Get("tolSec"); v != "" {
		f, ok := parseFinite(v)
		if !ok || f < 0 {
			writeError(w, http.StatusBadRequest, "tolSec must be a non-negative number")
			return
		}
		tol.Seconds = f
	}
	if v := q.Get("tolKm"); v != "" {
		f, ok := parseFinite(v)
		if !ok || f < 0 {
			writeError(w, http.StatusBadRequest, "tolKm must be a non-negative number")
			return
		}
		tol.Km = f
	}

	records, err := s.deps.Sources.Combined(r.Context(), ids, tol)
	if err != nil {
		s.logger.Warn("combined query failed", "sources", ids, "error", err)
		writeError(w, http.StatusBadGateway, "all sources unavailable")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) writeSourceError(w http.ResponseWriter, id domain.SourceID, err error) {
	s.logger.Warn("source query failed", "source", string(id), "error", err)
	if errors.Is(err, source.ErrNoData) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeError(w, http.StatusBadGateway, "upstream "+string(id)+" unavailable")
}

type providerStatus struct {
	Up      bool   `json:"up"`
	Latency int64  `json:"latency"`
	Length  int    `json:"length"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Now          time.Time                          `json:"now"`
	TotalLatency int64                              `json:"totalLatency"`
	Providers    map[domain.SourceID]providerStatus `json:"providers"`
}

// handleStatus reports per-provider availability as seen through the caches.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	health := s.deps.Sources.Health(r.Context())

	resp := statusResponse{
		Now:       s.deps.Now().UTC(),
		Providers: make(map[domain.SourceID]providerStatus, len(health)),
	}
	for _, h := range health {
		resp.Providers[h.Source] = providerStatus{
			Up:      h.Up,
			Latency: h.LatencyMs,
			Length:  h.Length,
			Error:   h.Error,
		}
	}
	resp.TotalLatency = time.Since(start).Milliseconds()
	writeJSON(w, http.StatusOK, resp)
}

// parseFinite parses a query number, rejecting NaN and infinities.
func parseFinite(v string) (float64, bool) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
