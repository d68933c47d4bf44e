package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/notify"
	"github.com/couchcryptid/quake-alert-service/internal/subscriber"
)

type subscribeRequest struct {
	DeliveryToken string                `json:"deliveryToken"`
	FCMToken      string                `json:"fcmToken"`
	DeviceID      string                `json:"deviceId"`
	Channel       string                `json:"channel"`
	Settings      *domain.SettingsInput `json:"settings"`
	UserSettings  *domain.SettingsInput `json:"userSettings"`
	Persistent    bool                  `json:"persistent"`
}

type subscribeResponse struct {
	Success  bool            `json:"success"`
	Action   string          `json:"action"`
	DeviceID string          `json:"deviceId"`
	Channel  domain.Channel  `json:"channel"`
	Settings domain.Settings `json:"settings"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var body subscribeRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token := body.DeliveryToken
	if token == "" {
		token = body.FCMToken
	}
	settings := body.Settings
	if settings == nil {
		settings = body.UserSettings
	}

	sub, action, err := s.deps.Subscribers.Register(r.Context(), subscriber.RegisterRequest{
		Token:      token,
		DeviceID:   body.DeviceID,
		Channel:    body.Channel,
		Settings:   settings,
		Persistent: body.Persistent,
	})
	if errors.Is(err, domain.ErrInvalidSubscription) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("register subscriber", "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	status := http.StatusOK
	if action == subscriber.ActionCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, subscribeResponse{
		Success:  true,
		Action:   action,
		DeviceID: sub.DeviceID,
		Channel:  sub.Channel,
		Settings: sub.Settings,
	})
}

type pushStatus struct {
	TotalTokens  int                    `json:"totalTokens"`
	ActiveTokens int                    `json:"activeTokens"`
	ByChannel    map[domain.Channel]int `json:"byChannel"`
	RecentLogs   int                    `json:"recentLogs"`
	SuccessCount int                    `json:"successCount"`
	ErrorCount   int                    `json:"errorCount"`
	LastUpdate   *time.Time             `json:"lastUpdate"`
}

type pushStatusResponse struct {
	Success    bool                `json:"success"`
	Status     pushStatus          `json:"status"`
	RecentLogs []notify.AuditEntry `json:"recentLogs"`
}

const (
	auditWindow  = 50
	auditPreview = 5
)

// handlePushStatus summarises registered tokens and recent delivery attempts.
func (s *Server) handlePushStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Subscribers.Stats(r.Context())
	if err != nil {
		s.logger.Error("subscriber stats", "error", err)
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	entries, err := s.deps.Audit.Recent(r.Context(), auditWindow)
	if err != nil {
		s.logger.Warn("read audit log", "error", err)
		entries = nil
	}

	st := pushStatus{
		TotalTokens:  stats.Total,
		ActiveTokens: stats.Active,
		ByChannel:    stats.ByChannel,
		RecentLogs:   len(entries),
	}
	for _, e := range entries {
		if e.Status == notify.StatusFailed {
			st.ErrorCount++
		} else {
			st.SuccessCount++
		}
	}
	if len(entries) > 0 {
		at := entries[0].At
		st.LastUpdate = &at
	}

	preview := entries[:min(len(entries), auditPreview)]
	if preview == nil {
		preview = []notify.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, pushStatusResponse{Success: true, Status: st, RecentLogs: preview})
}

func (s *Server) handleVAPIDKey(w http.ResponseWriter, _ *http.Request) {
	if s.deps.VAPIDPublicKey == "" {
		writeError(w, http.StatusServiceUnavailable, "web push is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": s.deps.VAPIDPublicKey})
}

type testNotificationRequest struct {
	Magnitude *float64 `json:"magnitude"`
	City      string   `json:"city"`
	District  string   `json:"district"`
	Depth     *float64 `json:"depth"`
}

type testNotificationResponse struct {
	Success    bool              `json:"success"`
	Earthquake domain.Earthquake `json:"earthquake"`
	Report     notify.Report     `json:"report"`
	Message    string            `json:"message"`
}

// handleTestNotification dispatches a synthetic event in Istanbul through
// the normal eligibility and delivery path.
func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	var body testNotificationRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	now := s.deps.Now()
	e := domain.Earthquake{
		ID:         "test-" + strconv.FormatInt(now.UnixMilli(), 10),
		OccurredAt: now.UTC(),
		RawDate:    now.In(domain.TurkeyZone).Format(time.DateTime),
		Magnitude:  4.5,
		Type:       "ML",
		DepthKm:    10,
		Latitude:   41.0082,
		Longitude:  28.9784,
		Region:     domain.Region{City: "Test Şehir", District: "Test İlçe"},
		Source:     domain.SourceKOERI,
	}
	if body.Magnitude != nil {
		e.Magnitude = *body.Magnitude
	}
	if body.Depth != nil {
		e.DepthKm = *body.Depth
	}
	if body.City != "" {
		e.Region.City = body.City
	}
	if body.District != "" {
		e.Region.District = body.District
	}
	if !e.Valid() || e.Magnitude <= 0 {
		writeError(w, http.StatusBadRequest, "magnitude must be a positive number")
		return
	}

	report, err := s.deps.Dispatcher.Dispatch(r.Context(), e)
	if err != nil {
		s.logger.Error("test notification failed", "error", err)
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, testNotificationResponse{
		Success:    true,
		Earthquake: e,
		Report:     report,
		Message:    fmt.Sprintf("Test notification sent to %d of %d subscribers", report.Sent, report.Total),
	})
}
