package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/notify"
)

const tokenListLimit = 200

type pushSendRequest struct {
	Token string         `json:"token"`
	Topic string         `json:"topic"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data"`
}

// handlePushSend delivers an ad-hoc message to one FCM token or topic.
func (s *Server) handlePushSend(w http.ResponseWriter, r *http.Request) {
	var body pushSendRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Title) == "" || strings.TrimSpace(body.Body) == "" {
		writeError(w, http.StatusBadRequest, "title and body required")
		return
	}
	target := notify.Target{Token: strings.TrimSpace(body.Token), Topic: strings.TrimSpace(body.Topic)}
	if target.Token == "" && target.Topic == "" {
		writeError(w, http.StatusBadRequest, "token or topic required")
		return
	}
	if target.Token != "" {
		target.Topic = ""
	}

	id, err := s.deps.Dispatcher.SendDirect(r.Context(), target, notify.Message{
		Title: body.Title,
		Body:  body.Body,
		Data:  stringData(body.Data),
	})
	if errors.Is(err, notify.ErrDirectUnsupported) {
		writeError(w, http.StatusServiceUnavailable, "fcm is not configured")
		return
	}
	if err != nil {
		code := "internal"
		var se *notify.SendError
		if errors.As(err, &se) {
			code = se.Code
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error(), "code": code})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

// stringData flattens data values to strings; FCM data payloads are
// string-only.
func stringData(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch v := v.(type) {
		case string:
			out[k] = v
		case nil:
			out[k] = ""
		default:
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

type topicRequest struct {
	Token string `json:"token"`
	Topic string `json:"topic"`
}

func (s *Server) handleTopicSubscribe(w http.ResponseWriter, r *http.Request) {
	s.changeTopic(w, r, true)
}

func (s *Server) handleTopicUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.changeTopic(w, r, false)
}

func (s *Server) changeTopic(w http.ResponseWriter, r *http.Request, subscribe bool) {
	if s.deps.Topics == nil {
		writeError(w, http.StatusServiceUnavailable, "fcm is not configured")
		return
	}
	var body topicRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, topic := strings.TrimSpace(body.Token), strings.TrimSpace(body.Topic)
	if token == "" || topic == "" {
		writeError(w, http.StatusBadRequest, "token and topic required")
		return
	}

	op := s.deps.Topics.UnsubscribeTopic
	if subscribe {
		op = s.deps.Topics.SubscribeTopic
	}
	res, err := op(r.Context(), []string{token}, topic)
	if err != nil {
		s.logger.Error("topic membership change failed", "topic", topic, "subscribe", subscribe, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("topic membership changed", "topic", topic, "subscribe", subscribe, "failures", res.FailureCount)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "res": res})
}

// handlePushTokens lists the most recently updated registrations.
func (s *Server) handlePushTokens(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Subscribers.Recent(r.Context(), tokenListLimit)
	if err != nil {
		s.logger.Error("list subscribers", "error", err)
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	if items == nil {
		items = []domain.Subscriber{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
