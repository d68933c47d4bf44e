// Package notify fans earthquake and crowd alerts out to push subscribers
// through the configured delivery channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
)

// ErrTokenUnregistered marks a token the provider will never accept again.
var ErrTokenUnregistered = errors.New("push token unregistered")

// Message is the provider-neutral notification for one batch of recipients.
type Message struct {
	Title        string
	Body         string
	Data         map[string]string
	Tag          string
	Presentation domain.Presentation
}

// BatchResult is a channel's per-call outcome.
type BatchResult struct {
	Success int
	Failure int
	// Unregistered lists tokens that failed permanently.
	Unregistered []string
	// ErrorCode is the provider's code for the first failure, if any.
	ErrorCode string
}

// Channel delivers one message to a batch of tokens. An error means the
// whole call failed; per-token failures are reported in BatchResult.
type Channel interface {
	Name() domain.Channel
	Send(ctx context.Context, tokens []string, msg Message) (BatchResult, error)
}

// Validator checks whether a token is still deliverable without notifying
// the device. A nil error means the token is valid; ErrTokenUnregistered
// means it never will be.
type Validator interface {
	Validate(ctx context.Context, token string) error
}

// Target addresses a single token or a topic. Exactly one is set.
type Target struct {
	Token string
	Topic string
}

// DirectSender delivers one message to a single Target and returns the
// provider's message id.
type DirectSender interface {
	SendTarget(ctx context.Context, t Target, msg Message) (string, error)
}

// SendError is a failed direct send with the provider's error code.
type SendError struct {
	Code         string
	Unregistered bool
	Err          error
}

func (e *SendError) Error() string { return e.Code + ": " + e.Err.Error() }

func (e *SendError) Unwrap() error { return e.Err }

// Is reports unregistered-token failures as ErrTokenUnregistered.
func (e *SendError) Is(target error) bool {
	return e.Unregistered && target == ErrTokenUnregistered
}

// TopicResult is the outcome of a topic membership change.
type TopicResult struct {
	SuccessCount int          `json:"successCount"`
	FailureCount int          `json:"failureCount"`
	Errors       []TopicError `json:"errors,omitempty"`
}

// TopicError is a per-token membership failure.
type TopicError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// TopicManager adds and removes tokens from provider topics.
type TopicManager interface {
	SubscribeTopic(ctx context.Context, tokens []string, topic string) (TopicResult, error)
	UnsubscribeTopic(ctx context.Context, tokens []string, topic string) (TopicResult, error)
}

// EarthquakeMessage renders the notification for e at tier p.
func EarthquakeMessage(e domain.Earthquake, p domain.Presentation) Message {
	where := e.Region.City
	if e.Region.District != "" {
		where = strings.TrimSpace(where + " - " + e.Region.District)
	}
	if where == "" {
		where = "Bilinmeyen konum"
	}
	date := e.RawDate
	if !e.OccurredAt.IsZero() {
		date = e.OccurredAt.In(domain.TurkeyZone).Format("2006-01-02 15:04:05")
	}

	return Message{
		Title: fmt.Sprintf("🚨 %s: M%.1f DEPREM", strings.ToUpper(string(p.Tier)), e.Magnitude),
		Body:  fmt.Sprintf("📍 %s\n🏔️ %.1fkm derinlik\n⏰ %s", where, e.DepthKm, date),
		Data: map[string]string{
			"type":         "earthquake_alert",
			"earthquakeId": e.ID,
			"magnitude":    strconv.FormatFloat(e.Magnitude, 'f', -1, 64),
			"city":         e.Region.City,
			"district":     e.Region.District,
			"depth":        strconv.FormatFloat(e.DepthKm, 'f', -1, 64),
			"latitude":     strconv.FormatFloat(e.Latitude, 'f', -1, 64),
			"longitude":    strconv.FormatFloat(e.Longitude, 'f', -1, 64),
			"source":       string(e.Source),
			"date":         date,
			"urgencyLevel": string(p.Tier),
		},
		Tag:          "earthquake_" + e.ID,
		Presentation: p,
	}
}

// AlertMessage renders a crowd-sourced alert.
func AlertMessage(a domain.Alert) Message {
	p := domain.Present(domain.TierHigh, true, true)
	title := "⚠️ Olası deprem algılandı"
	body := fmt.Sprintf("Bir cihaz M%.1f büyüklüğünde sarsıntı algıladı", a.Magnitude)
	if a.Kind == domain.AlertCrowd {
		p = domain.Present(domain.TierCritical, true, true)
		title = "🚨 Deprem doğrulandı"
		body = fmt.Sprintf("%d cihaz M%.1f büyüklüğünde sarsıntı algıladı", a.DeviceCount, a.Magnitude)
	}
	p.Color = a.Color()

	return Message{
		Title: title,
		Body:  body,
		Data: map[string]string{
			"type":        "seismic_" + string(a.Kind),
			"magnitude":   strconv.FormatFloat(a.Magnitude, 'f', 1, 64),
			"latitude":    strconv.FormatFloat(a.Location.Lat, 'f', -1, 64),
			"longitude":   strconv.FormatFloat(a.Location.Lon, 'f', -1, 64),
			"deviceCount": strconv.Itoa(a.DeviceCount),
			"timestamp":   a.Timestamp.UTC().Format(time.RFC3339),
		},
		Tag:          "seismic_" + string(a.Kind),
		Presentation: p,
	}
}
