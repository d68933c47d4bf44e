package domain

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidSubscription is returned for registrations without a delivery
// token or with an unknown channel.
var ErrInvalidSubscription = errors.New("invalid subscription")

// Channel names a push delivery provider.
type Channel string

const (
	ChannelFCM     Channel = "fcm"
	ChannelWebPush Channel = "webpush"
)

// ParseChannel defaults an empty value to FCM.
func ParseChannel(s string) (Channel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fcm", "android", "native":
		return ChannelFCM, true
	case "webpush", "web", "vapid":
		return ChannelWebPush, true
	default:
		return "", false
	}
}

// Settings are a subscriber's notification preferences.
type Settings struct {
	MinMagnitude     float64  `json:"minMagnitude"`
	MaxDistanceKm    float64  `json:"maxDistance"`
	CityFilter       []string `json:"cityFilter,omitempty"`
	Location         *Point   `json:"location,omitempty"`
	SoundEnabled     bool     `json:"soundEnabled"`
	VibrationEnabled bool     `json:"vibrationEnabled"`
}

// DefaultSettings are applied when a subscriber registers without settings.
func DefaultSettings() Settings {
	return Settings{
		MinMagnitude:     3.0,
		MaxDistanceKm:    500,
		SoundEnabled:     true,
		VibrationEnabled: true,
	}
}

// Subscriber is a registered push recipient. DeviceID is its identity;
// the token may rotate.
type Subscriber struct {
	DeviceID   string    `json:"deviceId"`
	Token      string    `json:"token"`
	Channel    Channel   `json:"channel"`
	Active     bool      `json:"active"`
	Persistent bool      `json:"persistent"`
	Settings   Settings  `json:"settings"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
