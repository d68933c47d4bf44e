package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
)

// SourceID identifies an upstream earthquake catalogue.
type SourceID string

const (
	SourceAFAD  SourceID = "afad"
	SourceKOERI SourceID = "koeri"
)

// ParseSourceID accepts a source name or one of its provider aliases,
// case-insensitively.
func ParseSourceID(s string) (SourceID, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "afad", "providera", "provider-a":
		return SourceAFAD, true
	case "koeri", "kandilli", "providerb", "provider-b":
		return SourceKOERI, true
	default:
		return "", false
	}
}

// Region is the best-effort split of a free-text location.
type Region struct {
	City     string `json:"city"`
	District string `json:"district"`
}

// Earthquake is the canonical record produced by every source adapter.
// Records are never mutated after creation.
type Earthquake struct {
	ID          string    `json:"id"`
	OccurredAt  time.Time `json:"occurred_at"`
	RawDate     string    `json:"date"`
	Magnitude   float64   `json:"magnitude"`
	Type        string    `json:"type,omitempty"`
	DepthKm     float64   `json:"depth_km"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Region      Region    `json:"region"`
	Source      SourceID  `json:"source"`
	ProviderURL string    `json:"provider_url,omitempty"`
}

// Valid reports whether the record has finite coordinates and magnitude.
// Invalid records never enter a cache or the merge stream.
func (e Earthquake) Valid() bool {
	return isFinite(e.Latitude) && isFinite(e.Longitude) && isFinite(e.Magnitude)
}

// Point returns the epicentre.
func (e Earthquake) Point() Point {
	return Point{Lat: e.Latitude, Lon: e.Longitude}
}

// Source fetches the latest earthquakes from one upstream catalogue.
type Source interface {
	Fetch(ctx context.Context) ([]Earthquake, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) ([]Earthquake, error)

func (f SourceFunc) Fetch(ctx context.Context) ([]Earthquake, error) { return f(ctx) }

// GenerateID produces a deterministic ID from the source and the event's
// time and epicentre. rawDate is used when the time could not be parsed.
func GenerateID(source SourceID, occurredAt time.Time, rawDate string, lat, lon float64) string {
	stamp := rawDate
	if !occurredAt.IsZero() {
		stamp = occurredAt.UTC().Format(time.RFC3339)
	}
	input := fmt.Sprintf("%s|%s|%.4f|%.4f", source, stamp, lat, lon)
	hash := sha256.Sum256([]byte(input))
	short := hex.EncodeToString(hash[:8])
	if source == "" {
		return short
	}
	return string(source) + "-" + short
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
