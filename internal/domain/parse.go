package domain

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedRecord is returned when a scraped row lacks a finite
// epicentre or magnitude.
var ErrMalformedRecord = errors.New("malformed earthquake record")

// TurkeyZone is the fixed UTC+03:00 offset used for source times that carry
// no zone information.
var TurkeyZone = time.FixedZone("TRT", 3*60*60)

var numberRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// localLayouts are tried in order for zone-less source times.
var localLayouts = []string{
	"2006-01-02 15:04:05",
	"2006.01.02 15:04:05",
	"02.01.2006 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006.01.02 15:04",
	"02.01.2006 15:04",
}

// RawQuake is one row as extracted from an upstream document, before any
// numeric parsing. Date may already contain the time of day.
type RawQuake struct {
	Date        string
	Time        string
	Latitude    string
	Longitude   string
	Depth       string
	MD          string
	ML          string
	MW          string
	Magnitude   string
	Type        string
	Location    string
	ProviderURL string
}

// ParseRawQuake converts a scraped row into an Earthquake. It returns
// ErrMalformedRecord when latitude, longitude or magnitude is missing.
func ParseRawQuake(source SourceID, raw RawQuake) (Earthquake, error) {
	lat := ExtractNumber(raw.Latitude)
	lon := ExtractNumber(raw.Longitude)
	mag := PreferredMagnitude(raw.Magnitude, raw.MW, raw.ML, raw.MD)
	if !isFinite(lat) || !isFinite(lon) || !isFinite(mag) {
		return Earthquake{}, fmt.Errorf("%s row %q: %w", source, raw.Date, ErrMalformedRecord)
	}

	depth := ExtractNumber(raw.Depth)
	if !isFinite(depth) {
		depth = 0
	}

	rawDate := strings.TrimSpace(strings.TrimSpace(raw.Date) + " " + strings.TrimSpace(raw.Time))
	occurredAt, _ := ParseSourceTime(rawDate)

	return Earthquake{
		ID:          GenerateID(source, occurredAt, rawDate, lat, lon),
		OccurredAt:  occurredAt,
		RawDate:     rawDate,
		Magnitude:   mag,
		Type:        magnitudeType(raw),
		DepthKm:     depth,
		Latitude:    lat,
		Longitude:   lon,
		Region:      SplitRegion(raw.Location),
		Source:      source,
		ProviderURL: raw.ProviderURL,
	}, nil
}

// ExtractNumber returns the first decimal number in s, accepting a comma as
// the decimal separator. It returns NaN when s holds no number.
func ExtractNumber(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	m := numberRe.FindString(s)
	if m == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// PreferredMagnitude picks the first finite value from an explicit generic
// magnitude, then Mw, ML and MD. KOERI placeholders such as "-.-" and
// non-positive values are treated as absent.
func PreferredMagnitude(generic, mw, ml, md string) float64 {
	for _, candidate := range []string{generic, mw, ml, md} {
		v := ExtractNumber(candidate)
		if isFinite(v) && v > 0 {
			return v
		}
	}
	return math.NaN()
}

// ParseSourceTime parses an upstream timestamp. Zoned RFC 3339 values keep
// their zone; everything else is read at TurkeyZone.
func ParseSourceTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty time")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	// Strip fractional seconds the layouts below do not expect.
	if i := strings.LastIndexByte(s, '.'); i > len(s)-5 && i > 10 {
		if _, err := strconv.Atoi(s[i+1:]); err == nil {
			s = s[:i]
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, TurkeyZone); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

func magnitudeType(raw RawQuake) string {
	if t := strings.TrimSpace(raw.Type); t != "" {
		return t
	}
	switch {
	case isFinite(ExtractNumber(raw.Magnitude)):
		return ""
	case positive(raw.MW):
		return "Mw"
	case positive(raw.ML):
		return "ML"
	case positive(raw.MD):
		return "MD"
	}
	return ""
}

func positive(s string) bool {
	v := ExtractNumber(s)
	return isFinite(v) && v > 0
}
