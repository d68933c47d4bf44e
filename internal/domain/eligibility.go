package domain

import "strings"

// Decision is the outcome of matching one event against one subscriber.
type Decision struct {
	Eligible    bool
	Reason      string
	DistanceKm  float64
	HasDistance bool
	Tier        Tier
}

// Evaluate decides whether e should be delivered to a subscriber with the
// given settings and, if so, at which urgency.
//
// The distance gate applies only when the subscriber has a location and a
// positive maximum distance. The city filter matches when any entry is a
// case-insensitive substring of the event's city or district.
func Evaluate(e Earthquake, s Settings) Decision {
	if e.Magnitude < s.MinMagnitude {
		return Decision{Reason: "magnitude"}
	}

	if len(s.CityFilter) > 0 && !matchesCity(e.Region, s.CityFilter) {
		return Decision{Reason: "city"}
	}

	// Distance only counts, for both the gate and the urgency boost, when
	// the subscriber set a positive limit.
	d := Decision{Eligible: true}
	if s.Location != nil && s.MaxDistanceKm > 0 {
		d.DistanceKm = HaversineKm(*s.Location, e.Point())
		d.HasDistance = true
		if d.DistanceKm > s.MaxDistanceKm {
			return Decision{Reason: "distance", DistanceKm: d.DistanceKm, HasDistance: true}
		}
	}
	d.Tier = Classify(e.Magnitude, d.DistanceKm, d.HasDistance)
	return d
}

func matchesCity(r Region, filter []string) bool {
	city := strings.ToLower(r.City)
	district := strings.ToLower(r.District)
	for _, f := range filter {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		if strings.Contains(city, f) || strings.Contains(district, f) {
			return true
		}
	}
	return false
}
