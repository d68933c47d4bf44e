package domain

// Tier is the urgency class of a notification.
type Tier string

const (
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
	TierLow      Tier = "low"
)

// NearKm is the distance under which an event counts as near the recipient.
const NearKm = 50.0

// Classify returns the urgency tier for an event of magnitude mag at
// distanceKm from the recipient. hasDistance is false when the recipient
// has no stored location; a distance of exactly zero is near.
func Classify(mag, distanceKm float64, hasDistance bool) Tier {
	near := hasDistance && distanceKm < NearKm
	switch {
	case mag >= 6.0 || (mag >= 4.5 && near):
		return TierCritical
	case mag >= 4.5 || (mag >= 3.5 && near):
		return TierHigh
	case mag >= 3.0:
		return TierMedium
	default:
		return TierLow
	}
}

// Presentation is the provider-facing styling derived from a tier and the
// recipient's sound and vibration preferences.
type Presentation struct {
	Tier      Tier
	Color     string
	ChannelID string
	Sound     string
	Vibration []int
	Priority  string
	Sticky    bool
}

// Present maps a tier to colors, Android channel, sound, vibration pattern
// and delivery priority.
func Present(t Tier, soundEnabled, vibrationEnabled bool) Presentation {
	p := Presentation{
		Tier:      t,
		ChannelID: "earthquake_" + string(t),
		Priority:  "normal",
	}
	switch t {
	case TierCritical:
		p.Color = "#FF0000"
		p.Priority = "high"
		p.Sticky = true
	case TierHigh:
		p.Color = "#FF6600"
		p.Priority = "high"
	case TierMedium:
		p.Color = "#FFAA00"
	default:
		p.Color = "#00AA00"
	}

	p.Sound = "default"
	if soundEnabled {
		p.Sound = p.ChannelID
	}

	if vibrationEnabled {
		if t == TierCritical {
			p.Vibration = []int{500, 200, 500, 200, 500}
		} else {
			p.Vibration = []int{300, 100, 300}
		}
	}
	return p
}
