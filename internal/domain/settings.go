package domain

import (
	"encoding/json"
	"errors"
	"strings"
)

// SettingsInput is a partial settings payload from a client. Nil fields
// take their default.
type SettingsInput struct {
	MinMagnitude     *float64
	MaxDistanceKm    *float64
	CityFilter       []string
	Location         *Point
	SoundEnabled     *bool
	VibrationEnabled *bool
}

// settingsWire accepts both the web and mobile key spellings.
type settingsWire struct {
	MinMagnitude     *float64        `json:"minMagnitude"`
	MinMag           *float64        `json:"minMag"`
	MaxDistance      *float64        `json:"maxDistance"`
	CityFilter       json.RawMessage `json:"cityFilter"`
	Location         *Point          `json:"location"`
	SoundEnabled     *bool           `json:"soundEnabled"`
	VibrationEnabled *bool           `json:"vibrationEnabled"`
}

// UnmarshalJSON reads minMagnitude or minMag, and a cityFilter given as a
// list or as a single comma-separated string. Unknown keys are ignored.
func (in *SettingsInput) UnmarshalJSON(b []byte) error {
	var w settingsWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	filter, err := parseCityFilter(w.CityFilter)
	if err != nil {
		return err
	}
	*in = SettingsInput{
		MinMagnitude:     w.MinMagnitude,
		MaxDistanceKm:    w.MaxDistance,
		CityFilter:       filter,
		Location:         w.Location,
		SoundEnabled:     w.SoundEnabled,
		VibrationEnabled: w.VibrationEnabled,
	}
	if in.MinMagnitude == nil {
		in.MinMagnitude = w.MinMag
	}
	return nil
}

func parseCityFilter(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return compact(list), nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, errors.New("cityFilter must be a string or a list of strings")
	}
	return compact(strings.Split(one, ",")), nil
}

func compact(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Settings resolves the input against DefaultSettings. Non-positive
// magnitude and distance fall back to the default.
func (in SettingsInput) Settings() Settings {
	s := DefaultSettings()
	if in.MinMagnitude != nil && *in.MinMagnitude > 0 {
		s.MinMagnitude = *in.MinMagnitude
	}
	if in.MaxDistanceKm != nil && *in.MaxDistanceKm > 0 {
		s.MaxDistanceKm = *in.MaxDistanceKm
	}
	if len(in.CityFilter) > 0 {
		s.CityFilter = in.CityFilter
	}
	if in.Location != nil {
		loc := *in.Location
		s.Location = &loc
	}
	if in.SoundEnabled != nil {
		s.SoundEnabled = *in.SoundEnabled
	}
	if in.VibrationEnabled != nil {
		s.VibrationEnabled = *in.VibrationEnabled
	}
	return s
}
