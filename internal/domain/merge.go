package domain

import (
	"math"
	"slices"
	"time"
)

// Tolerance bounds how far apart two records may be and still describe the
// same physical event. Both bounds are inclusive.
type Tolerance struct {
	Seconds float64
	Km      float64
}

// DefaultTolerance matches the agencies' typical disagreement on origin time
// and epicentre for the same event.
var DefaultTolerance = Tolerance{Seconds: 10, Km: 3}

// Merge combines per-source record lists into one deduplicated list sorted
// by OccurredAt descending.
//
// Records are visited newest first; equal times keep the order in which the
// streams were passed. A record is dropped when an already kept record lies
// within both tolerances of it, so the first record in that order wins.
// Records without a parsed time cannot be matched and are always kept, after
// the timed ones.
func Merge(streams [][]Earthquake, tol Tolerance) []Earthquake {
	var all []Earthquake
	for _, s := range streams {
		all = append(all, s...)
	}
	if len(all) == 0 {
		return []Earthquake{}
	}

	slices.SortStableFunc(all, func(a, b Earthquake) int {
		switch {
		case a.OccurredAt.IsZero() && b.OccurredAt.IsZero():
			return 0
		case a.OccurredAt.IsZero():
			return 1
		case b.OccurredAt.IsZero():
			return -1
		}
		return b.OccurredAt.Compare(a.OccurredAt)
	})

	kept := make([]Earthquake, 0, len(all))
	for _, e := range all {
		if e.OccurredAt.IsZero() || !hasMatch(kept, e, tol) {
			kept = append(kept, e)
		}
	}
	return kept
}

func hasMatch(kept []Earthquake, e Earthquake, tol Tolerance) bool {
	window := time.Duration(tol.Seconds * float64(time.Second))
	// kept is sorted descending, so its tail holds the oldest kept records,
	// nearest in time to e. Walk from the tail while inside the window.
	for i := len(kept) - 1; i >= 0; i-- {
		k := kept[i]
		if k.OccurredAt.IsZero() {
			continue
		}
		dt := k.OccurredAt.Sub(e.OccurredAt)
		if dt > window {
			break
		}
		if math.Abs(dt.Seconds()) <= tol.Seconds && HaversineKm(k.Point(), e.Point()) <= tol.Km {
			return true
		}
	}
	return false
}
