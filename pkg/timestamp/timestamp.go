// Package timestamp provides timestamp parsing and rendering utilities for
// the attendance forwarding path.
//
// The remote attendance authority expects event times rendered exactly as
// "YYYY-MM-DD HH:MM:SS" (WallClock). Record stores hand us ISO-8601 strings,
// sometimes with a trailing literal Z. NormalizeWallClock is the single
// conversion point between the two; its pass-through behavior for unparsable
// input is a wire contract, not a convenience.
package timestamp

import (
	"strings"
	"time"
)

// WallClock is the rendering the remote authority expects for event times.
const WallClock = "2006-01-02 15:04:05"

// isoLayouts are the accepted input forms, tried in order. The trailing-Z
// form is handled by rewriting Z to an explicit UTC offset first.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	WallClock,
}

// NormalizeWallClock converts an ISO-8601 timestamp string to the WallClock
// rendering. An empty input yields the current wall-clock time. Input that
// parses under none of the accepted layouts is returned unchanged.
func NormalizeWallClock(s string) string {
	if s == "" {
		return time.Now().Format(WallClock)
	}

	candidate := s
	if strings.HasSuffix(candidate, "Z") {
		candidate = strings.TrimSuffix(candidate, "Z") + "+00:00"
	}

	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, candidate); err == nil {
			return t.Format(WallClock)
		}
	}
	return s
}
