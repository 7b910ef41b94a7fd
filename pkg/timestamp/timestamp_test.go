package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeWallClock(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"rfc3339 with offset", "2024-03-14T15:30:00+00:00", "2024-03-14 15:30:00"},
		{"trailing z", "2024-03-14T15:30:00Z", "2024-03-14 15:30:00"},
		{"fractional seconds", "2024-03-14T15:30:00.123456Z", "2024-03-14 15:30:00"},
		{"no offset", "2024-03-14T15:30:00", "2024-03-14 15:30:00"},
		{"already wall clock", "2024-03-14 15:30:00", "2024-03-14 15:30:00"},
		{"unparsable passes through", "yesterday at noon", "yesterday at noon"},
		{"garbage passes through", "14/03/2024", "14/03/2024"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, NormalizeWallClock(test.input))
		})
	}
}

func TestNormalizeWallClock_KeepsOffsetLocalTime(t *testing.T) {
	// The rendering is the clock reading in the input's own offset,
	// not a UTC conversion.
	assert.Equal(t, "2024-03-14 15:30:00", NormalizeWallClock("2024-03-14T15:30:00+06:00"))
}

func TestNormalizeWallClock_EmptyDefaultsToNow(t *testing.T) {
	before := time.Now().Add(-time.Second)
	got := NormalizeWallClock("")
	parsed, err := time.ParseInLocation(WallClock, got, time.Local)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), parsed, time.Now().Sub(before)+2*time.Second)
}
