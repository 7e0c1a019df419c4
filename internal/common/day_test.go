package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayBucket(t *testing.T) {
	tests := []struct {
		name      string
		at        time.Time
		startHour int
		want      string
	}{
		{"after boundary", time.Date(2026, 3, 10, 9, 30, 0, 0, time.Local), 4, "2026-03-10"},
		{"before boundary belongs to previous day", time.Date(2026, 3, 10, 3, 59, 0, 0, time.Local), 4, "2026-03-09"},
		{"exactly at boundary", time.Date(2026, 3, 10, 4, 0, 0, 0, time.Local), 4, "2026-03-10"},
		{"midnight boundary", time.Date(2026, 3, 10, 0, 0, 0, 0, time.Local), 0, "2026-03-10"},
		{"month rollover", time.Date(2026, 4, 1, 1, 0, 0, 0, time.Local), 4, "2026-03-31"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DayBucket(tt.at, tt.startHour))
		})
	}
}

func TestDayRangeMatchesDayBucket(t *testing.T) {
	start, end, err := DayRange("2026-03-10", 4)
	require.NoError(t, err)

	assert.Equal(t, "2026-03-10", DayBucket(start, 4))
	assert.Equal(t, "2026-03-10", DayBucket(end.Add(-time.Second), 4))
	assert.Equal(t, "2026-03-11", DayBucket(end, 4))
	assert.Equal(t, "2026-03-09", DayBucket(start.Add(-time.Second), 4))
}

func TestDayRangeInvalid(t *testing.T) {
	_, _, err := DayRange("10/03/2026", 4)
	assert.Error(t, err)
}

func TestOverlaps(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	at := func(m int) time.Time { return base.Add(time.Duration(m) * time.Minute) }

	assert.True(t, Overlaps(at(0), at(10), at(5), at(15)))
	assert.True(t, Overlaps(at(0), at(10), at(2), at(3)))
	assert.False(t, Overlaps(at(0), at(10), at(10), at(20)), "touching intervals do not overlap")
	assert.False(t, Overlaps(at(10), at(20), at(0), at(10)))
}
