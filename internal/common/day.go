package common

import (
	"fmt"
	"time"
)

// DayLayout is the format of a day bucket key
const DayLayout = "2006-01-02"

// DayBucket returns the logical day a timestamp belongs to.
// Timestamps before startHour (local time) belong to the previous calendar day.
// Every component computes the bucket through this function; it is never read back as input.
func DayBucket(t time.Time, startHour int) string {
	return t.Local().Add(-time.Duration(startHour) * time.Hour).Format(DayLayout)
}

// DayRange returns the half-open interval [start, end) covered by a day bucket
func DayRange(day string, startHour int) (time.Time, time.Time, error) {
	d, err := time.ParseInLocation(DayLayout, day, time.Local)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid day %q (expected YYYY-MM-DD): %w", day, err)
	}
	start := time.Date(d.Year(), d.Month(), d.Day(), startHour, 0, 0, 0, time.Local)
	end := time.Date(d.Year(), d.Month(), d.Day()+1, startHour, 0, 0, 0, time.Local)
	return start, end, nil
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// ClampTime bounds t to [min, max]
func ClampTime(t, min, max time.Time) time.Time {
	if t.Before(min) {
		return min
	}
	if t.After(max) {
		return max
	}
	return t
}
