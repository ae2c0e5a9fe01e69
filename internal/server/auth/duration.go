package auth

import (
	"math"
	"strconv"
	"time"
)

const (
	// DefaultDurationSeconds is what ParseDuration returns for input it cannot read.
	DefaultDurationSeconds = 900

	// defaultApplyDays is what ApplyDuration adds for input it cannot read.
	defaultApplyDays = 7
)

var unitSeconds = map[byte]int{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
}

// splitDuration reads "<int><unit>". ok is false for anything else.
func splitDuration(spec string) (n int, unit byte, ok bool) {
	if len(spec) < 2 {
		return 0, 0, false
	}
	unit = spec[len(spec)-1]
	if _, known := unitSeconds[unit]; !known {
		return 0, 0, false
	}
	digits := spec[:len(spec)-1]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, 0, false
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, 0, false
	}
	return n, unit, true
}

// maxSeconds is the largest span a time.Duration can hold.
const maxSeconds = math.MaxInt64 / int64(time.Second)

// toSeconds reports false when n units do not fit in a time.Duration.
func toSeconds(n int, unit byte) (int, bool) {
	per := int64(unitSeconds[unit])
	if int64(n) > maxSeconds/per {
		return 0, false
	}
	return n * unitSeconds[unit], true
}

// ParseDuration converts a compact duration such as "15m" or "7d" into
// seconds. Unknown units, unparsable numbers and spans too large for a
// time.Duration yield DefaultDurationSeconds instead of an error.
func ParseDuration(spec string) int {
	n, unit, ok := splitDuration(spec)
	if !ok {
		return DefaultDurationSeconds
	}
	secs, ok := toSeconds(n, unit)
	if !ok {
		return DefaultDurationSeconds
	}
	return secs
}

// ApplyDuration returns base moved forward by spec. Days are calendar days
// and hours are wall-clock hours; seconds and minutes are added as seconds.
// Input it cannot read, or a span too large for a time.Duration, moves base
// forward by seven calendar days.
func ApplyDuration(base time.Time, spec string) time.Time {
	n, unit, ok := splitDuration(spec)
	if !ok {
		return base.AddDate(0, 0, defaultApplyDays)
	}
	if unit == 'd' {
		return base.AddDate(0, 0, n)
	}
	secs, ok := toSeconds(n, unit)
	if !ok {
		return base.AddDate(0, 0, defaultApplyDays)
	}
	return base.Add(time.Duration(secs) * time.Second)
}
