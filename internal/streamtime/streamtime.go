// Package streamtime converts between wall-clock time and the event stream
// engine's fixed-point timestamps: the number of 100ns ticks since the UTC epoch.
package streamtime

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Timestamp counts 100-nanosecond ticks since 1970-01-01T00:00:00Z.
type Timestamp int64

const (
	// TicksPerSecond is the number of ticks in one second.
	TicksPerSecond = 10_000_000
	nanosPerTick   = 100
)

// Epoch is the UTC epoch that tick zero refers to.
var Epoch = time.Unix(0, 0).UTC()

// ErrInvalidSeconds is returned for epoch seconds that cannot be expressed in ticks.
var ErrInvalidSeconds = errors.New("invalid epoch seconds")

// NowFunc is the clock used by Now.
var NowFunc = time.Now

// naive layouts carry no zone; they are interpreted in the assumed location.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ToTicks converts an instant to ticks. Sub-tick precision is floored.
func ToTicks(t time.Time) Timestamp {
	return Timestamp(t.Unix()*TicksPerSecond + int64(t.Nanosecond()/nanosPerTick))
}

// ParseInstant parses an RFC3339 instant, or a naive one without zone offset.
// Naive instants are interpreted in assumed, which defaults to UTC.
func ParseInstant(s string, assumed *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if assumed == nil {
		assumed = time.UTC
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, assumed); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid instant %q", s)
}

// ToInstant converts ticks back to a UTC instant.
func ToInstant(ts Timestamp) time.Time {
	secs := int64(ts) / TicksPerSecond
	rem := int64(ts) % TicksPerSecond
	return time.Unix(secs, rem*nanosPerTick).UTC()
}

// Time is shorthand for ToInstant(ts).
func (ts Timestamp) Time() time.Time { return ToInstant(ts) }

func (ts Timestamp) String() string {
	return fmt.Sprintf("%d", int64(ts))
}

// TicksFromEpochSeconds converts fractional epoch seconds to ticks,
// truncating toward zero.
func TicksFromEpochSeconds(seconds float64) (Timestamp, error) {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSeconds, seconds)
	}
	ticks := math.Trunc(seconds * TicksPerSecond)
	if ticks >= math.MaxInt64 || ticks < math.MinInt64 {
		return 0, fmt.Errorf("%w: %v out of range", ErrInvalidSeconds, seconds)
	}
	return Timestamp(ticks), nil
}

// EpochSecondsFromTicks returns ticks as fractional epoch seconds.
func EpochSecondsFromTicks(ts Timestamp) float64 {
	return float64(ts) * 1e-7
}

// EpochSeconds returns whole epoch seconds, truncated toward zero.
func EpochSeconds(ts Timestamp) int64 {
	return int64(ts) / TicksPerSecond
}

// Now returns the current instant in ticks.
func Now() Timestamp {
	return ToTicks(NowFunc().UTC())
}

// DurationToTicks expresses d in tick units, as an offset from the epoch.
func DurationToTicks(d time.Duration) Timestamp {
	return ToTicks(Epoch.Add(d))
}

// IsReservedKey reports whether key belongs to the stream engine's namespace.
func IsReservedKey(key string) bool {
	return key != "" && key[0] == '@'
}
