// Package snaptime holds the time model shared by the scheduler, the
// engine and the retention planner: the snapshot name conventions, the
// minute-resolution reference clock and the local-midnight floor.
package snaptime

import (
	"fmt"
	"regexp"
	"time"
)

// NameFormat is the long snapshot naming convention, YYYYMMDDHHMM.
const NameFormat = "200601021504"

// legacyFormat is the day-resolution convention, YYYYMMDD, recognised
// for snapshots taken by older releases.
const legacyFormat = "20060102"

var managedRegexp = regexp.MustCompile(`^\d{4}(1[0-2]|0[1-9])(0[1-9]|[12]\d|3[01])(([01]\d|2[0-3])[0-5]\d)?$`)

// Clock provides the current wall-clock instant. The daemon uses the
// system clock; tests inject a fixed one.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real local-time clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always reports the same instant.
type FixedClock struct {
	Instant time.Time
}

func (c FixedClock) Now() time.Time { return c.Instant }

// FormatName renders t as a long-form snapshot name in local time.
func FormatName(t time.Time) string {
	return t.Local().Format(NameFormat)
}

// ParseName parses either naming convention back to an instant in local
// time. Legacy names resolve to midnight of their day.
func ParseName(name string) (time.Time, error) {
	if !IsManaged(name) {
		return time.Time{}, fmt.Errorf("snapshot name %q does not match %s or %s", name, NameFormat, legacyFormat)
	}
	layout := NameFormat
	if len(name) == len(legacyFormat) {
		layout = legacyFormat
	}
	t, err := time.ParseInLocation(layout, name, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("snapshot name %q: %w", name, err)
	}
	return t, nil
}

// IsManaged reports whether name follows one of the two naming
// conventions this daemon owns. Anything else is a foreign snapshot.
func IsManaged(name string) bool {
	return managedRegexp.MatchString(name)
}

// FloorMinute snaps t down to a whole minute. All bucket math uses a
// reference instant floored this way so a clock tie between
// snapshotting and aging is deterministic.
func FloorMinute(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}

// Midnight returns t's day at 00:00 local time.
func Midnight(t time.Time) time.Time {
	t = t.Local()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
