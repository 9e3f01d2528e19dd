package config

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zsnapd/zsnapd/pkg/snaptime"
)

// TriggerValue is the time spec that fires on a .trigger file instead
// of the clock.
const TriggerValue = "trigger"

var (
	hhmmRegexp  = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)
	rangeRegexp = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)\s*-\s*([01]?\d|2[0-3]):([0-5]\d)(\s*/\s*(([01]?\d|2[0-3])(:([0-5]\d))?))?$`)
)

// TimeSpec is a dataset's parsed firing specification: either the
// trigger sentinel, or a sorted list of minute-of-day instants built
// from comma-separated HH:MM values and HH:MM-HH:MM[/interval] ranges.
type TimeSpec struct {
	raw     string
	trigger bool
	minutes []int
}

// ParseTimeSpec parses a time option value. "trigger" cannot be mixed
// with clock times.
func ParseTimeSpec(spec string) (*TimeSpec, error) {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return nil, fmt.Errorf("empty time spec")
	}
	if trimmed == TriggerValue {
		return &TimeSpec{raw: trimmed, trigger: true}, nil
	}
	ts := &TimeSpec{raw: trimmed}
	for _, part := range strings.Split(trimmed, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == TriggerValue:
			return nil, fmt.Errorf("time spec %q: %q cannot be combined with clock times", spec, TriggerValue)
		case hhmmRegexp.MatchString(part):
			ts.minutes = append(ts.minutes, mustMinutes(part))
		case rangeRegexp.MatchString(part):
			expanded, err := expandRange(part)
			if err != nil {
				return nil, fmt.Errorf("time spec %q: %w", spec, err)
			}
			ts.minutes = append(ts.minutes, expanded...)
		default:
			return nil, fmt.Errorf("time spec %q: %q is not HH:MM, HH:MM-HH:MM[/interval] or %q", spec, part, TriggerValue)
		}
	}
	sort.Ints(ts.minutes)
	ts.minutes = dedupInts(ts.minutes)
	return ts, nil
}

func mustMinutes(hhmm string) int {
	h, m, _ := strings.Cut(hhmm, ":")
	hour, _ := strconv.Atoi(h)
	minute, _ := strconv.Atoi(m)
	return hour*60 + minute
}

// expandRange turns HH:MM-HH:MM[/interval] into its instants. The
// interval is hours, or HH:MM; it defaults to one hour. The range end
// is always included.
func expandRange(part string) ([]int, error) {
	bounds, intervalSpec, hasInterval := strings.Cut(part, "/")
	from, to, _ := strings.Cut(bounds, "-")
	start := mustMinutes(strings.TrimSpace(from))
	stop := mustMinutes(strings.TrimSpace(to))
	if stop < start {
		return nil, fmt.Errorf("range %q ends before it starts", part)
	}
	interval := 60
	if hasInterval {
		intervalSpec = strings.TrimSpace(intervalSpec)
		if strings.Contains(intervalSpec, ":") {
			interval = mustMinutes(intervalSpec)
		} else {
			hours, err := strconv.Atoi(intervalSpec)
			if err != nil {
				return nil, fmt.Errorf("range %q has a bad interval: %w", part, err)
			}
			interval = hours * 60
		}
		if interval <= 0 {
			return nil, fmt.Errorf("range %q has a zero interval", part)
		}
	}
	var minutes []int
	for next := start; next < stop; next += interval {
		minutes = append(minutes, next)
	}
	return append(minutes, stop), nil
}

func dedupInts(sorted []int) []int {
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// IsTrigger reports whether the dataset fires on its trigger file.
func (t *TimeSpec) IsTrigger() bool { return t.trigger }

// String returns the raw spec as configured.
func (t *TimeSpec) String() string { return t.raw }

// InstantsOn expands the clock instants onto the calendar day that
// contains day, in local time.
func (t *TimeSpec) InstantsOn(day time.Time) []time.Time {
	midnight := snaptime.Midnight(day)
	instants := make([]time.Time, len(t.minutes))
	for i, m := range t.minutes {
		instants[i] = midnight.Add(time.Duration(m) * time.Minute)
	}
	return instants
}
