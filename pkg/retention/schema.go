// Package retention implements the tiered aging schema and the planner
// that decides which snapshots survive a clean.
package retention

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Unit lengths. Weeks, months and years are fixed multiples of a day so
// bucket edges never depend on the calendar.
const (
	hourLength  = time.Hour
	dayLength   = 24 * time.Hour
	weekLength  = 7 * dayLength
	monthLength = 30 * dayLength
	yearLength  = 12 * monthLength
)

var schemaRegexp = regexp.MustCompile(`^(?:(\d+)k)?(?:(\d+)h)?(?:(\d+)d)?(?:(\d+)w)?(?:(\d+)m)?(?:(\d+)y)?$`)

// Schema is an ordered vector of retention buckets. Keep counts days in
// which nothing is ever destroyed; the remaining units each contribute
// that many contiguous buckets of their unit length.
type Schema struct {
	Keep   int
	Hours  int
	Days   int
	Weeks  int
	Months int
	Years  int
}

// ParseSchema parses a schema string such as "2k24h7d3w11m4y". Units
// must appear in k, h, d, w, m, y order; absent units are zero. At
// least one unit must be present.
func ParseSchema(s string) (Schema, error) {
	if s == "" {
		return Schema{}, fmt.Errorf("empty retention schema")
	}
	m := schemaRegexp.FindStringSubmatch(s)
	if m == nil {
		return Schema{}, fmt.Errorf("invalid retention schema %q: units must appear in k,h,d,w,m,y order", s)
	}
	var schema Schema
	for i, field := range []*int{&schema.Keep, &schema.Hours, &schema.Days, &schema.Weeks, &schema.Months, &schema.Years} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Schema{}, fmt.Errorf("invalid retention schema %q: %w", s, err)
		}
		*field = n
	}
	return schema, nil
}

// String emits the canonical form: units in fixed order, zero units
// omitted. The all-zero schema renders as "0d".
func (s Schema) String() string {
	var b strings.Builder
	for _, part := range []struct {
		count int
		unit  byte
	}{
		{s.Keep, 'k'}, {s.Hours, 'h'}, {s.Days, 'd'},
		{s.Weeks, 'w'}, {s.Months, 'm'}, {s.Years, 'y'},
	} {
		if part.count == 0 {
			continue
		}
		b.WriteString(strconv.Itoa(part.count))
		b.WriteByte(part.unit)
	}
	if b.Len() == 0 {
		return "0d"
	}
	return b.String()
}

// keepSpan is the duration behind the reference instant in which every
// snapshot is kept unconditionally.
func (s Schema) keepSpan() time.Duration {
	return time.Duration(s.Keep) * dayLength
}

// boundaries returns the cumulative bucket edges behind the keep span,
// oldest last. A snapshot of age a (relative to the reference instant)
// lands in the first bucket whose edge is > a; an age exactly on an
// edge rolls past it into the older bucket.
func (s Schema) boundaries() []time.Duration {
	edges := make([]time.Duration, 0, s.Hours+s.Days+s.Weeks+s.Months+s.Years)
	offset := s.keepSpan()
	for _, unit := range []struct {
		count  int
		length time.Duration
	}{
		{s.Hours, hourLength}, {s.Days, dayLength}, {s.Weeks, weekLength},
		{s.Months, monthLength}, {s.Years, yearLength},
	} {
		for i := 0; i < unit.count; i++ {
			offset += unit.length
			edges = append(edges, offset)
		}
	}
	return edges
}

// keepLimit is the age below which a snapshot is kept unconditionally:
// the keep span, extended over the first interval of the walk when the
// keep span itself is empty. Everything inside it falls in no bucket.
func (s Schema) keepLimit() time.Duration {
	if s.Keep > 0 {
		return s.keepSpan()
	}
	switch {
	case s.Hours > 0:
		return hourLength
	case s.Days > 0:
		return dayLength
	case s.Weeks > 0:
		return weekLength
	case s.Months > 0:
		return monthLength
	case s.Years > 0:
		return yearLength
	}
	return 0
}
