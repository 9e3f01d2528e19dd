package snaptime

import (
	"testing"
	"time"
)

func TestFormatParseRoundTrip(t *testing.T) {
	instants := []time.Time{
		time.Date(2024, time.January, 1, 21, 0, 0, 0, time.Local),
		time.Date(2024, time.December, 31, 23, 59, 0, 0, time.Local),
		time.Date(2024, time.February, 29, 0, 0, 0, 0, time.Local),
	}
	for _, instant := range instants {
		name := FormatName(instant)
		parsed, err := ParseName(name)
		if err != nil {
			t.Fatalf("ParseName(%q) error: %v", name, err)
		}
		if !parsed.Equal(instant) {
			t.Errorf("round trip of %v via %q gave %v", instant, name, parsed)
		}
	}
}

func TestParseNameLegacy(t *testing.T) {
	parsed, err := ParseName("20240115")
	if err != nil {
		t.Fatalf("ParseName legacy error: %v", err)
	}
	want := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.Local)
	if !parsed.Equal(want) {
		t.Errorf("ParseName(20240115) = %v, want %v", parsed, want)
	}
}

func TestIsManaged(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"202401012100", true},
		{"20240101", true},
		{"202413012100", false}, // month 13
		{"202401322100", false}, // day 32
		{"202401012460", false}, // hour 24
		{"2024010121", false},   // ten digits
		{"manual-before-migration", false},
		{"zrepl_20240101_120000", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsManaged(tt.name); got != tt.want {
			t.Errorf("IsManaged(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFloorMinute(t *testing.T) {
	instant := time.Date(2024, time.June, 15, 10, 30, 42, 999, time.Local)
	want := time.Date(2024, time.June, 15, 10, 30, 0, 0, time.Local)
	if got := FloorMinute(instant); !got.Equal(want) {
		t.Errorf("FloorMinute = %v, want %v", got, want)
	}
}

func TestMidnight(t *testing.T) {
	instant := time.Date(2024, time.June, 15, 10, 30, 0, 0, time.Local)
	want := time.Date(2024, time.June, 15, 0, 0, 0, 0, time.Local)
	if got := Midnight(instant); !got.Equal(want) {
		t.Errorf("Midnight = %v, want %v", got, want)
	}
}
