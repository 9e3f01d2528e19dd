package config

import (
	"testing"
	"time"
)

func TestParseTimeSpec(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantTrigger bool
		wantMinutes []int
		wantErr     bool
	}{
		{
			name:        "single time",
			input:       "21:00",
			wantMinutes: []int{21 * 60},
		},
		{
			name:        "comma list",
			input:       "08:00, 12:30, 21:00",
			wantMinutes: []int{8 * 60, 12*60 + 30, 21 * 60},
		},
		{
			name:        "trigger",
			input:       "trigger",
			wantTrigger: true,
		},
		{
			name:        "range default hourly",
			input:       "09:00-12:00",
			wantMinutes: []int{9 * 60, 10 * 60, 11 * 60, 12 * 60},
		},
		{
			name:        "range with hour interval",
			input:       "09:00-17:00/4",
			wantMinutes: []int{9 * 60, 13 * 60, 17 * 60},
		},
		{
			name:        "range with HH:MM interval",
			input:       "09:00-10:00/00:30",
			wantMinutes: []int{9 * 60, 9*60 + 30, 10 * 60},
		},
		{
			name:        "list with range and duplicates",
			input:       "10:00, 09:00-11:00",
			wantMinutes: []int{9 * 60, 10 * 60, 11 * 60},
		},
		{
			name:    "trigger mixed with time",
			input:   "trigger, 21:00",
			wantErr: true,
		},
		{
			name:    "reversed range",
			input:   "12:00-09:00",
			wantErr: true,
		},
		{
			name:    "bad minutes",
			input:   "21:70",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseTimeSpec(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseTimeSpec(%q) succeeded, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTimeSpec(%q) error: %v", tt.input, err)
			}
			if spec.IsTrigger() != tt.wantTrigger {
				t.Errorf("IsTrigger() = %v, want %v", spec.IsTrigger(), tt.wantTrigger)
			}
			if len(spec.minutes) != len(tt.wantMinutes) {
				t.Fatalf("minutes = %v, want %v", spec.minutes, tt.wantMinutes)
			}
			for i, m := range tt.wantMinutes {
				if spec.minutes[i] != m {
					t.Fatalf("minutes = %v, want %v", spec.minutes, tt.wantMinutes)
				}
			}
		})
	}
}

func TestInstantsOn(t *testing.T) {
	spec, err := ParseTimeSpec("06:15, 21:00")
	if err != nil {
		t.Fatal(err)
	}
	day := time.Date(2024, time.June, 15, 13, 42, 7, 0, time.Local)
	instants := spec.InstantsOn(day)
	want := []time.Time{
		time.Date(2024, time.June, 15, 6, 15, 0, 0, time.Local),
		time.Date(2024, time.June, 15, 21, 0, 0, 0, time.Local),
	}
	if len(instants) != len(want) {
		t.Fatalf("InstantsOn = %v, want %v", instants, want)
	}
	for i := range want {
		if !instants[i].Equal(want[i]) {
			t.Errorf("instant %d = %v, want %v", i, instants[i], want[i])
		}
	}
}
