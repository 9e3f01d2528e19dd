package retention

import "testing"

func TestParseSchema(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Schema
		wantErr bool
	}{
		{
			name:  "full schema",
			input: "2k24h7d3w11m4y",
			want:  Schema{Keep: 2, Hours: 24, Days: 7, Weeks: 3, Months: 11, Years: 4},
		},
		{
			name:  "days only",
			input: "7d",
			want:  Schema{Days: 7},
		},
		{
			name:  "classic daily weekly monthly yearly",
			input: "7d3w11m4y",
			want:  Schema{Days: 7, Weeks: 3, Months: 11, Years: 4},
		},
		{
			name:  "keep and hours",
			input: "2k24h",
			want:  Schema{Keep: 2, Hours: 24},
		},
		{
			name:  "all zero",
			input: "0k0h0d0w0m0y",
			want:  Schema{},
		},
		{
			name:    "wrong unit order",
			input:   "7d24h",
			wantErr: true,
		},
		{
			name:    "unknown unit",
			input:   "7d3x",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "bare number",
			input:   "7",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchema(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseSchema(%q) = %+v, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchema(%q) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseSchema(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestSchemaStringCanonical(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"2k24h7d3w11m4y", "2k24h7d3w11m4y"},
		{"0k24h7d0w0m0y", "24h7d"},
		{"7d3w11m4y", "7d3w11m4y"},
		{"0k0h0d0w0m0y", "0d"},
	}

	for _, tt := range tests {
		schema, err := ParseSchema(tt.input)
		if err != nil {
			t.Fatalf("ParseSchema(%q) error: %v", tt.input, err)
		}
		if got := schema.String(); got != tt.want {
			t.Errorf("ParseSchema(%q).String() = %q, want %q", tt.input, got, tt.want)
		}
		// The canonical form must survive another round trip.
		again, err := ParseSchema(schema.String())
		if err != nil {
			t.Fatalf("ParseSchema(%q) error: %v", schema.String(), err)
		}
		if again != schema {
			t.Errorf("round trip of %q changed %+v to %+v", tt.input, schema, again)
		}
	}
}

func TestSchemaBoundaries(t *testing.T) {
	schema := Schema{Keep: 2, Hours: 2, Days: 1}
	edges := schema.boundaries()
	if len(edges) != 3 {
		t.Fatalf("boundaries() returned %d edges, want 3", len(edges))
	}
	wantHours := []int{49, 50, 74}
	for i, edge := range edges {
		if got := int(edge.Hours()); got != wantHours[i] {
			t.Errorf("edge %d = %dh, want %dh", i, got, wantHours[i])
		}
	}
}
