package timeparsing

import (
	"testing"
	"time"
)

func TestParseCompactDuration(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		input   string
		want    time.Time
		wantErr bool
	}{
		{input: "+6h", want: time.Date(2026, 6, 15, 18, 0, 0, 0, time.UTC)},
		{input: "-6h", want: time.Date(2026, 6, 15, 6, 0, 0, 0, time.UTC)},
		{input: "+1d", want: time.Date(2026, 6, 16, 12, 0, 0, 0, time.UTC)},
		{input: "+2w", want: time.Date(2026, 6, 29, 12, 0, 0, 0, time.UTC)},
		{input: "3m", want: time.Date(2026, 9, 15, 12, 0, 0, 0, time.UTC)},
		{input: "1y", want: time.Date(2027, 6, 15, 12, 0, 0, 0, time.UTC)},
		{input: "-1d", want: time.Date(2026, 6, 14, 12, 0, 0, 0, time.UTC)},
		{input: "6h+", wantErr: true},
		{input: "++1d", wantErr: true},
		{input: "1x", wantErr: true},
		{input: "6", wantErr: true},
		{input: "h", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCompactDuration(tt.input, now)
			if tt.wantErr {
				if err == nil {
					t.Errorf("want error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseAbsolute(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

	got, err := Parse("2026-08-24T09:30:00Z", now)
	if err != nil {
		t.Fatalf("RFC3339: %v", err)
	}
	if !got.Equal(time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("got %v", got)
	}

	got, err = Parse("2026-12-01", now)
	if err != nil {
		t.Fatalf("date-only: %v", err)
	}
	if got.Year() != 2026 || got.Month() != time.December || got.Day() != 1 {
		t.Errorf("got %v", got)
	}
}

func TestParseNaturalLanguage(t *testing.T) {
	// Wednesday.
	now := time.Date(2026, 1, 14, 10, 0, 0, 0, time.UTC)

	got, err := Parse("tomorrow", now)
	if err != nil {
		t.Fatalf("tomorrow: %v", err)
	}
	if got.Day() != 15 {
		t.Errorf("tomorrow = %v", got)
	}

	got, err = Parse("next friday", now)
	if err != nil {
		t.Fatalf("next friday: %v", err)
	}
	if got.Weekday() != time.Friday {
		t.Errorf("next friday = %v (%v)", got, got.Weekday())
	}

	if _, err := Parse("utter gibberish zzz", now); err == nil {
		t.Error("gibberish should not parse")
	}
}
