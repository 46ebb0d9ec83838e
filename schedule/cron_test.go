package schedule

import (
	"testing"
	"time"
)

func TestParseUTC_Valid(t *testing.T) {
	schedule, err := ParseUTC("*/5 * * * *")
	if err != nil {
		t.Fatalf("ParseUTC error: %v", err)
	}

	next := schedule.Next(time.Date(2026, 2, 20, 10, 2, 0, 0, time.UTC))
	want := time.Date(2026, 2, 20, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next=%s, want=%s", next.Format(time.RFC3339), want.Format(time.RFC3339))
	}
}

func TestParseUTC_Descriptors(t *testing.T) {
	now := time.Date(2026, 2, 20, 10, 2, 30, 0, time.UTC) // a Friday

	tests := []struct {
		expr string
		want time.Time
	}{
		{"@hourly", time.Date(2026, 2, 20, 11, 0, 0, 0, time.UTC)},
		{"@daily", time.Date(2026, 2, 21, 0, 0, 0, 0, time.UTC)},
		{"@midnight", time.Date(2026, 2, 21, 0, 0, 0, 0, time.UTC)},
		{"@weekly", time.Date(2026, 2, 22, 0, 0, 0, 0, time.UTC)},
		{"@monthly", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"@yearly", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"@every 90s", time.Date(2026, 2, 20, 10, 4, 0, 0, time.UTC)},
		{"  @hourly  ", time.Date(2026, 2, 20, 11, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			next, err := NextRunUTC(tt.expr, now)
			if err != nil {
				t.Fatalf("NextRunUTC error: %v", err)
			}
			if !next.Equal(tt.want) {
				t.Errorf("next=%s, want=%s", next.Format(time.RFC3339), tt.want.Format(time.RFC3339))
			}
		})
	}
}

func TestNextRunUTC_NormalizesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*60*60)
	now := time.Date(2026, 2, 20, 15, 2, 0, 0, loc) // 10:02 UTC

	next, err := NextRunUTC("0 12 * * *", now)
	if err != nil {
		t.Fatalf("NextRunUTC error: %v", err)
	}
	want := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) || next.Location() != time.UTC {
		t.Errorf("next=%s, want=%s in UTC", next, want)
	}
}

func TestParseUTC_Rejects(t *testing.T) {
	for _, expr := range []string{
		"",
		"   ",
		"CRON_TZ=America/Los_Angeles * * * * *",
		"TZ=UTC * * * * *",
		"* * * *",
		"0 0 * * * *",
		"61 * * * *",
		"@fortnightly",
		"@every",
		"@every soon",
	} {
		if _, err := ParseUTC(expr); err == nil {
			t.Errorf("ParseUTC(%q) expected error", expr)
		}
	}
}
