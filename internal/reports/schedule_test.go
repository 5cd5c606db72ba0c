package reports

import (
	"testing"
	"time"
)

func TestParseCronErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"too few fields", "0 8 * *"},
		{"too many fields", "0 8 * * * *"},
		{"minute out of range", "60 * * * *"},
		{"hour out of range", "0 24 * * *"},
		{"bad step", "*/0 * * * *"},
		{"inverted range", "30-10 * * * *"},
		{"garbage", "x * * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCron(tt.expr); err == nil {
				t.Errorf("ParseCron(%q) succeeded", tt.expr)
			}
		})
	}
}

func TestCronNext(t *testing.T) {
	// Monday 2026-03-02 10:17 UTC.
	base := time.Date(2026, 3, 2, 10, 17, 30, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{
			"every minute",
			"* * * * *",
			time.Date(2026, 3, 2, 10, 18, 0, 0, time.UTC),
		},
		{
			"hourly on the half hour",
			"30 * * * *",
			time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC),
		},
		{
			"daily at 08:00, already past",
			"0 8 * * *",
			time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC),
		},
		{
			"weekly on Sunday",
			"0 6 * * 0",
			time.Date(2026, 3, 8, 6, 0, 0, 0, time.UTC),
		},
		{
			"monthly on the 1st",
			"0 0 1 * *",
			time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			"every 15 minutes",
			"*/15 * * * *",
			time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC),
		},
		{
			"range of hours",
			"0 9-17 * * *",
			time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC),
		},
		{
			"comma list",
			"0,20,40 * * * *",
			time.Date(2026, 3, 2, 10, 20, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseCron(tt.expr)
			if err != nil {
				t.Fatalf("ParseCron(%q) = %v", tt.expr, err)
			}
			if got := c.Next(base); !got.Equal(tt.want) {
				t.Errorf("Next() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCronDomDowUnion(t *testing.T) {
	// Classic cron: when both day fields are restricted, either matches.
	c, err := ParseCron("0 0 15 * 1")
	if err != nil {
		t.Fatalf("ParseCron() = %v", err)
	}

	// Sunday 2026-03-08: next fire is Monday the 9th (dow match), not the
	// 15th.
	base := time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)
	want := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	if got := c.Next(base); !got.Equal(want) {
		t.Errorf("Next() = %v, want %v (day-of-week branch)", got, want)
	}

	// Tuesday 2026-03-10: next fire is Sunday the 15th (dom match) since
	// it comes before the following Monday.
	base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	want = time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if got := c.Next(base); !got.Equal(want) {
		t.Errorf("Next() = %v, want %v (day-of-month branch)", got, want)
	}
}

func TestCronTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone database unavailable: %v", err)
	}

	c, err := ParseCron("0 8 * * *")
	if err != nil {
		t.Fatalf("ParseCron() = %v", err)
	}

	base := time.Date(2026, 3, 2, 6, 30, 0, 0, loc)
	next := c.Next(base)
	if next.Hour() != 8 || next.Location() != loc {
		t.Errorf("Next() = %v, want 08:00 in %v", next, loc)
	}
	// 08:00 New York is 13:00 UTC in March (EST ends on the 8th).
	if next.UTC().Hour() != 13 {
		t.Errorf("Next().UTC() hour = %d, want 13", next.UTC().Hour())
	}
}
