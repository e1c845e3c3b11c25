package candle

import (
	"testing"
	"time"
)

func hk(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Hong_Kong")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}
	return loc
}

func TestBucketStart(t *testing.T) {
	loc := hk(t)
	at := time.Date(2026, 8, 21, 10, 47, 33, 0, loc) // a Friday

	cases := []struct {
		period Period
		want   time.Time
	}{
		{Min1, time.Date(2026, 8, 21, 10, 47, 0, 0, loc)},
		{Min5, time.Date(2026, 8, 21, 10, 45, 0, 0, loc)},
		{Min15, time.Date(2026, 8, 21, 10, 45, 0, 0, loc)},
		{Min30, time.Date(2026, 8, 21, 10, 30, 0, 0, loc)},
		{Min60, time.Date(2026, 8, 21, 10, 0, 0, 0, loc)},
		{Min240, time.Date(2026, 8, 21, 8, 0, 0, 0, loc)},
		{Day, time.Date(2026, 8, 21, 0, 0, 0, 0, loc)},
		{Week, time.Date(2026, 8, 17, 0, 0, 0, 0, loc)}, // Monday
		{Month, time.Date(2026, 8, 1, 0, 0, 0, 0, loc)},
		{Year, time.Date(2026, 1, 1, 0, 0, 0, 0, loc)},
	}
	for _, c := range cases {
		if got := c.period.BucketStart(at, loc); !got.Equal(c.want) {
			t.Fatalf("%s bucket of %s = %s, want %s", c.period, at, got, c.want)
		}
	}
}

func TestBucketStartWeekFromSunday(t *testing.T) {
	loc := hk(t)
	sun := time.Date(2026, 8, 23, 15, 0, 0, 0, loc)
	want := time.Date(2026, 8, 17, 0, 0, 0, 0, loc)
	if got := Week.BucketStart(sun, loc); !got.Equal(want) {
		t.Fatalf("week bucket of Sunday = %s, want %s", got, want)
	}
}

func TestBucketStartMin240Edges(t *testing.T) {
	loc := hk(t)
	early := time.Date(2026, 8, 21, 2, 59, 59, 0, loc)
	if got := Min240.BucketStart(early, loc); !got.Equal(time.Date(2026, 8, 21, 0, 0, 0, 0, loc)) {
		t.Fatalf("02:59 bucket = %s", got)
	}
	late := time.Date(2026, 8, 21, 23, 59, 0, 0, loc)
	if got := Min240.BucketStart(late, loc); !got.Equal(time.Date(2026, 8, 21, 20, 0, 0, 0, loc)) {
		t.Fatalf("23:59 bucket = %s", got)
	}
}

func TestBucketStartConvertsZone(t *testing.T) {
	loc := hk(t)
	// 02:30 UTC is 10:30 in Hong Kong; the bucket must be computed in loc.
	at := time.Date(2026, 8, 21, 2, 30, 0, 0, time.UTC)
	want := time.Date(2026, 8, 21, 0, 0, 0, 0, loc)
	if got := Day.BucketStart(at, loc); !got.Equal(want) {
		t.Fatalf("day bucket of %s = %s, want %s", at, got, want)
	}
}

func TestParsePeriod(t *testing.T) {
	for _, s := range []string{"min1", "min5", "min15", "min30", "min60", "min240", "day", "week", "month", "year"} {
		p, err := ParsePeriod(s)
		if err != nil {
			t.Fatalf("ParsePeriod(%q): %v", s, err)
		}
		if string(p) != s {
			t.Fatalf("ParsePeriod(%q) = %q", s, p)
		}
	}
	if p, err := ParsePeriod(" DAY "); err != nil || p != Day {
		t.Fatalf("ParsePeriod should normalize case/space, got %q, %v", p, err)
	}
	if _, err := ParsePeriod("min2"); err == nil {
		t.Fatal("ParsePeriod accepted an unknown period")
	}
	if _, err := ParsePeriod(""); err == nil {
		t.Fatal("ParsePeriod accepted empty input")
	}
}

func TestParseAdjust(t *testing.T) {
	for _, s := range []string{"no_adjust", "forward_adjust", "backward_adjust"} {
		a, err := ParseAdjust(s)
		if err != nil {
			t.Fatalf("ParseAdjust(%q): %v", s, err)
		}
		if string(a) != s {
			t.Fatalf("ParseAdjust(%q) = %q", s, a)
		}
	}
	if _, err := ParseAdjust("split_adjust"); err == nil {
		t.Fatal("ParseAdjust accepted an unknown mode")
	}
}

func TestBarTime(t *testing.T) {
	b := Bar{Ts: 1755740820}
	if got := b.Time().Unix(); got != 1755740820 {
		t.Fatalf("Time().Unix() = %d", got)
	}
}
