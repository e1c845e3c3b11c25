// File: internal/candle/candle.go
package candle

import (
	"fmt"
	"strings"
	"time"
)

// Period identifies the bucket width of a bar series.
type Period string

const (
	Min1   Period = "min1"
	Min5   Period = "min5"
	Min15  Period = "min15"
	Min30  Period = "min30"
	Min60  Period = "min60"
	Min240 Period = "min240"
	Day    Period = "day"
	Week   Period = "week"
	Month  Period = "month"
	Year   Period = "year"
)

var minuteSpans = map[Period]time.Duration{
	Min1:   time.Minute,
	Min5:   5 * time.Minute,
	Min15:  15 * time.Minute,
	Min30:  30 * time.Minute,
	Min60:  time.Hour,
	Min240: 4 * time.Hour,
}

// ParsePeriod validates a period string from config or the API.
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case Min1, Min5, Min15, Min30, Min60, Min240, Day, Week, Month, Year:
		return p, nil
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// BucketStart floors t to the start of its bucket, anchored at local
// midnight in loc. Weeks start on Monday; intraday spans divide the day
// from midnight, so min240 buckets begin at 00/04/08/12/16/20 local.
func (p Period) BucketStart(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	y, m, d := lt.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)
	switch p {
	case Day:
		return midnight
	case Week:
		back := (int(lt.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -back)
	case Month:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	case Year:
		return time.Date(y, 1, 1, 0, 0, 0, 0, loc)
	}
	span := minuteSpans[p]
	if span <= 0 {
		span = time.Minute
	}
	return midnight.Add(lt.Sub(midnight).Truncate(span))
}

// Adjust selects the price adjustment mode a series is fetched under.
type Adjust string

const (
	NoAdjust       Adjust = "no_adjust"
	ForwardAdjust  Adjust = "forward_adjust"
	BackwardAdjust Adjust = "backward_adjust"
)

// ParseAdjust validates an adjust-type string from config or the API.
func ParseAdjust(s string) (Adjust, error) {
	a := Adjust(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case NoAdjust, ForwardAdjust, BackwardAdjust:
		return a, nil
	}
	return "", fmt.Errorf("unknown adjust type %q", s)
}

// Bar is one OHLCV bucket. Ts is the bucket start in epoch seconds.
type Bar struct {
	Ts     int64   `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Time returns the bucket start.
func (b Bar) Time() time.Time {
	return time.Unix(b.Ts, 0)
}
