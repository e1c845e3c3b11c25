// File: internal/candle/store.go
package candle

import (
	"math"
	"sort"
	"sync"
	"time"

	"candleboard/internal/market"
)

// maxSeriesLen bounds one series in memory, roughly a week of 1-minute bars.
const maxSeriesLen = 2000

// Key identifies one series. Symbol must already be canonical.
type Key struct {
	Symbol string
	Period Period
	Adjust Adjust
}

// Store holds bar series keyed by (symbol, period, adjust). Committed
// historical bars are immutable; only the last bar of a series is ever
// updated in place, and bucket start times are strictly increasing.
type Store struct {
	mu     sync.RWMutex
	series map[Key][]Bar
	loc    *time.Location
}

func NewStore(loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{series: make(map[Key][]Bar), loc: loc}
}

// Replace installs bars as the full series for key. Input order is not
// trusted: bars are sorted ascending by bucket time and an exact-time
// collision keeps whichever entry came later in the input.
func (s *Store) Replace(key Key, bars []Bar) []Bar {
	sorted := append([]Bar(nil), bars...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Ts < sorted[j].Ts })
	out := sorted[:0]
	for _, b := range sorted {
		if n := len(out); n > 0 && out[n-1].Ts == b.Ts {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	if len(out) > maxSeriesLen {
		out = out[len(out)-maxSeriesLen:]
	}
	s.mu.Lock()
	s.series[key] = out
	s.mu.Unlock()
	return append([]Bar(nil), out...)
}

// ApplyQuote merges one live quote into the series for key. The bucket is
// derived from now, not from the quote's own timestamp. The bool reports
// whether a new bar was appended rather than the last bar updated. Applying
// the same quote twice leaves the series unchanged after the first call.
func (s *Store) ApplyQuote(key Key, q market.Quote, now time.Time) (Bar, bool) {
	bucket := key.Period.BucketStart(now, s.loc).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	bars := s.series[key]
	if n := len(bars); n == 0 || bars[n-1].Ts < bucket {
		nb := seedBar(q, bucket)
		bars = append(bars, nb)
		if len(bars) > maxSeriesLen {
			bars = bars[len(bars)-maxSeriesLen:]
		}
		s.series[key] = bars
		return nb, true
	}

	last := &bars[len(bars)-1]
	if q.LastDone > last.High {
		last.High = q.LastDone
	}
	if q.LastDone < last.Low {
		last.Low = q.LastDone
	}
	last.Close = q.LastDone
	// The feed reports session-cumulative volume: it replaces, never adds,
	// and only on the bar currently being built.
	if q.Volume > 0 && last.Ts == bucket {
		last.Volume = int64(math.Round(q.Volume))
	}
	return *last, false
}

// seedBar builds the first bar of a bucket from a quote. Session
// open/high/low seed the bar when the feed supplies them; the last trade
// always wins the close and widens high/low so low <= open,close <= high
// holds regardless of what the session fields claim.
func seedBar(q market.Quote, ts int64) Bar {
	last := q.LastDone
	b := Bar{Ts: ts, Open: last, High: last, Low: last, Close: last}
	if q.Open > 0 {
		b.Open = q.Open
	}
	if q.High > 0 {
		b.High = q.High
	}
	if q.Low > 0 {
		b.Low = q.Low
	}
	if b.Open > b.High {
		b.High = b.Open
	}
	if b.Open < b.Low {
		b.Low = b.Open
	}
	if last > b.High {
		b.High = last
	}
	if last < b.Low {
		b.Low = last
	}
	if q.Volume > 0 {
		b.Volume = int64(math.Round(q.Volume))
	}
	return b
}

// Bars returns a copy of the series for key.
func (s *Store) Bars(key Key) []Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Bar(nil), s.series[key]...)
}

// Len reports the number of bars stored for key.
func (s *Store) Len(key Key) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series[key])
}

// Drop removes the series for key. The coordinator drops the previous
// selection's series when the user switches away.
func (s *Store) Drop(key Key) {
	s.mu.Lock()
	delete(s.series, key)
	s.mu.Unlock()
}
