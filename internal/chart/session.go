// File: internal/chart/session.go
package chart

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"candleboard/internal/candle"
	"candleboard/internal/market"
	"candleboard/internal/symbol"
)

// HistoryAPI is the slice of the market-data service the session needs.
type HistoryAPI interface {
	Bars(ctx context.Context, symbol string, period candle.Period, adjust candle.Adjust, limit int) ([]candle.Bar, error)
	Sync(ctx context.Context, symbols []string, period candle.Period, adjust candle.Adjust, count int) (map[string]int, error)
	Watch(ctx context.Context, symbols ...string) error
}

// Selection is the (symbol, period, adjust) triple on screen right now.
type Selection struct {
	Symbol string        `json:"symbol"`
	Period candle.Period `json:"period"`
	Adjust candle.Adjust `json:"adjust_type"`
}

func (sel Selection) key() candle.Key {
	return candle.Key{Symbol: sel.Symbol, Period: sel.Period, Adjust: sel.Adjust}
}

// Session reconciles historical loads with live ticks for one viewing
// selection. Every load is tagged with a monotonically increasing token at
// dispatch and only the newest dispatch may commit, so a slow response can
// never overwrite the series of a selection the user has moved on from.
type Session struct {
	log    *logrus.Logger
	api    HistoryAPI
	bars   *candle.Store
	quotes *market.Store
	limit  int
	now    func() time.Time

	mu    sync.Mutex
	sel   Selection
	token uint64
}

// Option is a configuration option for the session.
type Option func(*Session)

// WithNow injects the clock used to bucket live ticks.
func WithNow(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithLimit sets how many bars a historical load requests.
func WithLimit(limit int) Option {
	return func(s *Session) {
		if limit > 0 {
			s.limit = limit
		}
	}
}

func New(api HistoryAPI, bars *candle.Store, quotes *market.Store, log *logrus.Logger, opts ...Option) *Session {
	if log == nil {
		log = logrus.New()
	}
	s := &Session{
		log:    log,
		api:    api,
		bars:   bars,
		quotes: quotes,
		limit:  500,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select switches the viewing selection and loads its history. The symbol
// may arrive in any spelling; period and adjust must already be parsed.
func (s *Session) Select(ctx context.Context, rawSymbol string, period candle.Period, adjust candle.Adjust) error {
	sym := symbol.Canonicalize(rawSymbol)
	if sym == "" {
		return fmt.Errorf("chart: empty symbol")
	}
	next := Selection{Symbol: sym, Period: period, Adjust: adjust}

	s.mu.Lock()
	prev := s.sel
	s.sel = next
	s.token++
	tok := s.token
	if prev != (Selection{}) && prev != next {
		s.bars.Drop(prev.key())
	}
	s.mu.Unlock()

	// Subscription state lives server side; this only makes sure the feed
	// carries the symbol. History still loads when it fails.
	if err := s.api.Watch(ctx, sym); err != nil {
		s.log.WithError(err).WithField("symbol", sym).Warn("watchlist ensure failed")
	}

	return s.load(ctx, tok, next)
}

// Reload re-dispatches the current selection's historical load. This is
// the retry affordance behind the fetch-failure banner.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	sel := s.sel
	if sel == (Selection{}) {
		s.mu.Unlock()
		return fmt.Errorf("chart: nothing selected")
	}
	s.token++
	tok := s.token
	s.mu.Unlock()
	return s.load(ctx, tok, sel)
}

// load fetches bars and commits them only if tok is still the newest
// dispatch. An empty fetch triggers exactly one backfill sync followed by
// one re-fetch, whatever that second fetch returns.
func (s *Session) load(ctx context.Context, tok uint64, sel Selection) error {
	bars, err := s.api.Bars(ctx, sel.Symbol, sel.Period, sel.Adjust, s.limit)
	if err != nil {
		return fmt.Errorf("load %s %s: %w", sel.Symbol, sel.Period, err)
	}
	if len(bars) == 0 {
		processed, err := s.api.Sync(ctx, []string{sel.Symbol}, sel.Period, sel.Adjust, s.limit)
		if err != nil {
			return fmt.Errorf("backfill %s %s: %w", sel.Symbol, sel.Period, err)
		}
		s.log.WithFields(logrus.Fields{
			"symbol":    sel.Symbol,
			"period":    sel.Period,
			"processed": processed[sel.Symbol],
		}).Info("history backfill requested")
		if bars, err = s.api.Bars(ctx, sel.Symbol, sel.Period, sel.Adjust, s.limit); err != nil {
			return fmt.Errorf("load %s %s after backfill: %w", sel.Symbol, sel.Period, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok != s.token {
		s.log.WithFields(logrus.Fields{"token": tok, "latest": s.token}).Debug("stale history response discarded")
		return nil
	}
	s.bars.Replace(sel.key(), bars)
	s.log.WithFields(logrus.Fields{
		"symbol": sel.Symbol,
		"period": sel.Period,
		"bars":   len(bars),
	}).Info("history committed")
	return nil
}

// Apply ingests one live quote. The quote store always takes it; the bar
// series merges it only when the quote names the current selection. The
// returned Selection is the one the merge was judged against, so callers
// label the bar with it rather than re-reading the selection afterwards.
func (s *Session) Apply(q market.Quote) (market.Quote, candle.Bar, Selection, bool) {
	stored, ok := s.quotes.Put(q)
	if !ok {
		return market.Quote{}, candle.Bar{}, Selection{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sel := s.sel
	if sel.Symbol == "" || stored.Symbol != sel.Symbol || stored.LastDone <= 0 {
		return stored, candle.Bar{}, sel, false
	}
	bar, _ := s.bars.ApplyQuote(sel.key(), stored, s.now())
	return stored, bar, sel, true
}

// Selection returns the current viewing selection.
func (s *Session) Selection() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel
}

// Bars snapshots the current selection's series.
func (s *Session) Bars() []candle.Bar {
	s.mu.Lock()
	sel := s.sel
	s.mu.Unlock()
	if sel == (Selection{}) {
		return nil
	}
	return s.bars.Bars(sel.key())
}

// Quote returns the latest quote for the current selection.
func (s *Session) Quote() (market.Quote, bool) {
	s.mu.Lock()
	sel := s.sel
	s.mu.Unlock()
	if sel.Symbol == "" {
		return market.Quote{}, false
	}
	return s.quotes.Get(sel.Symbol)
}
