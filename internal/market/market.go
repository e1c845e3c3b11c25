// File: internal/market/market.go
package market

import (
	"sync"

	"candleboard/internal/symbol"
)

// Quote is the latest-known trade snapshot for one instrument, in the
// shape the stream publishes it. Volume and turnover are session-cumulative
// totals, not deltas.
type Quote struct {
	Symbol     string  `json:"symbol"`
	LastDone   float64 `json:"last_done"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Volume     float64 `json:"volume"` // may arrive non-integer
	Turnover   float64 `json:"turnover"`
	Timestamp  int64   `json:"timestamp"` // epoch seconds
	ChangeRate float64 `json:"change_rate"`
	ChangeVal  float64 `json:"change_value"`
}

// Store keeps the most recent quote per canonical symbol. Last write wins;
// the feed's own sequencing is deliberately not enforced here, since an
// out-of-order tick is visually transient and self-corrects on the next one.
type Store struct {
	mu    sync.RWMutex
	bySym map[string]Quote
}

func NewStore() *Store {
	return &Store{bySym: make(map[string]Quote)}
}

// Put stores q under the canonical form of its symbol and returns the
// quote as stored. Quotes whose symbol canonicalizes to "" are dropped.
func (s *Store) Put(q Quote) (Quote, bool) {
	key := symbol.Canonicalize(q.Symbol)
	if key == "" {
		return Quote{}, false
	}
	q.Symbol = key
	s.mu.Lock()
	s.bySym[key] = q
	s.mu.Unlock()
	return q, true
}

// Get looks up the latest quote for any spelling of sym.
func (s *Store) Get(sym string) (Quote, bool) {
	key := symbol.Canonicalize(sym)
	s.mu.RLock()
	q, ok := s.bySym[key]
	s.mu.RUnlock()
	return q, ok
}

// All returns every stored quote, unordered.
func (s *Store) All() []Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Quote, 0, len(s.bySym))
	for _, q := range s.bySym {
		out = append(out, q)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySym)
}
