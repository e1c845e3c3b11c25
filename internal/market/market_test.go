package market

import "testing"

func TestPutCanonicalizesKey(t *testing.T) {
	s := NewStore()

	if _, ok := s.Put(Quote{Symbol: "5.hk", LastDone: 64.2}); !ok {
		t.Fatal("put rejected a valid quote")
	}
	if _, ok := s.Put(Quote{Symbol: "0005.HK", LastDone: 64.3}); !ok {
		t.Fatal("put rejected a valid quote")
	}

	// Both spellings land on the same entry.
	if s.Len() != 1 {
		t.Fatalf("want 1 entry, got %d", s.Len())
	}
	q, ok := s.Get("00005.HK")
	if !ok {
		t.Fatal("lookup by another spelling missed")
	}
	if q.LastDone != 64.3 {
		t.Fatalf("last write should win, got %v", q.LastDone)
	}
	if q.Symbol != "0005.HK" {
		t.Fatalf("stored symbol should be canonical, got %q", q.Symbol)
	}
}

func TestPutRejectsBlankSymbol(t *testing.T) {
	s := NewStore()
	if _, ok := s.Put(Quote{Symbol: "   ", LastDone: 1}); ok {
		t.Fatal("blank symbol should be dropped")
	}
	if s.Len() != 0 {
		t.Fatalf("store should stay empty, got %d", s.Len())
	}
}

func TestGetMiss(t *testing.T) {
	s := NewStore()
	if _, ok := s.Get("700.HK"); ok {
		t.Fatal("unexpected hit on empty store")
	}
}

func TestAllCopies(t *testing.T) {
	s := NewStore()
	s.Put(Quote{Symbol: "AAPL", LastDone: 190.1})
	s.Put(Quote{Symbol: "700.HK", LastDone: 320.4})
	all := s.All()
	if len(all) != 2 {
		t.Fatalf("want 2 quotes, got %d", len(all))
	}
}
