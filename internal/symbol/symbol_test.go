package symbol

import "testing"

func TestCanonicalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"5.HK", "0005.HK"},
		{"0005.HK", "0005.HK"},
		{"00700.hk", "0700.HK"},
		{" 700.HK ", "0700.HK"},
		{"9988.hk", "9988.HK"},
		{"12345.HK", "12345.HK"}, // five-digit codes keep their width
		{"aapl", "AAPL"},
		{" brk.a ", "BRK.A"},
		{"ABC.HK", "ABC.HK"}, // non-numeric prefix, no padding
		{"-5.HK", "-5.HK"},
		{".HK", ".HK"},
		{"", ""},
		{"   ", ""},
	}
	for _, c := range cases {
		if got := Canonicalize(c.in); got != c.want {
			t.Fatalf("Canonicalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	for _, in := range []string{"5.HK", "0005.HK", "00700.hk", "aapl", "BRK.A", "", "12345.HK", "ABC.HK"} {
		once := Canonicalize(in)
		if twice := Canonicalize(once); twice != once {
			t.Fatalf("Canonicalize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestCanonicalizeEquivalence(t *testing.T) {
	if Canonicalize("5.HK") != Canonicalize("0005.HK") {
		t.Fatalf("spellings of the same instrument diverge: %q vs %q",
			Canonicalize("5.HK"), Canonicalize("0005.HK"))
	}
	if Canonicalize("aapl") != Canonicalize(" AAPL ") {
		t.Fatalf("case/space variants diverge")
	}
}

func TestDisplay(t *testing.T) {
	if got := Display("5.hk"); got != "0005.HK" {
		t.Fatalf("Display(5.hk) = %q", got)
	}
}
