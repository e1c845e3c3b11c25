// File: internal/symbol/symbol.go
package symbol

import (
	"fmt"
	"strconv"
	"strings"
)

// Hong Kong tickers are numeric codes the venue pads to four digits, so
// "5.HK", "05.HK" and "0005.HK" all name the same instrument.
const hkSuffix = ".HK"

// Canonicalize maps a raw ticker spelling to its canonical form: trimmed,
// upper-cased, and with HK numeric codes re-padded to four digits. It is
// total and idempotent; blank input yields "".
func Canonicalize(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	if head, ok := strings.CutSuffix(s, hkSuffix); ok {
		if n, err := strconv.Atoi(head); err == nil && n >= 0 {
			return fmt.Sprintf("%04d%s", n, hkSuffix)
		}
	}
	return s
}

// Display returns the venue-facing spelling, which is the canonical form.
func Display(raw string) string {
	return Canonicalize(raw)
}
