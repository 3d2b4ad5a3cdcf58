package store

import "github.com/shopspring/decimal"

// parsePrice parses a decimal-as-string price or quantity for ordering
// purposes only. Per spec §4.2.6 arithmetic on money values is forbidden in
// the core; the only use of the parsed value is as a sort key. Equality
// elsewhere in the store is always the plain string comparison.
func parsePrice(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// lessPrice reports whether a orders before b numerically, falling back to
// a string comparison if either side fails to parse (it must not, for a
// well-formed server, but the store never crashes on malformed payloads).
func lessPrice(a, b string) bool {
	da, errA := parsePrice(a)
	db, errB := parsePrice(b)
	if errA != nil || errB != nil {
		return a < b
	}
	return da.Cmp(db) < 0
}
