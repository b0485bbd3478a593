// Package invoice formats year-scoped invoice numbers. Numbers are composed
// of a fixed prefix, the issuing year, and a zero-padded sequence, e.g.
// "F202500000042". The sequence is allocated by the store inside the sale
// transaction so a number is never handed out twice within a year.
package invoice

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPrefix = "F"
	seqDigits     = 8
)

func Format(prefix string, year int, seq int64) string {
	return fmt.Sprintf("%s%d%0*d", prefix, year, seqDigits, seq)
}

func Year(now time.Time) int {
	return now.UTC().Year()
}

// Parse splits an invoice number back into its parts. It accepts only
// numbers produced by Format with the given prefix.
func Parse(prefix string, number string) (year int, seq int64, err error) {
	rest, ok := strings.CutPrefix(number, prefix)
	if !ok || len(rest) != 4+seqDigits {
		return 0, 0, fmt.Errorf("malformed invoice number %q", number)
	}
	year, err = strconv.Atoi(rest[:4])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed invoice year in %q", number)
	}
	seq, err = strconv.ParseInt(rest[4:], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed invoice sequence in %q", number)
	}
	return year, seq, nil
}
