package invoice

import (
	"testing"
	"time"
)

func TestFormatPadsSequence(t *testing.T) {
	got := Format("F", 2025, 1)
	if got != "F202500000001" {
		t.Fatalf("expected F202500000001, got %s", got)
	}

	got = Format("F", 2025, 12345678)
	if got != "F202512345678" {
		t.Fatalf("expected F202512345678, got %s", got)
	}
}

func TestParseRoundTrip(t *testing.T) {
	number := Format("F", 2026, 42)
	year, seq, err := Parse("F", number)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if year != 2026 || seq != 42 {
		t.Fatalf("expected 2026/42, got %d/%d", year, seq)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "F2025", "X202500000001", "F2025ABCDEFGH", "F20250000001"} {
		if _, _, err := Parse("F", bad); err == nil {
			t.Fatalf("expected parse error for %q", bad)
		}
	}
}

func TestYearUsesUTC(t *testing.T) {
	loc := time.FixedZone("west", -10*3600)
	// Dec 31 23:00 west of UTC is already Jan 1 in UTC.
	local := time.Date(2025, 12, 31, 23, 0, 0, 0, loc)
	if got := Year(local); got != 2026 {
		t.Fatalf("expected UTC year 2026, got %d", got)
	}
}
