package clock

import (
	"testing"
	"time"
)

func TestDayKeyUsesFacilityTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	// 22:30 UTC is already the next day at UTC+3.
	src := NewManual(time.Date(2026, 10, 16, 22, 30, 0, 0, time.UTC))
	cal := New(loc, src.Now)

	if got := cal.Today(); got != "2026-10-17" {
		t.Fatalf("expected 2026-10-17, got %s", got)
	}
}

func TestEndOfDay(t *testing.T) {
	cal := New(time.UTC, nil)
	end, err := cal.EndOfDay("2026-10-16")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	if !end.Equal(want) {
		t.Fatalf("expected %s, got %s", want, end)
	}
	if _, err := cal.EndOfDay("16/10/2026"); err == nil {
		t.Fatalf("expected error for malformed day key")
	}
}

func TestManualAdvance(t *testing.T) {
	start := time.Date(2026, 10, 16, 23, 59, 0, 0, time.UTC)
	src := NewManual(start)
	cal := New(time.UTC, src.Now)
	before := cal.Today()
	src.Advance(2 * time.Minute)
	if after := cal.Today(); before == after {
		t.Fatalf("expected day rollover, got %s both times", after)
	}
}
