package model

import (
	"testing"
	"time"
)

func TestNormalizeGender(t *testing.T) {
	cases := []struct {
		in   string
		want Gender
		ok   bool
	}{
		{"male", GenderMale, true},
		{"M", GenderMale, true},
		{" Female ", GenderFemale, true},
		{"f", GenderFemale, true},
		{"mixed", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := NormalizeGender(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("NormalizeGender(%q): expected (%q,%v), got (%q,%v)", tc.in, tc.want, tc.ok, got, ok)
		}
	}
}

func TestStationAccepts(t *testing.T) {
	mixed := Station{ID: "lab", GenderConstraint: GenderMixed}
	female := Station{ID: "gyn", GenderConstraint: GenderFemale}
	if !mixed.Accepts(GenderMale) || !mixed.Accepts(GenderFemale) {
		t.Fatalf("mixed station must accept both genders")
	}
	if female.Accepts(GenderMale) {
		t.Fatalf("female station must reject male patients")
	}
}

func TestStatusTransitions(t *testing.T) {
	if !StatusWaiting.CanTransition(StatusServing) {
		t.Fatalf("WAITING→SERVING must be allowed")
	}
	if StatusWaiting.CanTransition(StatusDone) {
		t.Fatalf("WAITING→DONE must be rejected")
	}
	if StatusDone.CanTransition(StatusServing) || StatusCancelled.CanTransition(StatusWaiting) {
		t.Fatalf("terminal states must not transition")
	}
}

func TestPinExpiry(t *testing.T) {
	end := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	p := DailyPin{ExpiresAt: end}
	if p.Expired(end.Add(-time.Nanosecond)) {
		t.Fatalf("pin must be valid just before end of day")
	}
	if !p.Expired(end) {
		t.Fatalf("pin must be expired at end of day")
	}
}

func TestRouteCursor(t *testing.T) {
	r := PatientRoute{OrderedStationIDs: []string{"vitals", "lab"}}
	if cur, ok := r.Current(); !ok || cur != "vitals" {
		t.Fatalf("expected vitals, got %q", cur)
	}
	r.CurrentIndex = 2
	if _, ok := r.Current(); ok || !r.Done() {
		t.Fatalf("expected finished route")
	}
}
