package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeAndReasonSurviveWrapping(t *testing.T) {
	base := New(SequenceViolation, ReasonWrongSequence, "expected %s", "lab")
	wrapped := fmt.Errorf("advance: %w", base)

	if got := CodeOf(wrapped); got != SequenceViolation {
		t.Fatalf("expected SEQUENCE_VIOLATION, got %s", got)
	}
	if got := ReasonOf(wrapped); got != ReasonWrongSequence {
		t.Fatalf("expected WRONG_SEQUENCE, got %s", got)
	}
	if !errors.Is(wrapped, &Error{Code: SequenceViolation}) {
		t.Fatalf("expected errors.Is to match on code")
	}
	if errors.Is(wrapped, &Error{Code: SequenceViolation, Reason: ReasonNotOnRoute}) {
		t.Fatalf("expected reason mismatch to fail errors.Is")
	}
}

func TestForeignErrorsAreInternal(t *testing.T) {
	if got := CodeOf(errors.New("boom")); got != Internal {
		t.Fatalf("expected INTERNAL, got %s", got)
	}
	if got := CodeOf(nil); got != "" {
		t.Fatalf("expected empty code for nil, got %s", got)
	}
}

func TestStorageKeepsExistingCode(t *testing.T) {
	nf := New(NotFound, ReasonNotFound, "route")
	if got := Storage(nf, "load"); got != error(nf) {
		t.Fatalf("expected original error back, got %v", got)
	}
	err := Storage(errors.New("conn reset"), "load")
	if CodeOf(err) != Internal || ReasonOf(err) != ReasonStorage {
		t.Fatalf("expected INTERNAL/STORAGE, got %v", err)
	}
}
