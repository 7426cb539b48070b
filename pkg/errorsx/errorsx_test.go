package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonAnswerUpstream)
	if Reason(err) != ReasonAnswerUpstream {
		t.Fatalf("expected reason %s, got %s", ReasonAnswerUpstream, Reason(err))
	}
	if !HasReason(err, ReasonAnswerUpstream) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonSynthConnect)
	second := Wrap(first, ReasonSynthFinal)
	if Reason(second) != ReasonSynthConnect {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestReasonf(t *testing.T) {
	err := Reasonf(ReasonProviderConfig, "missing %s", "api_key")
	if Reason(err) != ReasonProviderConfig {
		t.Fatalf("expected reason %s, got %s", ReasonProviderConfig, Reason(err))
	}
	if err.Error() != "missing api_key" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestWrapThroughFmtChain(t *testing.T) {
	inner := Wrap(assertErr{}, ReasonSynthStream)
	outer := fmt.Errorf("speak final answer: %w", inner)
	if Reason(outer) != ReasonSynthStream {
		t.Fatalf("expected reason to survive fmt wrapping, got %s", Reason(outer))
	}
	var re ReasonedError
	if !errors.As(outer, &re) {
		t.Fatalf("expected ReasonedError in chain")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
