package market

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidateTrait(t *testing.T) {
	for _, v := range []int{1, 3, 5} {
		if err := ValidateTrait("openness", v); err != nil {
			t.Fatalf("expected trait %d to be valid: %v", v, err)
		}
	}
	for _, v := range []int{0, 6, -1} {
		if err := ValidateTrait("openness", v); err == nil {
			t.Fatalf("expected trait %d to fail", v)
		}
	}
}

func TestValidateEnticementAndFluffiness(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(int) error
		value   int
		wantErr bool
	}{
		{name: "score low", fn: ValidateEnticement, value: 1},
		{name: "score high", fn: ValidateEnticement, value: 10},
		{name: "score zero", fn: ValidateEnticement, value: 0, wantErr: true},
		{name: "score eleven", fn: ValidateEnticement, value: 11, wantErr: true},
		{name: "fluffy", fn: ValidateFluffiness, value: 5},
		{name: "too fluffy", fn: ValidateFluffiness, value: 6, wantErr: true},
	}
	for _, tc := range tests {
		err := tc.fn(tc.value)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}

func TestDefaultWorldIsValid(t *testing.T) {
	w := DefaultWorld()
	if err := w.Validate(); err != nil {
		t.Fatalf("default world invalid: %v", err)
	}
	if len(w.Producers) != 3 || len(w.Consumers) != 10 || len(w.Toppings) != 25 {
		t.Fatalf("unexpected world size: %d/%d/%d", len(w.Producers), len(w.Consumers), len(w.Toppings))
	}
	categories := map[string]int{}
	for _, tp := range w.Toppings {
		categories[tp.Category]++
	}
	if len(categories) != 5 {
		t.Fatalf("expected 5 categories, got %v", categories)
	}
}

func TestWorldValidateRejectsDuplicateToppings(t *testing.T) {
	w := DefaultWorld()
	w.Toppings = append(w.Toppings, Topping{ID: 99, Name: "  Honey ", Category: "sweet"})
	err := w.Validate()
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestWorldValidateRejectsBadTraits(t *testing.T) {
	w := DefaultWorld()
	w.Consumers[0].Pickiness = 7
	if err := w.Validate(); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestPhaseTransitions(t *testing.T) {
	tests := []struct {
		from, to  Phase
		firstTick bool
		want      bool
	}{
		{PhasePending, PhaseMenuDecision, false, true},
		{PhasePending, PhaseAllocation, true, true},
		{PhasePending, PhaseAllocation, false, false},
		{PhaseMenuDecision, PhaseAllocation, false, true},
		{PhaseAllocation, PhaseConsumerChoice, false, true},
		{PhaseConsumerChoice, PhaseStats, false, true},
		{PhaseStats, PhaseComplete, false, true},
		{PhaseStats, PhaseAllocation, false, false},
		{PhaseAllocation, PhaseMenuDecision, false, false},
		{PhaseConsumerChoice, PhaseFailed, false, true},
		{PhaseComplete, PhaseFailed, false, false},
		{PhaseFailed, PhasePending, false, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to, tc.firstTick); got != tc.want {
			t.Fatalf("%s -> %s (first=%v): got %v want %v", tc.from, tc.to, tc.firstTick, got, tc.want)
		}
	}
}

func TestPhaseMachineFail(t *testing.T) {
	m := NewPhaseMachine(false)
	if err := m.Advance(PhaseMenuDecision); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := m.Advance(PhaseStats); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	m.Fail()
	if m.Current() != PhaseFailed || m.FailedIn() != PhaseMenuDecision {
		t.Fatalf("got current=%s failedIn=%s", m.Current(), m.FailedIn())
	}
	m.Fail()
	if m.FailedIn() != PhaseMenuDecision {
		t.Fatalf("second Fail overwrote failed phase: %s", m.FailedIn())
	}
}

func TestPhaseErrorUnwraps(t *testing.T) {
	err := fmt.Errorf("run: %w", &PhaseError{TickID: 4, Phase: PhaseAllocation, Err: ErrAllocationInvariant})
	if !errors.Is(err, ErrAllocationInvariant) {
		t.Fatalf("expected errors.Is to see allocation sentinel")
	}
	phase, ok := FailedPhase(err)
	if !ok || phase != PhaseAllocation {
		t.Fatalf("got phase=%s ok=%v", phase, ok)
	}
}
