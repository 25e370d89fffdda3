package market

import (
	"errors"
	"fmt"
)

type Phase string

const (
	PhasePending        Phase = "PENDING"
	PhaseMenuDecision   Phase = "MENU_DECISION"
	PhaseAllocation     Phase = "ALLOCATION"
	PhaseConsumerChoice Phase = "CONSUMER_CHOICE"
	PhaseStats          Phase = "STATS"
	PhaseComplete       Phase = "COMPLETE"
	PhaseFailed         Phase = "FAILED"
)

var ErrIllegalTransition = errors.New("illegal phase transition")

var phaseOrder = map[Phase]Phase{
	PhasePending:        PhaseMenuDecision,
	PhaseMenuDecision:   PhaseAllocation,
	PhaseAllocation:     PhaseConsumerChoice,
	PhaseConsumerChoice: PhaseStats,
	PhaseStats:          PhaseComplete,
}

func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// CanTransition reports whether from -> to is legal. The menu decision
// may only be skipped on the first tick.
func CanTransition(from, to Phase, firstTick bool) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseFailed {
		return true
	}
	if from == PhasePending && to == PhaseAllocation {
		return firstTick
	}
	next, ok := phaseOrder[from]
	return ok && next == to
}

// PhaseMachine tracks one tick's progress through its phases.
type PhaseMachine struct {
	current   Phase
	firstTick bool
	failedIn  Phase
}

func NewPhaseMachine(firstTick bool) *PhaseMachine {
	return &PhaseMachine{current: PhasePending, firstTick: firstTick}
}

func (m *PhaseMachine) Current() Phase { return m.current }

// FailedIn is the phase that was active when Fail was called.
func (m *PhaseMachine) FailedIn() Phase { return m.failedIn }

func (m *PhaseMachine) Advance(to Phase) error {
	if !CanTransition(m.current, to, m.firstTick) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.current, to)
	}
	if to == PhaseFailed {
		m.failedIn = m.current
	}
	m.current = to
	return nil
}

func (m *PhaseMachine) Fail() {
	if m.current.Terminal() {
		return
	}
	m.failedIn = m.current
	m.current = PhaseFailed
}
