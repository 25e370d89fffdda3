package market

import (
	"errors"
	"fmt"
	"strings"
)

const (
	MinTrait = 1
	MaxTrait = 5

	MinFluffiness     = 1
	MaxFluffiness     = 5
	DefaultFluffiness = 3

	MinEnticement = 1
	MaxEnticement = 10

	DefaultMenuSize           = 5
	DefaultMaxSwaps           = 3
	DefaultHistoryWindow      = 20
	DefaultOptionsPerConsumer = 3
)

// Error taxonomy. Oracle errors are always recovered by the oracle client;
// the rest abort a tick (or startup, for ErrConfiguration).
var (
	ErrOracleTimeout           = errors.New("oracle timeout")
	ErrOracleMalformedResponse = errors.New("oracle malformed response")
	ErrAllocationInvariant     = errors.New("allocation invariant violation")
	ErrPersistenceWrite        = errors.New("persistence write failure")
	ErrConfiguration           = errors.New("configuration error")

	ErrNotFound       = errors.New("not found")
	ErrNotInitialized = errors.New("store not initialized: run init first")
	ErrTickInProgress = errors.New("another tick is in progress")
)

// PhaseError reports the phase a tick failed in.
type PhaseError struct {
	TickID int64
	Phase  Phase
	Err    error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("tick %d failed in %s: %v", e.TickID, e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// FailedPhase extracts the failed phase from err, if any.
func FailedPhase(err error) (Phase, bool) {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase, true
	}
	return "", false
}

func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func ValidateTrait(name string, v int) error {
	if v < MinTrait || v > MaxTrait {
		return fmt.Errorf("%s must be in [%d,%d], got %d", name, MinTrait, MaxTrait, v)
	}
	return nil
}

func ValidateFluffiness(v int) error {
	if v < MinFluffiness || v > MaxFluffiness {
		return fmt.Errorf("fluffiness must be in [%d,%d], got %d", MinFluffiness, MaxFluffiness, v)
	}
	return nil
}

func ValidateEnticement(v int) error {
	if v < MinEnticement || v > MaxEnticement {
		return fmt.Errorf("enticement score must be in [%d,%d], got %d", MinEnticement, MaxEnticement, v)
	}
	return nil
}

func (p Producer) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("producer %d: name is required", p.ID)
	}
	if err := ValidateTrait("creativity_bias", p.CreativityBias); err != nil {
		return fmt.Errorf("producer %q: %w", p.Name, err)
	}
	if err := ValidateTrait("risk_tolerance", p.RiskTolerance); err != nil {
		return fmt.Errorf("producer %q: %w", p.Name, err)
	}
	return nil
}

func (c Consumer) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("consumer %d: name is required", c.ID)
	}
	traits := []struct {
		name string
		v    int
	}{
		{"openness", c.Openness},
		{"pickiness", c.Pickiness},
		{"impulsivity", c.Impulsivity},
		{"indulgence", c.Indulgence},
		{"nostalgia", c.Nostalgia},
	}
	for _, t := range traits {
		if err := ValidateTrait(t.name, t.v); err != nil {
			return fmt.Errorf("consumer %q: %w", c.Name, err)
		}
	}
	return nil
}

// Validate checks the seed world on its own; menu sizing rules live in config.
func (w World) Validate() error {
	if len(w.Producers) == 0 {
		return Configf("world has no producers")
	}
	if len(w.Consumers) == 0 {
		return Configf("world has no consumers")
	}
	if len(w.Toppings) == 0 {
		return Configf("world has no toppings")
	}
	for _, p := range w.Producers {
		if err := p.Validate(); err != nil {
			return Configf("%v", err)
		}
	}
	for _, c := range w.Consumers {
		if err := c.Validate(); err != nil {
			return Configf("%v", err)
		}
	}
	seen := make(map[string]struct{}, len(w.Toppings))
	for _, t := range w.Toppings {
		name := NormalizeToppingName(t.Name)
		if name == "" {
			return Configf("topping %d: name is required", t.ID)
		}
		if _, dup := seen[name]; dup {
			return Configf("duplicate topping %q", t.Name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

func NormalizeToppingName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
