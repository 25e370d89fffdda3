package oracle

import (
	"slices"

	"pancakes/internal/market"
)

// FallbackMenu keeps a prefix of the previous menu whose length shrinks with
// the producer's risk tolerance and wishes for the rest of the catalog in
// random order.
func FallbackMenu(req MenuRequest) MenuDecision {
	r := req.RNG
	swaps := r.Intn(req.Producer.RiskTolerance + 1)
	if swaps > req.MaxSwaps {
		swaps = req.MaxSwaps
	}
	keepN := req.MenuSize - swaps
	if keepN > len(req.PreviousMenu) {
		keepN = len(req.PreviousMenu)
	}
	if keepN < 0 {
		keepN = 0
	}
	keep := slices.Clone(req.PreviousMenu[:keepN])

	rest := make([]int64, 0, len(req.Catalog))
	for _, t := range req.Catalog {
		if !slices.Contains(keep, t.ID) {
			rest = append(rest, t.ID)
		}
	}
	slices.Sort(rest)
	r.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })

	return MenuDecision{
		Keep:       keep,
		Wishlist:   rest,
		Fluffiness: market.MinFluffiness + r.Intn(market.MaxFluffiness-market.MinFluffiness+1),
		Reasoning:  "fallback: random decision shaped by risk tolerance",
		Degraded:   true,
	}
}

func FallbackChoice(req ChoiceRequest) ChoiceDecision {
	r := req.RNG
	dec := ChoiceDecision{
		Reasoning: "fallback: random choice",
		Degraded:  true,
	}
	if len(req.Options) > 0 {
		dec.Label = req.Options[r.Intn(len(req.Options))].Label
	}
	dec.Score = market.MinEnticement + r.Intn(market.MaxEnticement-market.MinEnticement+1)
	return dec
}
