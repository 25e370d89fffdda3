package oracle

import (
	"fmt"
	"strings"

	"pancakes/internal/market"
)

const promptHistoryLines = 10

var creativityDesc = map[int]string{
	1: "extremely traditional - you stick to classic, proven combinations",
	2: "somewhat traditional - you prefer familiar toppings with occasional twists",
	3: "balanced - you mix classic choices with occasional experimentation",
	4: "quite creative - you enjoy trying unusual combinations",
	5: "wildly creative - you love bold, unexpected topping choices",
}

var riskDesc = map[int]string{
	1: "extremely risk-averse - you rarely change what's working",
	2: "cautious - you make small, careful adjustments",
	3: "moderate - you're willing to make reasonable changes",
	4: "bold - you're comfortable making significant changes",
	5: "a risk junkie - you love shaking things up dramatically",
}

var consumerTraitDesc = map[string][2]string{
	"openness":    {"you prefer what you know", "you love trying new things"},
	"pickiness":   {"you are easy to please", "you are hard to impress"},
	"impulsivity": {"you think choices through", "you go with your gut"},
	"indulgence":  {"you lean light and simple", "you want it rich and sweet"},
	"nostalgia":   {"you don't care about tradition", "you crave the classics"},
}

func producerPrompt(req MenuRequest) string {
	p := req.Producer
	names := toppingNames(req.Catalog)

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a pancake producer competing for customers.\n\n", p.Name)
	b.WriteString("YOUR PERSONALITY:\n")
	fmt.Fprintf(&b, "- Creativity: %d/5 - You are %s\n", p.CreativityBias, creativityDesc[p.CreativityBias])
	fmt.Fprintf(&b, "- Risk tolerance: %d/5 - You are %s\n\n", p.RiskTolerance, riskDesc[p.RiskTolerance])

	b.WriteString("YOUR CURRENT OFFERING:\n")
	current := lookupNames(names, req.PreviousMenu)
	if len(current) == 0 {
		b.WriteString("- Toppings: (none yet)\n")
	} else {
		fmt.Fprintf(&b, "- Toppings: %s\n", strings.Join(current, ", "))
	}
	fmt.Fprintf(&b, "- Fluffiness: %d/5\n\n", req.PreviousFluffiness)

	b.WriteString("AVAILABLE TOPPINGS (use these exact names):\n")
	for _, t := range req.Catalog {
		fmt.Fprintf(&b, "  - %s\n", t.Name)
	}

	b.WriteString("\nRULES:\n")
	fmt.Fprintf(&b, "- You must have exactly %d toppings\n", req.MenuSize)
	fmt.Fprintf(&b, "- You may swap 0 to %d toppings this round\n", req.MaxSwaps)
	fmt.Fprintf(&b, "- Fluffiness can be set to any value %d-%d\n", market.MinFluffiness, market.MaxFluffiness)
	b.WriteString("- Toppings are exclusive: if another producer claims a topping you want, you may not get it\n")
	b.WriteString("- List more wanted toppings than you need, in priority order, in case some are taken\n")

	if len(req.History) > 0 {
		b.WriteString("\nYOUR RECENT PERFORMANCE:\n")
		for i, h := range req.History {
			if i == promptHistoryLines {
				break
			}
			fmt.Fprintf(&b, "- Tick %d: %d customers (%.1f%% share), avg enticement %s/10, toppings: %s, fluffiness: %d\n",
				h.TickID, h.ConsumerCount, h.MarketShare*100, formatScore(h.AvgEnticement),
				strings.Join(h.Toppings, ", "), h.Fluffiness)
		}
	} else {
		b.WriteString("\nNo history yet. Make your best offering!\n")
	}
	if req.InCrisis {
		b.WriteString("\nWARNING: nobody chose your pancakes last round. Something has to change.\n")
	}

	b.WriteString("\nRespond with a single JSON object with keys reasoning, keep_toppings, wanted_toppings, fluffiness.\n")
	return b.String()
}

func consumerPrompt(req ChoiceRequest) string {
	c := req.Consumer
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a hungry customer choosing where to get pancakes.\n\n", c.Name)

	b.WriteString("ABOUT YOU:\n")
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
		fmt.Fprintf(&b, "- %s: %d/5 - %s\n", t.name, t.v, traitDesc(t.name, t.v))
	}

	b.WriteString("\nTODAY'S OFFERINGS:\n")
	for _, o := range req.Options {
		fmt.Fprintf(&b, "\n%s:\n", o.Label)
		fmt.Fprintf(&b, "  - Toppings: %s\n", strings.Join(o.Toppings, ", "))
		fmt.Fprintf(&b, "  - Fluffiness: %d/5\n", o.Fluffiness)
	}

	b.WriteString(`
Choose the pancake offering that appeals to you most. Consider the combination of toppings and fluffiness level.

ENTICEMENT SCORE GUIDE:
- 1-3: Disappointed - the options are unappealing, you're settling for the least bad choice
- 4-5: Meh - it's okay, nothing special, you'll eat it but won't remember it
- 6-7: Satisfied - good combination, you're happy with your choice
- 8-9: Excited - this looks delicious, you can't wait to eat it
- 10: Perfect - this is exactly what you wanted, couldn't be better

Be honest with your score. Not every meal is a 7.

Respond with a single JSON object with keys reasoning, chosen_producer (the option label), enticement_score.
`)
	return b.String()
}

func traitDesc(name string, v int) string {
	d := consumerTraitDesc[name]
	switch {
	case v <= 2:
		return d[0]
	case v >= 4:
		return d[1]
	default:
		return "somewhere in between"
	}
}

func formatScore(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f", *v)
}

func toppingNames(catalog []market.Topping) map[int64]string {
	out := make(map[int64]string, len(catalog))
	for _, t := range catalog {
		out[t.ID] = t.Name
	}
	return out
}

func lookupNames(names map[int64]string, ids []int64) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, names[id])
	}
	return out
}
