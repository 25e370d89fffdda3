package stats

import (
	"slices"

	"pancakes/internal/market"
)

// Compute derives per-producer round metrics from a tick's choices.
// Output order follows producerIDs. Producers nobody chose get zero counts
// and nil averages.
func Compute(tickID int64, producerIDs []int64, choices []market.ConsumerChoice) []market.ProducerRoundStats {
	scores := make(map[int64][]int, len(producerIDs))
	for _, c := range choices {
		scores[c.ProducerID] = append(scores[c.ProducerID], c.EnticementScore)
	}

	total := len(choices)
	out := make([]market.ProducerRoundStats, 0, len(producerIDs))
	for _, pid := range producerIDs {
		s := scores[pid]
		row := market.ProducerRoundStats{
			TickID:        tickID,
			ProducerID:    pid,
			ConsumerCount: len(s),
		}
		if total > 0 {
			row.MarketShare = float64(len(s)) / float64(total)
		}
		if len(s) > 0 {
			avg := Mean(s)
			med := Median(s)
			row.AvgEnticement = &avg
			row.MedianEnticement = &med
		}
		out = append(out, row)
	}
	return out
}

func Mean(values []int) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

// Median of an even-length slice is the mean of the two middle values.
func Median(values []int) float64 {
	if len(values) == 0 {
		return 0
	}
	s := slices.Clone(values)
	slices.Sort(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return float64(s[mid])
	}
	return float64(s[mid-1]+s[mid]) / 2
}
