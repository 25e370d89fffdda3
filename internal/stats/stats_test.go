package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pancakes/internal/market"
)

func TestMedian(t *testing.T) {
	tests := []struct {
		in   []int
		want float64
	}{
		{[]int{7}, 7},
		{[]int{3, 9}, 6},
		{[]int{9, 1, 5}, 5},
		{[]int{4, 8, 2, 10}, 6},
		{nil, 0},
	}
	for _, tc := range tests {
		if got := Median(tc.in); got != tc.want {
			t.Fatalf("Median(%v)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestComputeSharesSumToOne(t *testing.T) {
	choices := []market.ConsumerChoice{
		{ConsumerID: 1, ProducerID: 1, EnticementScore: 8},
		{ConsumerID: 2, ProducerID: 1, EnticementScore: 6},
		{ConsumerID: 3, ProducerID: 2, EnticementScore: 3},
		{ConsumerID: 4, ProducerID: 1, EnticementScore: 9},
	}
	got := Compute(7, []int64{1, 2, 3}, choices)
	require.Len(t, got, 3)

	sum := 0.0
	for _, row := range got {
		assert.Equal(t, int64(7), row.TickID)
		sum += row.MarketShare
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	assert.Equal(t, 3, got[0].ConsumerCount)
	assert.InDelta(t, 0.75, got[0].MarketShare, 1e-9)
	require.NotNil(t, got[0].AvgEnticement)
	assert.InDelta(t, 23.0/3.0, *got[0].AvgEnticement, 1e-9)
	assert.Equal(t, 8.0, *got[0].MedianEnticement)

	assert.Equal(t, 3.0, *got[1].MedianEnticement)

	assert.Equal(t, 0, got[2].ConsumerCount)
	assert.Zero(t, got[2].MarketShare)
	assert.Nil(t, got[2].AvgEnticement)
	assert.Nil(t, got[2].MedianEnticement)
}

func TestComputeNoChoices(t *testing.T) {
	got := Compute(1, []int64{1, 2}, nil)
	for _, row := range got {
		assert.Zero(t, row.MarketShare)
		assert.Nil(t, row.AvgEnticement)
	}
}

func TestComputeIsIdempotent(t *testing.T) {
	choices := []market.ConsumerChoice{
		{ConsumerID: 1, ProducerID: 2, EnticementScore: 4},
		{ConsumerID: 2, ProducerID: 2, EnticementScore: 10},
	}
	assert.Equal(t, Compute(3, []int64{1, 2}, choices), Compute(3, []int64{1, 2}, choices))
}
