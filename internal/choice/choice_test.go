package choice

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pancakes/internal/market"
	"pancakes/internal/oracle"
	"pancakes/internal/rng"
)

type pickFirst struct {
	mu   sync.Mutex
	seen map[int64][]oracle.Option
}

func (p *pickFirst) ChooseOption(ctx context.Context, req oracle.ChoiceRequest) oracle.ChoiceDecision {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = map[int64][]oracle.Option{}
	}
	p.seen[req.Consumer.ID] = req.Options
	return oracle.ChoiceDecision{Label: req.Options[0].Label, Score: 7}
}

type fallbackOnly struct{}

func (fallbackOnly) ChooseOption(ctx context.Context, req oracle.ChoiceRequest) oracle.ChoiceDecision {
	return oracle.FallbackChoice(req)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func menus(n int) []Menu {
	out := make([]Menu, n)
	for i := range out {
		out[i] = Menu{ProducerID: int64(i + 1), Fluffiness: 3, Toppings: []string{"t"}}
	}
	return out
}

func TestCollectMapsLabelsBackToProducers(t *testing.T) {
	o := &pickFirst{}
	a := NewAggregator(o, 3, 4, quiet())
	consumers := market.DefaultWorld().Consumers

	res, err := a.Collect(context.Background(), 1, consumers, menus(5), rng.New(11))
	require.NoError(t, err)
	require.Len(t, res.Choices, len(consumers))
	assert.Zero(t, res.Degraded)

	for i, c := range res.Choices {
		assert.Equal(t, consumers[i].ID, c.ConsumerID)
		opts := o.seen[c.ConsumerID]
		require.Len(t, opts, 3)
		assert.Equal(t, "Option A", opts[0].Label)
		assert.Equal(t, "Option C", opts[2].Label)
		assert.Equal(t, 7, c.EnticementScore)
		assert.GreaterOrEqual(t, c.ProducerID, int64(1))
		assert.LessOrEqual(t, c.ProducerID, int64(5))
	}
}

func TestCollectCapsOptionsAtProducerCount(t *testing.T) {
	o := &pickFirst{}
	a := NewAggregator(o, 3, 1, quiet())
	_, err := a.Collect(context.Background(), 1, market.DefaultWorld().Consumers[:2], menus(2), rng.New(1))
	require.NoError(t, err)
	for _, opts := range o.seen {
		assert.Len(t, opts, 2)
	}
}

func TestCollectIsDeterministicAcrossConcurrency(t *testing.T) {
	consumers := market.DefaultWorld().Consumers
	serial, err := NewAggregator(fallbackOnly{}, 3, 1, quiet()).Collect(context.Background(), 4, consumers, menus(3), rng.New(5))
	require.NoError(t, err)
	parallel, err := NewAggregator(fallbackOnly{}, 3, 8, quiet()).Collect(context.Background(), 4, consumers, menus(3), rng.New(5))
	require.NoError(t, err)
	assert.Equal(t, serial, parallel)
	assert.Equal(t, len(consumers), serial.Degraded)
}

func TestCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewAggregator(&pickFirst{}, 3, 2, quiet()).Collect(ctx, 1, market.DefaultWorld().Consumers, menus(3), rng.New(1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInCrisis(t *testing.T) {
	assert.False(t, InCrisis(nil))
	assert.True(t, InCrisis([]market.HistoryEntry{{MarketShare: 0}, {MarketShare: 0.5}}))
	assert.False(t, InCrisis([]market.HistoryEntry{{MarketShare: 0.1}, {MarketShare: 0}}))
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "Option A", Label(0))
	assert.Equal(t, "Option Z", Label(25))
	assert.Equal(t, "Option 27", Label(26))
}
