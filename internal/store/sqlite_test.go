package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pancakes/internal/db"
	"pancakes/internal/market"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	handle, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "pancakes.db"))
	require.NoError(t, err)
	s := NewSQLite(handle, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr(v float64) *float64 { return &v }

func sampleWrite(tickID int64) market.TickWrite {
	return market.TickWrite{
		TickID:      tickID,
		CompletedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Offerings: []market.Offering{
			{ProducerID: 1, Fluffiness: 4, ToppingIDs: []int64{5, 1, 2, 3, 4}},
			{ProducerID: 2, Fluffiness: 2, ToppingIDs: []int64{6, 7, 8, 9, 10}},
			{ProducerID: 3, Fluffiness: 1, ToppingIDs: []int64{11, 12, 13, 14, 15}},
		},
		Choices: []market.ConsumerChoice{
			{ConsumerID: 1, ProducerID: 1, EnticementScore: 8},
			{ConsumerID: 2, ProducerID: 2, EnticementScore: 4},
		},
		Stats: []market.ProducerRoundStats{
			{TickID: tickID, ProducerID: 1, ConsumerCount: 1, MarketShare: 0.5, AvgEnticement: ptr(8), MedianEnticement: ptr(8)},
			{TickID: tickID, ProducerID: 2, ConsumerCount: 1, MarketShare: 0.5, AvgEnticement: ptr(4), MedianEnticement: ptr(4)},
			{TickID: tickID, ProducerID: 3},
		},
	}
}

func TestInitSeedsOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	world := market.DefaultWorld()

	require.NoError(t, s.Init(ctx, world))
	require.NoError(t, s.Init(ctx, world))

	producers, err := s.Producers(ctx)
	require.NoError(t, err)
	assert.Equal(t, world.Producers, producers)

	consumers, err := s.Consumers(ctx)
	require.NoError(t, err)
	assert.Equal(t, world.Consumers, consumers)

	toppings, err := s.Toppings(ctx)
	require.NoError(t, err)
	assert.Equal(t, world.Toppings, toppings)
}

func TestReadsBeforeInit(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Producers(context.Background())
	assert.ErrorIs(t, err, market.ErrNotInitialized)
	_, err = s.BeginTick(context.Background(), 1, time.Now())
	assert.ErrorIs(t, err, market.ErrNotInitialized)
}

func TestTickLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Init(ctx, market.DefaultWorld()))

	_, ok, err := s.LatestCompletedTick(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	tick, err := s.BeginTick(ctx, 42, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), tick.ID)

	// In-progress ticks are invisible to readers.
	_, err = s.Tick(ctx, tick.ID)
	assert.ErrorIs(t, err, market.ErrNotFound)

	require.NoError(t, s.CommitTick(ctx, sampleWrite(tick.ID)))

	latest, ok, err := s.LatestCompletedTick(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), latest.ID)
	assert.Equal(t, int64(42), latest.Seed)
	require.NotNil(t, latest.CompletedAt)

	menus, err := s.Menus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 1, 2, 3, 4}, menus[1])

	offerings, err := s.Offerings(ctx, 1)
	require.NoError(t, err)
	require.Len(t, offerings, 3)
	assert.Equal(t, 2, offerings[1].Fluffiness)

	stats, err := s.RoundStats(ctx, 1)
	require.NoError(t, err)
	require.Len(t, stats, 3)
	assert.Nil(t, stats[2].AvgEnticement)
	assert.InDelta(t, 8.0, *stats[0].MedianEnticement, 1e-9)

	detail, err := Detail(ctx, s, 1)
	require.NoError(t, err)
	assert.Len(t, detail.Choices, 2)

	next, err := s.BeginTick(ctx, 7, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.ID)
}

func TestCommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Init(ctx, market.DefaultWorld()))

	tick, err := s.BeginTick(ctx, 1, time.Now())
	require.NoError(t, err)

	w := sampleWrite(tick.ID)
	w.Offerings[1].ToppingIDs[0] = 5 // also held by producer 1
	err = s.CommitTick(ctx, w)
	require.ErrorIs(t, err, market.ErrPersistenceWrite)

	offerings, err := s.Offerings(ctx, tick.ID)
	require.NoError(t, err)
	assert.Empty(t, offerings)
	_, ok, err := s.LatestCompletedTick(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AbandonTick(ctx, tick.ID))
	again, err := s.BeginTick(ctx, 1, time.Now())
	require.NoError(t, err)
	assert.Equal(t, tick.ID, again.ID)
}

func TestBeginTickRemovesStaleTicks(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Init(ctx, market.DefaultWorld()))

	first, err := s.BeginTick(ctx, 1, time.Now())
	require.NoError(t, err)
	// Simulate a crash: never committed or abandoned.
	second, err := s.BeginTick(ctx, 2, time.Now())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(1) FROM ticks WHERE completed_at IS NULL`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestCommitRequiresInProgressTick(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Init(ctx, market.DefaultWorld()))
	err := s.CommitTick(ctx, sampleWrite(9))
	assert.ErrorIs(t, err, market.ErrPersistenceWrite)
}

func TestProducerHistory(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Init(ctx, market.DefaultWorld()))

	for i := 0; i < 3; i++ {
		tick, err := s.BeginTick(ctx, int64(i), time.Now())
		require.NoError(t, err)
		require.NoError(t, s.CommitTick(ctx, sampleWrite(tick.ID)))
	}

	history, err := s.ProducerHistory(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(3), history[0].TickID)
	assert.Equal(t, int64(2), history[1].TickID)
	assert.Equal(t, []string{"chocolate chips", "blueberries", "strawberries", "raspberries", "bananas"}, history[0].Toppings)
	assert.Equal(t, 4, history[0].Fluffiness)
	assert.InDelta(t, 0.5, history[0].MarketShare, 1e-9)

	quiet, err := s.ProducerHistory(ctx, 3, 0)
	require.NoError(t, err)
	require.Len(t, quiet, 3)
	assert.Zero(t, quiet[0].MarketShare)
	assert.Nil(t, quiet[0].AvgEnticement)

	ticks, err := s.Ticks(ctx, 2)
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, int64(3), ticks[0].ID)
}

func TestResetClearsTicks(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Init(ctx, market.DefaultWorld()))
	tick, err := s.BeginTick(ctx, 1, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.CommitTick(ctx, sampleWrite(tick.ID)))

	require.NoError(t, s.Reset(ctx, market.DefaultWorld()))
	_, ok, err := s.LatestCompletedTick(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	producers, err := s.Producers(ctx)
	require.NoError(t, err)
	assert.Len(t, producers, 3)
}
