package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pancakes/internal/market"
)

// Store is the entity store. Only the tick orchestrator writes tick-scoped
// rows, and only through BeginTick, AbandonTick and CommitTick.
type Store interface {
	// Init creates the schema and seeds world when the store is empty.
	Init(ctx context.Context, world market.World) error
	// Reset drops every table, recreates the schema and reseeds.
	Reset(ctx context.Context, world market.World) error

	Producers(ctx context.Context) ([]market.Producer, error)
	Consumers(ctx context.Context) ([]market.Consumer, error)
	Toppings(ctx context.Context) ([]market.Topping, error)

	// LatestCompletedTick reports false when no tick has completed yet.
	LatestCompletedTick(ctx context.Context) (market.Tick, bool, error)
	// BeginTick removes incomplete ticks left behind by a crash and opens a
	// new in-progress tick with the next id.
	BeginTick(ctx context.Context, seed int64, startedAt time.Time) (market.Tick, error)
	AbandonTick(ctx context.Context, tickID int64) error
	// CommitTick writes the whole tick in one transaction and marks it complete.
	CommitTick(ctx context.Context, w market.TickWrite) error

	Menus(ctx context.Context, tickID int64) (map[int64][]int64, error)
	Offerings(ctx context.Context, tickID int64) ([]market.Offering, error)
	ProducerHistory(ctx context.Context, producerID int64, limit int) ([]market.HistoryEntry, error)
	Choices(ctx context.Context, tickID int64) ([]market.ConsumerChoice, error)
	RoundStats(ctx context.Context, tickID int64) ([]market.ProducerRoundStats, error)
	Tick(ctx context.Context, tickID int64) (market.Tick, error)
	Ticks(ctx context.Context, limit int) ([]market.Tick, error)

	Close() error
}

// Detail loads everything a completed tick wrote.
func Detail(ctx context.Context, s Store, tickID int64) (market.TickDetail, error) {
	t, err := s.Tick(ctx, tickID)
	if err != nil {
		return market.TickDetail{}, err
	}
	out := market.TickDetail{Tick: t}
	if out.Offerings, err = s.Offerings(ctx, tickID); err != nil {
		return market.TickDetail{}, err
	}
	if out.Choices, err = s.Choices(ctx, tickID); err != nil {
		return market.TickDetail{}, err
	}
	if out.Stats, err = s.RoundStats(ctx, tickID); err != nil {
		return market.TickDetail{}, err
	}
	return out, nil
}

func menusFromOfferings(offerings []market.Offering) map[int64][]int64 {
	out := make(map[int64][]int64, len(offerings))
	for _, o := range offerings {
		out[o.ProducerID] = o.ToppingIDs
	}
	return out
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", market.ErrPersistenceWrite, op, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func historyLimit(limit int) int {
	if limit <= 0 {
		return market.DefaultHistoryWindow
	}
	return limit
}
