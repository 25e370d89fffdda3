package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pancakes/internal/db"
	"pancakes/internal/market"
	"pancakes/internal/notify"
	"pancakes/internal/oracle"
	"pancakes/internal/store"
	"pancakes/internal/transcript"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *store.SQLite {
	t.Helper()
	handle, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "pancakes.db"))
	require.NoError(t, err)
	s := store.NewSQLite(handle, quietLogger())
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init(context.Background(), market.DefaultWorld()))
	return s
}

func newEngine(st store.Store, backend oracle.Reasoner, concurrency int, pub notify.Publisher) *Engine {
	oc := oracle.NewClient(backend, oracle.Options{Timeout: time.Second, Retries: oracle.DefaultRetries}, quietLogger())
	return New(st, oc, pub, Options{Concurrency: concurrency}, quietLogger())
}

func seed(v int64) *int64 { return &v }

// obliging answers every prompt with the first legal option from the
// request's schema: keep the whole previous menu, score everything 7.
type obliging struct{}

func (obliging) Name() string { return "obliging" }

func (obliging) Generate(_ context.Context, _ string, schema map[string]any) (string, error) {
	props := schema["properties"].(map[string]any)
	if keep, ok := props["keep_toppings"].(map[string]any); ok {
		var kept []any
		if items, ok := keep["items"].(map[string]any); ok {
			kept = items["enum"].([]any)
		}
		wanted := props["wanted_toppings"].(map[string]any)["items"].(map[string]any)["enum"].([]any)
		b, err := json.Marshal(map[string]any{
			"reasoning":       "never change a winning stack",
			"keep_toppings":   kept,
			"wanted_toppings": wanted[:market.DefaultMenuSize],
			"fluffiness":      5,
		})
		return string(b), err
	}
	labels := props["chosen_producer"].(map[string]any)["enum"].([]any)
	b, err := json.Marshal(map[string]any{
		"reasoning":        "first one looked fine",
		"chosen_producer":  labels[0],
		"enticement_score": 7,
	})
	return string(b), err
}

type recordingPublisher struct {
	events []notify.TickEvent
	err    error
}

func (p *recordingPublisher) PublishTick(_ context.Context, ev notify.TickEvent) error {
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type failingCommit struct {
	store.Store
}

func (failingCommit) CommitTick(context.Context, market.TickWrite) error {
	return errors.New("disk full")
}

func assertExclusive(t *testing.T, offerings []market.Offering, menuSize int) {
	t.Helper()
	seen := map[int64]int64{}
	for _, o := range offerings {
		require.Len(t, o.ToppingIDs, menuSize, "producer %d", o.ProducerID)
		for _, tid := range o.ToppingIDs {
			prev, dup := seen[tid]
			require.False(t, dup, "topping %d held by %d and %d", tid, prev, o.ProducerID)
			seen[tid] = o.ProducerID
		}
	}
}

func shareSum(stats []market.ProducerRoundStats) float64 {
	var sum float64
	for _, s := range stats {
		sum += s.MarketShare
	}
	return sum
}

func TestFirstTickDealsMenus(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	pub := &recordingPublisher{}
	e := newEngine(st, oracle.Disabled{}, 2, pub)

	res, err := e.RunTick(ctx, seed(42))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.TickID)
	assert.True(t, res.FirstTick)
	assert.Equal(t, market.PhaseComplete, res.PhaseReached)
	assert.Empty(t, res.FailedPhase)
	assert.Equal(t, int64(42), res.Seed)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 0, res.FirstPickIndex)
	assert.Zero(t, res.DegradedProducer)
	assert.Equal(t, 10, res.DegradedConsumer)

	require.Len(t, res.Offerings, 3)
	assertExclusive(t, res.Offerings, market.DefaultMenuSize)
	for _, o := range res.Offerings {
		assert.NoError(t, market.ValidateFluffiness(o.Fluffiness))
	}
	require.Len(t, res.Stats, 3)
	assert.InDelta(t, 1.0, shareSum(res.Stats), 1e-9)

	latest, ok, err := st.LatestCompletedTick(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), latest.ID)
	assert.Equal(t, int64(42), latest.Seed)

	detail, err := store.Detail(ctx, st, 1)
	require.NoError(t, err)
	assert.Equal(t, res.Offerings, detail.Offerings)
	assert.Len(t, detail.Choices, 10)

	require.Len(t, pub.events, 1)
	assert.Equal(t, int64(1), pub.events[0].TickID)
	assert.Equal(t, res.RunID, pub.events[0].RunID)
	assert.Equal(t, 10, pub.events[0].Degraded)
}

func TestLaterTicksKeepEnoughOfThePreviousMenu(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	e := newEngine(st, oracle.Disabled{}, 3, nil)

	prev, err := e.RunTick(ctx, seed(7))
	require.NoError(t, err)
	for i := 2; i <= 6; i++ {
		res, err := e.RunTick(ctx, seed(int64(100+i)))
		require.NoError(t, err)
		assert.Equal(t, int64(i), res.TickID)
		assert.False(t, res.FirstTick)
		assert.Equal(t, 3, res.DegradedProducer)
		assert.Equal(t, 10, res.DegradedConsumer)
		assert.Equal(t, (i-1)%3, res.FirstPickIndex)
		assertExclusive(t, res.Offerings, market.DefaultMenuSize)
		assert.InDelta(t, 1.0, shareSum(res.Stats), 1e-9)

		for j, o := range res.Offerings {
			before := prev.Offerings[j]
			require.Equal(t, before.ProducerID, o.ProducerID)
			kept := 0
			for _, tid := range o.ToppingIDs {
				for _, old := range before.ToppingIDs {
					if tid == old {
						kept++
					}
				}
			}
			assert.GreaterOrEqual(t, kept, market.DefaultMenuSize-market.DefaultMaxSwaps,
				"tick %d producer %d", i, o.ProducerID)
		}
		prev = res
	}

	history, err := st.ProducerHistory(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, int64(6), history[0].TickID)
}

func TestObligingOracleKeepsMenus(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	e := newEngine(st, obliging{}, 4, nil)

	first, err := e.RunTick(ctx, seed(3))
	require.NoError(t, err)
	assert.Equal(t, 0, first.DegradedConsumer)

	second, err := e.RunTick(ctx, seed(4))
	require.NoError(t, err)
	assert.Zero(t, second.DegradedProducer)
	assert.Zero(t, second.DegradedConsumer)
	for i, o := range second.Offerings {
		assert.ElementsMatch(t, first.Offerings[i].ToppingIDs, o.ToppingIDs)
		assert.Equal(t, 5, o.Fluffiness)
	}
	for _, s := range second.Stats {
		if s.ConsumerCount > 0 {
			require.NotNil(t, s.AvgEnticement)
			assert.Equal(t, 7.0, *s.AvgEnticement)
			assert.Equal(t, 7.0, *s.MedianEnticement)
		} else {
			assert.Nil(t, s.AvgEnticement)
		}
	}
}

func TestSameSeedSameTicks(t *testing.T) {
	ctx := context.Background()
	run := func(concurrency int) ([]market.TickResult, [][]market.ConsumerChoice) {
		st := openStore(t)
		e := newEngine(st, oracle.Disabled{}, concurrency, nil)
		var (
			results []market.TickResult
			choices [][]market.ConsumerChoice
		)
		for _, s := range []int64{11, 12, 13} {
			res, err := e.RunTick(ctx, seed(s))
			require.NoError(t, err)
			cs, err := st.Choices(ctx, res.TickID)
			require.NoError(t, err)
			res.RunID = ""
			results = append(results, res)
			choices = append(choices, cs)
		}
		return results, choices
	}

	serialResults, serialChoices := run(1)
	parallelResults, parallelChoices := run(8)
	assert.Equal(t, serialResults, parallelResults)
	assert.Equal(t, serialChoices, parallelChoices)
}

func TestCommitFailureAbandonsTick(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	pub := &recordingPublisher{}
	e := newEngine(failingCommit{Store: st}, oracle.Disabled{}, 2, pub)

	res, err := e.RunTick(ctx, seed(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, market.ErrPersistenceWrite)
	assert.Equal(t, market.PhaseFailed, res.PhaseReached)
	assert.Equal(t, market.PhaseStats, res.FailedPhase)
	phase, ok := market.FailedPhase(err)
	require.True(t, ok)
	assert.Equal(t, market.PhaseStats, phase)
	assert.Empty(t, pub.events)

	_, ok, err = st.LatestCompletedTick(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	ticks, err := st.Ticks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ticks)

	// The abandoned id is reused by the next successful tick.
	res, err = newEngine(st, oracle.Disabled{}, 2, nil).RunTick(ctx, seed(1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.TickID)
	assert.True(t, res.FirstTick)
}

type cancelling struct {
	cancel context.CancelFunc
}

func (c cancelling) Name() string { return "cancelling" }

func (c cancelling) Generate(ctx context.Context, _ string, _ map[string]any) (string, error) {
	c.cancel()
	<-ctx.Done()
	return "", ctx.Err()
}

func TestCancelledTickFailsInMenuDecision(t *testing.T) {
	st := openStore(t)
	_, err := newEngine(st, oracle.Disabled{}, 1, nil).RunTick(context.Background(), seed(5))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res, err := newEngine(st, cancelling{cancel: cancel}, 1, nil).RunTick(ctx, seed(6))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, market.PhaseMenuDecision, res.FailedPhase)

	latest, _, err := st.LatestCompletedTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.ID)
	ticks, err := st.Ticks(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, ticks, 1)
}

func TestRunTickBeforeInit(t *testing.T) {
	handle, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	st := store.NewSQLite(handle, quietLogger())
	defer st.Close()

	res, err := newEngine(st, oracle.Disabled{}, 1, nil).RunTick(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, market.ErrNotInitialized)
	assert.Equal(t, market.PhaseFailed, res.PhaseReached)
	assert.Equal(t, market.PhasePending, res.FailedPhase)
}

func TestMenuSizeLargerThanSeededCatalog(t *testing.T) {
	st := openStore(t)
	oc := oracle.NewClient(oracle.Disabled{}, oracle.Options{}, quietLogger())
	opts := Options{Concurrency: 1}
	opts.Sim.MenuSize = 9
	opts.Sim.MaxSwaps = 3
	opts.Sim.HistoryWindow = 5
	opts.Sim.OptionsPerConsumer = 3

	_, err := New(st, oc, nil, opts, quietLogger()).RunTick(context.Background(), seed(1))
	assert.ErrorIs(t, err, market.ErrConfiguration)
}

func TestPublishFailureDoesNotFailTick(t *testing.T) {
	st := openStore(t)
	pub := &recordingPublisher{err: errors.New("redis down")}
	res, err := newEngine(st, oracle.Disabled{}, 1, pub).RunTick(context.Background(), seed(9))
	require.NoError(t, err)
	assert.Equal(t, market.PhaseComplete, res.PhaseReached)
	assert.Len(t, pub.events, 1)
}

func TestTranscriptRecordsEveryAttempt(t *testing.T) {
	st := openStore(t)
	dir := t.TempDir()
	oc := oracle.NewClient(oracle.Disabled{}, oracle.Options{Timeout: time.Second, Retries: 1}, quietLogger())
	e := New(st, oc, nil, Options{Concurrency: 2, TranscriptDir: dir}, quietLogger())

	res, err := e.RunTick(context.Background(), seed(2))
	require.NoError(t, err)

	lines, err := transcript.Read(filepath.Join(dir, transcript.FileName(res.TickID)))
	require.NoError(t, err)
	// header + two attempts for each of the ten consumers
	require.Len(t, lines, 21)

	var head struct {
		Type  string `json:"type"`
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(lines[0], &head))
	assert.Equal(t, "header", head.Type)
	assert.Equal(t, res.RunID, head.RunID)
}

func TestPing(t *testing.T) {
	st := openStore(t)
	e := newEngine(st, oracle.Disabled{}, 1, nil)
	assert.NoError(t, e.Ping(context.Background(), false))
	assert.ErrorIs(t, e.Ping(context.Background(), true), market.ErrConfiguration)

	down := oracle.NewOllama("http://127.0.0.1:1", "tiny")
	e = newEngine(st, down, 1, nil)
	assert.NoError(t, e.Ping(context.Background(), false))
	assert.ErrorIs(t, e.Ping(context.Background(), true), market.ErrConfiguration)
}
