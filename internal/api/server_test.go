package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pancakes/internal/db"
	"pancakes/internal/market"
	"pancakes/internal/store"
)

func newTestServer(t *testing.T, initialise bool) (*httptest.Server, *store.SQLite) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handle, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	st := store.NewSQLite(handle, logger)
	t.Cleanup(func() { _ = st.Close() })
	if initialise {
		require.NoError(t, st.Init(context.Background(), market.DefaultWorld()))
	}
	srv := httptest.NewServer(New(st, logger).Handler())
	t.Cleanup(srv.Close)
	return srv, st
}

func commitTick(t *testing.T, st store.Store, seed int64) int64 {
	t.Helper()
	ctx := context.Background()
	tick, err := st.BeginTick(ctx, seed, time.Now())
	require.NoError(t, err)
	avg := 6.0
	require.NoError(t, st.CommitTick(ctx, market.TickWrite{
		TickID:      tick.ID,
		CompletedAt: time.Now(),
		Offerings: []market.Offering{
			{ProducerID: 1, Fluffiness: 2, ToppingIDs: []int64{1, 2, 3, 4, 5}},
			{ProducerID: 2, Fluffiness: 3, ToppingIDs: []int64{6, 7, 8, 9, 10}},
			{ProducerID: 3, Fluffiness: 4, ToppingIDs: []int64{11, 12, 13, 14, 15}},
		},
		Choices: []market.ConsumerChoice{{ConsumerID: 1, ProducerID: 2, EnticementScore: 6}},
		Stats: []market.ProducerRoundStats{
			{TickID: tick.ID, ProducerID: 1},
			{TickID: tick.ID, ProducerID: 2, ConsumerCount: 1, MarketShare: 1, AvgEnticement: &avg, MedianEnticement: &avg},
			{TickID: tick.ID, ProducerID: 3},
		},
	}))
	return tick.ID
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, false)
	var body map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &body))
	assert.Equal(t, true, body["ok"])
}

func TestTickEndpoints(t *testing.T) {
	srv, st := newTestServer(t, true)

	var errBody map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/v1/ticks/latest", &errBody))
	assert.NotEmpty(t, errBody["error"])

	first := commitTick(t, st, 10)
	second := commitTick(t, st, 20)

	var list struct {
		Ticks []market.Tick `json:"ticks"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/ticks?limit=1", &list))
	require.Len(t, list.Ticks, 1)
	assert.Equal(t, second, list.Ticks[0].ID)

	var latest market.TickDetail
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/ticks/latest", &latest))
	assert.Equal(t, second, latest.Tick.ID)
	assert.Equal(t, int64(20), latest.Tick.Seed)
	assert.Len(t, latest.Offerings, 3)
	require.Len(t, latest.Stats, 3)
	assert.Nil(t, latest.Stats[0].AvgEnticement)
	require.NotNil(t, latest.Stats[1].AvgEnticement)
	assert.Equal(t, 6.0, *latest.Stats[1].AvgEnticement)

	var detail market.TickDetail
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/ticks/1", &detail))
	assert.Equal(t, first, detail.Tick.ID)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, detail.Offerings[0].ToppingIDs)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/v1/ticks/99", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/v1/ticks/abc", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/v1/ticks?limit=-3", nil))
}

func TestProducerEndpoints(t *testing.T) {
	srv, st := newTestServer(t, true)
	commitTick(t, st, 1)
	commitTick(t, st, 2)

	var producers struct {
		Producers []market.Producer `json:"producers"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/producers", &producers))
	assert.Equal(t, market.DefaultWorld().Producers, producers.Producers)

	var history struct {
		Producer market.Producer       `json:"producer"`
		History  []market.HistoryEntry `json:"history"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/producers/2/history", &history))
	assert.Equal(t, int64(2), history.Producer.ID)
	require.Len(t, history.History, 2)
	assert.Equal(t, int64(2), history.History[0].TickID)
	assert.Equal(t, 1.0, history.History[0].MarketShare)
	assert.Equal(t, []string{"whipped cream", "maple syrup", "honey", "peanut butter", "nutella"}, history.History[0].Toppings)

	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/producers/2/history?limit=1", &history))
	assert.Len(t, history.History, 1)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/v1/producers/42/history", nil))

	var toppings struct {
		Toppings []market.Topping `json:"toppings"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/toppings", &toppings))
	assert.Len(t, toppings.Toppings, 25)

	var consumers struct {
		Consumers []market.Consumer `json:"consumers"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/consumers", &consumers))
	assert.Len(t, consumers.Consumers, 10)
}

func TestUninitialisedStore(t *testing.T) {
	srv, _ := newTestServer(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/v1/producers", nil))
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/v1/ticks", nil))
}
