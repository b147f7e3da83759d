package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-engine/internal/accumulator"
	"oracle-engine/internal/aggregator"
	"oracle-engine/internal/clock"
	"oracle-engine/internal/filter"
	"oracle-engine/internal/gate"
	"oracle-engine/internal/history"
	"oracle-engine/internal/observation"
	"oracle-engine/internal/source"
	"oracle-engine/internal/updatedata"
)

var (
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
)

type fixture struct {
	clock   *clock.Manual
	feed    *source.Memory
	agg     *aggregator.Aggregator
	store   *history.Store
	median  *filter.Oracle
	twap    *accumulator.Accumulator
	handler http.Handler
}

func newFixture(t *testing.T, ready func(context.Context) error) fixture {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	feed := source.NewMemory("feed", 6, clk)
	agg, err := aggregator.New(aggregator.Config{
		Name:             "consensus",
		QuoteToken:       usdc,
		QuoteDecimals:    6,
		General:          []source.Adapter{feed},
		Gate:             gate.Periodic{Period: 60},
		MinimumResponses: 1,
	}, clk, zerolog.Nop())
	require.NoError(t, err)

	store := history.NewStore(16)
	median, err := filter.New(filter.Config{
		Name:          "median",
		QuoteDecimals: 6,
		Window:        filter.Window{Amount: 1, Increment: 1},
		Filter:        filter.Median{},
	}, store, clk, zerolog.Nop())
	require.NoError(t, err)

	twap, err := accumulator.New(accumulator.Config{
		Name:          "twap",
		QuoteDecimals: 6,
		Gate:          gate.Periodic{Period: 60},
	}, accumulator.FromAdapter(feed), clk, zerolog.Nop())
	require.NoError(t, err)

	handler := NewRouter(Deps{
		Oracle:       agg,
		History:      store,
		Filters:      map[string]source.Adapter{"median": median},
		Accumulators: map[string]*accumulator.Accumulator{"twap": twap},
		Ready:        ready,
		Logger:       zerolog.Nop(),
	})
	return fixture{clock: clk, feed: feed, agg: agg, store: store, median: median, twap: twap, handler: handler}
}

func (f fixture) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func (f fixture) record(t *testing.T, price uint64) {
	t.Helper()
	now := uint32(f.clock.Now().Unix())
	obs, err := observation.New(uint256.NewInt(price), uint256.NewInt(1_000), uint256.NewInt(price*1_000), now)
	require.NoError(t, err)
	f.feed.Set(weth, obs)

	data := updatedata.Encode(weth)
	changed, err := f.agg.Update(context.Background(), data)
	require.NoError(t, err)
	require.True(t, changed)
	latest, _ := f.agg.Latest(weth)
	require.NoError(t, f.store.Push(weth, latest))
	_, err = f.median.Update(context.Background(), data)
	require.NoError(t, err)
	_, err = f.twap.Update(context.Background(), data)
	require.NoError(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	code, body := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	down := newFixture(t, func(context.Context) error { return errors.New("db down") })
	code, body = down.get(t, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "db down", body["error"])
}

func TestObservationEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	path := "/v1/assets/" + weth.Hex() + "/observation"

	code, _ := f.get(t, path)
	assert.Equal(t, http.StatusNotFound, code)

	f.record(t, 2_500_000_000)
	code, body := f.get(t, path+"?max_age=30")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "consensus", body["oracle"])
	obs := body["observation"].(map[string]any)
	assert.Equal(t, "2500000000", obs["price"])

	f.clock.Advance(31 * time.Second)
	code, _ = f.get(t, path+"?max_age=30")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = f.get(t, path+"?max_age=-1")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.get(t, "/v1/assets/not-an-address/observation")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.get(t, "/v1/assets/"+usdc.Hex()+"/observation")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1000000", body["observation"].(map[string]any)["price"])
}

func TestHistoryEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	path := "/v1/assets/" + weth.Hex() + "/history"

	code, _ := f.get(t, path)
	assert.Equal(t, http.StatusNotFound, code)

	for _, p := range []uint64{100, 200, 300} {
		f.record(t, p)
		f.clock.Advance(time.Minute)
	}
	code, body := f.get(t, path+"?limit=2")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, body["count"])
	assert.EqualValues(t, 16, body["capacity"])
	entries := body["observations"].([]any)
	require.Len(t, entries, 2)
	assert.Equal(t, "300", entries[0].(map[string]any)["price"])
	assert.Equal(t, "200", entries[1].(map[string]any)["price"])

	code, _ = f.get(t, path+"?limit=zero")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestFilterEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	code, _ := f.get(t, "/v1/assets/"+weth.Hex()+"/filters/vol")
	assert.Equal(t, http.StatusNotFound, code)

	f.record(t, 42)
	code, body := f.get(t, "/v1/assets/"+weth.Hex()+"/filters/median")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "median", body["oracle"])
	assert.Equal(t, "42", body["observation"].(map[string]any)["price"])
}

func TestAccumulatorEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	code, _ := f.get(t, "/v1/accumulators/nope/"+weth.Hex())
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.get(t, "/v1/accumulators/twap/"+weth.Hex())
	assert.Equal(t, http.StatusNotFound, code)

	f.record(t, 10)
	f.clock.Advance(30 * time.Second)
	code, body := f.get(t, "/v1/accumulators/twap/"+weth.Hex())
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "300", body["cumulative_price"])
	assert.EqualValues(t, 1_700_000_030, body["timestamp"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.get(t, "/health")

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `oracle_engine_http_requests_total{method="GET",route="/health",status="200"}`)
}
