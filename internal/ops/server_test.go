package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inarbit/inarbit/internal/config"
	"github.com/inarbit/inarbit/internal/kv"
)

func opsTestConfig() config.OpsConfig {
	return config.OpsConfig{
		Host:           "127.0.0.1",
		Port:           0,
		ReadTimeout:    time.Second,
		WriteTimeout:   time.Second,
		IdleTimeout:    time.Second,
		RequestTimeout: time.Second,
	}
}

func newTestServer(t *testing.T) (*Server, *kv.Memory) {
	t.Helper()
	store := kv.NewMemory()
	return NewServer(opsTestConfig(), store), store
}

func doGET(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthzReportsOK(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doGET(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusListsEveryTrackedService(t *testing.T) {
	ctx := context.Background()
	s, store := newTestServer(t)
	require.NoError(t, store.HSet(ctx, kv.ServiceMetricsKey("decision_service"), map[string]string{
		"decision_count": "3",
		"timestamp_ms":   "1700000000000",
	}, time.Minute))

	rec := doGET(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body, len(trackedServices))
	assert.Equal(t, "3", body["decision_service"]["decision_count"])
	assert.Empty(t, body["market_regime"], "an unpublished service shows as empty")
}

func TestDecisionsComeBackSafestFirst(t *testing.T) {
	ctx := context.Background()
	s, store := newTestServer(t)
	require.NoError(t, store.ReplaceSortedSet(ctx, kv.LatestDecisionsKey, []kv.Z{
		{Member: `{"symbol":"ETH/USDT"}`, Score: 0.41},
		{Member: `{"symbol":"BTC/USDT"}`, Score: 0.12},
	}, time.Minute))

	rec := doGET(t, s, "/decisions")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []streamEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.InDelta(t, 0.12, entries[0].Score, 1e-9)
	assert.Contains(t, string(entries[0].Item), "BTC/USDT")
}

func TestOpportunitiesHonorsLimitAndRanksByProfit(t *testing.T) {
	ctx := context.Background()
	s, store := newTestServer(t)
	require.NoError(t, store.ReplaceSortedSet(ctx, kv.TriangularOpportunitiesKey, []kv.Z{
		{Member: `{"profit_rate":"0.001"}`, Score: 0.001},
		{Member: `{"profit_rate":"0.004"}`, Score: 0.004},
		{Member: `{"profit_rate":"0.002"}`, Score: 0.002},
	}, time.Minute))

	rec := doGET(t, s, "/opportunities/triangular?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []streamEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.InDelta(t, 0.004, entries[0].Score, 1e-9)

	assert.Equal(t, http.StatusNotFound, doGET(t, s, "/opportunities/martingale").Code)
	assert.Equal(t, http.StatusNotFound, doGET(t, s, "/opportunities/decisions").Code,
		"decisions are not an opportunity stream")
}

func TestConstraintsReturnsNullForMissingLayers(t *testing.T) {
	ctx := context.Background()
	s, store := newTestServer(t)
	require.NoError(t, store.Set(ctx, kv.EffectiveConstraintsKey, `{"min_profit_rate":"0.001"}`, time.Minute))

	rec := doGET(t, s, "/constraints")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "null", string(body["human"]))
	assert.Contains(t, string(body["effective"]), "min_profit_rate")
}

func TestRegimeFallsBackToUnknown(t *testing.T) {
	ctx := context.Background()
	s, store := newTestServer(t)

	rec := doGET(t, s, "/regime")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNKNOWN")

	require.NoError(t, store.HSet(ctx, kv.ServiceMetricsKey("market_regime"), map[string]string{
		"regime": "STRESS", "avg_volatility": "0.031",
	}, time.Minute))
	rec = doGET(t, s, "/regime")
	assert.Contains(t, rec.Body.String(), "STRESS")
}

func TestMetricsExposesKVBackedGauges(t *testing.T) {
	ctx := context.Background()
	s, store := newTestServer(t)
	require.NoError(t, store.HSet(ctx, kv.ServiceMetricsKey("triangular_service"), map[string]string{
		"opportunity_count": "4",
		"timestamp_ms":      "1700000000000",
	}, time.Minute))
	require.NoError(t, store.ReplaceSortedSet(ctx, kv.CashCarryOpportunitiesKey, []kv.Z{
		{Member: `{"symbol":"BTC/USDT"}`, Score: 0.002},
	}, time.Minute))

	rec := doGET(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	assert.Contains(t, body, `inarbit_service_metric{field="opportunity_count",service="triangular_service"} 4`)
	assert.Contains(t, body, `inarbit_service_last_update_timestamp_ms{service="triangular_service"} 1.7e+12`)
	assert.Contains(t, body, `inarbit_stream_items{stream="cashcarry"} 1`)
	assert.True(t, strings.Contains(body, "go_goroutines"), "runtime collectors are registered")
}
