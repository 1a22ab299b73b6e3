package opsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/alertpipe/alertpipe/internal/config"
	"github.com/alertpipe/alertpipe/internal/configcache"
	"github.com/alertpipe/alertpipe/internal/index"
	"github.com/alertpipe/alertpipe/internal/metrics"
	"github.com/alertpipe/alertpipe/internal/model"
	"github.com/alertpipe/alertpipe/internal/nodata"
	"github.com/alertpipe/alertpipe/internal/queue"
	"github.com/alertpipe/alertpipe/internal/token"
)

type opsFetcher struct {
	strategies []model.Strategy
}

func (f *opsFetcher) FetchStrategies(context.Context) ([]model.Strategy, error) {
	return f.strategies, nil
}
func (f *opsFetcher) FetchAssignRules(context.Context) ([]model.AssignRule, error) { return nil, nil }
func (f *opsFetcher) FetchUserGroups(context.Context) ([]model.UserGroup, error)   { return nil, nil }
func (f *opsFetcher) FetchShields(context.Context) ([]model.Shield, error)         { return nil, nil }
func (f *opsFetcher) FetchHosts(context.Context) ([]model.Host, error)             { return nil, nil }
func (f *opsFetcher) FetchTopology(context.Context) ([]model.TopoNode, error)      { return nil, nil }
func (f *opsFetcher) FetchServiceInstances(context.Context) ([]model.ServiceInstance, error) {
	return nil, nil
}

func newTestServer(t *testing.T, bearer string) (*Server, *index.MemStore, *token.Bucket) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	cache := configcache.New(&opsFetcher{strategies: []model.Strategy{{ID: 1, Name: "cpu"}}}, 0, nil)
	require.NoError(t, cache.Refresh(context.Background()))

	store := index.NewMemStore()
	tokens := token.NewBucket(rdb, 10, time.Minute)
	queues := queue.New(rdb, "test", 1, 1000)
	srv := New(&config.ServerConfig{Bearer: bearer}, cache, store, queues, tokens, nil, metrics.New())
	return srv, store, tokens
}

func do(t *testing.T, srv *Server, method, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthzOpen(t *testing.T) {
	srv, _, _ := newTestServer(t, "secret")
	w := do(t, srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestBearerGuardsAPI(t *testing.T) {
	srv, _, _ := newTestServer(t, "secret")

	w := do(t, srv, http.MethodGet, "/api/v1/snapshot", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, srv, http.MethodGet, "/api/v1/snapshot", "wrong")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, srv, http.MethodGet, "/api/v1/snapshot", "secret")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.EqualValues(t, 1, body["strategies"])
}

func TestEmptyBearerAllowsAll(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	w := do(t, srv, http.MethodGet, "/api/v1/tokens", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"throttled":[]}`, w.Body.String())
}

func TestGetAlertByID(t *testing.T) {
	srv, store, _ := newTestServer(t, "")
	alert := &model.Alert{
		ID:         "17000000001234abcd5678ef",
		StrategyID: 1,
		Status:     model.StatusAbnormal,
		Severity:   model.LevelWarning,
	}
	require.NoError(t, store.UpsertAlert(context.Background(), alert))

	w := do(t, srv, http.MethodGet, "/api/v1/alerts/"+alert.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got model.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, alert.ID, got.ID)
	require.Equal(t, model.StatusAbnormal, got.Status)

	w = do(t, srv, http.MethodGet, "/api/v1/alerts/missing", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestThrottledListsExhaustedGroups(t *testing.T) {
	srv, _, tokens := newTestServer(t, "")
	ctx := context.Background()
	// Burn the whole window so the group shows up as throttled.
	require.NoError(t, tokens.Release(ctx, "1-polling", time.Hour))

	w := do(t, srv, http.MethodGet, "/api/v1/tokens", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Throttled []token.ThrottledGroup `json:"throttled"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Throttled, 1)
	require.Equal(t, "1-polling", body.Throttled[0].GroupKey)
}

func TestSendDemoAction(t *testing.T) {
	srv, store, _ := newTestServer(t, "")
	body := strings.NewReader(`{"plugin":"webhook","title":"probe","execution_config":{"url":"http://example.invalid"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/actions/demo", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		ActionID string `json:"action_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ActionID)

	action, err := store.GetAction(context.Background(), resp.ActionID)
	require.NoError(t, err)
	require.NotNil(t, action)
	require.Equal(t, model.SignalDemo, action.Signal)
	require.Empty(t, action.AlertIDs)
}

func TestForceNoDataCheckWithoutChecker(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	w := do(t, srv, http.MethodPost, "/api/v1/nodata/check", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestNoDataStatus(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	strategy := model.Strategy{
		ID: 1, IsEnabled: true,
		Items: []model.Item{{
			ID: 10, StrategyID: 1,
			QueryConfigs: []model.QueryConfig{{DataTypeLabel: "time_series", MetricID: "m", AggInterval: 60}},
			Algorithms:   []model.AlgorithmConfig{{Type: model.AlgoThreshold, Level: 2}},
			NoDataConfig: model.NoDataConfig{IsEnabled: true, Continuous: 5, Level: 2},
		}},
	}
	cache := configcache.New(&opsFetcher{strategies: []model.Strategy{strategy}}, 0, nil)
	require.NoError(t, cache.Refresh(context.Background()))

	queues := queue.New(rdb, "test", 1, 1000)
	checker := nodata.NewChecker(cache, queues, rdb, nil, metrics.New(), "inst-1", 55)
	srv := New(&config.ServerConfig{}, cache, index.NewMemStore(), queues,
		token.NewBucket(rdb, 10, time.Minute), checker, metrics.New())

	require.NoError(t, nodata.NewTracker(rdb).MarkRun(context.Background(), 1, time.Unix(1700000000, 0)))

	w := do(t, srv, http.MethodGet, "/api/v1/nodata", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Leader     string                  `json:"leader"`
		Strategies []nodata.StrategyStatus `json:"strategies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Strategies, 1)
	require.Equal(t, 1, body.Strategies[0].StrategyID)
	require.EqualValues(t, 1700000000, body.Strategies[0].LastRun)
}
