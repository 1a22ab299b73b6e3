package composite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alertpipe/alertpipe/internal/configcache"
	"github.com/alertpipe/alertpipe/internal/index"
	"github.com/alertpipe/alertpipe/internal/model"
	"github.com/alertpipe/alertpipe/internal/queue"
)

func TestParseExpr(t *testing.T) {
	tests := []struct {
		expr string
		vals map[string]bool
		want bool
	}{
		{"A", map[string]bool{"A": true}, true},
		{"A && B", map[string]bool{"A": true, "B": false}, false},
		{"A && B", map[string]bool{"A": true, "B": true}, true},
		{"A || B", map[string]bool{"A": false, "B": true}, true},
		{"!A", map[string]bool{"A": false}, true},
		{"A && (B || C)", map[string]bool{"A": true, "B": false, "C": true}, true},
		{"A and not B", map[string]bool{"A": true, "B": false}, true},
		{"A or B and C", map[string]bool{"A": false, "B": true, "C": true}, true},
	}
	for _, tt := range tests {
		node, err := parseExpr(tt.expr)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, node.eval(tt.vals), tt.expr)
	}

	for _, bad := range []string{"", "A &&", "(A", "A ) B", "&& A"} {
		_, err := parseExpr(bad)
		assert.Error(t, err, bad)
	}
}

type compositeFetcher struct {
	strategies []model.Strategy
}

func (f *compositeFetcher) FetchStrategies(context.Context) ([]model.Strategy, error) {
	return f.strategies, nil
}
func (f *compositeFetcher) FetchAssignRules(context.Context) ([]model.AssignRule, error) {
	return nil, nil
}
func (f *compositeFetcher) FetchUserGroups(context.Context) ([]model.UserGroup, error) {
	return nil, nil
}
func (f *compositeFetcher) FetchShields(context.Context) ([]model.Shield, error) { return nil, nil }
func (f *compositeFetcher) FetchHosts(context.Context) ([]model.Host, error)     { return nil, nil }
func (f *compositeFetcher) FetchTopology(context.Context) ([]model.TopoNode, error) {
	return nil, nil
}
func (f *compositeFetcher) FetchServiceInstances(context.Context) ([]model.ServiceInstance, error) {
	return nil, nil
}

func tsStrategy(id int) model.Strategy {
	return model.Strategy{
		ID: id, BkBizID: 2, IsEnabled: true,
		Items: []model.Item{{
			ID: id * 10, StrategyID: id,
			QueryConfigs: []model.QueryConfig{{DataTypeLabel: "time_series", MetricField: "m", AggInterval: 60}},
			Algorithms:   []model.AlgorithmConfig{{Type: model.AlgoThreshold, Level: 2}},
		}},
	}
}

func newTestWorker(t *testing.T) (*Worker, *index.MemStore, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	f := &compositeFetcher{strategies: []model.Strategy{
		tsStrategy(1),
		tsStrategy(2),
		{
			ID: 9, Name: "gateway and db down", BkBizID: 2, IsEnabled: true,
			Composite: &model.CompositeConfig{
				Expression: "A && B",
				Conditions: []model.CompositeCondition{
					{Alias: "A", StrategyID: 1},
					{Alias: "B", StrategyID: 2},
				},
			},
		},
	}}
	cache := configcache.New(f, 0, nil)
	require.NoError(t, cache.Refresh(context.Background()))

	store := index.NewMemStore()
	w := NewWorker(store, cache, queue.New(rdb, "test", 1, 1000), rdb, nil)
	w.RetryDelay = 10 * time.Millisecond
	w.Now = func() time.Time { return time.Unix(1700000000, 0) }
	return w, store, rdb
}

func openAlert(t *testing.T, store *index.MemStore, id string, strategyID int, level int) *model.Alert {
	t.Helper()
	a := &model.Alert{
		ID: id, DedupeMD5: "dedupe-" + id, StrategyID: strategyID,
		Status: model.StatusAbnormal, Severity: level,
	}
	require.NoError(t, store.UpsertAlert(context.Background(), a))
	return a
}

func anomalyStreamRecords(t *testing.T, rdb *redis.Client, q *queue.Queues) []model.AnomalyRecord {
	t.Helper()
	entries, err := rdb.XRange(context.Background(), q.StreamKey(queue.StreamAnomaly, 0), "-", "+").Result()
	require.NoError(t, err)
	out := make([]model.AnomalyRecord, 0, len(entries))
	for _, e := range entries {
		var rec model.AnomalyRecord
		require.NoError(t, json.Unmarshal([]byte(e.Values["payload"].(string)), &rec))
		out = append(out, rec)
	}
	return out
}

func TestExpressionFlipEmitsAnomalyThenRecovery(t *testing.T) {
	w, store, rdb := newTestWorker(t)
	ctx := context.Background()

	a1 := openAlert(t, store, "a1", 1, 2)
	tr := &model.AlertTransition{AlertID: a1.ID, StrategyID: 1, DedupeMD5: a1.DedupeMD5, Status: model.StatusAbnormal}

	// only A open: expression still false, nothing emitted
	require.NoError(t, w.Handle(ctx, tr))
	assert.Empty(t, anomalyStreamRecords(t, rdb, w.Queues))

	a2 := openAlert(t, store, "a2", 2, 2)
	tr2 := &model.AlertTransition{AlertID: a2.ID, StrategyID: 2, DedupeMD5: a2.DedupeMD5, Status: model.StatusAbnormal}
	require.NoError(t, w.Handle(ctx, tr2))

	recs := anomalyStreamRecords(t, rdb, w.Queues)
	require.Len(t, recs, 1)
	assert.Equal(t, model.RecordAnomaly, recs[0].Kind)
	assert.Equal(t, 9, recs[0].StrategyID)
	assert.Equal(t, model.LevelWarning, recs[0].Level)

	// still true: no duplicate
	require.NoError(t, w.Handle(ctx, tr2))
	assert.Len(t, anomalyStreamRecords(t, rdb, w.Queues), 1)

	// close B, expression flips back
	a2.Status = model.StatusRecovered
	require.NoError(t, store.UpsertAlert(ctx, a2))
	require.NoError(t, w.Handle(ctx, tr2))

	recs = anomalyStreamRecords(t, rdb, w.Queues)
	require.Len(t, recs, 2)
	assert.Equal(t, model.RecordRecovery, recs[1].Kind)
	assert.Equal(t, recs[0].DedupeMD5, recs[1].DedupeMD5)
}

func TestExpressionCompiledOncePerSnapshot(t *testing.T) {
	w, store, _ := newTestWorker(t)
	ctx := context.Background()

	a1 := openAlert(t, store, "a1", 1, 2)
	tr := &model.AlertTransition{AlertID: a1.ID, StrategyID: 1, DedupeMD5: a1.DedupeMD5, Status: model.StatusAbnormal}
	require.NoError(t, w.Handle(ctx, tr))

	oldKey := exprKey{strategyID: 9, version: w.Cache.Current().Version}
	w.mu.Lock()
	_, ok := w.compiled[oldKey]
	w.mu.Unlock()
	require.True(t, ok)

	// a new snapshot recompiles and drops entries of the old version
	require.NoError(t, w.Cache.Refresh(ctx))
	require.NoError(t, w.Handle(ctx, tr))
	w.mu.Lock()
	_, stale := w.compiled[oldKey]
	_, fresh := w.compiled[exprKey{strategyID: 9, version: w.Cache.Current().Version}]
	w.mu.Unlock()
	assert.False(t, stale)
	assert.True(t, fresh)
}

func TestMissingAlertReschedulesWithBound(t *testing.T) {
	w, _, rdb := newTestWorker(t)
	ctx := context.Background()

	tr := &model.AlertTransition{AlertID: "ghost", StrategyID: 1, DedupeMD5: "d1", Status: model.StatusAbnormal}
	require.NoError(t, w.Handle(ctx, tr))

	transitionStream := w.Queues.StreamKey(queue.StreamTransition, 0)
	require.Eventually(t, func() bool {
		n, err := rdb.XLen(context.Background(), transitionStream).Result()
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)

	entries, err := rdb.XRange(ctx, transitionStream, "-", "+").Result()
	require.NoError(t, err)
	var next model.AlertTransition
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["payload"].(string)), &next))
	assert.Equal(t, 1, next.RetryTimes)

	// past the inclusive bound: dropped, nothing rescheduled
	tr.RetryTimes = 3
	require.NoError(t, w.Handle(ctx, tr))
	time.Sleep(50 * time.Millisecond)
	n, err := rdb.XLen(ctx, transitionStream).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestProducingStrategyNotReentered(t *testing.T) {
	w, store, rdb := newTestWorker(t)
	ctx := context.Background()

	// wire a self-referencing composite
	f := &compositeFetcher{strategies: []model.Strategy{{
		ID: 9, Name: "self", BkBizID: 2, IsEnabled: true,
		Composite: &model.CompositeConfig{
			Expression: "A",
			Conditions: []model.CompositeCondition{{Alias: "A", StrategyID: 9}},
		},
	}}}
	cache := configcache.New(f, 0, nil)
	require.NoError(t, cache.Refresh(ctx))
	w.Cache = cache

	a := openAlert(t, store, "a9", 9, 2)
	tr := &model.AlertTransition{AlertID: a.ID, StrategyID: 9, DedupeMD5: a.DedupeMD5, Status: model.StatusAbnormal}
	require.NoError(t, w.Handle(ctx, tr))
	assert.Empty(t, anomalyStreamRecords(t, rdb, w.Queues))
}
