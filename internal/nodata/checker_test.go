package nodata

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
	"github.com/alertpipe/alertpipe/internal/model"
	"github.com/alertpipe/alertpipe/internal/queue"
)

type nodataFetcher struct {
	strategies []model.Strategy
}

func (f *nodataFetcher) FetchStrategies(context.Context) ([]model.Strategy, error) {
	return f.strategies, nil
}
func (f *nodataFetcher) FetchAssignRules(context.Context) ([]model.AssignRule, error) {
	return nil, nil
}
func (f *nodataFetcher) FetchUserGroups(context.Context) ([]model.UserGroup, error) {
	return nil, nil
}
func (f *nodataFetcher) FetchShields(context.Context) ([]model.Shield, error) { return nil, nil }
func (f *nodataFetcher) FetchHosts(context.Context) ([]model.Host, error)     { return nil, nil }
func (f *nodataFetcher) FetchTopology(context.Context) ([]model.TopoNode, error) {
	return nil, nil
}
func (f *nodataFetcher) FetchServiceInstances(context.Context) ([]model.ServiceInstance, error) {
	return nil, nil
}

func newTestChecker(t *testing.T) (*Checker, *Tracker, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	f := &nodataFetcher{strategies: []model.Strategy{{
		ID: 1, BkBizID: 2, IsEnabled: true,
		Items: []model.Item{{
			ID: 10, StrategyID: 1,
			QueryConfigs: []model.QueryConfig{{DataTypeLabel: "time_series", MetricField: "m", AggInterval: 60}},
			Algorithms:   []model.AlgorithmConfig{{Type: model.AlgoThreshold, Level: 2}},
			NoDataConfig: model.NoDataConfig{IsEnabled: true, Continuous: 5, Level: 2},
		}},
	}}}
	cache := configcache.New(f, 0, nil)
	require.NoError(t, cache.Refresh(context.Background()))

	c := NewChecker(cache, queue.New(rdb, "test", 1, 1000), rdb, nil, nil, "node-a", 55)
	c.Now = func() time.Time { return time.Unix(1700000600, 0) }
	return c, NewTracker(rdb), rdb
}

func anomalyRecords(t *testing.T, rdb *redis.Client, q *queue.Queues) []model.AnomalyRecord {
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

func TestQuietSeriesSynthesizesAnomalyOnce(t *testing.T) {
	c, tr, rdb := newTestChecker(t)
	ctx := context.Background()
	now := c.Now()

	point := &model.DataPoint{
		Timestamp:  now.Unix() - 400, // 400s quiet > 5 * 60s
		Dimensions: map[string]string{"ip": "10.0.0.1"},
		StrategyID: 1, ItemID: 10,
	}
	point.DimsMD5 = model.DimensionsMD5(point.Dimensions)
	require.NoError(t, tr.Observe(ctx, point))
	require.NoError(t, tr.MarkRun(ctx, 1, now))

	require.NoError(t, c.Check(ctx))
	recs := anomalyRecords(t, rdb, c.Queues)
	require.Len(t, recs, 1)
	assert.Equal(t, model.RecordNoData, recs[0].Kind)
	assert.Equal(t, 2, recs[0].Level)
	assert.Equal(t, map[string]string{"ip": "10.0.0.1"}, recs[0].Dimensions)

	// second scan: still quiet, no duplicate
	require.NoError(t, c.Check(ctx))
	assert.Len(t, anomalyRecords(t, rdb, c.Queues), 1)
}

func TestDataResumingEmitsRecovery(t *testing.T) {
	c, tr, rdb := newTestChecker(t)
	ctx := context.Background()
	now := c.Now()

	point := &model.DataPoint{
		Timestamp:  now.Unix() - 400,
		Dimensions: map[string]string{"ip": "10.0.0.1"},
		StrategyID: 1, ItemID: 10,
	}
	point.DimsMD5 = model.DimensionsMD5(point.Dimensions)
	require.NoError(t, tr.Observe(ctx, point))
	require.NoError(t, tr.MarkRun(ctx, 1, now))
	require.NoError(t, c.Check(ctx))
	require.Len(t, anomalyRecords(t, rdb, c.Queues), 1)

	// data resumes
	point.Timestamp = now.Unix() - 30
	require.NoError(t, tr.Observe(ctx, point))
	require.NoError(t, c.Check(ctx))

	recs := anomalyRecords(t, rdb, c.Queues)
	require.Len(t, recs, 2)
	assert.Equal(t, model.RecordRecovery, recs[1].Kind)
	assert.Equal(t, recs[0].DedupeMD5, recs[1].DedupeMD5)
}

func TestUnhealthyAccessSkipsJudgment(t *testing.T) {
	c, tr, rdb := newTestChecker(t)
	ctx := context.Background()
	now := c.Now()

	point := &model.DataPoint{
		Timestamp:  now.Unix() - 400,
		Dimensions: map[string]string{"ip": "10.0.0.1"},
		StrategyID: 1, ItemID: 10,
	}
	point.DimsMD5 = model.DimensionsMD5(point.Dimensions)
	require.NoError(t, tr.Observe(ctx, point))
	// access last ran beyond the grace window
	require.NoError(t, tr.MarkRun(ctx, 1, now.Add(-10*time.Minute)))

	require.NoError(t, c.Check(ctx))
	assert.Empty(t, anomalyRecords(t, rdb, c.Queues))
}

func TestLeaderElectionIsExclusive(t *testing.T) {
	c, _, rdb := newTestChecker(t)
	ctx := context.Background()

	lead, err := c.tryLead(ctx)
	require.NoError(t, err)
	assert.True(t, lead)

	// re-entrant for the same instance
	lead, err = c.tryLead(ctx)
	require.NoError(t, err)
	assert.True(t, lead)

	other := NewChecker(c.Cache, c.Queues, rdb, nil, nil, "node-b", 55)
	lead, err = other.tryLead(ctx)
	require.NoError(t, err)
	assert.False(t, lead)
}

func TestUntilNextTickHitsOffset(t *testing.T) {
	c, _, _ := newTestChecker(t)
	c.Now = func() time.Time { return time.Date(2024, 1, 1, 10, 30, 20, 0, time.UTC) }
	assert.Equal(t, 35*time.Second, c.untilNextTick())

	c.Now = func() time.Time { return time.Date(2024, 1, 1, 10, 30, 55, 0, time.UTC) }
	assert.Equal(t, time.Minute, c.untilNextTick())
}
