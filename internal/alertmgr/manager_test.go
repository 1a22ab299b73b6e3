package alertmgr

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
	"github.com/alertpipe/alertpipe/internal/metrics"
	"github.com/alertpipe/alertpipe/internal/model"
	"github.com/alertpipe/alertpipe/internal/queue"
)

type stubFetcher struct {
	strategies []model.Strategy
	rules      []model.AssignRule
	groups     []model.UserGroup
	shields    []model.Shield
}

func (f *stubFetcher) FetchStrategies(context.Context) ([]model.Strategy, error) {
	return f.strategies, nil
}
func (f *stubFetcher) FetchAssignRules(context.Context) ([]model.AssignRule, error) {
	return f.rules, nil
}
func (f *stubFetcher) FetchUserGroups(context.Context) ([]model.UserGroup, error) {
	return f.groups, nil
}
func (f *stubFetcher) FetchShields(context.Context) ([]model.Shield, error) { return f.shields, nil }
func (f *stubFetcher) FetchHosts(context.Context) ([]model.Host, error)    { return nil, nil }
func (f *stubFetcher) FetchTopology(context.Context) ([]model.TopoNode, error) {
	return nil, nil
}
func (f *stubFetcher) FetchServiceInstances(context.Context) ([]model.ServiceInstance, error) {
	return nil, nil
}

type testEnv struct {
	mgr   *Manager
	store *index.MemStore
	q     *queue.Queues
	rdb   *redis.Client
	now   time.Time
}

func newTestEnv(t *testing.T, f *stubFetcher) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	cache := configcache.New(f, 0, nil)
	require.NoError(t, cache.Refresh(context.Background()))

	env := &testEnv{
		store: index.NewMemStore(),
		q:     queue.New(rdb, "test", 1, 1000),
		rdb:   rdb,
		now:   time.Unix(1700000000, 0),
	}
	env.mgr = NewManager(env.store, cache, env.q, NewLocker(rdb, 0), metrics.New())
	env.mgr.Now = func() time.Time { return env.now }
	return env
}

func (e *testEnv) streamLen(t *testing.T, name string) int {
	t.Helper()
	n, err := e.rdb.XLen(context.Background(), e.q.StreamKey(name, 0)).Result()
	require.NoError(t, err)
	return int(n)
}

func anomalyRecord(level int, first, last int64) *model.AnomalyRecord {
	rec := &model.AnomalyRecord{
		Kind:             model.RecordAnomaly,
		StrategyID:       1,
		ItemID:           10,
		BkBizID:          2,
		DimsMD5:          model.DimensionsMD5(map[string]string{"ip": "10.0.0.1"}),
		Dimensions:       map[string]string{"ip": "10.0.0.1"},
		Level:            level,
		FirstAnomalyTime: first,
		LastAnomalyTime:  last,
		Value:            95,
		Message:          "当前指标值(95) >= 90",
	}
	rec.Fingerprint()
	return rec
}

func baseFetcher() *stubFetcher {
	return &stubFetcher{
		strategies: []model.Strategy{{
			ID: 1, Name: "cpu high", BkBizID: 2, IsEnabled: true,
			Items: []model.Item{{
				ID: 10, StrategyID: 1,
				QueryConfigs: []model.QueryConfig{{DataTypeLabel: "time_series", MetricField: "cpu_usage", AggInterval: 60}},
				Algorithms:   []model.AlgorithmConfig{{Type: model.AlgoThreshold, Level: 2}},
			}},
			Notice: model.NoticeRelation{UserGroupIDs: []int{100}},
		}},
		groups: []model.UserGroup{{ID: 100, Name: "oncall", Members: []string{"alice", "bob"}}},
	}
}

func TestOpenUpdateRecover(t *testing.T) {
	env := newTestEnv(t, baseFetcher())
	ctx := context.Background()

	rec := anomalyRecord(2, 60, 120)
	require.NoError(t, env.mgr.Process(ctx, rec))

	alert, err := env.store.GetOpenAlert(ctx, rec.DedupeMD5)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, model.StatusAbnormal, alert.Status)
	assert.Equal(t, model.StageChecking, alert.Stage)
	assert.Equal(t, 2, alert.Severity)
	assert.EqualValues(t, 1, alert.EventCount)
	assert.Equal(t, "cpu high", alert.AlertName)
	assert.Equal(t, []string{"alice", "bob"}, alert.Appointee)
	assert.Equal(t, 1, env.streamLen(t, queue.StreamAction))
	assert.Equal(t, 1, env.streamLen(t, queue.StreamTransition))

	action, err := env.store.GetAction(ctx, model.ActionID(alert.ID, model.SignalAbnormal, 0))
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, model.ActionReceived, action.Status)
	assert.Equal(t, []string{"alice", "bob"}, action.Receivers)

	// later anomaly updates in place
	require.NoError(t, env.mgr.Process(ctx, anomalyRecord(2, 60, 180)))
	alert, err = env.store.GetOpenAlert(ctx, rec.DedupeMD5)
	require.NoError(t, err)
	assert.EqualValues(t, 2, alert.EventCount)
	assert.EqualValues(t, 180, alert.LastAnomalyTime)

	recovery := anomalyRecord(2, 60, 300)
	recovery.Kind = model.RecordRecovery
	recovery.Message = "连续2个周期无异常, 告警恢复"
	require.NoError(t, env.mgr.Process(ctx, recovery))

	closed, err := env.store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRecovered, closed.Status)
	assert.Equal(t, model.StageClosed, closed.Stage)
	assert.EqualValues(t, 300, closed.EndTime)

	open, err := env.store.GetOpenAlert(ctx, rec.DedupeMD5)
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestSeverityCoalescesToMostSevere(t *testing.T) {
	env := newTestEnv(t, baseFetcher())
	ctx := context.Background()

	first := anomalyRecord(2, 60, 120)
	require.NoError(t, env.mgr.Process(ctx, first))

	// a level 1 record shares the key only through its own dedupe; use
	// the same one to model coalescing severity on an open alert
	severe := anomalyRecord(1, 60, 180)
	severe.DedupeMD5 = first.DedupeMD5
	require.NoError(t, env.mgr.Process(ctx, severe))

	alert, err := env.store.GetOpenAlert(ctx, first.DedupeMD5)
	require.NoError(t, err)
	assert.Equal(t, 1, alert.Severity)
	// severity change republishes the transition
	assert.Equal(t, 2, env.streamLen(t, queue.StreamTransition))
}

func TestReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t, baseFetcher())
	ctx := context.Background()

	rec := anomalyRecord(2, 60, 120)
	require.NoError(t, env.mgr.Process(ctx, rec))
	require.NoError(t, env.mgr.Process(ctx, anomalyRecord(2, 60, 120)))

	alert, err := env.store.GetOpenAlert(ctx, rec.DedupeMD5)
	require.NoError(t, err)
	assert.EqualValues(t, 1, alert.EventCount)
	assert.Equal(t, 1, env.streamLen(t, queue.StreamAction))
}

func TestShieldSkipsAction(t *testing.T) {
	f := baseFetcher()
	f.shields = []model.Shield{{
		ID: 5, BkBizID: 2, Category: "strategy", StrategyIDs: []int{1},
		BeginTime: 0, EndTime: 0,
	}}
	env := newTestEnv(t, f)
	ctx := context.Background()

	rec := anomalyRecord(2, 60, 120)
	require.NoError(t, env.mgr.Process(ctx, rec))

	alert, err := env.store.GetOpenAlert(ctx, rec.DedupeMD5)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, 5, alert.ExtraInfo["shield_id"])

	action, err := env.store.GetAction(ctx, model.ActionID(alert.ID, model.SignalAbnormal, 0))
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, model.ActionSkipped, action.Status)
	assert.Equal(t, 0, env.streamLen(t, queue.StreamAction))
}

func TestAssignmentPriorityOrder(t *testing.T) {
	f := baseFetcher()
	f.groups = append(f.groups,
		model.UserGroup{ID: 200, Name: "db team", Members: []string{"carol"}},
		model.UserGroup{ID: 300, Name: "net team", Members: []string{"dave"}},
	)
	f.rules = []model.AssignRule{
		{ID: 1, Priority: 1, BkBizID: 2, IsEnabled: true, UserGroups: []int{300}},
		{ID: 2, Priority: 9, BkBizID: 2, IsEnabled: true, UserGroups: []int{200},
			Conditions: []model.FilterCondition{{Key: "ip", Method: "eq", Values: []string{"10.0.0.1"}}}},
	}
	env := newTestEnv(t, f)
	ctx := context.Background()

	rec := anomalyRecord(2, 60, 120)
	require.NoError(t, env.mgr.Process(ctx, rec))

	alert, err := env.store.GetOpenAlert(ctx, rec.DedupeMD5)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, alert.Appointee)
}

func TestUpgradeEscalatesOncePerGroup(t *testing.T) {
	f := baseFetcher()
	f.strategies[0].Notice.UpgradeInterval = 30
	f.strategies[0].Notice.UpgradeGroupIDs = []int{200, 300}
	f.groups = append(f.groups,
		model.UserGroup{ID: 200, Members: []string{"carol"}},
		model.UserGroup{ID: 300, Members: []string{"dave"}},
	)
	env := newTestEnv(t, f)
	ctx := context.Background()

	require.NoError(t, env.mgr.Process(ctx, anomalyRecord(2, 60, 120)))
	rec := anomalyRecord(2, 60, 180)

	// not old enough yet
	require.NoError(t, env.mgr.Process(ctx, rec))
	alert, err := env.store.GetOpenAlert(ctx, rec.DedupeMD5)
	require.NoError(t, err)
	assert.Zero(t, alert.LastUpgradeGroup)

	env.now = env.now.Add(31 * time.Minute)
	require.NoError(t, env.mgr.Process(ctx, anomalyRecord(2, 60, 240)))
	alert, err = env.store.GetOpenAlert(ctx, rec.DedupeMD5)
	require.NoError(t, err)
	assert.Equal(t, 200, alert.LastUpgradeGroup)

	upgrade, err := env.store.GetAction(ctx, model.ActionID(alert.ID, model.SignalUpgrade, 200))
	require.NoError(t, err)
	require.NotNil(t, upgrade)
	assert.Equal(t, []string{"carol"}, upgrade.Receivers)

	// same interval, same group: no second escalation
	require.NoError(t, env.mgr.Process(ctx, anomalyRecord(2, 60, 300)))
	alert, err = env.store.GetOpenAlert(ctx, rec.DedupeMD5)
	require.NoError(t, err)
	assert.Equal(t, 200, alert.LastUpgradeGroup)

	env.now = env.now.Add(31 * time.Minute)
	require.NoError(t, env.mgr.Process(ctx, anomalyRecord(2, 60, 360)))
	alert, err = env.store.GetOpenAlert(ctx, rec.DedupeMD5)
	require.NoError(t, err)
	assert.Equal(t, 300, alert.LastUpgradeGroup)
}

func TestRunConsumesAnomalyStream(t *testing.T) {
	env := newTestEnv(t, baseFetcher())
	ctx, cancel := context.WithCancel(context.Background())

	rec := anomalyRecord(2, 60, 120)
	require.NoError(t, env.q.Publish(ctx, queue.StreamAnomaly, rec.DedupeMD5, rec))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = env.mgr.Run(ctx, 0, "mgr-0")
	}()

	require.Eventually(t, func() bool {
		alert, err := env.store.GetOpenAlert(context.Background(), rec.DedupeMD5)
		return err == nil && alert != nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

func TestTransitionPayloadShape(t *testing.T) {
	env := newTestEnv(t, baseFetcher())
	ctx := context.Background()

	rec := anomalyRecord(2, 60, 120)
	require.NoError(t, env.mgr.Process(ctx, rec))

	entries, err := env.rdb.XRange(ctx, env.q.StreamKey(queue.StreamTransition, 0), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var tr model.AlertTransition
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["payload"].(string)), &tr))
	assert.Equal(t, rec.DedupeMD5, tr.DedupeMD5)
	assert.Equal(t, model.StatusAbnormal, tr.Status)
	assert.Equal(t, 1, tr.StrategyID)
}
